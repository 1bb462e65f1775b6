// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tube

import (
	"encoding/binary"

	"github.com/packetd/tubez/internal/bufpool"
)

const maxBodyLen = 0xffff

// EncodeFrame 将 f 编码为一段连续字节: 1 字节 tag + 2 字节大端 body 长度 + body (§4.1/4.2)
//
// 纯函数 不持有跨调用的状态 body 长度超过 65535 时返回 BodyTooLarge
func EncodeFrame(f Frame) ([]byte, error) {
	body, err := encodeBody(f)
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyLen {
		return nil, ErrBodyTooLarge(len(body))
	}

	buf := bufpool.Acquire()
	defer bufpool.Release(buf)

	buf.WriteByte(byte(f.Tag))
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(body)))
	buf.Write(lenBytes[:])
	buf.Write(body)

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func encodeBody(f Frame) ([]byte, error) {
	switch f.Tag {
	case TagNewTube:
		headerBlock := encodeHeaderBlock(f.Headers)
		if len(headerBlock) > maxBodyLen-2 {
			return nil, ErrBodyTooLarge(len(headerBlock) + 2)
		}
		body := make([]byte, 2+len(headerBlock))
		binary.BigEndian.PutUint16(body[0:2], f.TubeID)
		copy(body[2:], headerBlock)
		return body, nil

	case TagPayload:
		ackFlag := byte(0)
		extra := 0
		if f.AckRequested {
			ackFlag = 1
			extra = 2
		}
		body := make([]byte, 2+1+extra+len(f.Data))
		binary.BigEndian.PutUint16(body[0:2], f.TubeID)
		body[2] = ackFlag
		off := 3
		if f.AckRequested {
			binary.BigEndian.PutUint16(body[off:off+2], f.AckID)
			off += 2
		}
		copy(body[off:], f.Data)
		return body, nil

	case TagPayloadAck:
		body := make([]byte, 4)
		binary.BigEndian.PutUint16(body[0:2], f.TubeID)
		binary.BigEndian.PutUint16(body[2:4], f.AckID)
		return body, nil

	case TagClientHasFinishedSending, TagServerHasFinishedSending, TagAbortAck:
		body := make([]byte, 2)
		binary.BigEndian.PutUint16(body[0:2], f.TubeID)
		return body, nil

	case TagAbort:
		body := make([]byte, 3)
		binary.BigEndian.PutUint16(body[0:2], f.TubeID)
		body[2] = byte(f.Reason)
		return body, nil

	case TagDrain:
		return nil, nil

	default:
		return nil, ErrUnknownFrameTag(byte(f.Tag))
	}
}
