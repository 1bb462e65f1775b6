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

	"github.com/mitchellh/mapstructure"
)

// encodeHeaderBlock 按 §4.1 编码头部集合: u16 count 后跟 count 个
// (u16 name_len, name_bytes, u16 value_len, value_bytes) 条目
//
// 调用方需自行保证结果长度不超过帧体的 2 字节上限 (encoder.go 负责校验)
func encodeHeaderBlock(headers map[string]string) []byte {
	if len(headers) > 0xffff {
		headers = nil // unreachable in practice; NewTube frames never carry this many headers
	}

	size := 2
	for name, value := range headers {
		size += 2 + len(name) + 2 + len(value)
	}

	out := make([]byte, size)
	binary.BigEndian.PutUint16(out[0:2], uint16(len(headers)))
	off := 2
	for name, value := range headers {
		binary.BigEndian.PutUint16(out[off:off+2], uint16(len(name)))
		off += 2
		off += copy(out[off:], name)
		binary.BigEndian.PutUint16(out[off:off+2], uint16(len(value)))
		off += 2
		off += copy(out[off:], value)
	}
	return out
}

// decodeHeaderBlock 解析 body 开头的头部集合 返回解析出的 map 与消耗的字节数
//
// 任何长度字段越界都视为 MalformedFrame 字段名为越界处的 header_count、
// header_name_len、header_name、header_value_len 或 header_value
func decodeHeaderBlock(tag Tag, body []byte) (map[string]string, int, error) {
	if len(body) < 2 {
		return nil, 0, ErrMalformedFrame(byte(tag), "header_count")
	}
	count := binary.BigEndian.Uint16(body[0:2])
	off := 2
	headers := make(map[string]string, count)
	for i := uint16(0); i < count; i++ {
		if len(body)-off < 2 {
			return nil, 0, ErrMalformedFrame(byte(tag), "header_name_len")
		}
		nameLen := int(binary.BigEndian.Uint16(body[off : off+2]))
		off += 2
		if len(body)-off < nameLen {
			return nil, 0, ErrMalformedFrame(byte(tag), "header_name")
		}
		name := string(body[off : off+nameLen])
		off += nameLen

		if len(body)-off < 2 {
			return nil, 0, ErrMalformedFrame(byte(tag), "header_value_len")
		}
		valueLen := int(binary.BigEndian.Uint16(body[off : off+2]))
		off += 2
		if len(body)-off < valueLen {
			return nil, 0, ErrMalformedFrame(byte(tag), "header_value")
		}
		value := string(body[off : off+valueLen])
		off += valueLen

		headers[name] = value
	}
	return headers, off, nil
}

// DecodeHeaders 将 NewTube 帧携带的字符串头部集合绑定到任意结构体
//
// 供上层在 OnNewTube 回调中解析应用层约定的头部 (例如目标地址、认证令牌)
// 而不必在 tube 包内预先定义这些字段
func DecodeHeaders(headers map[string]string, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "header",
	})
	if err != nil {
		return err
	}
	return dec.Decode(headers)
}
