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
	"bytes"
	"encoding/binary"

	"github.com/packetd/tubez/internal/bufpool"
)

type decoderState int

const (
	stateAwaitingTag decoderState = iota
	stateAwaitingLength
	stateAwaitingBody
)

// Decoder is the §4.3 stateful streaming parser. It is not safe for
// concurrent use; per §5 inbound bytes are owned solely by one driver task.
type Decoder struct {
	state    decoderState
	tag      Tag
	length   int
	accum    *bytes.Buffer // accumulated bytes for the in-flight partial frame
	poisoned error
}

// NewDecoder allocates a decoder with a pooled accumulation buffer. Close
// returns that buffer to the pool once the owning channel is torn down.
func NewDecoder() *Decoder {
	return &Decoder{state: stateAwaitingTag, accum: bufpool.Acquire()}
}

// Close releases the decoder's scratch buffer back to the shared pool. The
// decoder must not be used afterward.
func (d *Decoder) Close() {
	bufpool.Release(d.accum)
}

// Feed appends b to the internal accumulation and returns every frame fully
// decoded as a result, in order. Leftover partial-frame bytes are retained
// for the next call (concatenation independence, §8 property 2).
//
// Once poisoned by a wire error, Feed returns that same error on every
// subsequent call without consuming input.
func (d *Decoder) Feed(b []byte) ([]Frame, error) {
	if d.poisoned != nil {
		return nil, d.poisoned
	}

	d.accum.Write(b)

	var out []Frame
	for {
		switch d.state {
		case stateAwaitingTag:
			if d.accum.Len() < 1 {
				return out, nil
			}
			raw := d.accum.Next(1)[0]
			d.tag = Tag(raw)
			if !knownTag(d.tag) {
				d.poisoned = ErrUnknownFrameTag(raw)
				return out, d.poisoned
			}
			d.state = stateAwaitingLength

		case stateAwaitingLength:
			if d.accum.Len() < 2 {
				return out, nil
			}
			lb := d.accum.Next(2)
			d.length = int(binary.BigEndian.Uint16(lb))
			d.state = stateAwaitingBody

		case stateAwaitingBody:
			if d.accum.Len() < d.length {
				return out, nil
			}
			body := d.accum.Next(d.length)
			frame, err := decodeBody(d.tag, body)
			if err != nil {
				d.poisoned = err
				return out, err
			}
			out = append(out, frame)
			d.state = stateAwaitingTag
		}
	}
}

func knownTag(t Tag) bool {
	switch t {
	case TagNewTube, TagPayload, TagPayloadAck, TagClientHasFinishedSending,
		TagServerHasFinishedSending, TagAbort, TagAbortAck, TagDrain:
		return true
	default:
		return false
	}
}

func decodeBody(tag Tag, body []byte) (Frame, error) {
	switch tag {
	case TagNewTube:
		if len(body) < 2 {
			return Frame{}, ErrMalformedFrame(byte(tag), "tube_id")
		}
		tubeID := binary.BigEndian.Uint16(body[0:2])
		headers, _, err := decodeHeaderBlock(tag, body[2:])
		if err != nil {
			return Frame{}, err
		}
		return NewTubeFrame(tubeID, headers), nil

	case TagPayload:
		if len(body) < 3 {
			return Frame{}, ErrMalformedFrame(byte(tag), "tube_id/ack_flag")
		}
		tubeID := binary.BigEndian.Uint16(body[0:2])
		ackFlag := body[2]
		off := 3
		var ackID uint16
		ackRequested := false
		switch ackFlag {
		case 0:
			// no ack_id present
		case 1:
			if len(body)-off < 2 {
				return Frame{}, ErrMalformedFrame(byte(tag), "ack_id")
			}
			ackID = binary.BigEndian.Uint16(body[off : off+2])
			off += 2
			ackRequested = true
		default:
			return Frame{}, ErrMalformedFrame(byte(tag), "ack_flag")
		}
		data := append([]byte(nil), body[off:]...)
		return PayloadFrame(tubeID, data, ackID, ackRequested), nil

	case TagPayloadAck:
		if len(body) != 4 {
			return Frame{}, ErrMalformedFrame(byte(tag), "tube_id/ack_id")
		}
		tubeID := binary.BigEndian.Uint16(body[0:2])
		ackID := binary.BigEndian.Uint16(body[2:4])
		return PayloadAckFrame(tubeID, ackID), nil

	case TagClientHasFinishedSending:
		tubeID, err := decodeTubeIDOnly(tag, body)
		if err != nil {
			return Frame{}, err
		}
		return ClientHasFinishedSendingFrame(tubeID), nil

	case TagServerHasFinishedSending:
		tubeID, err := decodeTubeIDOnly(tag, body)
		if err != nil {
			return Frame{}, err
		}
		return ServerHasFinishedSendingFrame(tubeID), nil

	case TagAbort:
		if len(body) != 3 {
			return Frame{}, ErrMalformedFrame(byte(tag), "tube_id/reason")
		}
		tubeID := binary.BigEndian.Uint16(body[0:2])
		reason := decodeAbortReason(body[2])
		return AbortFrame(tubeID, reason), nil

	case TagAbortAck:
		tubeID, err := decodeTubeIDOnly(tag, body)
		if err != nil {
			return Frame{}, err
		}
		return AbortAckFrame(tubeID), nil

	case TagDrain:
		if len(body) != 0 {
			return Frame{}, ErrMalformedFrame(byte(tag), "body")
		}
		return DrainFrame(), nil

	default:
		return Frame{}, ErrUnknownFrameTag(byte(tag))
	}
}

func decodeTubeIDOnly(tag Tag, body []byte) (uint16, error) {
	if len(body) != 2 {
		return 0, ErrMalformedFrame(byte(tag), "tube_id")
	}
	return binary.BigEndian.Uint16(body), nil
}
