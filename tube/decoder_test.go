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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeAll(t *testing.T, frames []Frame) []byte {
	t.Helper()
	var out []byte
	for _, f := range frames {
		b, err := EncodeFrame(f)
		require.NoError(t, err)
		out = append(out, b...)
	}
	return out
}

func TestChunkBoundaryIndependence(t *testing.T) {
	frames := []Frame{
		NewTubeFrame(2, map[string]string{"a": "b"}),
		PayloadFrame(2, []byte("the quick brown fox"), 1, true),
		PayloadAckFrame(2, 1),
		ClientHasFinishedSendingFrame(2),
	}
	stream := encodeAll(t, frames)

	whole := decodeAll(t, [][]byte{stream})

	chunkSizes := []int{1, 2, 3, 7, len(stream) / 2, len(stream) - 1}
	for _, size := range chunkSizes {
		var chunks [][]byte
		for i := 0; i < len(stream); i += size {
			end := i + size
			if end > len(stream) {
				end = len(stream)
			}
			chunks = append(chunks, stream[i:end])
		}
		got := decodeAll(t, chunks)
		assert.Equal(t, len(whole), len(got), "chunk size %d", size)
		for i := range whole {
			assertFrameEqual(t, whole[i], got[i])
		}
	}
}

func decodeAll(t *testing.T, chunks [][]byte) []Frame {
	t.Helper()
	d := NewDecoder()
	defer d.Close()
	var all []Frame
	for _, c := range chunks {
		frames, err := d.Feed(c)
		require.NoError(t, err)
		all = append(all, frames...)
	}
	return all
}

func TestTruncatedDecodeRetainsState(t *testing.T) {
	frames := []Frame{
		PayloadFrame(1, []byte("first"), 0, false),
		PayloadFrame(1, []byte("second-frame-body"), 0, false),
		PayloadFrame(1, []byte("third"), 0, false),
	}
	stream := encodeAll(t, frames)

	// Offset of the second frame's midpoint (S5).
	firstLen := len(mustEncode(t, frames[0]))
	secondLen := len(mustEncode(t, frames[1]))
	n := firstLen + secondLen/2

	d := NewDecoder()
	defer d.Close()

	got1, err := d.Feed(stream[:n])
	require.NoError(t, err)
	require.Len(t, got1, 1)
	assertFrameEqual(t, frames[0], got1[0])

	got2, err := d.Feed(stream[n:])
	require.NoError(t, err)
	require.Len(t, got2, 2)
	assertFrameEqual(t, frames[1], got2[0])
	assertFrameEqual(t, frames[2], got2[1])
}

func mustEncode(t *testing.T, f Frame) []byte {
	t.Helper()
	b, err := EncodeFrame(f)
	require.NoError(t, err)
	return b
}

func TestUnknownTagPoisonsDecoder(t *testing.T) {
	d := NewDecoder()
	defer d.Close()

	_, err := d.Feed([]byte{0x7f, 0x00, 0x00})
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	// Subsequent feeds return the same poisoned error without consuming input.
	_, err2 := d.Feed([]byte{0x00, 0x00, 0x00})
	assert.Equal(t, err, err2)
}

func TestMalformedFrameFailsWithField(t *testing.T) {
	d := NewDecoder()
	defer d.Close()

	// Drain frame tag but non-empty body length.
	_, err := d.Feed([]byte{byte(TagDrain), 0x00, 0x01, 0xff})
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "MalformedFrame", e.Code)
}
