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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures every frame handed to it, for assertions on what
// the handler chose to transmit (e.g. a synchronous PayloadAck or AbortAck).
type recordingSink struct {
	frames []Frame
}

func (s *recordingSink) SendFrame(b []byte) error {
	d := NewDecoder()
	defer d.Close()
	frames, err := d.Feed(b)
	if err != nil {
		return err
	}
	s.frames = append(s.frames, frames...)
	return nil
}

func TestHandlePayloadSendsSynchronousAckBeforeEnqueue(t *testing.T) {
	sink := &recordingSink{}
	h := newFrameHandler(PeerServer, sink, nil)
	m := newManager(2)
	require.NoError(t, h.insert(m))
	m.mu.Lock()
	m.enqueue(authenticatedAndReadyEvent())
	m.mu.Unlock()

	_, err := h.handleFrame(PayloadFrame(2, []byte("hi"), 5, true))
	require.NoError(t, err)

	require.Len(t, sink.frames, 1)
	assert.Equal(t, TagPayloadAck, sink.frames[0].Tag)
	assert.Equal(t, uint16(5), sink.frames[0].AckID)

	ev, err := m.events.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventAuthenticatedAndReady, ev.Tag)

	ev, err = m.events.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventPayload, ev.Tag)
	assert.Equal(t, []byte("hi"), ev.Payload)
}

func TestHandlePayloadUntrackedTubeIdIsFatal(t *testing.T) {
	h := newFrameHandler(PeerServer, discardSink{}, nil)
	_, err := h.handleFrame(PayloadFrame(99, []byte("x"), 0, false))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestHandlePayloadAckUntrackedAckIdIsFatal(t *testing.T) {
	h := newFrameHandler(PeerClient, discardSink{}, nil)
	m := newManager(2)
	require.NoError(t, h.insert(m))

	_, err := h.handleFrame(PayloadAckFrame(2, 7))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestHandleNewTubeTwiceIsInsertionError(t *testing.T) {
	h := newFrameHandler(PeerServer, discardSink{}, nil)
	_, err := h.handleFrame(NewTubeFrame(2, nil))
	require.NoError(t, err)

	_, err = h.handleFrame(NewTubeFrame(2, nil))
	require.Error(t, err)
	assert.False(t, IsFatal(err), "a duplicate tube id is a local-state error, not channel-fatal")
}

func TestHandleAbortAlwaysSendsAbortAck(t *testing.T) {
	sink := &recordingSink{}
	h := newFrameHandler(PeerServer, sink, nil)
	m := newManager(3)
	require.NoError(t, h.insert(m))

	_, err := h.handleFrame(AbortFrame(3, AbortReasonApplicationError))
	require.NoError(t, err)

	require.Len(t, sink.frames, 1)
	assert.Equal(t, TagAbortAck, sink.frames[0].Tag)

	_, stillTracked := h.lookup(3)
	assert.False(t, stillTracked, "abort removes the manager entry immediately, §4.5")
}

func TestHandleDuplicateAbortFrameIsFatal(t *testing.T) {
	h := newFrameHandler(PeerServer, &recordingSink{}, nil)
	m := newManager(4)
	m.completion = StateAbortedFromRemote
	require.NoError(t, h.insert(m))

	_, err := h.handleFrame(AbortFrame(4, AbortReasonApplicationError))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestIdReuseAfterAbortAck(t *testing.T) {
	// §8 property 6: a tube_id may be reused once its AbortAck is observed.
	h := newFrameHandler(PeerClient, discardSink{}, nil)
	m := newManager(2)
	m.completion = StateAbortedFromLocal
	m.abortPendingID = true
	require.NoError(t, h.insert(m))

	_, err := h.handleFrame(AbortAckFrame(2))
	require.NoError(t, err)

	_, stillTracked := h.lookup(2)
	assert.False(t, stillTracked)

	// Id 2 is now free to be reinserted under a fresh manager.
	require.NoError(t, h.insert(newManager(2)))
}

func TestHandleDrainIsNoOp(t *testing.T) {
	h := newFrameHandler(PeerClient, discardSink{}, nil)
	outcome, err := h.handleFrame(DrainFrame())
	require.NoError(t, err)
	assert.False(t, outcome.isNewTube)
}
