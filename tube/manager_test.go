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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAckWaitResolvesWithCompletionValue(t *testing.T) {
	ack := newSendAck()
	boom := errors.New("boom")

	go ack.complete(boom)

	err := ack.wait(context.Background())
	assert.Equal(t, boom, err)
}

func TestSendAckWaitRespectsContextCancellation(t *testing.T) {
	ack := newSendAck()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ack.wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendAckCompleteIsIdempotent(t *testing.T) {
	ack := newSendAck()
	ack.complete(nil)
	assert.NotPanics(t, func() { ack.complete(errors.New("second")) })
}

func TestManagerRegisterAndCompleteSendAck(t *testing.T) {
	m := newManager(1)

	id1, ack1 := m.registerSendAck()
	id2, ack2 := m.registerSendAck()
	assert.NotEqual(t, id1, id2, "ack ids must be exact per tube, §8 property 5")

	assert.True(t, m.completeSendAck(id1, nil))
	assert.False(t, m.completeSendAck(id1, nil), "completing an already-resolved ack id is untracked")
	assert.True(t, m.completeSendAck(id2, errors.New("failed")))

	require.NoError(t, ack1.wait(context.Background()))
	err2 := ack2.wait(context.Background())
	assert.EqualError(t, err2, "failed")
}

func TestManagerAbandonSendAcksResolvesAllPending(t *testing.T) {
	m := newManager(1)
	_, ack1 := m.registerSendAck()
	_, ack2 := m.registerSendAck()

	cancelErr := errors.New("channel torn down")
	m.abandonSendAcks(cancelErr)

	assert.Equal(t, cancelErr, ack1.wait(context.Background()))
	assert.Equal(t, cancelErr, ack2.wait(context.Background()))
	assert.Empty(t, m.sendacks)
}

func TestManagerEnqueueRewritesInvalidTransitionToStreamError(t *testing.T) {
	m := newManager(1)
	// lastEvent starts Uninitialized; enqueuing Payload directly is illegal
	// per the event-tag machine and must be rewritten, not dropped.
	m.enqueue(payloadEvent([]byte("x")))

	ev, err := m.events.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventStreamError, ev.Tag)
	require.Error(t, ev.Err)
}

func TestManagerEnqueueValidSequencePassesThrough(t *testing.T) {
	m := newManager(1)
	m.enqueue(authenticatedAndReadyEvent())
	m.enqueue(payloadEvent([]byte("x")))

	ev, err := m.events.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventAuthenticatedAndReady, ev.Tag)

	ev, err = m.events.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventPayload, ev.Tag)
}

func TestEventQueueIsStrictlyFIFO(t *testing.T) {
	q := newEventQueue()
	q.push(payloadEvent([]byte("a")))
	q.push(payloadEvent([]byte("b")))
	q.push(payloadEvent([]byte("c")))

	for _, want := range []string{"a", "b", "c"} {
		ev, err := q.pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte(want), ev.Payload)
	}
}

func TestEventQueuePopBlocksUntilPush(t *testing.T) {
	q := newEventQueue()
	done := make(chan TubeEvent, 1)
	go func() {
		ev, err := q.pop(context.Background())
		require.NoError(t, err)
		done <- ev
	}()

	select {
	case <-done:
		t.Fatal("pop returned before any event was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	q.push(payloadEvent([]byte("late")))

	select {
	case ev := <-done:
		assert.Equal(t, []byte("late"), ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("pop never returned after push")
	}
}

func TestEventQueueCloseWakesBlockedPop(t *testing.T) {
	q := newEventQueue()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.pop(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pop never woke up after close")
	}
}

func TestEventQueuePushAfterCloseIsDiscarded(t *testing.T) {
	q := newEventQueue()
	q.close()
	q.push(payloadEvent([]byte("dropped")))

	_, err := q.pop(context.Background())
	require.Error(t, err)
}
