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
	"sync"
	"sync/atomic"
)

// TubeEvent is surfaced to the consumer through Tube.PollNext (§3).
type TubeEvent struct {
	Tag EventTag

	Payload []byte

	AbortReason AbortReason

	// DebugMsg is an optional, log-only free-text string on Abort events. It
	// is never carried on the wire — the Abort frame's body is just the
	// reason byte (§4.1) — and the events this package produces leave it
	// empty: a remote Abort has no string to carry, and a local Tube.Abort
	// keeps its cause in Stats().LastAbortDebugMsg instead of in an event.
	DebugMsg string

	Err error
}

func authenticatedAndReadyEvent() TubeEvent { return TubeEvent{Tag: EventAuthenticatedAndReady} }
func payloadEvent(p []byte) TubeEvent       { return TubeEvent{Tag: EventPayload, Payload: p} }
func clientHasFinishedSendingEvent() TubeEvent {
	return TubeEvent{Tag: EventClientHasFinishedSending}
}
func serverHasFinishedSendingEvent() TubeEvent {
	return TubeEvent{Tag: EventServerHasFinishedSending}
}
func abortEvent(r AbortReason, debugMsg string) TubeEvent {
	return TubeEvent{Tag: EventAbort, AbortReason: r, DebugMsg: debugMsg}
}
func streamErrorEvent(err error) TubeEvent { return TubeEvent{Tag: EventStreamError, Err: err} }

// sendAck is the one-shot completion a sender awaits for a single
// outstanding acked Payload (§3 sendacks).
type sendAck struct {
	done chan error // closed (after optionally sending a value) exactly once
	once sync.Once
}

func newSendAck() *sendAck {
	return &sendAck{done: make(chan error, 1)}
}

// complete resolves the ack with err. Only the first call has any effect.
func (s *sendAck) complete(err error) {
	s.once.Do(func() {
		select {
		case s.done <- err:
		default:
		}
		close(s.done)
	})
}

// wait blocks until the ack arrives, the context is cancelled, or the tube
// is torn down (the done channel is closed without a value, i.e. cancelled).
func (s *sendAck) wait(ctx context.Context) error {
	select {
	case err, ok := <-s.done:
		if !ok {
			return ErrTransportClosed()
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// manager is the per-tube state the spec calls TubeManager (§3). It is
// owned exclusively by the manager table (channel.go); Tube handles hold a
// non-owning reference, per Design Note 1 (§9) on cyclic-ownership.
//
// events is the pending-event queue plus its own suspension handle: an
// unbounded, mutex-guarded slice of events, a one-slot notify channel that
// wakes the single blocked reader, and a closed flag guarded by the same
// mutex (see eventQueue).
type manager struct {
	mu sync.Mutex

	tubeID             uint16
	completion         CompletionState
	lastEvent          EventTag
	abortReason        AbortReason
	abortPendingID     bool // abort_pending_id_reservation
	localAbortDebugMsg string

	ackIDCounter uint16
	sendacks     map[uint16]*sendAck

	// bytesSent/bytesReceived are per-tube diagnostic counters (§12's "idle/
	// drain accounting"): no wire impact, no flow-control semantics. Accessed
	// with atomic ops since Tube.Stats()/BytesSent()/BytesReceived() may be
	// called concurrently with the frame handler mutating them under mu.
	bytesSent     int64
	bytesReceived int64

	events *eventQueue
}

func newManager(tubeID uint16) *manager {
	return &manager{
		tubeID:     tubeID,
		completion: StateOpen,
		lastEvent:  EventUninitialized,
		sendacks:   make(map[uint16]*sendAck),
		events:     newEventQueue(),
	}
}

// nextAckID allocates the next outbound ack id (monotonic 16-bit, §3).
func (m *manager) nextAckID() uint16 {
	id := m.ackIDCounter
	m.ackIDCounter++
	return id
}

// enqueue pushes ev after validating it against the event-tag machine.
// Invalid orderings are rewritten to a StreamError per §4.4, never dropped
// silently and never fatal to the process.
func (m *manager) enqueue(ev TubeEvent) {
	if !validEventTransition(m.lastEvent, ev.Tag) {
		ev = streamErrorEvent(ErrInvalidTubeEventTransition(m.tubeID, m.lastEvent, ev.Tag))
	}
	m.lastEvent = ev.Tag
	m.events.push(ev)
}

// registerSendAck allocates and tracks a one-shot completion for an
// outbound acked Payload, returning its id and a handle to await it.
func (m *manager) registerSendAck() (uint16, *sendAck) {
	id := m.nextAckID()
	ack := newSendAck()
	m.sendacks[id] = ack
	return id, ack
}

// completeSendAck resolves a pending sendack, returning false if ackID was
// never registered (ErrUntrackedAckId, §4.5).
func (m *manager) completeSendAck(ackID uint16, err error) bool {
	ack, ok := m.sendacks[ackID]
	if !ok {
		return false
	}
	delete(m.sendacks, ackID)
	ack.complete(err)
	return true
}

// addBytesSent/addBytesReceived maintain the per-tube diagnostic byte
// counters (§12). Safe to call without holding mu.
func (m *manager) addBytesSent(n int)     { atomic.AddInt64(&m.bytesSent, int64(n)) }
func (m *manager) addBytesReceived(n int) { atomic.AddInt64(&m.bytesReceived, int64(n)) }
func (m *manager) loadBytesSent() int64     { return atomic.LoadInt64(&m.bytesSent) }
func (m *manager) loadBytesReceived() int64 { return atomic.LoadInt64(&m.bytesReceived) }

// abandonSendAcks resolves every pending sendack with a cancellation error,
// per §5's "dropping a Tube abandons pending sendacks" cancellation policy.
func (m *manager) abandonSendAcks(err error) {
	for id, ack := range m.sendacks {
		ack.complete(err)
		delete(m.sendacks, id)
	}
}

// eventQueue is a strictly-FIFO, single-consumer pending event queue. Events
// live in a mutex-guarded slice with no capacity limit; a one-slot notify
// channel wakes a blocked pop.
type eventQueue struct {
	mu     sync.Mutex
	buf    []TubeEvent
	notify chan struct{}
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev TubeEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// depth reports the number of events currently queued, for Tube.Stats().
func (q *eventQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// pop removes and returns the head event, blocking until one is available,
// ctx is cancelled, or the queue is closed.
func (q *eventQueue) pop(ctx context.Context) (TubeEvent, error) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			ev := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			return ev, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return TubeEvent{}, ErrTransportClosed()
		}

		select {
		case <-q.notify:
			continue
		case <-ctx.Done():
			return TubeEvent{}, ctx.Err()
		}
	}
}

// close wakes any blocked pop with ErrTransportClosed and prevents further
// pushes, mirroring internal/pubsub's closed flag.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
