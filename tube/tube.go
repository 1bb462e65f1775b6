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

	"github.com/packetd/tubez/common"
)

// Tube is a handle over one bidirectional byte stream within a Channel
// (§4.6). It bundles the local peer type, the tube id, a non-owning
// reference to its manager (owned by the channel's table, per Design Note 1
// §9), and the channel's outbound sink/handler.
type Tube struct {
	id       uint16
	peerType PeerType
	handler  *frameHandler
	mgr      *manager
	headers  map[string]string
}

// ID returns the tube's 16-bit identifier.
func (t *Tube) ID() uint16 { return t.id }

// Options exposes the headers the tube was opened with (the NewTube
// frame's header block, §4.1) as a common.Options, giving server-side
// consumers typed accessors (GetInt, GetBool, ...) over what is, on the
// wire, just a string-to-string map.
func (t *Tube) Options() common.Options {
	opts := common.NewOptions()
	for k, v := range t.headers {
		opts.Merge(k, v)
	}
	return opts
}

// PollNext pops the head of the pending-event queue, suspending the caller
// until an event arrives, ctx is cancelled, or the tube/channel is torn
// down (§4.6 poll_next).
func (t *Tube) PollNext(ctx context.Context) (TubeEvent, error) {
	return t.mgr.events.pop(ctx)
}

// SendPayload transmits data as a Payload frame, optionally requesting an
// ack. When requestAck is true the returned function blocks until the
// PayloadAck arrives (or ctx is cancelled, or the tube is abandoned) and
// reports the completion error, if any (§4.6 send_payload). When
// requestAck is false it returns a completion that resolves as soon as the
// frame is handed to the outbound sink.
func (t *Tube) SendPayload(ctx context.Context, data []byte, requestAck bool) (func(context.Context) error, error) {
	var ackID uint16
	var ack *sendAck

	if requestAck {
		t.mgr.mu.Lock()
		ackID, ack = t.mgr.registerSendAck()
		t.mgr.mu.Unlock()
	}

	err := t.handler.send(PayloadFrame(t.id, data, ackID, requestAck))
	if err != nil {
		if ack != nil {
			t.mgr.mu.Lock()
			t.mgr.completeSendAck(ackID, err)
			t.mgr.mu.Unlock()
		}
		return func(context.Context) error { return err }, err
	}

	t.mgr.addBytesSent(len(data))
	if t.handler.metrics != nil {
		t.handler.metrics.BytesSent.Add(float64(len(data)))
	}

	if ack == nil {
		return func(context.Context) error { return nil }, nil
	}
	return ack.wait, nil
}

// HasFinishedSending transmits the local half-close frame and advances
// local completion state accordingly (§4.6). If the peer's half-close was
// already observed, the manager entry is removed locally too: no inbound
// frame will ever arrive to trigger that removal.
func (t *Tube) HasFinishedSending() error {
	isClient := t.peerType == PeerClient

	t.mgr.mu.Lock()
	next, outcome := applyLocalHasFinishedSending(t.mgr.completion, isClient)
	t.mgr.completion = next
	t.mgr.mu.Unlock()

	switch outcome {
	case outcomeDuplicateError:
		return ErrAlreadyFinishedSending(t.id)
	case outcomeProtocolError:
		return ErrReceivedHasFinishedSendingAfterRemoteAbort(t.id)
	case outcomeSilentlyHandled:
		return nil
	}

	var err error
	if isClient {
		err = t.handler.send(ClientHasFinishedSendingFrame(t.id))
	} else {
		err = t.handler.send(ServerHasFinishedSendingFrame(t.id))
	}

	if outcome == outcomeRemoveEntry {
		t.handler.remove(t.id)
	}
	return err
}

// Abort sets AbortedFromLocal, reserves the tube id until AbortAck arrives,
// and transmits Abort (§4.6). The manager entry is retained by the handler
// table until the peer's AbortAck removes it.
//
// cause is an optional Go error describing why the local side is aborting
// (§12: "structured close reason propagation"); it is kept locally for
// diagnostics (see Stats) and is never put on the wire, which only ever
// carries the reason byte (§4.1). Pass nil when there is no specific cause.
func (t *Tube) Abort(reason AbortReason, cause error) error {
	t.mgr.mu.Lock()
	t.mgr.completion = applyLocalAbort(t.mgr.completion)
	t.mgr.abortPendingID = true
	if cause != nil {
		t.mgr.localAbortDebugMsg = cause.Error()
	}
	t.mgr.abandonSendAcks(ErrTransportClosed())
	t.mgr.mu.Unlock()

	return t.handler.send(AbortFrame(t.id, reason))
}

// Stats returns a point-in-time diagnostic snapshot of this tube (§12),
// surfaced by the admin server's /tubez/stats route.
type Stats struct {
	Completion        CompletionState
	QueueDepth        int
	OutstandingAcks   int
	BytesSent         int64
	BytesReceived     int64
	LastAbortDebugMsg string
}

// Stats reports the tube's current completion state, pending-event queue
// depth, outstanding ack count, and diagnostic byte counters.
func (t *Tube) Stats() Stats {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	return Stats{
		Completion:        t.mgr.completion,
		QueueDepth:        t.mgr.events.depth(),
		OutstandingAcks:   len(t.mgr.sendacks),
		BytesSent:         t.mgr.loadBytesSent(),
		BytesReceived:     t.mgr.loadBytesReceived(),
		LastAbortDebugMsg: t.mgr.localAbortDebugMsg,
	}
}

// BytesSent returns the number of payload bytes sent on this tube so far
// (§12's idle/drain accounting; diagnostic only, no flow-control meaning).
func (t *Tube) BytesSent() int64 { return t.mgr.loadBytesSent() }

// BytesReceived returns the number of payload bytes received on this tube
// so far (§12's idle/drain accounting; diagnostic only).
func (t *Tube) BytesReceived() int64 { return t.mgr.loadBytesReceived() }
