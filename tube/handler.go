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

import "sync"

// OutboundSink is the single place encoded frames leave through, serialized
// by its own lock (§4.5/§5: the outbound sink's lock is distinct from any
// tube-manager lock, and must never be held while a tube-manager lock is
// also held). Transport adapters implement this.
type OutboundSink interface {
	// SendFrame writes one already-encoded frame. Implementations must
	// serialize concurrent callers themselves (or rely on handler's own
	// sink-level lock, see frameHandler.sinkMu below).
	SendFrame(b []byte) error
}

// handleOutcome is what handleFrame returns to the channel layer so it can
// surface a freshly-created tube to its consumer (§4.5).
type handleOutcome struct {
	newTubeID uint16
	isNewTube bool
	headers   map[string]string
}

// frameHandler is the §4.5 FrameHandler. It owns the manager table and a
// reference to the outbound sink; peerType parameterizes which half-close
// frame direction is legal to receive.
//
// Locking discipline mirrors protocol/pool.go's connPool: a table-wide
// RWMutex guards insertion/removal, a short per-manager lock (embedded in
// manager itself) guards per-tube mutation, and the outbound sink has its
// own independent lock acquired only after the per-tube lock is released —
// frame handling never awaits a send while holding a tube lock (§4.5).
type frameHandler struct {
	peerType PeerType

	tableMu sync.RWMutex
	table   map[uint16]*manager

	sink   OutboundSink
	sinkMu sync.Mutex

	metrics *Metrics
}

func newFrameHandler(peerType PeerType, sink OutboundSink, metrics *Metrics) *frameHandler {
	return &frameHandler{
		peerType: peerType,
		table:    make(map[uint16]*manager),
		sink:     sink,
		metrics:  metrics,
	}
}

func (h *frameHandler) lookup(tubeID uint16) (*manager, bool) {
	h.tableMu.RLock()
	defer h.tableMu.RUnlock()
	m, ok := h.table[tubeID]
	return m, ok
}

func (h *frameHandler) insert(m *manager) error {
	h.tableMu.Lock()
	defer h.tableMu.Unlock()
	if _, exists := h.table[m.tubeID]; exists {
		return ErrTubeManagerInsertionError(m.tubeID)
	}
	h.table[m.tubeID] = m
	return nil
}

func (h *frameHandler) remove(tubeID uint16) {
	h.tableMu.Lock()
	defer h.tableMu.Unlock()
	delete(h.table, tubeID)
}

// send encodes and transmits f under the sink lock only — never under a
// tube-manager lock, per §4.5's ordering rule.
func (h *frameHandler) send(f Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()
	if err := h.sink.SendFrame(b); err != nil {
		return ErrTransportSendFailed(err)
	}
	return nil
}

// handleFrame processes one decoded frame to completion (§4.5/§5: frames
// are handled one at a time, never interleaved).
func (h *frameHandler) handleFrame(f Frame) (handleOutcome, error) {
	switch f.Tag {
	case TagNewTube:
		return h.handleNewTube(f)
	case TagPayload:
		return handleOutcome{}, h.handlePayload(f)
	case TagPayloadAck:
		return handleOutcome{}, h.handlePayloadAck(f)
	case TagClientHasFinishedSending:
		return handleOutcome{}, h.handleHasFinishedSending(f, true)
	case TagServerHasFinishedSending:
		return handleOutcome{}, h.handleHasFinishedSending(f, false)
	case TagAbort:
		return handleOutcome{}, h.handleAbort(f)
	case TagAbortAck:
		return handleOutcome{}, h.handleAbortAck(f)
	case TagDrain:
		return handleOutcome{}, nil // reserved, no-op (§4.5/§9)
	default:
		return handleOutcome{}, ErrUnknownFrameTag(byte(f.Tag))
	}
}

func (h *frameHandler) handleNewTube(f Frame) (handleOutcome, error) {
	if h.peerType != PeerServer {
		return handleOutcome{}, ErrServerInitiatedTubesNotImplemented()
	}
	m := newManager(f.TubeID)
	if err := h.insert(m); err != nil {
		return handleOutcome{}, err
	}
	m.mu.Lock()
	m.enqueue(authenticatedAndReadyEvent())
	m.mu.Unlock()
	if h.metrics != nil {
		h.metrics.TubesOpened.Inc()
	}
	return handleOutcome{newTubeID: f.TubeID, isNewTube: true, headers: f.Headers}, nil
}

func (h *frameHandler) handlePayload(f Frame) error {
	m, ok := h.lookup(f.TubeID)
	if !ok {
		return ErrUntrackedTubeId(f.TubeID)
	}

	if f.AckRequested {
		if err := h.send(PayloadAckFrame(f.TubeID, f.AckID)); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.enqueue(payloadEvent(f.Data))
	m.mu.Unlock()
	m.addBytesReceived(len(f.Data))

	if h.metrics != nil {
		h.metrics.BytesReceived.Add(float64(len(f.Data)))
	}
	return nil
}

func (h *frameHandler) handlePayloadAck(f Frame) error {
	m, ok := h.lookup(f.TubeID)
	if !ok {
		return ErrUntrackedTubeId(f.TubeID)
	}
	m.mu.Lock()
	completed := m.completeSendAck(f.AckID, nil)
	m.mu.Unlock()
	if !completed {
		return ErrUntrackedAckId(f.TubeID, f.AckID)
	}
	return nil
}

func (h *frameHandler) handleHasFinishedSending(f Frame, fromClient bool) error {
	// A ClientHasFinishedSending frame is only legal arriving at the server
	// (it describes the client's local half-close) and vice versa.
	expectedPeer := PeerServer
	if !fromClient {
		expectedPeer = PeerClient
	}
	if h.peerType != expectedPeer {
		return ErrInappropriateHasFinishedSendingFrameFromPeer(f.TubeID)
	}

	m, ok := h.lookup(f.TubeID)
	if !ok {
		return ErrUntrackedTubeId(f.TubeID)
	}

	m.mu.Lock()
	next, outcome := applyHasFinishedSending(m.completion, fromClient)
	m.completion = next
	var ev TubeEvent
	hasEvent := false
	switch outcome {
	case outcomeAdvance:
		if fromClient {
			ev = clientHasFinishedSendingEvent()
		} else {
			ev = serverHasFinishedSendingEvent()
		}
		hasEvent = true
	case outcomeRemoveEntry:
		if fromClient {
			ev = clientHasFinishedSendingEvent()
		} else {
			ev = serverHasFinishedSendingEvent()
		}
		hasEvent = true
	}
	if hasEvent {
		m.enqueue(ev)
	}
	m.mu.Unlock()

	switch outcome {
	case outcomeRemoveEntry:
		h.remove(f.TubeID)
		return nil
	case outcomeDuplicateError:
		return ErrDuplicateHasFinishedSendingFrame(f.TubeID)
	case outcomeProtocolError:
		return ErrReceivedHasFinishedSendingAfterRemoteAbort(f.TubeID)
	case outcomeSilentlyHandled:
		return nil
	default:
		return nil
	}
}

func (h *frameHandler) handleAbort(f Frame) error {
	m, ok := h.lookup(f.TubeID)
	if !ok {
		return ErrUntrackedTubeId(f.TubeID)
	}

	m.mu.Lock()
	next, outcome := applyAbort(m.completion)
	m.completion = next
	if outcome == outcomeAdvance {
		m.abortReason = f.Reason
		// A remote Abort frame carries only the reason byte (§4.1); no
		// debug string travels on the wire.
		m.enqueue(abortEvent(f.Reason, ""))
		m.abandonSendAcks(ErrTransportClosed())
	}
	m.mu.Unlock()

	switch outcome {
	case outcomeDuplicateError:
		return ErrDuplicateAbortFrame(f.TubeID)
	}

	// Every outcome other than a duplicate abort removes the entry and acks,
	// per §4.5 (silently-handled local-abort races still owe the peer an
	// AbortAck).
	h.remove(f.TubeID)
	if h.metrics != nil {
		h.metrics.TubesAborted.Inc()
	}
	return h.send(AbortAckFrame(f.TubeID))
}

func (h *frameHandler) handleAbortAck(f Frame) error {
	m, ok := h.lookup(f.TubeID)
	if !ok {
		return ErrUntrackedTubeId(f.TubeID)
	}
	m.mu.Lock()
	_, outcome := applyAbortAck(m.completion)
	if outcome == outcomeRemoveEntry {
		m.abortPendingID = false
	}
	m.mu.Unlock()

	if outcome != outcomeRemoveEntry {
		return ErrUnexpectedAbortAck(f.TubeID)
	}
	h.remove(f.TubeID)
	return nil
}

// errorOutAll delivers StreamError(err) to every live tube and clears the
// table, per §7's channel-fatal propagation policy and §9's teardown note.
func (h *frameHandler) errorOutAll(err error) {
	h.tableMu.Lock()
	managers := make([]*manager, 0, len(h.table))
	for _, m := range h.table {
		managers = append(managers, m)
	}
	h.table = make(map[uint16]*manager)
	h.tableMu.Unlock()

	for _, m := range managers {
		m.mu.Lock()
		m.enqueue(streamErrorEvent(err))
		m.abandonSendAcks(err)
		m.events.close()
		m.mu.Unlock()
	}
}
