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

import "fmt"

// PeerType identifies which side of a channel the local endpoint plays.
type PeerType int

const (
	PeerClient PeerType = iota
	PeerServer
)

func (p PeerType) String() string {
	if p == PeerServer {
		return "server"
	}
	return "client"
}

// CompletionState is the §4.4 completion-oriented state machine, distinct
// from the event-tag machine below. It governs when a tube's manager entry
// is removed from the table, not what a consumer is allowed to observe.
type CompletionState int

const (
	StateOpen CompletionState = iota
	StateClientHasFinishedSending
	StateServerHasFinishedSending
	StateClosed
	StateAbortedFromLocal
	StateAbortedFromRemote
)

func (s CompletionState) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateClientHasFinishedSending:
		return "ClientHasFinishedSending"
	case StateServerHasFinishedSending:
		return "ServerHasFinishedSending"
	case StateClosed:
		return "Closed"
	case StateAbortedFromLocal:
		return "AbortedFromLocal"
	case StateAbortedFromRemote:
		return "AbortedFromRemote"
	default:
		return fmt.Sprintf("CompletionState(%d)", int(s))
	}
}

// terminal reports whether s has no further legal transitions (Closed, or an
// abort state once its ack has been observed — the latter is represented by
// removing the manager entirely, not by a distinct state here).
func (s CompletionState) terminal() bool {
	return s == StateClosed
}

// EventTag is the consumer-facing machine from Design Note 3 (§9): it
// governs what ordering of TubeEvent values a poller is allowed to observe,
// and is intentionally kept separate from CompletionState.
type EventTag int

const (
	EventUninitialized EventTag = iota
	EventAuthenticatedAndReady
	EventPayload
	EventClientHasFinishedSending
	EventServerHasFinishedSending
	EventServerMustDrain
	EventAbort
	EventStreamError
)

func (e EventTag) String() string {
	switch e {
	case EventUninitialized:
		return "Uninitialized"
	case EventAuthenticatedAndReady:
		return "AuthenticatedAndReady"
	case EventPayload:
		return "Payload"
	case EventClientHasFinishedSending:
		return "ClientHasFinishedSending"
	case EventServerHasFinishedSending:
		return "ServerHasFinishedSending"
	case EventServerMustDrain:
		return "ServerMustDrain"
	case EventAbort:
		return "Abort"
	case EventStreamError:
		return "StreamError"
	default:
		return fmt.Sprintf("EventTag(%d)", int(e))
	}
}

// validEventTransition implements the event-tag machine's table (§9 Design
// Note 3, resolved against the Rust original's state_machine.rs): Abort and
// StreamError are both terminal — each is accepted from any state other than
// Abort or StreamError, and nothing at all is accepted after either;
// everything else only advances past Uninitialized once
// AuthenticatedAndReady has been observed.
func validEventTransition(prev, next EventTag) bool {
	if prev == EventAbort || prev == EventStreamError {
		return false
	}
	if next == EventAbort || next == EventStreamError {
		return true
	}
	if prev == EventUninitialized {
		return next == EventAuthenticatedAndReady
	}
	switch next {
	case EventPayload, EventClientHasFinishedSending, EventServerHasFinishedSending, EventServerMustDrain:
		return true
	default:
		return false
	}
}

// transitionOutcome is the result of applying a frame-driven trigger to a
// CompletionState, per the §4.4 table.
type transitionOutcome int

const (
	outcomeAdvance transitionOutcome = iota
	outcomeRemoveEntry
	outcomeSilentlyHandled
	outcomeDuplicateError
	outcomeProtocolError
)

// applyHasFinishedSending applies a half-close trigger received from the
// opposite peer type. fromClient reports whether the *frame* originated
// from the client (i.e. is a ClientHasFinishedSending frame); it is the
// caller's job (handler.go) to have already checked that this frame is
// legal for the current peer_type before calling this.
func applyHasFinishedSending(cur CompletionState, fromClient bool) (CompletionState, transitionOutcome) {
	switch cur {
	case StateOpen:
		if fromClient {
			return StateClientHasFinishedSending, outcomeAdvance
		}
		return StateServerHasFinishedSending, outcomeAdvance
	case StateClientHasFinishedSending:
		if fromClient {
			return cur, outcomeDuplicateError
		}
		return StateClosed, outcomeRemoveEntry
	case StateServerHasFinishedSending:
		if fromClient {
			return StateClosed, outcomeRemoveEntry
		}
		return cur, outcomeDuplicateError
	case StateAbortedFromRemote:
		return cur, outcomeProtocolError
	case StateAbortedFromLocal:
		return cur, outcomeSilentlyHandled
	case StateClosed:
		return cur, outcomeDuplicateError
	default:
		return cur, outcomeProtocolError
	}
}

// applyAbort applies a remote Abort frame.
func applyAbort(cur CompletionState) (CompletionState, transitionOutcome) {
	switch cur {
	case StateAbortedFromRemote:
		return cur, outcomeDuplicateError
	case StateAbortedFromLocal:
		return cur, outcomeSilentlyHandled
	case StateClosed:
		return cur, outcomeProtocolError
	default:
		return StateAbortedFromRemote, outcomeAdvance
	}
}

// applyAbortAck applies a remote AbortAck frame; only legal following a
// local abort.
func applyAbortAck(cur CompletionState) (CompletionState, transitionOutcome) {
	if cur == StateAbortedFromLocal {
		return StateClosed, outcomeRemoveEntry
	}
	return cur, outcomeProtocolError
}

// applyLocalAbort applies the local abort() call (§4.6).
func applyLocalAbort(cur CompletionState) CompletionState {
	return StateAbortedFromLocal
}

// applyLocalHasFinishedSending applies the local has_finished_sending() call.
// The combinatorial logic is identical to a remote frame's: the side
// finishing is simply isClient instead of fromClient. A local call that
// lands on top of the peer's already-observed half-close must still produce
// outcomeRemoveEntry, since no further inbound frame will ever arrive to
// trigger it (§4.4).
func applyLocalHasFinishedSending(cur CompletionState, isClient bool) (CompletionState, transitionOutcome) {
	return applyHasFinishedSending(cur, isClient)
}
