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
)

func TestCompletionStateMonotonicity(t *testing.T) {
	// Open -> ClientHasFinishedSending -> Closed (remove), driven by a
	// server-side manager observing the client's frames (§4.4 row 1/2).
	cur := StateOpen
	next, outcome := applyHasFinishedSending(cur, true)
	assert.Equal(t, StateClientHasFinishedSending, next)
	assert.Equal(t, outcomeAdvance, outcome)

	next, outcome = applyHasFinishedSending(next, false)
	assert.Equal(t, StateClosed, next)
	assert.Equal(t, outcomeRemoveEntry, outcome)
}

func TestCompletionStateDuplicateHalfClose(t *testing.T) {
	cur, _ := applyHasFinishedSending(StateOpen, true)
	_, outcome := applyHasFinishedSending(cur, true)
	assert.Equal(t, outcomeDuplicateError, outcome)
}

func TestCompletionStateAbortFromOpen(t *testing.T) {
	next, outcome := applyAbort(StateOpen)
	assert.Equal(t, StateAbortedFromRemote, next)
	assert.Equal(t, outcomeAdvance, outcome)

	_, outcome = applyAbort(next)
	assert.Equal(t, outcomeDuplicateError, outcome)
}

func TestCompletionStateLocalAbortThenAbortAck(t *testing.T) {
	cur := applyLocalAbort(StateOpen)
	assert.Equal(t, StateAbortedFromLocal, cur)

	// A remote Abort racing the local one is silently handled (§4.4 row 5).
	_, outcome := applyAbort(cur)
	assert.Equal(t, outcomeSilentlyHandled, outcome)

	next, outcome := applyAbortAck(cur)
	assert.Equal(t, StateClosed, next)
	assert.Equal(t, outcomeRemoveEntry, outcome)
}

func TestCompletionStateHalfCloseAfterRemoteAbortIsError(t *testing.T) {
	aborted, _ := applyAbort(StateOpen)
	_, outcome := applyHasFinishedSending(aborted, true)
	assert.Equal(t, outcomeProtocolError, outcome)
}

func TestEventTagMachine(t *testing.T) {
	assert.True(t, validEventTransition(EventUninitialized, EventAuthenticatedAndReady))
	assert.False(t, validEventTransition(EventUninitialized, EventPayload))
	assert.True(t, validEventTransition(EventAuthenticatedAndReady, EventPayload))
	assert.True(t, validEventTransition(EventPayload, EventPayload))
	assert.True(t, validEventTransition(EventPayload, EventAbort))
	assert.False(t, validEventTransition(EventAbort, EventPayload))
	assert.True(t, validEventTransition(EventPayload, EventStreamError))
	assert.False(t, validEventTransition(EventStreamError, EventPayload))
}
