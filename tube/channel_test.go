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
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeBody wraps one direction of an io.Pipe pair into the Read/Write/Close
// shape tube.NewChannel's source/sink parameters expect.
type pipeBody struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (b *pipeBody) Read(p []byte) (int, error)  { return b.r.Read(p) }
func (b *pipeBody) Write(p []byte) (int, error) { return b.w.Write(p) }
func (b *pipeBody) Close() error {
	_ = b.w.Close()
	return b.r.Close()
}

// newLinkedChannels builds a client Channel and a server Channel wired
// directly to each other over in-memory pipes, standing in for the HTTP/2
// body pair (§1 treats the transport as opaque).
func newLinkedChannels(t *testing.T) (client, server *Channel) {
	t.Helper()
	clientToServerR, clientToServerW := io.Pipe()
	serverToClientR, serverToClientW := io.Pipe()

	clientBody := &pipeBody{r: serverToClientR, w: clientToServerW}
	serverBody := &pipeBody{r: clientToServerR, w: serverToClientW}

	client = NewChannel(PeerClient, clientBody, clientBody, nil, nil)
	server = NewChannel(PeerServer, serverBody, serverBody, nil, nil)

	go client.Run(context.Background())
	go server.Run(context.Background())

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func skipAuthReady(t *testing.T, tb *Tube, ctx context.Context) TubeEvent {
	t.Helper()
	for {
		ev, err := tb.PollNext(ctx)
		require.NoError(t, err)
		if ev.Tag != EventAuthenticatedAndReady {
			return ev
		}
	}
}

// TestScenarioS1SimplePayload is spec.md §8 S1: client sends an acked
// Payload, server observes it and the ack resolves.
func TestScenarioS1SimplePayload(t *testing.T) {
	client, server := newLinkedChannels(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientTube, err := client.MakeTube(map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, uint16(0), clientTube.ID())

	serverTube := <-server.Accept()
	require.NotNil(t, serverTube)

	wait, err := clientTube.SendPayload(ctx, []byte{0x41, 0x42}, true)
	require.NoError(t, err)

	ev := skipAuthReady(t, serverTube, ctx)
	require.Equal(t, EventPayload, ev.Tag)
	assert.Equal(t, []byte{0x41, 0x42}, ev.Payload)

	require.NoError(t, wait(ctx))
}

// TestScenarioS2GracefulClose continues S1: both sides half-close and the
// tube transitions to Closed on both ends.
func TestScenarioS2GracefulClose(t *testing.T) {
	client, server := newLinkedChannels(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientTube, err := client.MakeTube(map[string]string{})
	require.NoError(t, err)
	serverTube := <-server.Accept()

	require.NoError(t, clientTube.HasFinishedSending())

	ev := skipAuthReady(t, serverTube, ctx)
	require.Equal(t, EventClientHasFinishedSending, ev.Tag)

	require.NoError(t, serverTube.HasFinishedSending())

	// Both managers should be removed from their respective tables.
	require.Eventually(t, func() bool {
		_, clientHas := client.handler.lookup(clientTube.ID())
		_, serverHas := server.handler.lookup(serverTube.ID())
		return !clientHas && !serverHas
	}, time.Second, 10*time.Millisecond)
}

// TestScenarioS3AbortWithAck is spec.md §8 S3.
func TestScenarioS3AbortWithAck(t *testing.T) {
	client, server := newLinkedChannels(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientTube, err := client.MakeTube(map[string]string{})
	require.NoError(t, err)
	serverTube := <-server.Accept()

	require.NoError(t, clientTube.Abort(AbortReasonApplicationError, nil))

	ev := skipAuthReady(t, serverTube, ctx)
	require.Equal(t, EventAbort, ev.Tag)
	assert.Equal(t, AbortReasonApplicationError, ev.AbortReason)

	require.Eventually(t, func() bool {
		clientTube.mgr.mu.Lock()
		defer clientTube.mgr.mu.Unlock()
		return !clientTube.mgr.abortPendingID
	}, time.Second, 10*time.Millisecond)
}

// TestScenarioS4DuplicateHalfCloseRejected is spec.md §8 S4: the server's
// frame handler must treat a second ClientHasFinishedSending as channel
// fatal.
func TestScenarioS4DuplicateHalfCloseRejected(t *testing.T) {
	h := newFrameHandler(PeerServer, discardSink{}, nil)
	m := newManager(2)
	require.NoError(t, h.insert(m))

	err := h.handleHasFinishedSending(ClientHasFinishedSendingFrame(2), true)
	require.NoError(t, err)

	// Same manager, now already in StateClientHasFinishedSending: a second
	// ClientHasFinishedSending frame for tube 2 is a duplicate.
	err = h.handleHasFinishedSending(ClientHasFinishedSendingFrame(2), true)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

// TestScenarioS6ClientReceivesNewTubeIsIllegal is spec.md §8 S6.
func TestScenarioS6ClientReceivesNewTubeIsIllegal(t *testing.T) {
	h := newFrameHandler(PeerClient, discardSink{}, nil)
	_, err := h.handleFrame(NewTubeFrame(1, nil))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

type discardSink struct{}

func (discardSink) SendFrame(b []byte) error { return nil }
