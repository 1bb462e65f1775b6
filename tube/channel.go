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
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// InboundSource is the read half of the opaque transport body pair (§1):
// one HTTP/2 request or response body, read by exactly one driver goroutine
// per §5.
type InboundSource interface {
	Read(p []byte) (int, error)
}

// Channel is one logical container created by one HTTP/2 request (§3): the
// outbound sink, the tube-id allocator, and the tube-manager table live
// here. One Channel per request; its lifetime ends when either body
// closes.
type Channel struct {
	id       string
	peerType PeerType
	handler  *frameHandler
	decoder  *Decoder

	source InboundSource
	sink   io.Writer

	idMu   sync.Mutex
	nextID uint16 // client: even ids; server-initiated tubes unsupported (§1 Non-goals)

	tubesMu sync.Mutex
	tubes   map[uint16]*Tube

	accept        chan *Tube
	onNewTubeFunc func(*Tube)

	log *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// sinkAdapter adapts an io.Writer to OutboundSink, serializing nothing
// itself — frameHandler.send already holds sinkMu around every call.
type sinkAdapter struct{ w io.Writer }

func (s sinkAdapter) SendFrame(b []byte) error {
	_, err := s.w.Write(b)
	return err
}

// NewChannel wires a Channel over an already-established duplex transport
// body pair. metrics is shared process-wide instrumentation built once by
// the caller (e.g. tube.NewMetrics(reg) called a single time in the server's
// startup path); it may be nil to skip instrumentation entirely (as in
// tests). Passing a fresh *Metrics per Channel would re-register the same
// collector names against reg on every connection and panic.
func NewChannel(peerType PeerType, source InboundSource, sink io.Writer, metrics *Metrics, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Channel{
		id:       uuid.NewString(),
		peerType: peerType,
		source:   source,
		sink:     sink,
		decoder:  NewDecoder(),
		tubes:    make(map[uint16]*Tube),
		accept:   make(chan *Tube, 64),
		closed:   make(chan struct{}),
	}
	c.log = log.With(zap.String("channel_id", c.id))
	c.handler = newFrameHandler(peerType, sinkAdapter{w: sink}, metrics)
	return c
}

// ID returns the channel's generated identifier, used to key it in a
// process-wide registry (e.g. for admin-surface diagnostics).
func (c *Channel) ID() string { return c.id }

// OnNewTube registers a callback fired for every tube the peer opens with a
// NewTube frame, in addition to the pull-based Accept channel; tubes opened
// locally with MakeTube do not fire it. It fires even when a full Accept
// queue drops the notification. Must be set before Run is called; it is not
// safe to change concurrently with dispatch.
func (c *Channel) OnNewTube(cb func(*Tube)) {
	c.onNewTubeFunc = cb
}

// Tubes returns a point-in-time snapshot of every tube this channel still
// tracks, for diagnostics (§12's /tubez/stats surface).
func (c *Channel) Tubes() []*Tube {
	c.tubesMu.Lock()
	defer c.tubesMu.Unlock()
	out := make([]*Tube, 0, len(c.tubes))
	for _, t := range c.tubes {
		out = append(out, t)
	}
	return out
}

// Run starts the single inbound driver task for this channel (§5: one
// driver task per direction; the outbound direction has no standing loop
// since sends are caller-driven under the sink lock). Run blocks until the
// inbound source returns an error or io.EOF, a frame fails to decode, a
// frame's handling fails with a fatal error, or ctx is done (checked
// between reads), then tears the channel down.
//
// Callers typically invoke Run in its own goroutine, guarded by
// internal/rescue so a decode panic cannot take the process down.
func (c *Channel) Run(ctx context.Context) error {
	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-ctx.Done():
			c.teardown(ctx.Err())
			return ctx.Err()
		default:
		}

		n, err := c.source.Read(buf)
		if n > 0 {
			frames, decErr := c.decoder.Feed(buf[:n])
			for _, f := range frames {
				if hErr := c.dispatch(f); hErr != nil && IsFatal(hErr) {
					c.teardown(hErr)
					return hErr
				} else if hErr != nil {
					c.log.Warn("non-fatal frame handling error", zap.Error(hErr))
				}
			}
			if decErr != nil {
				c.teardown(decErr)
				return decErr
			}
		}
		if err != nil {
			if err == io.EOF {
				c.teardown(ErrTransportClosed())
				return nil
			}
			wrapped := ErrTransportReceiveFailed(err)
			c.teardown(wrapped)
			return wrapped
		}
	}
}

const readChunkSize = 4096

func (c *Channel) dispatch(f Frame) error {
	outcome, err := c.handler.handleFrame(f)
	if err != nil {
		return err
	}
	if outcome.isNewTube {
		t := &Tube{id: outcome.newTubeID, peerType: c.peerType, handler: c.handler, headers: outcome.headers}
		m, _ := c.handler.lookup(outcome.newTubeID)
		t.mgr = m
		c.tubesMu.Lock()
		c.tubes[outcome.newTubeID] = t
		c.tubesMu.Unlock()
		select {
		case c.accept <- t:
		default:
			c.log.Warn("accept queue full, dropping new tube notification", zap.Uint16("tube_id", outcome.newTubeID))
		}
		if c.onNewTubeFunc != nil {
			c.onNewTubeFunc(t)
		}
	}
	return nil
}

// Accept returns a channel of server-observed, client-initiated tubes
// (§4.6: only the server side of a channel ever receives NewTube).
func (c *Channel) Accept() <-chan *Tube {
	return c.accept
}

// MakeTube allocates an even tube id and transmits NewTube, returning
// immediately after the frame is handed to the outbound sink (§4.6,
// unresolved per Open Question §9: no round-trip ack is awaited).
func (c *Channel) MakeTube(headers map[string]string) (*Tube, error) {
	c.idMu.Lock()
	id := c.nextID
	c.nextID += 2
	c.idMu.Unlock()

	m := newManager(id)
	if err := c.handler.insert(m); err != nil {
		return nil, err
	}

	if err := c.handler.send(NewTubeFrame(id, headers)); err != nil {
		c.handler.remove(id)
		return nil, err
	}

	t := &Tube{id: id, peerType: c.peerType, handler: c.handler, mgr: m, headers: headers}
	c.tubesMu.Lock()
	c.tubes[id] = t
	c.tubesMu.Unlock()

	m.mu.Lock()
	m.enqueue(authenticatedAndReadyEvent())
	m.mu.Unlock()

	return t, nil
}

// Done reports when the channel has finished tearing down.
func (c *Channel) Done() <-chan struct{} { return c.closed }

// Err returns the error that tore the channel down, if any, once Done is
// closed.
func (c *Channel) Err() error { return c.closeErr }

// Close closes the outbound sink and errors every live tube with
// StreamError(TransportClosed), per §9's teardown note: at minimum close
// the sink and error live tubes. Delivering StreamError to the tubes cannot
// fail; the only error returned is the sink's own Close error, wrapped in a
// go-multierror *Error.
func (c *Channel) Close() error {
	var result error
	if closer, ok := c.sink.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.teardown(ErrTransportClosed())
	return result
}

func (c *Channel) teardown(err error) {
	c.closeOnce.Do(func() {
		c.handler.errorOutAll(err)
		c.decoder.Close()
		close(c.accept)
		c.closeErr = err
		close(c.closed)
	})
}
