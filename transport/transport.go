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

// Package transport supplies the HTTP/2 request/response body pair the
// tube package treats as an opaque duplex byte transport (§1 of the
// protocol design: the transport itself is an external collaborator, out
// of scope for the engine). One side dials (client), the other listens
// (server); both hand the tube package a Body, which is exactly the
// io.Reader + io.Writer + io.Closer shape tube.NewChannel expects.
package transport

import "io"

// Body is one HTTP/2 request/response body pair: Read drains inbound
// bytes, Write appends outbound bytes, Close ends the local half of the
// duplex. Implementations must allow concurrent Read and Write — tube.Channel
// runs its inbound driver against Read while callers write through Write
// under the frame handler's own sink lock.
type Body interface {
	io.Reader
	io.Writer
	io.Closer
}

// OnChannel is invoked once per accepted HTTP/2 request on the server side,
// with a Body already wired to that request's body pair. Implementations
// typically construct a tube.Channel(tube.PeerServer, body, body, ...) and
// run it.
type OnChannel func(body Body)
