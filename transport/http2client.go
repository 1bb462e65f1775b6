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

package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"

	"golang.org/x/net/http2"
)

// ClientConfig controls how DialChannel opens the long-lived HTTP/2
// request that carries one Tubez channel.
type ClientConfig struct {
	// Addr is a host:port pair. The connection is plain-text, h2c-style:
	// the client speaks HTTP/2 directly over TCP without a TLS handshake,
	// matching the "no encryption, inherited from transport" non-goal
	// (§1) — if the deployment needs TLS, wrap the net.Conn returned by
	// DialChannel's DialTLSContext hook first.
	Addr string
	// Path is the HTTP/2 request path the server routes the channel on.
	Path string
}

// clientBody adapts the pipe-fed request body plus the response body into
// a single transport.Body.
type clientBody struct {
	reqBody  *io.PipeWriter
	respBody io.ReadCloser
}

func (b *clientBody) Read(p []byte) (int, error)  { return b.respBody.Read(p) }
func (b *clientBody) Write(p []byte) (int, error) { return b.reqBody.Write(p) }
func (b *clientBody) Close() error {
	err := b.reqBody.Close()
	if cerr := b.respBody.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// DialChannel opens a long-lived HTTP/2 request against cfg.Addr and
// returns its body pair as a transport.Body, grounded on the teacher's own
// h2c dial pattern in protocol/phttp2 (plain TCP, HTTP/2 prior-knowledge,
// no ALPN negotiation needed).
func DialChannel(ctx context.Context, cfg ClientConfig) (Body, error) {
	transport := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+cfg.Addr+cfg.Path, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	return &clientBody{reqBody: pw, respBody: resp.Body}, nil
}
