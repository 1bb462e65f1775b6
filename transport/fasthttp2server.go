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
	"bufio"
	"io"

	"github.com/dgrr/http2"
	"github.com/valyala/fasthttp"
)

// ServerConfig controls ListenAndServeChannels.
type ServerConfig struct {
	// Addr is the host:port to bind, e.g. ":8443".
	Addr string
	// Path is the only request path accepted; any other path gets 404.
	Path string
}

// serverBody adapts one fasthttp request's body stream plus a
// SetBodyStreamWriter pipe into a transport.Body.
type serverBody struct {
	req *io.PipeReader // what the caller reads from — fed by the request stream copy
	out *io.PipeWriter // what the caller writes to — drained by the response stream writer
}

func (b *serverBody) Read(p []byte) (int, error)  { return b.req.Read(p) }
func (b *serverBody) Write(p []byte) (int, error) { return b.out.Write(p) }
func (b *serverBody) Close() error {
	err := b.out.Close()
	if cerr := b.req.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// ListenAndServeChannels binds cfg.Addr, speaks HTTP/2 (h2c, no TLS — the
// "encryption inherits from transport" non-goal, §1) via dgrr/http2's
// fasthttp integration, and invokes onChannel once per accepted request on
// cfg.Path with a fresh transport.Body. onChannel is called synchronously
// from the fasthttp request goroutine; callers that want the channel's
// Run loop to coexist with the streaming response should spawn their own
// goroutine and block on channel.Done().
func ListenAndServeChannels(cfg ServerConfig, onChannel OnChannel) error {
	server := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) != cfg.Path {
				ctx.SetStatusCode(fasthttp.StatusNotFound)
				return
			}

			reqPr, reqPw := io.Pipe()
			outPr, outPw := io.Pipe()
			body := &serverBody{req: reqPr, out: outPw}

			go func() {
				_, err := io.Copy(reqPw, ctx.RequestBodyStream())
				reqPw.CloseWithError(err)
			}()

			ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
				io.Copy(w, outPr)
				w.Flush()
			})

			onChannel(body)
		},
	}
	http2.ConfigureServer(server, http2.ServerConfig{})

	return server.ListenAndServe(cfg.Addr)
}
