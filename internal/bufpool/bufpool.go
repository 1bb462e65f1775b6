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

// Package bufpool pools the scratch byte buffers the frame codec uses to
// accumulate partial frames and to stage encoded output.
package bufpool

import (
	"bytes"

	"github.com/valyala/bytebufferpool"
)

var pool bytebufferpool.Pool

// Acquire 从池中取出一个已重置的 *bytes.Buffer
func Acquire() *bytes.Buffer {
	bb := pool.Get()
	buf := bytes.NewBuffer(bb.B[:0])
	return buf
}

// Release 归还 buf 持有的底层数组至池中
//
// 调用方归还之后不得再使用 buf
func Release(buf *bytes.Buffer) {
	pool.Put(&bytebufferpool.ByteBuffer{B: buf.Bytes()})
	buf.Reset()
}
