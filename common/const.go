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

package common

const (
	// App 应用程序名称 用作 Prometheus 指标命名空间
	App = "tubez"

	// Version 应用程序版本
	Version = "v0.0.1"

	// ReadWriteBlockSize 传输读取的默认分片大小
	//
	// 帧体最大为 65535 字节 (§4.2 BodyTooLarge) 但单次从底层
	// HTTP/2 body 读取的分片无需一次覆盖整帧 解码器能正确处理任意切割
	ReadWriteBlockSize = 4096
)
