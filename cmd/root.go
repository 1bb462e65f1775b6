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

// Package cmd wires the example tubez binaries' CLI surface (§6): a single
// positional bind_addr for serve, a single positional host:port addr for dial, both
// out of scope for the protocol engine itself but needed to exercise it.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tubez",
	Short: "Tubez multiplexes bidirectional byte streams over an HTTP/2 body pair",
}

// Execute runs the root command, exiting the process on failure (§6: exit
// codes 0 on clean shutdown, non-zero on bind/dial failure).
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
