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

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/packetd/tubez/transport"
	"github.com/packetd/tubez/tube"
)

var dialPayload string

var dialCmd = &cobra.Command{
	Use:     "dial <addr>",
	Short:   "Open one tube against a tubez server and print the echoed payload",
	Args:    cobra.ExactArgs(1),
	Example: "tubez dial localhost:8443 --payload hello",
	Run:     runDial,
}

func init() {
	dialCmd.Flags().StringVar(&dialPayload, "payload", "hello, tubez", "payload to send on the tube")
	rootCmd.AddCommand(dialCmd)
}

func runDial(cmd *cobra.Command, args []string) {
	addr := args[0]

	zlog, _ := zap.NewProduction()
	defer zlog.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body, err := transport.DialChannel(ctx, transport.ClientConfig{Addr: addr, Path: "/tubez"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to dial %s: %v\n", addr, err)
		os.Exit(1)
	}

	channel := tube.NewChannel(tube.PeerClient, body, body, nil, zlog)
	go func() {
		if err := channel.Run(ctx); err != nil {
			zlog.Warn("channel terminated", zap.Error(err))
		}
	}()
	defer channel.Close()

	t, err := channel.MakeTube(map[string]string{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open tube: %v\n", err)
		os.Exit(1)
	}

	wait, err := t.SendPayload(ctx, []byte(dialPayload), true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to send payload: %v\n", err)
		os.Exit(1)
	}
	if err := wait(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "send not acknowledged: %v\n", err)
		os.Exit(1)
	}

	// The first event is always AuthenticatedAndReady (§4.4's event-tag
	// machine); skip it before looking for the echoed payload.
	var ev tube.TubeEvent
	for {
		ev, err = t.PollNext(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read echo: %v\n", err)
			os.Exit(1)
		}
		if ev.Tag != tube.EventAuthenticatedAndReady {
			break
		}
	}
	if ev.Tag != tube.EventPayload {
		fmt.Fprintf(os.Stderr, "unexpected event: %s\n", ev.Tag)
		os.Exit(1)
	}
	fmt.Printf("echo: %s\n", ev.Payload)

	_ = t.HasFinishedSending()
}
