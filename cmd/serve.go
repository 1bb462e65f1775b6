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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/packetd/tubez/common"
	"github.com/packetd/tubez/confengine"
	"github.com/packetd/tubez/internal/rescue"
	"github.com/packetd/tubez/internal/sigs"
	"github.com/packetd/tubez/logger"
	"github.com/packetd/tubez/server"
	"github.com/packetd/tubez/transport"
	"github.com/packetd/tubez/tube"
)

var serveAdminAddr string

var serveCmd = &cobra.Command{
	Use:     "serve <bind_addr>",
	Short:   "Run the example tubez server, echoing every payload it receives",
	Args:    cobra.ExactArgs(1),
	Example: "tubez serve :8443",
	Run:     runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAdminAddr, "admin-addr", "", "admin HTTP address for /metrics and /tubez/stats (disabled if empty)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	bindAddr := args[0]

	zlog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()

	reg := prometheus.NewRegistry()
	// Built once for the whole process: tube.NewChannel shares this across
	// every accepted connection. Constructing a fresh *tube.Metrics per
	// channel would re-register the same collector names against reg on the
	// second connection and panic inside MustRegister.
	metrics := tube.NewMetrics(reg)
	channels := newChannelRegistry()

	if serveAdminAddr != "" {
		adminConf, err := confengine.LoadContent([]byte(fmt.Sprintf(
			"server:\n  enabled: true\n  address: %q\n  pprof: false\n  timeout: 5s\n", serveAdminAddr)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to build admin config: %v\n", err)
			os.Exit(1)
		}
		admin, err := server.New(adminConf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to build admin server: %v\n", err)
			os.Exit(1)
		}
		admin.RegisterGetRoute("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP)
		admin.RegisterGetRoute("/tubez/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"channels":     channels.count(),
				"uptime_sec":   time.Now().Unix() - common.Started(),
				"gomaxworkers": common.Concurrency(),
				"tubes":        channels.tubeStats(),
			})
		})
		go func() {
			if err := admin.ListenAndServe(); err != nil {
				logger.Errorf("admin server stopped: %v", err)
			}
		}()
	}

	onChannel := func(body transport.Body) {
		defer rescue.HandleCrash()

		channel := tube.NewChannel(tube.PeerServer, body, body, metrics, zlog)
		channel.OnNewTube(func(t *tube.Tube) {
			zlog.Debug("tube opened", zap.String("channel_id", channel.ID()), zap.Uint16("tube_id", t.ID()))
		})
		channels.add(channel)
		defer channels.remove(channel)
		defer channel.Close()

		go echoTubes(channel, zlog)

		if err := channel.Run(context.Background()); err != nil {
			zlog.Warn("channel terminated", zap.Error(err))
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("tubez server listening on %s", bindAddr)
		serveErr <- transport.ListenAndServeChannels(transport.ServerConfig{Addr: bindAddr, Path: "/tubez"}, onChannel)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to bind %s: %v\n", bindAddr, err)
			os.Exit(1)
		}
	case <-sigs.Terminate():
		logger.Infof("received termination signal, shutting down")
	}
}

// channelRegistry tracks every live *tube.Channel for the admin server's
// /tubez/stats route (§12: Tube.Stats() "exposed at the admin server's
// /tubez/stats route"). Keyed by Channel.ID() so add/remove from the
// per-connection goroutines never race each other.
type channelRegistry struct {
	mu       sync.Mutex
	channels map[string]*tube.Channel
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{channels: make(map[string]*tube.Channel)}
}

func (r *channelRegistry) add(c *tube.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.ID()] = c
}

func (r *channelRegistry) remove(c *tube.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, c.ID())
}

func (r *channelRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// tubeStats builds a JSON-serializable snapshot of every tube on every live
// channel, via each Channel's Tubes() and each Tube's Stats().
func (r *channelRegistry) tubeStats() []map[string]any {
	r.mu.Lock()
	channels := make([]*tube.Channel, 0, len(r.channels))
	for _, c := range r.channels {
		channels = append(channels, c)
	}
	r.mu.Unlock()

	var out []map[string]any
	for _, c := range channels {
		for _, t := range c.Tubes() {
			stats := t.Stats()
			out = append(out, map[string]any{
				"channel_id":        c.ID(),
				"tube_id":           t.ID(),
				"completion":        stats.Completion.String(),
				"queue_depth":       stats.QueueDepth,
				"outstanding_acks":  stats.OutstandingAcks,
				"bytes_sent":        stats.BytesSent,
				"bytes_received":    stats.BytesReceived,
				"last_abort_reason": stats.LastAbortDebugMsg,
			})
		}
	}
	return out
}

// echoTubes accepts every tube the client opens and echoes back whatever
// payload it sends, demonstrating the facade end to end (§8 scenario S1).
func echoTubes(channel *tube.Channel, zlog *zap.Logger) {
	defer rescue.HandleCrash()
	for t := range channel.Accept() {
		go runEchoTube(t, zlog)
	}
}

func runEchoTube(t *tube.Tube, zlog *zap.Logger) {
	defer rescue.HandleCrash()
	ctx := context.Background()

	// Demonstrates the NewTube header block doubling as a small per-tube
	// config surface: a client may ask for an artificial echo delay by
	// setting this header, useful for exercising S1/S2 timing in tests.
	if delayMs, err := t.Options().GetInt("echo_delay_ms"); err == nil && delayMs > 0 {
		time.Sleep(time.Duration(delayMs) * time.Millisecond)
	}

	for {
		ev, err := t.PollNext(ctx)
		if err != nil {
			return
		}
		switch ev.Tag {
		case tube.EventPayload:
			if _, err := t.SendPayload(ctx, ev.Payload, false); err != nil {
				zlog.Warn("echo send failed, aborting tube", zap.Error(err))
				_ = t.Abort(tube.AbortReasonApplicationError, err)
				return
			}
		case tube.EventClientHasFinishedSending:
			_ = t.HasFinishedSending()
		case tube.EventAbort, tube.EventStreamError:
			return
		}
	}
}
