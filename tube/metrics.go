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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/packetd/tubez/common"
)

// Metrics holds the process-wide instrumentation every frame handler
// updates. Cardinality is deliberately flat (no per-channel or per-tube
// labels): a process may carry thousands of short-lived channels and tubes,
// and per-entity labels would blow up Prometheus's label cardinality for no
// operational benefit. Per-tube diagnostics belong to Tube.Stats() instead.
type Metrics struct {
	TubesOpened   prometheus.Counter
	TubesAborted  prometheus.Counter
	BytesReceived prometheus.Counter
	BytesSent     prometheus.Counter
}

// NewMetrics registers a fresh instrumentation set against reg, namespaced
// under common.App the same way the teacher namespaces its own sniffer
// counters. Call this exactly once per process and share the returned
// *Metrics across every Channel (tube.NewChannel takes it directly, not a
// Registerer): reg.MustRegister panics if the same collector names are
// registered a second time, which a NewMetrics-per-channel call would do on
// the second accepted connection.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TubesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: common.App,
			Subsystem: "channel",
			Name:      "tubes_opened_total",
			Help:      "Number of tubes opened by the peer (NewTube frames accepted) across all channels.",
		}),
		TubesAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: common.App,
			Subsystem: "channel",
			Name:      "tubes_aborted_total",
			Help:      "Number of tubes aborted by the peer (Abort frames handled) across all channels.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: common.App,
			Subsystem: "channel",
			Name:      "bytes_received_total",
			Help:      "Payload bytes received across all tubes on all channels.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: common.App,
			Subsystem: "channel",
			Name:      "bytes_sent_total",
			Help:      "Payload bytes sent across all tubes on all channels.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TubesOpened, m.TubesAborted, m.BytesReceived, m.BytesSent)
	}
	return m
}
