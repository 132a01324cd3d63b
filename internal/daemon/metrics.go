// Copyright 2024 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"agentfs/internal/fault"
	"agentfs/internal/vfs"
)

// Metrics holds the daemon's Prometheus collectors. Each daemon owns its
// registry so tests can run several side by side.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	FaultsInjected  *prometheus.CounterVec
}

// NewMetrics registers the request and fault collectors plus gauges that
// sample core.Stats() at scrape time.
func NewMetrics(core *vfs.FsCore) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{
		Registry: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentfs_requests_total",
				Help: "Control-plane requests by kind and result",
			},
			[]string{"kind", "result"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentfs_request_duration_seconds",
				Help:    "Control-plane request latency",
				Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
			},
			[]string{"kind"},
		),
		FaultsInjected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentfs_faults_injected_total",
				Help: "Faults returned by the injector, by operation",
			},
			[]string{"op"},
		),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentfs_open_handles",
		Help: "Open file handles",
	}, func() float64 { return float64(core.Stats().Handles) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentfs_branches",
		Help: "Branches other than root",
	}, func() float64 { return float64(core.Stats().Branches) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentfs_snapshots",
		Help: "Retained snapshots",
	}, func() float64 { return float64(core.Stats().Snapshots) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentfs_resident_bytes",
		Help: "File content held in memory",
	}, func() float64 { return float64(core.Stats().ResidentBytes) })

	core.Faults().SetObserver(func(op fault.Op, _ fault.Errno) {
		m.FaultsInjected.WithLabelValues(op.String()).Inc()
	})
	return m
}

// TrackConnections exports the open connection count reported by fn.
func (m *Metrics) TrackConnections(fn func() int) {
	promauto.With(m.Registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentfs_connections",
		Help: "Open control-plane connections",
	}, func() float64 { return float64(fn()) })
}

// Observe records one served request.
func (m *Metrics) Observe(kind string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RequestsTotal.WithLabelValues(kind, result).Inc()
	m.RequestDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// MetricsServer serves /metrics over HTTP.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
}

// ServeMetrics starts an HTTP listener on addr exposing m.
func ServeMetrics(addr string, m *Metrics) (*MetricsServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))
	ms := &MetricsServer{
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: listener,
	}
	go func() {
		if err := ms.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("[DAEMON] metrics server: %v", err)
		}
	}()
	return ms, nil
}

// Addr returns the bound address.
func (ms *MetricsServer) Addr() string {
	return ms.listener.Addr().String()
}

// Shutdown stops the HTTP server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
