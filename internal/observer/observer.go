// Package observer exposes mixsim's running-mean E2E latency, mean
// entropy, ε-indistinguishability estimate and packet counters as
// Prometheus metrics (spec.md §4.3/§6). The original implementation did
// this with bare `print('latency:', ...)`/`print('entropy:', ...)`
// running-mean lines; this is the Go-native, scrape-able equivalent.
package observer

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loopix-lab/mixsim/internal/engine"
)

// Observer implements engine.Metrics, tracking running means in-process
// (for EWMA-based TestableProperties assertions) while also exporting
// them as Prometheus gauges/counters for live scraping.
type Observer struct {
	mu sync.Mutex

	latencyMean   float64
	latencyCount  int
	loopMixMean   map[string]float64

	latencyGauge    prometheus.Gauge
	entropyGauge    prometheus.Gauge
	epsilonGauge    prometheus.Gauge
	loopMixLatency  *prometheus.GaugeVec
	packetsTotal    *prometheus.CounterVec
	replaysTotal    *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// New creates an Observer registered against a fresh Prometheus registry.
func New() *Observer {
	reg := prometheus.NewRegistry()
	o := &Observer{
		loopMixMean: make(map[string]float64),
		latencyGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mixsim", Name: "e2e_latency_seconds_mean",
			Help: "Running mean end-to-end PAYLOAD latency.",
		}),
		entropyGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mixsim", Name: "entropy_mean_bits",
			Help: "Mean per-node entropy h_t across the PKI.",
		}),
		epsilonGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mixsim", Name: "epsilon",
			Help: "EWMA of the ε-indistinguishability estimator.",
		}),
		loopMixLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mixsim", Name: "loop_mix_latency_seconds",
			Help: "Per-node LOOP_MIX probe running latency.",
		}, []string{"node_id"}),
		packetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mixsim", Name: "packets_emitted_total",
			Help: "Packets emitted by traffic family.",
		}, []string{"family"}),
		replaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mixsim", Name: "replay_attacks_total",
			Help: "Replayed tags rejected, by node.",
		}, []string{"node_id"}),
		registry: reg,
	}
	reg.MustRegister(o.latencyGauge, o.entropyGauge, o.epsilonGauge, o.loopMixLatency, o.packetsTotal, o.replaysTotal)
	return o
}

// ObserveLatency folds a newly-completed PAYLOAD's latency into the
// running mean (spec.md §4.3 postprocess).
func (o *Observer) ObserveLatency(latency float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.latencyCount++
	o.latencyMean += (latency - o.latencyMean) / float64(o.latencyCount)
	o.latencyGauge.Set(o.latencyMean)
}

// ObserveLoopMixLatency records a single node's LOOP_MIX running latency
// (already EWMA'd by internal/node) as a gauge sample.
func (o *Observer) ObserveLoopMixLatency(nodeID string, latency float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loopMixMean[nodeID] = latency
	o.loopMixLatency.WithLabelValues(nodeID).Set(latency)
}

// ObserveEntropy records the current mean entropy across the PKI.
func (o *Observer) ObserveEntropy(mean float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entropyGauge.Set(mean)
}

// ObserveEpsilon records the current ε EWMA.
func (o *Observer) ObserveEpsilon(epsilon float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.epsilonGauge.Set(epsilon)
}

// IncPackets counts one packet emitted for family.
func (o *Observer) IncPackets(family engine.Family) {
	o.packetsTotal.WithLabelValues(string(family)).Inc()
}

// IncReplays counts one rejected replay at nodeID.
func (o *Observer) IncReplays(nodeID string) {
	o.replaysTotal.WithLabelValues(nodeID).Inc()
}

// LatencyMean returns the current running-mean E2E latency (for tests
// and checkpointing).
func (o *Observer) LatencyMean() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.latencyMean
}

// Serve starts the Prometheus HTTP exposition endpoint at addr; it runs
// until ctx is cancelled.
func (o *Observer) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{}))
	o.server = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- o.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return o.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
