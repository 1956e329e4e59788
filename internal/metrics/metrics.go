// Package metrics exposes call lifecycle metrics in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/p2pcall/internal/util"
)

// Calls holds the call coordinator's metrics. A nil *Calls is valid and
// records nothing.
type Calls struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	ended       *prometheus.CounterVec
	discarded   *prometheus.CounterVec
	setup       prometheus.Histogram
	active      prometheus.Gauge
}

// New creates the metrics on a private registry, together with the Go
// runtime collectors.
func New() *Calls {
	m := &Calls{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "p2pcall_phase_transitions_total",
			Help: "Call phase transitions by source and target phase",
		}, []string{"from", "to"}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "p2pcall_calls_ended_total",
			Help: "Ended calls by termination reason",
		}, []string{"reason"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "p2pcall_signals_discarded_total",
			Help: "Relay events ignored as stale, duplicate or misdirected",
		}, []string{"type"}),
		setup: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "p2pcall_call_setup_seconds",
			Help:    "Time from the start of a call until the first remote track",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "p2pcall_call_active",
			Help: "1 while a call has remote media flowing",
		}),
	}

	m.registry.MustRegister(
		m.transitions,
		m.ended,
		m.discarded,
		m.setup,
		m.active,
		collectors.NewGoCollector(),
	)
	return m
}

// Transition counts a phase change.
func (m *Calls) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Ended counts a terminated call.
func (m *Calls) Ended(reason string) {
	if m == nil {
		return
	}
	m.ended.WithLabelValues(reason).Inc()
}

// Discarded counts an ignored relay event.
func (m *Calls) Discarded(eventType string) {
	if m == nil {
		return
	}
	m.discarded.WithLabelValues(eventType).Inc()
}

// Connected records the setup time of a call that reached media.
func (m *Calls) Connected(setup time.Duration) {
	if m == nil {
		return
	}
	m.setup.Observe(setup.Seconds())
	m.active.Set(1)
}

// Disconnected clears the active gauge.
func (m *Calls) Disconnected() {
	if m == nil {
		return
	}
	m.active.Set(0)
}

// Handler serves the registry.
func (m *Calls) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Calls) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("metrics available at http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
