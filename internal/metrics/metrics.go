// Package metrics exposes autoscaler state to Prometheus. A nil *Recorder
// is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/kubiyabot/gha-autoscaler/internal/pterm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gha_autoscaler"

// Tick outcomes
const (
	TickOK    = "ok"
	TickFatal = "fatal"
)

// Provision outcomes
const (
	ProvisionReused  = "reused"
	ProvisionCreated = "created"
	ProvisionFailed  = "failed"
)

var tickBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Recorder owns a private registry and the autoscaler collectors
type Recorder struct {
	registry *prometheus.Registry

	activeRunners  prometheus.Gauge
	standbyRunners prometheus.Gauge
	queuedRuns     prometheus.Gauge
	inProgressRuns prometheus.Gauge
	provisions     *prometheus.CounterVec
	ticks          *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	teardownErrors prometheus.Counter
}

// New creates a Recorder with Go runtime and process collectors registered
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		activeRunners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runners",
			Help:      "Runners currently started and serving jobs",
		}),
		standbyRunners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "standby_runners",
			Help:      "Registered runners that are stopped and can be restarted",
		}),
		queuedRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_runs",
			Help:      "Queued workflow runs seen in the last sample",
		}),
		inProgressRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_progress_runs",
			Help:      "In-progress workflow runs seen in the last sample",
		}),
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_activations_total",
			Help:      "Runner activations by outcome",
		}, []string{"outcome"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Controller ticks by outcome",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one controller tick",
			Buckets:   tickBuckets,
		}),
		teardownErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_errors_total",
			Help:      "Runner teardown steps that failed",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.activeRunners,
		r.standbyRunners,
		r.queuedRuns,
		r.inProgressRuns,
		r.provisions,
		r.ticks,
		r.tickDuration,
		r.teardownErrors,
	)
	return r
}

// Registry returns the registry the collectors live in
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// TrackTokenMints exposes a mint count read at scrape time
func (r *Recorder) TrackTokenMints(mints func() int) {
	if r == nil {
		return
	}
	r.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_mints_total",
		Help:      "Registration tokens minted",
	}, func() float64 { return float64(mints()) }))
}

// SetPool records pool sizes
func (r *Recorder) SetPool(active, standby int) {
	if r == nil {
		return
	}
	r.activeRunners.Set(float64(active))
	r.standbyRunners.Set(float64(standby))
}

// SetDemand records the last demand sample
func (r *Recorder) SetDemand(queued, inProgress int) {
	if r == nil {
		return
	}
	r.queuedRuns.Set(float64(queued))
	r.inProgressRuns.Set(float64(inProgress))
}

// AddActivations counts runner activations with the given outcome
func (r *Recorder) AddActivations(outcome string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.provisions.WithLabelValues(outcome).Add(float64(n))
}

// ObserveTick records one controller tick
func (r *Recorder) ObserveTick(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.ticks.WithLabelValues(outcome).Inc()
	r.tickDuration.Observe(d.Seconds())
}

// AddTeardownErrors counts failed teardown steps
func (r *Recorder) AddTeardownErrors(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.teardownErrors.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (r *Recorder) Serve(ctx context.Context, addr string, logger *pterm.Logger) error {
	if logger == nil {
		logger = pterm.Discard()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
