package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the Prometheus collectors for the control plane.
type Metrics struct {
	registry *prometheus.Registry
	enabled  bool

	// Deployment metrics.
	DeploysStarted   *prometheus.CounterVec
	DeploysCompleted *prometheus.CounterVec
	DeployDuration   *prometheus.HistogramVec

	// Step metrics.
	StepsTotal   *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec

	// Add-on metrics.
	AddonInstalls *prometheus.CounterVec

	// Instance pool metrics.
	InstancesActive prometheus.Gauge

	server *http.Server
}

// NewMetrics creates the metric collectors. When metrics are disabled
// the collectors are still created (so callers never nil-check) but are
// not registered anywhere.
func NewMetrics(cfg MetricsConfig) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = "agentbox"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		enabled:  cfg.Enabled,

		DeploysStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "deploys_started_total",
			Help:      "Total number of deployment workflows started.",
		}, []string{"resumed"}),

		DeploysCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "deploys_completed_total",
			Help:      "Total number of deployment workflows finished, by outcome.",
		}, []string{"outcome"}),

		DeployDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "deploy_duration_seconds",
			Help:      "End-to-end deployment workflow duration.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"outcome"}),

		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "steps_total",
			Help:      "Total number of deployment steps processed, by key and status.",
		}, []string{"step", "status"}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "step_duration_seconds",
			Help:      "Per-step execution duration.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"step"}),

		AddonInstalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "addon_installs_total",
			Help:      "Total number of add-on installations, by outcome.",
		}, []string{"outcome"}),

		InstancesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "instances_active",
			Help:      "Number of compute instances currently provisioned.",
		}),
	}

	if cfg.Enabled {
		m.registry.MustRegister(
			m.DeploysStarted,
			m.DeploysCompleted,
			m.DeployDuration,
			m.StepsTotal,
			m.StepDuration,
			m.AddonInstalls,
			m.InstancesActive,
		)
	}

	return m
}

// ObserveStep records one step outcome with its duration.
func (m *Metrics) ObserveStep(step, status string, d time.Duration) {
	m.StepsTotal.WithLabelValues(step, status).Inc()
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// Serve exposes /metrics on the configured address. Blocks until the
// context is cancelled or the listener fails. No-op when no address is
// configured or metrics are disabled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if !m.enabled || addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- m.server.ListenAndServe() }()

	log.Info().Str("addr", addr).Msg("metrics listener started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics listener failed: %w", err)
	}
}
