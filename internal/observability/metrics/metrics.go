// Package metrics exposes the replayer's own operational metrics and
// health endpoints. Replayed telemetry never passes through here; these
// instruments describe the engine, not the dataset.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Replay progress metrics
	RecordsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ire_records_emitted_total",
		Help: "Telemetry records handed to sinks, by kind and replay phase",
	}, []string{"kind", "phase"})

	RecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ire_records_dropped_total",
		Help: "Records abandoned after delivery retries were exhausted",
	}, []string{"kind"})

	BulkBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ire_bulk_batches_total",
		Help: "Bulk batches by outcome (committed or skipped as already delivered)",
	}, []string{"kind", "outcome"})

	// Sink delivery metrics
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ire_sink_errors_total",
		Help: "Delivery attempts that returned an error",
	}, []string{"kind"})

	DeliveryRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ire_delivery_retries_total",
		Help: "Extra delivery attempts beyond the first",
	}, []string{"kind"})

	// Pacing metrics
	PacingLag = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ire_pacing_lag_seconds",
		Help:    "How far behind its simulated deadline a live record was emitted",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
	}, []string{"kind"})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	for _, kind := range []string{"log", "metric", "trace"} {
		RecordsEmitted.WithLabelValues(kind, "bulk_loading")
		RecordsEmitted.WithLabelValues(kind, "streaming")
		RecordsDropped.WithLabelValues(kind)
		BulkBatches.WithLabelValues(kind, "committed")
		BulkBatches.WithLabelValues(kind, "skipped")
		SinkErrors.WithLabelValues(kind)
		DeliveryRetries.WithLabelValues(kind)
	}
}

// HealthCheck holds a single health check function.
type HealthCheck struct {
	Name  string
	Check func() error
}

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

type healthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

var defaultHealthChecker = &healthChecker{}

// RegisterHealthCheck adds a health check evaluated on every /healthz request.
func RegisterHealthCheck(name string, check func() error) {
	defaultHealthChecker.mu.Lock()
	defer defaultHealthChecker.mu.Unlock()
	defaultHealthChecker.checks = append(defaultHealthChecker.checks, HealthCheck{
		Name:  name,
		Check: check,
	})
}

func runChecks() HealthStatus {
	defaultHealthChecker.mu.RLock()
	checks := make([]HealthCheck, len(defaultHealthChecker.checks))
	copy(checks, defaultHealthChecker.checks)
	defaultHealthChecker.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]string),
	}

	for _, hc := range checks {
		if err := hc.Check(); err != nil {
			status.Status = "degraded"
			status.Checks[hc.Name] = err.Error()
		} else {
			status.Checks[hc.Name] = "ok"
		}
	}
	return status
}

// HealthzHandler handles GET /healthz requests.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	status := runChecks()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Server starts an HTTP server for /metrics and /healthz on the given addr.
// It blocks until the provided stop channel is closed, then shuts down gracefully.
func Server(addr string, stop <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthzHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-stop:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errCh:
		return err
	}
}
