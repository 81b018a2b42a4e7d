package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsEndpointServesAllInstruments(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	ts := httptest.NewServer(mux)
	defer ts.Close()

	RecordsEmitted.WithLabelValues("metric", "bulk_loading").Add(500)
	RecordsEmitted.WithLabelValues("log", "streaming").Inc()
	RecordsDropped.WithLabelValues("trace").Inc()
	BulkBatches.WithLabelValues("metric", "committed").Inc()
	BulkBatches.WithLabelValues("metric", "skipped").Inc()
	SinkErrors.WithLabelValues("log").Inc()
	DeliveryRetries.WithLabelValues("log").Inc()
	PacingLag.WithLabelValues("metric").Observe(0.25)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	text := string(body)

	required := []string{
		"ire_records_emitted_total",
		"ire_records_dropped_total",
		"ire_bulk_batches_total",
		"ire_sink_errors_total",
		"ire_delivery_retries_total",
		"ire_pacing_lag_seconds",
	}
	for _, name := range required {
		if !strings.Contains(text, name) {
			t.Errorf("missing metric %q in /metrics output", name)
		}
	}
}

func TestHealthzReportsDegradedChecks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthzHandler)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	getStatus := func() (int, HealthStatus) {
		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var status HealthStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			t.Fatal(err)
		}
		return resp.StatusCode, status
	}

	RegisterHealthCheck("ledger", func() error { return nil })
	code, status := getStatus()
	if code != 200 || status.Status != "ok" {
		t.Fatalf("healthy check: got %d %q", code, status.Status)
	}

	RegisterHealthCheck("pushgateway", func() error {
		return fmt.Errorf("connection refused")
	})
	code, status = getStatus()
	if code != http.StatusServiceUnavailable || status.Status != "degraded" {
		t.Fatalf("degraded check: got %d %q", code, status.Status)
	}
	if status.Checks["pushgateway"] != "connection refused" {
		t.Fatalf("degraded check detail = %q", status.Checks["pushgateway"])
	}
	if status.Checks["ledger"] != "ok" {
		t.Fatalf("healthy check detail = %q", status.Checks["ledger"])
	}
}

func TestServerShutsDownOnStop(t *testing.T) {
	stop := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- Server("127.0.0.1:0", stop)
	}()

	time.Sleep(100 * time.Millisecond)
	close(stop)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Server: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
