package config

import (
	"strings"
	"testing"
	"time"

	"github.com/atlas/incident-replay-engine/api/telemetry"
	"github.com/atlas/incident-replay-engine/internal/timebase"
)

const fullConfig = `
datasets:
  - name: bank
    type: openrca
    root: ./data/bank
  - name: kalos
    type: acme
    root: s3://trace-archive/kalos/
    region: us-west-2
scenario: bank/1
telemetry:
  enable_trace: false
time_mapping:
  mode: manual
  anchor_strategy: fault_detection
  history_duration_seconds: 7200
  post_fault_duration_seconds: 900
  simulation_start_time: "2024-02-09T20:19:05Z"
  offset_seconds: 30
replay_config:
  speed_factor: 2.5
  bulk_batch_size: 200
  sink_timeout_seconds: 5
sinks:
  prometheus_pushgateway: http://push:9091
  elasticsearch: http://es:9200
  jaeger_collector: http://jaeger:14268/api/traces
  namespace: bank
ledger:
  path: /var/lib/ire/ledger
metrics_listen: ":9109"
`

func TestParseFullConfig(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(fullConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Scenario != "bank/1" {
		t.Fatalf("scenario = %q", cfg.Scenario)
	}
	if len(cfg.Datasets) != 2 {
		t.Fatalf("datasets = %d", len(cfg.Datasets))
	}
	if cfg.Replay.SpeedFactor != 2.5 || cfg.Replay.BulkBatchSize != 200 {
		t.Fatalf("replay = %+v", cfg.Replay)
	}
	if got := cfg.Replay.SinkTimeout(); got != 5*time.Second {
		t.Fatalf("SinkTimeout() = %v", got)
	}
	if cfg.Sinks.Namespace != "bank" {
		t.Fatalf("namespace = %q", cfg.Sinks.Namespace)
	}
	if cfg.Ledger.Path != "/var/lib/ire/ledger" || cfg.MetricsListen != ":9109" {
		t.Fatalf("ledger/metrics = %+v %q", cfg.Ledger, cfg.MetricsListen)
	}

	kinds := cfg.Telemetry.EnabledKinds()
	want := []telemetry.RecordKind{telemetry.KindLog, telemetry.KindMetric}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Fatalf("EnabledKinds() = %v, want %v", kinds, want)
	}

	anchor, err := cfg.TimeMapping.AnchorConfig()
	if err != nil {
		t.Fatalf("AnchorConfig: %v", err)
	}
	if anchor.Mode != timebase.ModeManual || anchor.Strategy != timebase.StrategyFaultDetection {
		t.Fatalf("anchor = %+v", anchor)
	}
	if anchor.SimulationStart.Unix() != 1707509945 {
		t.Fatalf("simulation start = %v", anchor.SimulationStart)
	}
	if anchor.OffsetSeconds != 30 || anchor.HistorySeconds != 7200 {
		t.Fatalf("anchor = %+v", anchor)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("datasets:\n  - name: bank\n    type: openrca\n    root: ./data\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.TimeMapping.Mode != string(timebase.ModeRealtime) {
		t.Fatalf("mode = %q", cfg.TimeMapping.Mode)
	}
	if cfg.TimeMapping.AnchorStrategy != string(timebase.StrategyFaultStart) {
		t.Fatalf("strategy = %q", cfg.TimeMapping.AnchorStrategy)
	}
	if cfg.TimeMapping.HistorySeconds != 3600 || cfg.TimeMapping.PostFaultSeconds != 1800 {
		t.Fatalf("windows = %+v", cfg.TimeMapping)
	}
	if cfg.Replay.SpeedFactor != 1.0 || cfg.Replay.BulkBatchSize != 500 {
		t.Fatalf("replay = %+v", cfg.Replay)
	}
	if cfg.Sinks.PrometheusPushgateway != "http://localhost:9091" || cfg.Sinks.Namespace != "replay" {
		t.Fatalf("sinks = %+v", cfg.Sinks)
	}
	if got := len(cfg.Telemetry.EnabledKinds()); got != 3 {
		t.Fatalf("EnabledKinds() = %d, want all 3 by default", got)
	}
	if cfg.Ledger.Path != "" {
		t.Fatalf("ledger path = %q, want in-memory default", cfg.Ledger.Path)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("datasets:\n  - name: bank\n    type: openrca\n    root: ./data\nspeed: 2\n"))
	if err == nil {
		t.Fatalf("unknown key should be rejected")
	}
}

func TestValidateNamesOffendingKey(t *testing.T) {
	t.Parallel()

	base := "datasets:\n  - name: bank\n    type: openrca\n    root: ./data\n"
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"no datasets", "scenario: bank/1\n", "datasets"},
		{"missing type", "datasets:\n  - name: bank\n    root: ./data\n", "type"},
		{"missing root", "datasets:\n  - name: bank\n    type: openrca\n", "root"},
		{"duplicate name", "datasets:\n  - name: bank\n    type: openrca\n    root: ./a\n  - name: bank\n    type: acme\n    root: ./b\n", "duplicated"},
		{"bad mode", base + "time_mapping:\n  mode: warp\n", "mode"},
		{"bad strategy", base + "time_mapping:\n  anchor_strategy: coin_flip\n", "anchor_strategy"},
		{"manual without start", base + "time_mapping:\n  mode: manual\n", "simulation_start_time"},
		{"custom without anchor", base + "time_mapping:\n  anchor_strategy: custom\n", "anchor_original"},
		{"bad speed", base + "replay_config:\n  speed_factor: -1\n", "speed_factor"},
		{"all kinds off", base + "telemetry:\n  enable_log: false\n  enable_metric: false\n  enable_trace: false\n", "telemetry"},
	}
	for _, tc := range cases {
		_, err := Parse([]byte(tc.doc))
		if err == nil {
			t.Fatalf("%s: want error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestDatasetSpecsSplitS3Roots(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(fullConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	specs := cfg.DatasetSpecs()
	if len(specs) != 2 {
		t.Fatalf("specs = %d", len(specs))
	}

	if specs[0].Path != "./data/bank" || specs[0].Bucket != "" {
		t.Fatalf("local spec = %+v", specs[0])
	}
	if specs[1].Bucket != "trace-archive" || specs[1].Prefix != "kalos" {
		t.Fatalf("s3 spec = %+v", specs[1])
	}
	if specs[1].Path != "" || specs[1].Region != "us-west-2" {
		t.Fatalf("s3 spec = %+v", specs[1])
	}
}
