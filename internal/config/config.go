// Package config loads and validates the replayer configuration file.
// Unknown keys are rejected so a typo fails fast instead of silently
// running with a default.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atlas/incident-replay-engine/api/telemetry"
	"github.com/atlas/incident-replay-engine/internal/dataset/bootstrap"
	"github.com/atlas/incident-replay-engine/internal/timebase"
)

const (
	defaultSpeedFactor   = 1.0
	defaultBulkBatchSize = 500
	defaultSinkTimeout   = 10.0
	defaultNamespace     = "replay"

	defaultPushgatewayURL = "http://localhost:9091"
	defaultElasticURL     = "http://localhost:9200"
	defaultJaegerURL      = "http://localhost:14268/api/traces"
)

// Config is the full configuration surface of the replayer.
type Config struct {
	Datasets      []Dataset   `yaml:"datasets"`
	Scenario      string      `yaml:"scenario"`
	Telemetry     Telemetry   `yaml:"telemetry"`
	TimeMapping   TimeMapping `yaml:"time_mapping"`
	Replay        Replay      `yaml:"replay_config"`
	Sinks         Sinks       `yaml:"sinks"`
	Ledger        Ledger      `yaml:"ledger"`
	MetricsListen string      `yaml:"metrics_listen"`
}

// Dataset mounts one recording. Root is a local directory or an
// s3://bucket/prefix URL.
type Dataset struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Root   string `yaml:"root"`
	Region string `yaml:"region"`

	// StartDate/EndDate bound date-partitioned layouts (inclusive).
	StartDate string `yaml:"start_date"`
	EndDate   string `yaml:"end_date"`
}

// Telemetry toggles record kinds. Unset means enabled.
type Telemetry struct {
	EnableLog    *bool `yaml:"enable_log"`
	EnableMetric *bool `yaml:"enable_metric"`
	EnableTrace  *bool `yaml:"enable_trace"`
}

func (t Telemetry) LogEnabled() bool    { return boolOr(t.EnableLog, true) }
func (t Telemetry) MetricEnabled() bool { return boolOr(t.EnableMetric, true) }
func (t Telemetry) TraceEnabled() bool  { return boolOr(t.EnableTrace, true) }

// EnabledKinds lists the enabled kinds in canonical order.
func (t Telemetry) EnabledKinds() []telemetry.RecordKind {
	var kinds []telemetry.RecordKind
	if t.LogEnabled() {
		kinds = append(kinds, telemetry.KindLog)
	}
	if t.MetricEnabled() {
		kinds = append(kinds, telemetry.KindMetric)
	}
	if t.TraceEnabled() {
		kinds = append(kinds, telemetry.KindTrace)
	}
	return kinds
}

// TimeMapping carries the anchoring policy as written in the file.
type TimeMapping struct {
	Mode             string  `yaml:"mode"`
	AnchorStrategy   string  `yaml:"anchor_strategy"`
	HistorySeconds   float64 `yaml:"history_duration_seconds"`
	PostFaultSeconds float64 `yaml:"post_fault_duration_seconds"`
	SimulationStart  string  `yaml:"simulation_start_time"`
	AnchorOriginal   float64 `yaml:"anchor_original"`
	OffsetSeconds    float64 `yaml:"offset_seconds"`
}

// AnchorConfig converts the file form into the timebase policy.
func (t TimeMapping) AnchorConfig() (timebase.AnchorConfig, error) {
	mode, err := timebase.ParseMode(t.Mode)
	if err != nil {
		return timebase.AnchorConfig{}, fmt.Errorf("config: time_mapping.mode: %w", err)
	}
	strategy, err := timebase.ParseStrategy(t.AnchorStrategy)
	if err != nil {
		return timebase.AnchorConfig{}, fmt.Errorf("config: time_mapping.anchor_strategy: %w", err)
	}
	cfg := timebase.AnchorConfig{
		Mode:           mode,
		Strategy:       strategy,
		AnchorOriginal: t.AnchorOriginal,
		OffsetSeconds:  t.OffsetSeconds,
		HistorySeconds: t.HistorySeconds,
	}
	if t.SimulationStart != "" {
		start, err := time.Parse(time.RFC3339, t.SimulationStart)
		if err != nil {
			return timebase.AnchorConfig{}, fmt.Errorf("config: time_mapping.simulation_start_time: %w", err)
		}
		cfg.SimulationStart = start
	}
	return cfg, nil
}

// Replay bounds the scheduler.
type Replay struct {
	SpeedFactor        float64 `yaml:"speed_factor"`
	BulkBatchSize      int     `yaml:"bulk_batch_size"`
	SinkTimeoutSeconds float64 `yaml:"sink_timeout_seconds"`
}

// SinkTimeout returns the per-operation sink timeout.
func (r Replay) SinkTimeout() time.Duration {
	return time.Duration(r.SinkTimeoutSeconds * float64(time.Second))
}

// Sinks names the telemetry backends.
type Sinks struct {
	PrometheusPushgateway string `yaml:"prometheus_pushgateway"`
	Elasticsearch         string `yaml:"elasticsearch"`
	JaegerCollector       string `yaml:"jaeger_collector"`
	Namespace             string `yaml:"namespace"`
}

// Ledger locates the replay bookkeeping store. An empty path selects the
// in-memory implementation.
type Ledger struct {
	Path string `yaml:"path"`
}

// Load reads, defaults, and validates a configuration file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes configuration bytes. Unknown fields are errors.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TimeMapping.Mode == "" {
		c.TimeMapping.Mode = string(timebase.ModeRealtime)
	}
	if c.TimeMapping.AnchorStrategy == "" {
		c.TimeMapping.AnchorStrategy = string(timebase.StrategyFaultStart)
	}
	if c.TimeMapping.HistorySeconds == 0 {
		c.TimeMapping.HistorySeconds = 3600
	}
	if c.TimeMapping.PostFaultSeconds == 0 {
		c.TimeMapping.PostFaultSeconds = 1800
	}
	if c.Replay.SpeedFactor == 0 {
		c.Replay.SpeedFactor = defaultSpeedFactor
	}
	if c.Replay.BulkBatchSize == 0 {
		c.Replay.BulkBatchSize = defaultBulkBatchSize
	}
	if c.Replay.SinkTimeoutSeconds == 0 {
		c.Replay.SinkTimeoutSeconds = defaultSinkTimeout
	}
	if c.Sinks.PrometheusPushgateway == "" {
		c.Sinks.PrometheusPushgateway = defaultPushgatewayURL
	}
	if c.Sinks.Elasticsearch == "" {
		c.Sinks.Elasticsearch = defaultElasticURL
	}
	if c.Sinks.JaegerCollector == "" {
		c.Sinks.JaegerCollector = defaultJaegerURL
	}
	if c.Sinks.Namespace == "" {
		c.Sinks.Namespace = defaultNamespace
	}
}

// Validate names the offending key in every error.
func (c Config) Validate() error {
	if len(c.Datasets) == 0 {
		return fmt.Errorf("config: datasets: at least one dataset is required")
	}
	seen := make(map[string]bool, len(c.Datasets))
	for i, ds := range c.Datasets {
		if ds.Name == "" {
			return fmt.Errorf("config: datasets[%d].name is required", i)
		}
		if seen[ds.Name] {
			return fmt.Errorf("config: datasets[%d].name %q is duplicated", i, ds.Name)
		}
		seen[ds.Name] = true
		if ds.Type == "" {
			return fmt.Errorf("config: datasets[%d].type is required", i)
		}
		if ds.Root == "" {
			return fmt.Errorf("config: datasets[%d].root is required", i)
		}
	}

	mode, err := timebase.ParseMode(c.TimeMapping.Mode)
	if err != nil {
		return fmt.Errorf("config: time_mapping.mode: %w", err)
	}
	strategy, err := timebase.ParseStrategy(c.TimeMapping.AnchorStrategy)
	if err != nil {
		return fmt.Errorf("config: time_mapping.anchor_strategy: %w", err)
	}
	if mode == timebase.ModeManual && c.TimeMapping.SimulationStart == "" {
		return fmt.Errorf("config: time_mapping.simulation_start_time is required in manual mode")
	}
	if c.TimeMapping.SimulationStart != "" {
		if _, err := time.Parse(time.RFC3339, c.TimeMapping.SimulationStart); err != nil {
			return fmt.Errorf("config: time_mapping.simulation_start_time: %w", err)
		}
	}
	if strategy == timebase.StrategyCustom && c.TimeMapping.AnchorOriginal == 0 {
		return fmt.Errorf("config: time_mapping.anchor_original is required for the custom strategy")
	}
	if c.TimeMapping.HistorySeconds < 0 {
		return fmt.Errorf("config: time_mapping.history_duration_seconds must be >= 0")
	}
	if c.TimeMapping.PostFaultSeconds < 0 {
		return fmt.Errorf("config: time_mapping.post_fault_duration_seconds must be >= 0")
	}

	if c.Replay.SpeedFactor <= 0 {
		return fmt.Errorf("config: replay_config.speed_factor must be > 0")
	}
	if c.Replay.BulkBatchSize < 1 {
		return fmt.Errorf("config: replay_config.bulk_batch_size must be >= 1")
	}
	if c.Replay.SinkTimeoutSeconds <= 0 {
		return fmt.Errorf("config: replay_config.sink_timeout_seconds must be > 0")
	}
	if len(c.Telemetry.EnabledKinds()) == 0 {
		return fmt.Errorf("config: telemetry: at least one kind must be enabled")
	}
	return nil
}

// DatasetSpecs converts the dataset entries into catalog mount specs,
// splitting s3:// roots into bucket and prefix.
func (c Config) DatasetSpecs() []bootstrap.Spec {
	specs := make([]bootstrap.Spec, 0, len(c.Datasets))
	for _, ds := range c.Datasets {
		spec := bootstrap.Spec{
			Name:      ds.Name,
			Type:      ds.Type,
			Region:    ds.Region,
			StartDate: ds.StartDate,
			EndDate:   ds.EndDate,
		}
		if bucket, prefix, ok := splitS3Root(ds.Root); ok {
			spec.Bucket = bucket
			spec.Prefix = prefix
		} else {
			spec.Path = ds.Root
		}
		specs = append(specs, spec)
	}
	return specs
}

func splitS3Root(root string) (bucket, prefix string, ok bool) {
	rest, found := strings.CutPrefix(root, "s3://")
	if !found {
		return "", "", false
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, strings.TrimSuffix(prefix, "/"), true
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
