package sink

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/atlas/incident-replay-engine/api/telemetry"
	"github.com/atlas/incident-replay-engine/internal/normalize"
)

const (
	defaultMetricBatchSize = 500
	defaultPushInterval    = time.Second
)

// PrometheusConfig binds the metric sink to a Pushgateway.
type PrometheusConfig struct {
	GatewayURL string
	Namespace  string
	Timeout    time.Duration
	BatchSize  int

	// PushInterval throttles streaming pushes; gauge updates between
	// pushes coalesce to the latest value.
	PushInterval time.Duration
}

func PrometheusConfigFromEnv() PrometheusConfig {
	return PrometheusConfig{
		GatewayURL: defaultString(os.Getenv("IRE_SINK_PROMETHEUS_GATEWAY"), "http://localhost:9091"),
		Namespace:  defaultString(os.Getenv("IRE_NAMESPACE"), "replay"),
		Timeout:    10 * time.Second,
	}
}

// Prometheus delivers metric records. History goes to the Pushgateway as
// raw exposition lines with explicit millisecond timestamps; live records
// update a gauge registry pushed at most once per interval.
type Prometheus struct {
	cfg  PrometheusConfig
	http *http.Client

	mu       sync.Mutex
	registry *prometheus.Registry
	gauges   map[string]*gaugeEntry
	pusher   *push.Pusher
	lastPush time.Time
}

type gaugeEntry struct {
	vec        *prometheus.GaugeVec
	labelNames []string
}

func NewPrometheus(cfg PrometheusConfig) (*Prometheus, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("prometheus sink: gateway url is required")
	}
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")
	if cfg.Namespace == "" {
		cfg.Namespace = "replay"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultMetricBatchSize
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = defaultPushInterval
	}

	client := &http.Client{Timeout: cfg.Timeout}
	registry := prometheus.NewRegistry()
	pusher := push.New(cfg.GatewayURL, cfg.Namespace).Gatherer(registry).Client(client)

	return &Prometheus{
		cfg:      cfg,
		http:     client,
		registry: registry,
		gauges:   make(map[string]*gaugeEntry),
		pusher:   pusher,
	}, nil
}

func (p *Prometheus) Kind() telemetry.RecordKind { return telemetry.KindMetric }

// BulkIngest renders exposition lines grouped by metric name and posts
// them per name, batched.
func (p *Prometheus) BulkIngest(ctx context.Context, records []telemetry.Record) error {
	type nameBatch struct {
		name  string
		lines []string
	}
	batches := make(map[string]*nameBatch)
	var order []string

	flush := func(b *nameBatch) error {
		if len(b.lines) == 0 {
			return nil
		}
		if err := p.pushLines(ctx, b.name, b.lines); err != nil {
			return err
		}
		b.lines = b.lines[:0]
		return nil
	}

	for _, rec := range records {
		if rec.Metric == nil {
			continue
		}
		name := normalize.SanitizeMetricName(rec.Metric.Name)
		b, ok := batches[name]
		if !ok {
			b = &nameBatch{name: name}
			batches[name] = b
			order = append(order, name)
		}
		b.lines = append(b.lines, p.expositionLine(name, rec, true))
		if len(b.lines) >= p.cfg.BatchSize {
			if err := flush(b); err != nil {
				return err
			}
		}
	}

	for _, name := range order {
		if err := flush(batches[name]); err != nil {
			return err
		}
	}
	return nil
}

// StreamIngest sets the gauge for the metric and pushes the registry when
// the throttle interval has elapsed.
func (p *Prometheus) StreamIngest(ctx context.Context, record telemetry.Record) error {
	if record.Metric == nil {
		return fmt.Errorf("prometheus sink: record has no metric payload")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	name := normalize.SanitizeMetricName(record.Metric.Name)
	labels := p.streamLabels(record)

	entry, ok := p.gauges[name]
	if !ok {
		names := make([]string, 0, len(labels))
		for k := range labels {
			names = append(names, k)
		}
		sort.Strings(names)
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name,
			Help: "Replayed metric " + record.Metric.Name,
		}, names)
		if err := p.registry.Register(vec); err != nil {
			return fmt.Errorf("prometheus sink: register %s: %w", name, err)
		}
		entry = &gaugeEntry{vec: vec, labelNames: names}
		p.gauges[name] = entry
	}

	values := make(prometheus.Labels, len(entry.labelNames))
	for _, k := range entry.labelNames {
		values[k] = labels[k]
	}
	gauge, err := entry.vec.GetMetricWith(values)
	if err != nil {
		return fmt.Errorf("prometheus sink: labels for %s: %w", name, err)
	}
	gauge.Set(record.Metric.Value)

	if time.Since(p.lastPush) < p.cfg.PushInterval {
		return nil
	}
	if err := p.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("prometheus sink: push: %w", err)
	}
	p.lastPush = time.Now()
	return nil
}

// Close pushes whatever the registry still holds.
func (p *Prometheus) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.gauges) == 0 {
		return nil
	}
	if err := p.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("prometheus sink: final push: %w", err)
	}
	return nil
}

func (p *Prometheus) pushLines(ctx context.Context, name string, lines []string) error {
	body := strings.Join(lines, "\n") + "\n"
	target := fmt.Sprintf("%s/metrics/job/%s/metric/%s",
		p.cfg.GatewayURL, url.PathEscape(p.cfg.Namespace), url.PathEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewBufferString(body))
	if err != nil {
		return fmt.Errorf("prometheus sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("prometheus sink: push %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return httpStatusError("prometheus sink: push "+name, resp.StatusCode)
	}
	return nil
}

func (p *Prometheus) expositionLine(name string, rec telemetry.Record, isHistory bool) string {
	labels := make(map[string]string, len(rec.Metric.Labels)+2)
	for k, v := range rec.Metric.Labels {
		labels[normalize.SanitizeMetricName(k)] = v
	}
	labels["is_history"] = strconv.FormatBool(isHistory)
	labels["namespace"] = p.cfg.Namespace

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(escapeLabelValue(labels[k]))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	b.WriteByte(' ')
	b.WriteString(strconv.FormatFloat(rec.Metric.Value, 'g', -1, 64))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(int64(rec.Timestamp*1000), 10))
	return b.String()
}

func (p *Prometheus) streamLabels(rec telemetry.Record) map[string]string {
	labels := make(map[string]string, len(rec.Metric.Labels)+2)
	for k, v := range rec.Metric.Labels {
		labels[normalize.SanitizeMetricName(k)] = v
	}
	labels["is_history"] = "false"
	labels["namespace"] = p.cfg.Namespace
	return labels
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabelValue(v string) string {
	return labelEscaper.Replace(v)
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
