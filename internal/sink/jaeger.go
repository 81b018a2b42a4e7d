package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/atlas/incident-replay-engine/api/telemetry"
)

const defaultSpanBatchSize = 1000

// JaegerConfig binds the trace sink to a Jaeger collector.
type JaegerConfig struct {
	CollectorURL string
	Namespace    string
	Timeout      time.Duration
	BatchSize    int
}

func JaegerConfigFromEnv() JaegerConfig {
	return JaegerConfig{
		CollectorURL: defaultString(os.Getenv("IRE_SINK_JAEGER_COLLECTOR"), "http://localhost:14268/api/traces"),
		Namespace:    defaultString(os.Getenv("IRE_NAMESPACE"), "replay"),
		Timeout:      10 * time.Second,
	}
}

// Jaeger delivers trace records as collector-format spans. Timestamps are
// microseconds of simulation time, so replayed traces line up with the
// replayed logs and metrics in the UI.
type Jaeger struct {
	cfg  JaegerConfig
	http *http.Client
}

type jaegerTag struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

type jaegerRef struct {
	RefType string `json:"refType"`
	TraceID string `json:"traceID"`
	SpanID  string `json:"spanID"`
}

type jaegerProcess struct {
	ServiceName string      `json:"serviceName"`
	Tags        []jaegerTag `json:"tags"`
}

type jaegerSpan struct {
	TraceID       string        `json:"traceID"`
	SpanID        string        `json:"spanID"`
	OperationName string        `json:"operationName"`
	StartTime     int64         `json:"startTime"`
	Duration      int64         `json:"duration"`
	Tags          []jaegerTag   `json:"tags"`
	Process       jaegerProcess `json:"process"`
	References    []jaegerRef   `json:"references,omitempty"`
}

type jaegerTrace struct {
	TraceID string       `json:"traceID"`
	Spans   []jaegerSpan `json:"spans"`
}

type jaegerPayload struct {
	Data []jaegerTrace `json:"data"`
}

func NewJaeger(cfg JaegerConfig) (*Jaeger, error) {
	if cfg.CollectorURL == "" {
		return nil, fmt.Errorf("jaeger sink: collector url is required")
	}
	cfg.CollectorURL = strings.TrimRight(cfg.CollectorURL, "/")
	if cfg.Namespace == "" {
		cfg.Namespace = "replay"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSpanBatchSize
	}
	return &Jaeger{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (j *Jaeger) Kind() telemetry.RecordKind { return telemetry.KindTrace }

// BulkIngest submits spans to the collector in batches.
func (j *Jaeger) BulkIngest(ctx context.Context, records []telemetry.Record) error {
	spans := make([]jaegerSpan, 0, minInt(len(records), j.cfg.BatchSize))
	for _, rec := range records {
		if rec.Trace == nil {
			continue
		}
		spans = append(spans, j.span(rec, true))
		if len(spans) >= j.cfg.BatchSize {
			if err := j.submit(ctx, spans); err != nil {
				return err
			}
			spans = spans[:0]
		}
	}
	if len(spans) > 0 {
		return j.submit(ctx, spans)
	}
	return nil
}

// StreamIngest submits a single live span.
func (j *Jaeger) StreamIngest(ctx context.Context, record telemetry.Record) error {
	if record.Trace == nil {
		return fmt.Errorf("jaeger sink: record has no trace payload")
	}
	return j.submit(ctx, []jaegerSpan{j.span(record, false)})
}

func (j *Jaeger) Close(context.Context) error { return nil }

func (j *Jaeger) span(rec telemetry.Record, isHistory bool) jaegerSpan {
	tr := rec.Trace
	tags := []jaegerTag{
		{Key: "service.name", Type: "string", Value: tr.Service},
		{Key: "namespace", Type: "string", Value: j.cfg.Namespace},
		{Key: "is_history", Type: "bool", Value: isHistory},
	}
	if len(tr.Tags) > 0 {
		keys := make([]string, 0, len(tr.Tags))
		for k := range tr.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tags = append(tags, jaegerTag{Key: k, Type: "string", Value: tr.Tags[k]})
		}
	}

	span := jaegerSpan{
		TraceID:       tr.TraceID,
		SpanID:        tr.SpanID,
		OperationName: tr.Operation,
		StartTime:     int64(rec.Timestamp * 1e6),
		Duration:      int64(tr.DurationMS * 1000),
		Tags:          tags,
		Process:       jaegerProcess{ServiceName: tr.Service, Tags: []jaegerTag{}},
	}
	if tr.ParentID != "" {
		span.References = []jaegerRef{{
			RefType: "CHILD_OF",
			TraceID: tr.TraceID,
			SpanID:  tr.ParentID,
		}}
	}
	return span
}

func (j *Jaeger) submit(ctx context.Context, spans []jaegerSpan) error {
	payload := jaegerPayload{Data: []jaegerTrace{{
		TraceID: spans[0].TraceID,
		Spans:   spans,
	}}}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("jaeger sink: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.cfg.CollectorURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("jaeger sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.http.Do(req)
	if err != nil {
		return fmt.Errorf("jaeger sink: submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return httpStatusError("jaeger sink: submit", resp.StatusCode)
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
