package telemetry

import (
	"fmt"
	"time"
)

// RecordKind names one of the three replayed telemetry streams.
type RecordKind string

const (
	KindLog    RecordKind = "log"
	KindMetric RecordKind = "metric"
	KindTrace  RecordKind = "trace"
)

// Kinds returns all record kinds in canonical emission order.
func Kinds() []RecordKind {
	return []RecordKind{KindLog, KindMetric, KindTrace}
}

func (k RecordKind) Valid() bool {
	switch k {
	case KindLog, KindMetric, KindTrace:
		return true
	default:
		return false
	}
}

// Field is one normalized column carried beside the kind payload. Unmapped
// marks columns the mapping table did not recognize; their raw name and
// value pass through untouched.
type Field struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Unmapped bool   `json:"unmapped,omitempty"`
}

// MetricPayload holds the metric-specific portion of a record.
type MetricPayload struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Unit   string            `json:"unit,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// LogPayload holds the log-specific portion of a record.
type LogPayload struct {
	LogID   string            `json:"log_id,omitempty"`
	Level   string            `json:"level,omitempty"`
	Message string            `json:"message"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// TracePayload holds the span-specific portion of a record. Duration is in
// milliseconds, matching the source datasets.
type TracePayload struct {
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Service    string            `json:"service"`
	Operation  string            `json:"operation,omitempty"`
	DurationMS float64           `json:"duration_ms"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Record is one normalized observation in original dataset time. Records are
// value types: producers hand them out by value and consumers must treat the
// payload pointers and maps as read-only. Timestamp is epoch seconds,
// possibly fractional.
type Record struct {
	Kind      RecordKind     `json:"kind"`
	Timestamp float64        `json:"timestamp"`
	EntityID  string         `json:"entity_id"`
	Metric    *MetricPayload `json:"metric,omitempty"`
	Log       *LogPayload    `json:"log,omitempty"`
	Trace     *TracePayload  `json:"trace,omitempty"`
	Extra     []Field        `json:"extra,omitempty"`
}

func (r Record) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid record kind: %q", r.Kind)
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("record timestamp must be positive, got %v", r.Timestamp)
	}
	switch r.Kind {
	case KindMetric:
		if r.Metric == nil {
			return fmt.Errorf("metric record requires metric payload")
		}
		if r.Metric.Name == "" {
			return fmt.Errorf("metric record requires metric name")
		}
	case KindLog:
		if r.Log == nil {
			return fmt.Errorf("log record requires log payload")
		}
	case KindTrace:
		if r.Trace == nil {
			return fmt.Errorf("trace record requires trace payload")
		}
		if r.Trace.TraceID == "" || r.Trace.SpanID == "" {
			return fmt.Errorf("trace record requires trace_id and span_id")
		}
	}
	return nil
}

// Time converts the epoch-seconds timestamp to a time.Time in UTC.
func (r Record) Time() time.Time {
	sec := int64(r.Timestamp)
	nsec := int64((r.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// WithTimestamp returns a copy of the record carrying ts. The original is
// left untouched so remapping never mutates normalized records.
func (r Record) WithTimestamp(ts float64) Record {
	out := r
	out.Timestamp = ts
	return out
}

// ExtraValue looks up a normalized extra field by key. The second return
// reports whether the key was present.
func (r Record) ExtraValue(key string) (string, bool) {
	for _, f := range r.Extra {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}
