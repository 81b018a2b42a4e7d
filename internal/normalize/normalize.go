// Package normalize turns dataset-specific rows into canonical telemetry
// records: table-driven metric naming, unit conversion, wide-to-long
// pivoting, and the (timestamp, kind) output ordering the scheduler and
// evaluator both depend on.
package normalize

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/atlas/incident-replay-engine/api/telemetry"
)

// Class tags a mapped metric series.
type Class string

const (
	ClassGauge   Class = "gauge"
	ClassCounter Class = "counter"
)

// Mapping is one row of a dataset mapping table: how a source column or
// file maps to a canonical metric identity.
type Mapping struct {
	Name  string
	Unit  string
	Scale float64
	Class Class
}

func (m Mapping) scale() float64 {
	if m.Scale == 0 {
		return 1
	}
	return m.Scale
}

// Table translates source names to canonical mappings. Unknown names pass
// through unchanged but are reported unmapped so adapters can flag them.
type Table struct {
	entries map[string]Mapping
}

func NewTable(entries map[string]Mapping) *Table {
	copied := make(map[string]Mapping, len(entries))
	for k, v := range entries {
		copied[k] = v
	}
	return &Table{entries: copied}
}

// Lookup returns the mapping for a source name.
func (t *Table) Lookup(source string) (Mapping, bool) {
	if t == nil {
		return Mapping{}, false
	}
	m, ok := t.entries[source]
	return m, ok
}

// Resolve returns the canonical mapping for a source name, falling back to
// a pass-through identity. The second return reports whether the name was
// in the table.
func (t *Table) Resolve(source string) (Mapping, bool) {
	if m, ok := t.Lookup(source); ok {
		return m, true
	}
	return Mapping{Name: SanitizeMetricName(source), Scale: 1, Class: ClassGauge}, false
}

// Apply converts a source value through the mapping's scale.
func (m Mapping) Apply(value float64) float64 {
	return value * m.scale()
}

// Len reports the number of table entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// SanitizeMetricName rewrites characters the metric backends reject.
func SanitizeMetricName(name string) string {
	r := strings.NewReplacer(".", "_", "-", "_", "/", "_", " ", "_")
	return r.Replace(name)
}

// millisThreshold separates epoch seconds from epoch milliseconds. Any
// value above it is treated as milliseconds.
const millisThreshold = 1e12

var timestampLayouts = []string{
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an epoch value or datetime string into epoch
// seconds. Numeric values above 1e12 are taken as milliseconds. Datetime
// strings without a zone are read as UTC.
func ParseTimestamp(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		if v > millisThreshold {
			v /= 1000
		}
		if v <= 0 {
			return 0, fmt.Errorf("nonpositive timestamp %q", raw)
		}
		return v, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return float64(t.UnixNano()) / float64(time.Second), nil
		}
	}
	return 0, fmt.Errorf("unparseable timestamp %q", raw)
}

// ParseValue parses a numeric cell. Empty cells and NaN markers are
// reported as absent rather than as errors.
func ParseValue(raw string) (float64, bool, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "null") {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("unparseable value %q", raw)
	}
	return v, true, nil
}

// PivotWide expands one wide-format row (one column per entity) into long
// form: one metric record per entity with a parseable cell. Empty and NaN
// cells are skipped; the skipped count covers unparseable cells only.
func PivotWide(ts float64, m Mapping, entities []string, values []string) ([]telemetry.Record, int) {
	n := len(entities)
	if len(values) < n {
		n = len(values)
	}
	records := make([]telemetry.Record, 0, n)
	skipped := 0
	for i := 0; i < n; i++ {
		v, present, err := ParseValue(values[i])
		if err != nil {
			skipped++
			continue
		}
		if !present {
			continue
		}
		records = append(records, telemetry.Record{
			Kind:      telemetry.KindMetric,
			Timestamp: ts,
			EntityID:  entities[i],
			Metric: &telemetry.MetricPayload{
				Name:  m.Name,
				Value: m.Apply(v),
				Unit:  m.Unit,
			},
		})
	}
	return records, skipped
}

func kindRank(k telemetry.RecordKind) int {
	switch k {
	case telemetry.KindLog:
		return 0
	case telemetry.KindMetric:
		return 1
	case telemetry.KindTrace:
		return 2
	default:
		return 3
	}
}

// SortRecords orders records by (timestamp, kind), stable for equal keys so
// input order breaks ties deterministically.
func SortRecords(records []telemetry.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Timestamp != records[j].Timestamp {
			return records[i].Timestamp < records[j].Timestamp
		}
		return kindRank(records[i].Kind) < kindRank(records[j].Kind)
	})
}
