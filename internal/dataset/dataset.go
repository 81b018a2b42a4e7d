// Package dataset defines how recorded incident datasets are read: the
// adapter contract each layout implements, the scenario window types, and
// the chunked CSV streaming shared by all layouts.
package dataset

import (
	"context"
	"errors"

	"github.com/atlas/incident-replay-engine/api/telemetry"
)

// ErrFormat reports a dataset file whose shape does not match its layout.
var ErrFormat = errors.New("dataset: unrecognized format")

// Window bounds one scenario's slice of the dataset in original time,
// inclusive on both ends.
type Window struct {
	Start float64
	End   float64
}

func (w Window) Contains(ts float64) bool {
	return ts >= w.Start && ts <= w.End
}

func (w Window) Seconds() float64 {
	return w.End - w.Start
}

// FaultRecord is one ground-truth row from the dataset's record file.
type FaultRecord struct {
	Timestamp float64
	Datetime  string
	Level     string
	Component string
	Reason    string
}

// Query is one task row from the dataset's query file.
type Query struct {
	TaskID        string
	Instruction   string
	ScoringPoints string
}

// Info describes a dataset to operators and the scenario selector.
type Info struct {
	Name string
	Type string
	Path string
}

// WindowData is the normalized, per-kind content of one scenario window.
// Slices are sorted by (timestamp, kind) with ties broken by input order.
type WindowData struct {
	Logs    []telemetry.Record
	Metrics []telemetry.Record
	Traces  []telemetry.Record

	// SkippedRows counts malformed rows dropped during normalization.
	SkippedRows int
}

// ByKind returns the slice for one kind.
func (d *WindowData) ByKind(kind telemetry.RecordKind) []telemetry.Record {
	switch kind {
	case telemetry.KindLog:
		return d.Logs
	case telemetry.KindMetric:
		return d.Metrics
	case telemetry.KindTrace:
		return d.Traces
	default:
		return nil
	}
}

// Total counts records across all kinds.
func (d *WindowData) Total() int {
	return len(d.Logs) + len(d.Metrics) + len(d.Traces)
}

// EarliestTimestamp returns the smallest original timestamp in the window
// data, or 0 when empty.
func (d *WindowData) EarliestTimestamp() float64 {
	var earliest float64
	consider := func(records []telemetry.Record) {
		if len(records) == 0 {
			return
		}
		if earliest == 0 || records[0].Timestamp < earliest {
			earliest = records[0].Timestamp
		}
	}
	consider(d.Logs)
	consider(d.Metrics)
	consider(d.Traces)
	return earliest
}

// Adapter reads one dataset layout. Implementations must tolerate missing
// optional telemetry kinds: a dataset without traces yields empty traces,
// not an error. Kinds not listed in the LoadWindow kinds argument must not
// be read at all.
type Adapter interface {
	Describe() Info
	Queries(ctx context.Context) ([]Query, error)
	Faults(ctx context.Context) ([]FaultRecord, error)
	LoadWindow(ctx context.Context, w Window, kinds []telemetry.RecordKind) (*WindowData, error)
}

// KindEnabled reports whether kind appears in the requested set.
func KindEnabled(kinds []telemetry.RecordKind, kind telemetry.RecordKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
