// Package openrca reads OpenRCA-style incident datasets (Bank, Telecom,
// Market cloudbeds): query.csv task definitions, record.csv ground truth,
// and date-partitioned telemetry folders holding per-day log, metric, and
// trace CSV files in the formats the collection ships with.
package openrca

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/atlas/incident-replay-engine/api/telemetry"
	"github.com/atlas/incident-replay-engine/internal/dataset"
	"github.com/atlas/incident-replay-engine/internal/dataset/source"
	"github.com/atlas/incident-replay-engine/internal/normalize"
)

const Type = "openrca"

// Default file layout inside a dataset directory.
const (
	defaultQueryFile    = "query.csv"
	defaultRecordFile   = "record.csv"
	defaultTelemetryDir = "telemetry"
)

// wideMetricColumns are the per-aspect value columns of the wide service
// and app metric files, in emission order.
var wideMetricColumns = []string{"rr", "sr", "mrt", "count", "tc"}

// Config wires one OpenRCA dataset.
type Config struct {
	Name   string
	Source source.Source

	QueryFile    string
	RecordFile   string
	TelemetryDir string

	LogFiles []string

	// MetricFiles limits which metric files are read. Empty discovers
	// every metric*.csv in each date folder.
	MetricFiles []string

	TraceFiles []string

	// StartDate/EndDate bound the date folders read, lexically, both
	// inclusive. Empty means all folders.
	StartDate string
	EndDate   string

	// Table maps source metric names to canonical identities. Nil keeps
	// source names as-is.
	Table *normalize.Table

	ChunkSize int
}

// Adapter implements dataset.Adapter for the OpenRCA layout.
type Adapter struct {
	cfg Config
}

func New(cfg Config) (*Adapter, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("openrca: source is required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("openrca: dataset name is required")
	}
	if cfg.QueryFile == "" {
		cfg.QueryFile = defaultQueryFile
	}
	if cfg.RecordFile == "" {
		cfg.RecordFile = defaultRecordFile
	}
	if cfg.TelemetryDir == "" {
		cfg.TelemetryDir = defaultTelemetryDir
	}
	if len(cfg.LogFiles) == 0 {
		cfg.LogFiles = []string{"log_service.csv"}
	}
	if len(cfg.TraceFiles) == 0 {
		cfg.TraceFiles = []string{"trace_span.csv"}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = dataset.ChunkSize
	}
	return &Adapter{cfg: cfg}, nil
}

func (a *Adapter) Describe() dataset.Info {
	return dataset.Info{Name: a.cfg.Name, Type: Type, Path: a.cfg.TelemetryDir}
}

// Queries loads the task definitions from query.csv.
func (a *Adapter) Queries(ctx context.Context) ([]dataset.Query, error) {
	rc, err := a.cfg.Source.Open(ctx, a.cfg.QueryFile)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}
	defer rc.Close()

	var queries []dataset.Query
	err = dataset.StreamCSV(ctx, rc, a.cfg.ChunkSize, func(header []string, rows [][]string) error {
		idx := dataset.HeaderIndex(header)
		if _, ok := idx["task_index"]; !ok {
			return fmt.Errorf("%w: %s lacks task_index column", dataset.ErrFormat, a.cfg.QueryFile)
		}
		for _, row := range rows {
			queries = append(queries, dataset.Query{
				TaskID:        dataset.Cell(idx, row, "task_index"),
				Instruction:   dataset.Cell(idx, row, "instruction"),
				ScoringPoints: dataset.Cell(idx, row, "scoring_points"),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}
	return queries, nil
}

// Faults loads the ground-truth rows from record.csv, sorted by timestamp.
// Rows without a numeric timestamp column fall back to the datetime column.
func (a *Adapter) Faults(ctx context.Context) ([]dataset.FaultRecord, error) {
	rc, err := a.cfg.Source.Open(ctx, a.cfg.RecordFile)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}
	defer rc.Close()

	var faults []dataset.FaultRecord
	err = dataset.StreamCSV(ctx, rc, a.cfg.ChunkSize, func(header []string, rows [][]string) error {
		idx := dataset.HeaderIndex(header)
		if _, ok := idx["component"]; !ok {
			return fmt.Errorf("%w: %s lacks component column", dataset.ErrFormat, a.cfg.RecordFile)
		}
		for _, row := range rows {
			ts, err := faultTimestamp(idx, row)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", dataset.ErrFormat, a.cfg.RecordFile, err)
			}
			faults = append(faults, dataset.FaultRecord{
				Timestamp: ts,
				Datetime:  dataset.Cell(idx, row, "datetime"),
				Level:     orDefault(dataset.Cell(idx, row, "level"), "unknown"),
				Component: dataset.Cell(idx, row, "component"),
				Reason:    orDefault(dataset.Cell(idx, row, "reason"), "unknown"),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}
	sort.SliceStable(faults, func(i, j int) bool { return faults[i].Timestamp < faults[j].Timestamp })
	return faults, nil
}

func faultTimestamp(idx map[string]int, row []string) (float64, error) {
	if raw := dataset.Cell(idx, row, "timestamp"); raw != "" {
		return normalize.ParseTimestamp(raw)
	}
	if raw := dataset.Cell(idx, row, "datetime"); raw != "" {
		return normalize.ParseTimestamp(raw)
	}
	return 0, fmt.Errorf("row lacks timestamp and datetime")
}

// LoadWindow reads the enabled telemetry kinds for the window, normalized
// and sorted. Missing telemetry files are treated as empty; files whose
// header matches no known format fail the scenario.
func (a *Adapter) LoadWindow(ctx context.Context, w dataset.Window, kinds []telemetry.RecordKind) (*dataset.WindowData, error) {
	folders, err := a.dateFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}

	out := &dataset.WindowData{}
	for _, folder := range folders {
		if dataset.KindEnabled(kinds, telemetry.KindLog) {
			for _, name := range a.cfg.LogFiles {
				if err := a.loadLogFile(ctx, folder, name, w, out); err != nil {
					return nil, err
				}
			}
		}
		if dataset.KindEnabled(kinds, telemetry.KindMetric) {
			names, err := a.metricFiles(ctx, folder)
			if err != nil {
				return nil, fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
			}
			for _, name := range names {
				if err := a.loadMetricFile(ctx, folder, name, w, out); err != nil {
					return nil, err
				}
			}
		}
		if dataset.KindEnabled(kinds, telemetry.KindTrace) {
			for _, name := range a.cfg.TraceFiles {
				if err := a.loadTraceFile(ctx, folder, name, w, out); err != nil {
					return nil, err
				}
			}
		}
	}

	normalize.SortRecords(out.Logs)
	normalize.SortRecords(out.Metrics)
	normalize.SortRecords(out.Traces)
	return out, nil
}

// dateFolders lists telemetry date folders, bounded by the configured date
// range. An empty intersection falls back to all folders.
func (a *Adapter) dateFolders(ctx context.Context) ([]string, error) {
	folders, err := source.ListDirs(ctx, a.cfg.Source, a.cfg.TelemetryDir)
	if err != nil {
		return nil, err
	}
	if a.cfg.StartDate == "" || a.cfg.EndDate == "" {
		return folders, nil
	}
	var filtered []string
	for _, f := range folders {
		if f >= a.cfg.StartDate && f <= a.cfg.EndDate {
			filtered = append(filtered, f)
		}
	}
	if len(filtered) == 0 {
		return folders, nil
	}
	return filtered, nil
}

func (a *Adapter) openTelemetry(ctx context.Context, folder, name string) (io.ReadCloser, error) {
	return a.cfg.Source.Open(ctx, path.Join(a.cfg.TelemetryDir, folder, name))
}

// metricFiles returns the configured metric file names, or discovers the
// metric*.csv files present in the folder when none were configured.
func (a *Adapter) metricFiles(ctx context.Context, folder string) ([]string, error) {
	if len(a.cfg.MetricFiles) > 0 {
		return a.cfg.MetricFiles, nil
	}
	names, err := a.cfg.Source.List(ctx, path.Join(a.cfg.TelemetryDir, folder))
	if err != nil {
		return nil, err
	}
	var files []string
	for _, name := range names {
		base := path.Base(name)
		if strings.HasPrefix(base, "metric") && strings.HasSuffix(base, ".csv") {
			files = append(files, base)
		}
	}
	return files, nil
}

func (a *Adapter) loadLogFile(ctx context.Context, folder, name string, w dataset.Window, out *dataset.WindowData) error {
	rc, err := a.openTelemetry(ctx, folder, name)
	if errors.Is(err, source.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}
	defer rc.Close()

	logType := strings.TrimSuffix(name, ".csv")
	err = dataset.StreamCSV(ctx, rc, a.cfg.ChunkSize, func(header []string, rows [][]string) error {
		idx := dataset.HeaderIndex(header)
		if _, ok := idx["timestamp"]; !ok {
			return fmt.Errorf("%w: %s lacks timestamp column", dataset.ErrFormat, name)
		}
		for _, row := range rows {
			ts, err := normalize.ParseTimestamp(dataset.Cell(idx, row, "timestamp"))
			if err != nil {
				out.SkippedRows++
				continue
			}
			if !w.Contains(ts) {
				continue
			}
			tags := map[string]string{
				"log_type":    logType,
				"source_file": name,
			}
			if logName := dataset.Cell(idx, row, "log_name"); logName != "" {
				tags["log_name"] = logName
			}
			message := dataset.Cell(idx, row, "value")
			if message == "" {
				message = dataset.Cell(idx, row, "message")
			}
			entity := orDefault(dataset.Cell(idx, row, "cmdb_id"), "unknown")
			out.Logs = append(out.Logs, telemetry.Record{
				Kind:      telemetry.KindLog,
				Timestamp: ts,
				EntityID:  entity,
				Log: &telemetry.LogPayload{
					LogID:   dataset.Cell(idx, row, "log_id"),
					Level:   orDefault(dataset.Cell(idx, row, "log_level"), "INFO"),
					Message: message,
					Tags:    tags,
				},
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}
	return nil
}

func (a *Adapter) loadTraceFile(ctx context.Context, folder, name string, w dataset.Window, out *dataset.WindowData) error {
	rc, err := a.openTelemetry(ctx, folder, name)
	if errors.Is(err, source.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}
	defer rc.Close()

	err = dataset.StreamCSV(ctx, rc, a.cfg.ChunkSize, func(header []string, rows [][]string) error {
		idx := dataset.HeaderIndex(header)
		for _, col := range []string{"timestamp", "trace_id", "span_id"} {
			if _, ok := idx[col]; !ok {
				return fmt.Errorf("%w: %s lacks %s column", dataset.ErrFormat, name, col)
			}
		}
		for _, row := range rows {
			ts, err := normalize.ParseTimestamp(dataset.Cell(idx, row, "timestamp"))
			if err != nil {
				out.SkippedRows++
				continue
			}
			if !w.Contains(ts) {
				continue
			}
			service := dataset.Cell(idx, row, "service")
			if service == "" {
				service = orDefault(dataset.Cell(idx, row, "cmdb_id"), "unknown")
			}
			duration, _, err := normalize.ParseValue(dataset.Cell(idx, row, "duration"))
			if err != nil {
				out.SkippedRows++
				continue
			}
			tags := map[string]string{
				"cmdb_id":   dataset.Cell(idx, row, "cmdb_id"),
				"status":    orDefault(dataset.Cell(idx, row, "status"), "ok"),
				"has_error": orDefault(dataset.Cell(idx, row, "has_error"), "false"),
			}
			out.Traces = append(out.Traces, telemetry.Record{
				Kind:      telemetry.KindTrace,
				Timestamp: ts,
				EntityID:  service,
				Trace: &telemetry.TracePayload{
					TraceID:    dataset.Cell(idx, row, "trace_id"),
					SpanID:     dataset.Cell(idx, row, "span_id"),
					ParentID:   dataset.Cell(idx, row, "parent_span_id"),
					Service:    service,
					Operation:  orDefault(dataset.Cell(idx, row, "operation_name"), "unknown"),
					DurationMS: duration,
					Tags:       tags,
				},
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}
	return nil
}

// metricFormat identifies which of the collection's metric file shapes a
// header belongs to.
type metricFormat int

const (
	formatUnknown metricFormat = iota
	formatWide                 // rr/sr/mrt aspect columns, one row per service
	formatKPI                  // kpi_name + value long form
	formatMiddleware           // itemid + name + value
	formatPlain                // bare value column
)

func detectMetricFormat(idx map[string]int) metricFormat {
	_, rr := idx["rr"]
	_, sr := idx["sr"]
	_, mrt := idx["mrt"]
	if rr || sr || mrt {
		return formatWide
	}
	if _, ok := idx["kpi_name"]; ok {
		return formatKPI
	}
	_, itemid := idx["itemid"]
	_, name := idx["name"]
	if itemid && name {
		return formatMiddleware
	}
	if _, ok := idx["value"]; ok {
		return formatPlain
	}
	return formatUnknown
}

func (a *Adapter) loadMetricFile(ctx context.Context, folder, name string, w dataset.Window, out *dataset.WindowData) error {
	rc, err := a.openTelemetry(ctx, folder, name)
	if errors.Is(err, source.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}
	defer rc.Close()

	stem := strings.TrimSuffix(name, ".csv")
	err = dataset.StreamCSV(ctx, rc, a.cfg.ChunkSize, func(header []string, rows [][]string) error {
		idx := dataset.HeaderIndex(header)
		format := detectMetricFormat(idx)
		if format == formatUnknown {
			return fmt.Errorf("%w: metric file %s matches no known shape", dataset.ErrFormat, name)
		}
		for _, row := range rows {
			ts, err := normalize.ParseTimestamp(dataset.Cell(idx, row, "timestamp"))
			if err != nil {
				out.SkippedRows++
				continue
			}
			if !w.Contains(ts) {
				continue
			}
			switch format {
			case formatWide:
				a.appendWideMetrics(idx, row, ts, stem, name, out)
			case formatKPI:
				a.appendKPIMetric(idx, row, ts, name, out)
			case formatMiddleware:
				a.appendMiddlewareMetric(idx, row, ts, name, out)
			case formatPlain:
				a.appendPlainMetric(idx, header, row, ts, stem, out)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}
	return nil
}

// appendWideMetrics expands a service/app row: one metric per aspect
// column, named "{filestem}_{aspect}".
func (a *Adapter) appendWideMetrics(idx map[string]int, row []string, ts float64, stem, file string, out *dataset.WindowData) {
	service := dataset.Cell(idx, row, "service")
	if service == "" {
		service = orDefault(dataset.Cell(idx, row, "cmdb_id"), "unknown")
	}
	for _, col := range wideMetricColumns {
		if _, ok := idx[col]; !ok {
			continue
		}
		v, present, err := normalize.ParseValue(dataset.Cell(idx, row, col))
		if err != nil {
			out.SkippedRows++
			continue
		}
		if !present {
			continue
		}
		out.Metrics = append(out.Metrics, a.metricRecord(ts, service, stem+"_"+col, v, map[string]string{
			"service": service,
			"source":  file,
		}))
	}
}

func (a *Adapter) appendKPIMetric(idx map[string]int, row []string, ts float64, file string, out *dataset.WindowData) {
	v, present, err := normalize.ParseValue(dataset.Cell(idx, row, "value"))
	if err != nil || !present {
		if err != nil {
			out.SkippedRows++
		}
		return
	}
	cmdb := dataset.Cell(idx, row, "cmdb_id")
	entity := cmdb
	if entity == "" {
		entity = dataset.Cell(idx, row, "service")
	}
	out.Metrics = append(out.Metrics, a.metricRecord(ts, entity, dataset.Cell(idx, row, "kpi_name"), v, map[string]string{
		"cmdb_id": cmdb,
		"service": dataset.Cell(idx, row, "service"),
		"source":  file,
	}))
}

func (a *Adapter) appendMiddlewareMetric(idx map[string]int, row []string, ts float64, file string, out *dataset.WindowData) {
	v, present, err := normalize.ParseValue(dataset.Cell(idx, row, "value"))
	if err != nil || !present {
		if err != nil {
			out.SkippedRows++
		}
		return
	}
	cmdb := dataset.Cell(idx, row, "cmdb_id")
	out.Metrics = append(out.Metrics, a.metricRecord(ts, cmdb, dataset.Cell(idx, row, "name"), v, map[string]string{
		"itemid":  dataset.Cell(idx, row, "itemid"),
		"bomc_id": dataset.Cell(idx, row, "bomc_id"),
		"cmdb_id": cmdb,
		"source":  file,
	}))
}

// appendPlainMetric handles bare value files: the file stem becomes the
// metric name and every other column becomes a label.
func (a *Adapter) appendPlainMetric(idx map[string]int, header, row []string, ts float64, stem string, out *dataset.WindowData) {
	v, present, err := normalize.ParseValue(dataset.Cell(idx, row, "value"))
	if err != nil || !present {
		if err != nil {
			out.SkippedRows++
		}
		return
	}
	labels := make(map[string]string)
	for _, col := range header {
		if col == "timestamp" || col == "value" {
			continue
		}
		if cell := dataset.Cell(idx, row, col); cell != "" {
			labels[col] = cell
		}
	}
	out.Metrics = append(out.Metrics, a.metricRecord(ts, labels["cmdb_id"], stem, v, labels))
}

// metricRecord builds one metric record, applying the mapping table when
// configured. Unmapped names keep their source spelling and are flagged.
func (a *Adapter) metricRecord(ts float64, entity, sourceName string, value float64, labels map[string]string) telemetry.Record {
	rec := telemetry.Record{
		Kind:      telemetry.KindMetric,
		Timestamp: ts,
		EntityID:  entity,
		Metric: &telemetry.MetricPayload{
			Name:   sourceName,
			Value:  value,
			Labels: labels,
		},
	}
	if a.cfg.Table == nil {
		return rec
	}
	m, mapped := a.cfg.Table.Resolve(sourceName)
	rec.Metric.Name = m.Name
	rec.Metric.Unit = m.Unit
	rec.Metric.Value = m.Apply(value)
	if !mapped {
		rec.Extra = append(rec.Extra, telemetry.Field{Key: "source_name", Value: sourceName, Unmapped: true})
	}
	return rec
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
