// Package acme reads AcmeTrace Kalos GPU cluster datasets: a job trace, a
// ground-truth label file, evaluation query files, and wide-format
// utilization CSVs with one column per "{ip}-{gpu_index}" entity.
package acme

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/atlas/incident-replay-engine/api/telemetry"
	"github.com/atlas/incident-replay-engine/internal/dataset"
	"github.com/atlas/incident-replay-engine/internal/dataset/source"
	"github.com/atlas/incident-replay-engine/internal/normalize"
)

const Type = "acme"

const (
	defaultJobTraceFile    = "job_trace/trace_kalos.csv"
	defaultUtilizationDir  = "utilization"
	defaultGroundTruthFile = "ground_truth/labels.csv"
	defaultQueriesDir      = "queries"
)

// queryTypes are the evaluation query files shipped with sampled data.
var queryTypes = []string{"detection", "localization", "analysis"}

// failedStates are job states counted as failures.
var failedStates = map[string]bool{
	"FAILED":    true,
	"TIMEOUT":   true,
	"NODE_FAIL": true,
}

// DefaultUtilFiles lists the utilization metrics shipped with Kalos.
func DefaultUtilFiles() []string {
	return []string{
		"GPU_UTIL.csv",
		"GPU_TEMP.csv",
		"XID_ERRORS.csv",
		"FB_USED.csv",
		"FB_FREE.csv",
		"POWER_USAGE.csv",
		"SM_ACTIVE.csv",
		"MEM_CLOCK.csv",
		"MEM_COPY_UTIL.csv",
		"MEMORY_TEMP.csv",
		"PIPE_TENSOR_ACTIVE.csv",
		"DRAM_ACTIVE.csv",
		"NODE_CPU_UTILIZATION.csv",
		"NODE_MEMORY_UTILIZATION.csv",
	}
}

// DefaultTable maps utilization file stems to canonical metric identities.
// Frame buffer files ship in MB and convert to bytes.
func DefaultTable() *normalize.Table {
	return normalize.NewTable(map[string]normalize.Mapping{
		"GPU_UTIL":                {Name: "gpu_utilization_pct", Unit: "percent", Class: normalize.ClassGauge},
		"GPU_TEMP":                {Name: "gpu_temperature_celsius", Unit: "celsius", Class: normalize.ClassGauge},
		"XID_ERRORS":              {Name: "gpu_xid_error_code", Unit: "code", Class: normalize.ClassGauge},
		"FB_USED":                 {Name: "gpu_fb_used_bytes", Unit: "bytes", Scale: 1048576, Class: normalize.ClassGauge},
		"FB_FREE":                 {Name: "gpu_fb_free_bytes", Unit: "bytes", Scale: 1048576, Class: normalize.ClassGauge},
		"POWER_USAGE":             {Name: "gpu_power_watts", Unit: "watts", Class: normalize.ClassGauge},
		"SM_ACTIVE":               {Name: "gpu_sm_active_ratio", Unit: "ratio", Class: normalize.ClassGauge},
		"MEM_CLOCK":               {Name: "gpu_memory_clock_mhz", Unit: "mhz", Class: normalize.ClassGauge},
		"MEM_COPY_UTIL":           {Name: "gpu_memory_copy_util_pct", Unit: "percent", Class: normalize.ClassGauge},
		"MEMORY_TEMP":             {Name: "gpu_memory_temperature_celsius", Unit: "celsius", Class: normalize.ClassGauge},
		"PIPE_TENSOR_ACTIVE":      {Name: "gpu_pipe_tensor_active_ratio", Unit: "ratio", Class: normalize.ClassGauge},
		"DRAM_ACTIVE":             {Name: "gpu_dram_active_ratio", Unit: "ratio", Class: normalize.ClassGauge},
		"NODE_CPU_UTILIZATION":    {Name: "node_cpu_utilization_pct", Unit: "percent", Class: normalize.ClassGauge},
		"NODE_MEMORY_UTILIZATION": {Name: "node_memory_utilization_pct", Unit: "percent", Class: normalize.ClassGauge},
	})
}

// Config wires one Kalos dataset.
type Config struct {
	Name   string
	Source source.Source

	JobTraceFile    string
	UtilizationDir  string
	GroundTruthFile string
	QueriesDir      string

	UtilFiles []string
	Table     *normalize.Table

	ChunkSize int
}

// Adapter implements dataset.Adapter for the Kalos layout. The cluster has
// no span telemetry; traces are always empty.
type Adapter struct {
	cfg Config
}

func New(cfg Config) (*Adapter, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("acme: source is required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("acme: dataset name is required")
	}
	if cfg.JobTraceFile == "" {
		cfg.JobTraceFile = defaultJobTraceFile
	}
	if cfg.UtilizationDir == "" {
		cfg.UtilizationDir = defaultUtilizationDir
	}
	if cfg.GroundTruthFile == "" {
		cfg.GroundTruthFile = defaultGroundTruthFile
	}
	if cfg.QueriesDir == "" {
		cfg.QueriesDir = defaultQueriesDir
	}
	if len(cfg.UtilFiles) == 0 {
		cfg.UtilFiles = DefaultUtilFiles()
	}
	if cfg.Table == nil {
		cfg.Table = DefaultTable()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = dataset.ChunkSize
	}
	return &Adapter{cfg: cfg}, nil
}

func (a *Adapter) Describe() dataset.Info {
	return dataset.Info{Name: a.cfg.Name, Type: Type, Path: a.cfg.UtilizationDir}
}

// Queries loads the evaluation query files. Missing query files are
// skipped; sampled datasets ship any subset of the three types.
func (a *Adapter) Queries(ctx context.Context) ([]dataset.Query, error) {
	var queries []dataset.Query
	for _, qt := range queryTypes {
		name := path.Join(a.cfg.QueriesDir, qt+".csv")
		rc, err := a.cfg.Source.Open(ctx, name)
		if errors.Is(err, source.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
		}
		queryType := qt
		err = dataset.StreamCSV(ctx, rc, a.cfg.ChunkSize, func(header []string, rows [][]string) error {
			idx := dataset.HeaderIndex(header)
			if _, ok := idx["job_id"]; !ok {
				return fmt.Errorf("%w: %s lacks job_id column", dataset.ErrFormat, name)
			}
			for _, row := range rows {
				taskID := dataset.Cell(idx, row, "task_id")
				if taskID == "" {
					taskID = queryType + "_" + dataset.Cell(idx, row, "job_id")
				}
				queries = append(queries, dataset.Query{
					TaskID:      taskID,
					Instruction: dataset.Cell(idx, row, "instruction"),
				})
			}
			return nil
		})
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
		}
	}
	return queries, nil
}

// Faults loads ground-truth labels as fault records: the affected GPU (or
// node) is the component, the labeled reason the cause, and the incident
// start time the occurrence timestamp. Non-failure rows are skipped.
func (a *Adapter) Faults(ctx context.Context) ([]dataset.FaultRecord, error) {
	rc, err := a.cfg.Source.Open(ctx, a.cfg.GroundTruthFile)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}
	defer rc.Close()

	var faults []dataset.FaultRecord
	err = dataset.StreamCSV(ctx, rc, a.cfg.ChunkSize, func(header []string, rows [][]string) error {
		idx := dataset.HeaderIndex(header)
		for _, col := range []string{"job_id", "start_time"} {
			if _, ok := idx[col]; !ok {
				return fmt.Errorf("%w: %s lacks %s column", dataset.ErrFormat, a.cfg.GroundTruthFile, col)
			}
		}
		for _, row := range rows {
			if isFailure := dataset.Cell(idx, row, "is_failure"); isFailure != "" && !parseBool(isFailure) {
				continue
			}
			raw := dataset.Cell(idx, row, "start_time")
			ts, err := normalize.ParseTimestamp(raw)
			if err != nil {
				return fmt.Errorf("%w: %s: bad start_time %q", dataset.ErrFormat, a.cfg.GroundTruthFile, raw)
			}
			component := dataset.Cell(idx, row, "affected_gpu")
			if component == "" {
				component = dataset.Cell(idx, row, "affected_node")
			}
			if component == "" {
				component = dataset.Cell(idx, row, "job_id")
			}
			faults = append(faults, dataset.FaultRecord{
				Timestamp: ts,
				Datetime:  raw,
				Level:     orDefault(dataset.Cell(idx, row, "category"), "unknown"),
				Component: component,
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

// LoadWindow reads utilization metrics (wide format, pivoted per entity)
// and job trace events (as logs) inside the window. Kalos ships no span
// telemetry, so traces stay empty regardless of the requested kinds.
func (a *Adapter) LoadWindow(ctx context.Context, w dataset.Window, kinds []telemetry.RecordKind) (*dataset.WindowData, error) {
	out := &dataset.WindowData{}

	if dataset.KindEnabled(kinds, telemetry.KindMetric) {
		for _, name := range a.cfg.UtilFiles {
			if err := a.loadUtilizationFile(ctx, name, w, out); err != nil {
				return nil, err
			}
		}
	}
	if dataset.KindEnabled(kinds, telemetry.KindLog) {
		if err := a.loadJobEvents(ctx, w, out); err != nil {
			return nil, err
		}
	}

	normalize.SortRecords(out.Logs)
	normalize.SortRecords(out.Metrics)
	return out, nil
}

func (a *Adapter) loadUtilizationFile(ctx context.Context, name string, w dataset.Window, out *dataset.WindowData) error {
	rc, err := a.cfg.Source.Open(ctx, path.Join(a.cfg.UtilizationDir, name))
	if errors.Is(err, source.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}
	defer rc.Close()

	stem := strings.TrimSuffix(name, ".csv")
	mapping, _ := a.cfg.Table.Resolve(stem)

	err = dataset.StreamCSV(ctx, rc, a.cfg.ChunkSize, func(header []string, rows [][]string) error {
		if len(header) < 2 || header[0] != "Time" {
			return fmt.Errorf("%w: %s is not a wide utilization file", dataset.ErrFormat, name)
		}
		entities := header[1:]
		for _, row := range rows {
			if len(row) < 1 {
				out.SkippedRows++
				continue
			}
			ts, err := normalize.ParseTimestamp(row[0])
			if err != nil {
				out.SkippedRows++
				continue
			}
			if !w.Contains(ts) {
				continue
			}
			records, skipped := normalize.PivotWide(ts, mapping, entities, row[1:])
			out.SkippedRows += skipped
			for i := range records {
				node, gpu := splitEntity(records[i].EntityID)
				labels := map[string]string{"node": node}
				if gpu != "" {
					labels["gpu"] = gpu
				}
				records[i].Metric.Labels = labels
			}
			out.Metrics = append(out.Metrics, records...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}
	return nil
}

// loadJobEvents turns job trace rows into log records: one per lifecycle
// timestamp that falls inside the window.
func (a *Adapter) loadJobEvents(ctx context.Context, w dataset.Window, out *dataset.WindowData) error {
	rc, err := a.cfg.Source.Open(ctx, a.cfg.JobTraceFile)
	if errors.Is(err, source.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}
	defer rc.Close()

	err = dataset.StreamCSV(ctx, rc, a.cfg.ChunkSize, func(header []string, rows [][]string) error {
		idx := dataset.HeaderIndex(header)
		if _, ok := idx["job_id"]; !ok {
			return fmt.Errorf("%w: %s lacks job_id column", dataset.ErrFormat, a.cfg.JobTraceFile)
		}
		for _, row := range rows {
			jobID := dataset.Cell(idx, row, "job_id")
			state := dataset.Cell(idx, row, "state")
			tags := map[string]string{
				"job_id": jobID,
				"state":  state,
				"user":   dataset.Cell(idx, row, "user"),
				"queue":  dataset.Cell(idx, row, "queue"),
			}

			appendEvent := func(raw, event, message, level string) {
				if raw == "" {
					return
				}
				ts, err := normalize.ParseTimestamp(raw)
				if err != nil {
					out.SkippedRows++
					return
				}
				if !w.Contains(ts) {
					return
				}
				out.Logs = append(out.Logs, telemetry.Record{
					Kind:      telemetry.KindLog,
					Timestamp: ts,
					EntityID:  jobID,
					Log: &telemetry.LogPayload{
						LogID:   jobID + "-" + event,
						Level:   level,
						Message: message,
						Tags:    tags,
					},
				})
			}

			appendEvent(dataset.Cell(idx, row, "submit_time"), "submitted", fmt.Sprintf("job %s submitted", jobID), "INFO")
			appendEvent(dataset.Cell(idx, row, "start_time"), "started", fmt.Sprintf("job %s started", jobID), "INFO")
			if fail := dataset.Cell(idx, row, "fail_time"); fail != "" {
				appendEvent(fail, "failed", fmt.Sprintf("job %s failed state=%s", jobID, state), "ERROR")
			} else if end := dataset.Cell(idx, row, "end_time"); end != "" {
				level := "INFO"
				if failedStates[state] {
					level = "ERROR"
				}
				appendEvent(end, "finished", fmt.Sprintf("job %s finished state=%s", jobID, state), level)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dataset %s: %w", a.cfg.Name, err)
	}
	return nil
}

// splitEntity splits "{ip}-{gpu_index}" on the last dash. Node-level
// entities (no dash) come back with an empty gpu part.
func splitEntity(entity string) (node, gpu string) {
	i := strings.LastIndex(entity, "-")
	if i <= 0 || i == len(entity)-1 {
		return entity, ""
	}
	return entity[:i], entity[i+1:]
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
