// Package scenario resolves scenario identifiers against mounted datasets:
// the ground-truth faults, the agent-facing instruction, the incident
// window, and the scoring points that declare what gets graded.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlas/incident-replay-engine/api/evaluation"
	"github.com/atlas/incident-replay-engine/internal/dataset"
	"github.com/atlas/incident-replay-engine/internal/evaluate"
	"github.com/atlas/incident-replay-engine/internal/timebase"
)

// ErrNotFound reports an identifier that resolves to no mounted scenario.
var ErrNotFound = errors.New("scenario: not found")

// windowPadSeconds pads the fallback window derived from fault records
// when the instruction embeds no time range.
const windowPadSeconds = 1800

const datetimeLayout = "2006-01-02 15:04:05"

// Catalog is the mounted-dataset lookup the selector works against.
type Catalog interface {
	Adapter(name string) (dataset.Adapter, bool)
	Names() []string
}

// Scenario is one resolved evaluation scenario, entirely in dataset time.
type Scenario struct {
	ID          string
	DatasetName string
	DatasetType string
	TaskID      string
	Instruction string
	Difficulty  string

	Window dataset.Window
	Faults []dataset.FaultRecord
	Points []evaluation.ScoringPoint
}

// Presented is the scenario as shown to an agent: instruction and window
// translated into simulation time. Scoring point time expectations are
// translated too so submissions in simulation time grade correctly.
type Presented struct {
	ScenarioID  string                    `json:"scenario_id"`
	TaskID      string                    `json:"task_id"`
	Instruction string                    `json:"instruction"`
	Difficulty  string                    `json:"difficulty"`
	WindowStart float64                   `json:"window_start"`
	WindowEnd   float64                   `json:"window_end"`
	Points      []evaluation.ScoringPoint `json:"points"`
}

// SimFault is a ground-truth fault remapped onto the simulation timeline.
type SimFault struct {
	Component string  `json:"component"`
	Timestamp float64 `json:"timestamp"`
	Datetime  string  `json:"datetime"`
	Reason    string  `json:"reason"`
	Level     string  `json:"level"`
}

// Selector resolves scenario ids of the form "dataset/task". A bare task
// id resolves when exactly one dataset is mounted.
type Selector struct {
	catalog Catalog
}

func NewSelector(catalog Catalog) *Selector {
	return &Selector{catalog: catalog}
}

// List enumerates every resolvable scenario id, datasets in sorted order,
// tasks in dataset file order.
func (s *Selector) List(ctx context.Context) ([]string, error) {
	var ids []string
	for _, name := range s.catalog.Names() {
		adapter, ok := s.catalog.Adapter(name)
		if !ok {
			continue
		}
		queries, err := adapter.Queries(ctx)
		if err != nil {
			return nil, fmt.Errorf("scenario list: %w", err)
		}
		for _, q := range queries {
			ids = append(ids, name+"/"+q.TaskID)
		}
	}
	return ids, nil
}

// Resolve loads one scenario. Format errors in the backing dataset and
// over-limit fault counts are surfaced here, before any replay starts.
func (s *Selector) Resolve(ctx context.Context, id string) (*Scenario, error) {
	datasetName, taskID, err := s.splitID(id)
	if err != nil {
		return nil, err
	}
	adapter, ok := s.catalog.Adapter(datasetName)
	if !ok {
		return nil, fmt.Errorf("%w: dataset %q", ErrNotFound, datasetName)
	}

	queries, err := adapter.Queries(ctx)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", id, err)
	}
	var query *dataset.Query
	for i := range queries {
		if queries[i].TaskID == taskID {
			query = &queries[i]
			break
		}
	}
	if query == nil {
		return nil, fmt.Errorf("%w: task %q in dataset %q", ErrNotFound, taskID, datasetName)
	}

	faults, err := adapter.Faults(ctx)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", id, err)
	}

	window, ok := ParseInstructionWindow(query.Instruction)
	if !ok {
		window, err = fallbackWindow(faults)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", id, err)
		}
	}

	var inWindow []dataset.FaultRecord
	for _, f := range faults {
		if window.Contains(f.Timestamp) {
			inWindow = append(inWindow, f)
		}
	}

	points, err := evaluate.ParseScoringPoints(query.ScoringPoints)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", id, err)
	}
	if len(points) == 0 {
		points = synthesizePoints(taskID, inWindow)
	}

	return &Scenario{
		ID:          datasetName + "/" + taskID,
		DatasetName: datasetName,
		DatasetType: adapter.Describe().Type,
		TaskID:      taskID,
		Instruction: query.Instruction,
		Difficulty:  evaluate.Difficulty(taskID),
		Window:      window,
		Faults:      inWindow,
		Points:      points,
	}, nil
}

func (s *Selector) splitID(id string) (datasetName, taskID string, err error) {
	if name, task, found := strings.Cut(id, "/"); found {
		if name == "" || task == "" {
			return "", "", fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
		}
		return name, task, nil
	}
	names := s.catalog.Names()
	if len(names) == 1 {
		return names[0], id, nil
	}
	return "", "", fmt.Errorf("%w: ambiguous id %q, qualify as dataset/task", ErrNotFound, id)
}

// fallbackWindow derives the incident window from the fault records when
// the instruction embeds none, padded on both sides.
func fallbackWindow(faults []dataset.FaultRecord) (dataset.Window, error) {
	if len(faults) == 0 {
		return dataset.Window{}, fmt.Errorf("no time range in instruction and no fault records to derive one")
	}
	low, high := faults[0].Timestamp, faults[0].Timestamp
	for _, f := range faults[1:] {
		if f.Timestamp < low {
			low = f.Timestamp
		}
		if f.Timestamp > high {
			high = f.Timestamp
		}
	}
	return dataset.Window{Start: low - windowPadSeconds, End: high + windowPadSeconds}, nil
}

// synthesizePoints builds scoring points for datasets that ship no
// scoring text. The task id prefix picks the graded aspect: detection
// tasks grade occurrence time, localization tasks the component,
// analysis tasks the reason. Anything else grades every populated field
// of the first fault.
func synthesizePoints(taskID string, faults []dataset.FaultRecord) []evaluation.ScoringPoint {
	if len(faults) == 0 {
		return nil
	}
	fault := faults[0]
	timeExpected := fault.Datetime
	if _, err := time.Parse(datetimeLayout, timeExpected); err != nil {
		timeExpected = time.Unix(int64(fault.Timestamp), 0).UTC().Format(datetimeLayout)
	}

	var points []evaluation.ScoringPoint
	add := func(aspect evaluation.GradedAspect, expected string) {
		if expected != "" && expected != "unknown" {
			points = append(points, evaluation.ScoringPoint{Index: 1, Aspect: aspect, Expected: expected})
		}
	}

	switch {
	case strings.HasPrefix(taskID, "detection"):
		add(evaluation.AspectTime, timeExpected)
	case strings.HasPrefix(taskID, "localization"):
		add(evaluation.AspectComponent, fault.Component)
	case strings.HasPrefix(taskID, "analysis"):
		add(evaluation.AspectReason, fault.Reason)
	default:
		add(evaluation.AspectTime, timeExpected)
		add(evaluation.AspectComponent, fault.Component)
		add(evaluation.AspectReason, fault.Reason)
	}
	return points
}

// AnchorSource exposes the dataset-side timestamps anchor resolution may
// need. earliestData is the first timestamp of the loaded window, zero
// when nothing was loaded yet.
func (sc *Scenario) AnchorSource(earliestData float64) timebase.AnchorSource {
	src := timebase.AnchorSource{
		DataStart:     earliestData,
		WindowSeconds: sc.Window.Seconds(),
	}
	if len(sc.Faults) > 0 {
		src.FaultStart = sc.Faults[0].Timestamp
		src.FirstDetection = sc.Faults[0].Timestamp
		src.WindowSeconds = sc.Window.End - src.FaultStart
	}
	return src
}

// Present translates the scenario onto the simulation timeline for
// display and grading.
func (sc *Scenario) Present(m timebase.Mapping) Presented {
	points := make([]evaluation.ScoringPoint, len(sc.Points))
	copy(points, sc.Points)
	for i, p := range points {
		if p.Aspect != evaluation.AspectTime {
			continue
		}
		t, err := time.Parse(datetimeLayout, strings.TrimSpace(p.Expected))
		if err != nil {
			continue
		}
		sim := m.Remap(float64(t.Unix()))
		points[i].Expected = time.Unix(int64(sim), 0).UTC().Format(datetimeLayout)
	}

	return Presented{
		ScenarioID:  sc.ID,
		TaskID:      sc.TaskID,
		Instruction: TranslateInstruction(sc.Instruction, m.Remap),
		Difficulty:  sc.Difficulty,
		WindowStart: m.Remap(sc.Window.Start),
		WindowEnd:   m.Remap(sc.Window.End),
		Points:      points,
	}
}

// FaultInSimWindow returns the first ground-truth fault whose original
// timestamp falls inside the given simulation-time window, remapped onto
// the simulation timeline.
func (sc *Scenario) FaultInSimWindow(m timebase.Mapping, simStart, simEnd float64) (SimFault, bool) {
	origStart := m.Invert(simStart)
	origEnd := m.Invert(simEnd)
	for _, f := range sc.Faults {
		if f.Timestamp < origStart || f.Timestamp > origEnd {
			continue
		}
		sim := m.Remap(f.Timestamp)
		return SimFault{
			Component: f.Component,
			Timestamp: sim,
			Datetime:  time.Unix(int64(sim), 0).UTC().Format(datetimeLayout),
			Reason:    f.Reason,
			Level:     f.Level,
		}, true
	}
	return SimFault{}, false
}
