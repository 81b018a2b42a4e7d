package evaluation

import "fmt"

// PredictedFault is one root-cause prediction inside a submission. The JSON
// keys follow the answer format the harness hands to agents, spaces included.
type PredictedFault struct {
	Datetime  string `json:"root cause occurrence datetime,omitempty"`
	Component string `json:"root cause component,omitempty"`
	Reason    string `json:"root cause reason,omitempty"`
}

// Submission is an agent's structured answer: fault-index keys "1", "2", ...
// each mapped to a prediction.
type Submission map[string]PredictedFault

// GradedAspect names one scored dimension of a fault prediction.
type GradedAspect string

const (
	AspectTime      GradedAspect = "time"
	AspectComponent GradedAspect = "component"
	AspectReason    GradedAspect = "reason"
)

func (a GradedAspect) Valid() bool {
	switch a {
	case AspectTime, AspectComponent, AspectReason:
		return true
	default:
		return false
	}
}

// ScoringPoint is one gradable criterion derived from a scenario's ground
// truth: which aspect is graded for fault ordinal Index, and the expected
// value.
type ScoringPoint struct {
	Index    int          `json:"index"`
	Aspect   GradedAspect `json:"aspect"`
	Expected string       `json:"expected"`
}

func (p ScoringPoint) Validate() error {
	if p.Index < 1 {
		return fmt.Errorf("scoring point index must be >=1, got %d", p.Index)
	}
	if !p.Aspect.Valid() {
		return fmt.Errorf("invalid scoring aspect: %q", p.Aspect)
	}
	if p.Expected == "" {
		return fmt.Errorf("scoring point expected value is empty")
	}
	return nil
}

// Report is the scored outcome of one submission against one scenario.
type Report struct {
	ScenarioID string   `json:"scenario_id"`
	TaskID     string   `json:"task_id"`
	Score      float64  `json:"score"`
	Graded     int      `json:"graded"`
	Matched    int      `json:"matched"`
	Passing    []string `json:"passing,omitempty"`
	Failing    []string `json:"failing,omitempty"`
}
