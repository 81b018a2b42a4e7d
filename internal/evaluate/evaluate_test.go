package evaluate

import (
	"errors"
	"testing"

	"github.com/atlas/incident-replay-engine/api/evaluation"
)

const singleFaultPoints = `1. The only predicted root cause component is os_022
2. The only predicted root cause reason is high CPU usage
3. The only root cause occurrence time is within 1 minutes (i.e., <=1min) of 2021-03-04 14:57:00`

func mustParsePoints(t *testing.T, text string) []evaluation.ScoringPoint {
	t.Helper()
	points, err := ParseScoringPoints(text)
	if err != nil {
		t.Fatalf("ParseScoringPoints: %v", err)
	}
	return points
}

func TestParseScoringPoints(t *testing.T) {
	points := mustParsePoints(t, singleFaultPoints)
	if len(points) != 3 {
		t.Fatalf("points = %d, want 3", len(points))
	}
	byAspect := map[evaluation.GradedAspect]string{}
	for _, p := range points {
		if p.Index != 1 {
			t.Errorf("index = %d, want 1", p.Index)
		}
		byAspect[p.Aspect] = p.Expected
	}
	if byAspect[evaluation.AspectComponent] != "os_022" {
		t.Errorf("component = %q", byAspect[evaluation.AspectComponent])
	}
	if byAspect[evaluation.AspectReason] != "high CPU usage" {
		t.Errorf("reason = %q", byAspect[evaluation.AspectReason])
	}
	if byAspect[evaluation.AspectTime] != "2021-03-04 14:57:00" {
		t.Errorf("time = %q", byAspect[evaluation.AspectTime])
	}
}

func TestParseScoringPointsMultiFault(t *testing.T) {
	text := `The 1-th predicted root cause component is os_021
The 2-th predicted root cause component is os_022`
	points := mustParsePoints(t, text)
	if len(points) != 2 {
		t.Fatalf("points = %d, want 2", len(points))
	}
	if points[0].Index != 1 || points[1].Index != 2 {
		t.Errorf("indices = %d, %d", points[0].Index, points[1].Index)
	}
}

func TestParseScoringPointsBoundsFaultCount(t *testing.T) {
	text := ""
	for i := 0; i < MaxFaults+1; i++ {
		text += "The 1-th predicted root cause component is x\n"
	}
	_, err := ParseScoringPoints(text)
	if !errors.Is(err, ErrTooManyFaults) {
		t.Fatalf("err = %v, want ErrTooManyFaults", err)
	}
}

func TestScoreSingleFaultExactMatch(t *testing.T) {
	points := mustParsePoints(t, singleFaultPoints)
	report := Score(points, []evaluation.PredictedFault{{
		Datetime:  "2021-03-04 14:57:30",
		Component: "os_022",
		Reason:    "high CPU usage",
	}})
	if report.Score != 1.0 {
		t.Fatalf("score = %v, want 1.0 (report %+v)", report.Score, report)
	}
	if report.Matched != 3 || report.Graded != 3 {
		t.Errorf("matched/graded = %d/%d, want 3/3", report.Matched, report.Graded)
	}
	if len(report.Failing) != 0 {
		t.Errorf("failing = %v, want none", report.Failing)
	}
}

func TestScoreTimeOffBy61Seconds(t *testing.T) {
	points := mustParsePoints(t, singleFaultPoints)
	report := Score(points, []evaluation.PredictedFault{{
		Datetime:  "2021-03-04 14:58:01",
		Component: "os_022",
		Reason:    "high CPU usage",
	}})
	if report.Matched != 2 {
		t.Fatalf("matched = %d, want 2 (time fails, others unaffected)", report.Matched)
	}
	if report.Score != 0.67 {
		t.Errorf("score = %v, want 0.67", report.Score)
	}
	if len(report.Failing) != 1 || report.Failing[0] != "2021-03-04 14:57:00" {
		t.Errorf("failing = %v, want the time criterion", report.Failing)
	}
}

func TestScoreSwappedFaultsRecoverFullScore(t *testing.T) {
	text := `The 1-th predicted root cause component is os_021
The 2-th predicted root cause component is os_022
The 1-th predicted root cause reason is disk IO overload
The 2-th predicted root cause reason is memory leak`
	points := mustParsePoints(t, text)

	// Submitted in the opposite order of the ground truth.
	report := Score(points, []evaluation.PredictedFault{
		{Component: "os_022", Reason: "memory leak"},
		{Component: "os_021", Reason: "disk IO overload"},
	})
	if report.Score != 1.0 {
		t.Fatalf("score = %v, want 1.0 via permutation search (report %+v)", report.Score, report)
	}
}

func TestScoreCountMismatchScoresZero(t *testing.T) {
	points := mustParsePoints(t, singleFaultPoints)
	report := Score(points, []evaluation.PredictedFault{
		{Component: "os_022"},
		{Component: "os_023"},
	})
	if report.Score != 0 || report.Matched != 0 {
		t.Fatalf("report = %+v, want zero score on count mismatch", report)
	}
	if report.Graded != 3 {
		t.Errorf("graded = %d, want 3", report.Graded)
	}
}

func TestScoreCaseInsensitiveFields(t *testing.T) {
	points := mustParsePoints(t, `The only predicted root cause component is OS_022`)
	report := Score(points, []evaluation.PredictedFault{{Component: "os_022"}})
	if report.Score != 1.0 {
		t.Fatalf("score = %v, want case-normalized match", report.Score)
	}
}

func TestScorePartialAspectNeverMatches(t *testing.T) {
	// Reason is declared for only one of two faults, so the reason aspect
	// cannot participate; it still counts in the denominator.
	text := `The 1-th predicted root cause component is a
The 2-th predicted root cause component is b
The 1-th predicted root cause reason is r`
	points := mustParsePoints(t, text)
	report := Score(points, []evaluation.PredictedFault{
		{Component: "a", Reason: "r"},
		{Component: "b"},
	})
	if report.Matched != 2 {
		t.Errorf("matched = %d, want 2", report.Matched)
	}
	if report.Graded != 3 {
		t.Errorf("graded = %d, want 3", report.Graded)
	}
	if report.Score != 0.67 {
		t.Errorf("score = %v, want 0.67", report.Score)
	}
}

func TestScoreNoCriteria(t *testing.T) {
	report := Score(nil, []evaluation.PredictedFault{{Component: "x"}})
	if report.Score != 0 || report.Graded != 0 {
		t.Errorf("report = %+v, want zero", report)
	}
}

func TestParseSubmissionStrictJSON(t *testing.T) {
	raw := `{"1": {"root cause component": "os_022", "root cause reason": "high CPU usage"}}`
	sub, err := ParseSubmission([]byte(raw))
	if err != nil {
		t.Fatalf("ParseSubmission: %v", err)
	}
	if sub["1"].Component != "os_022" {
		t.Errorf("component = %q", sub["1"].Component)
	}
}

func TestParseSubmissionFreeFormFallback(t *testing.T) {
	raw := `My analysis concludes: {"root cause occurrence datetime": "2021-03-04 14:57:00", "root cause component": "os_022", "root cause reason": "high CPU usage"}`
	sub, err := ParseSubmission([]byte(raw))
	if err != nil {
		t.Fatalf("ParseSubmission: %v", err)
	}
	p := sub["1"]
	if p.Datetime != "2021-03-04 14:57:00" || p.Component != "os_022" || p.Reason != "high CPU usage" {
		t.Errorf("prediction = %+v", p)
	}
}

func TestParseSubmissionUnparseable(t *testing.T) {
	_, err := ParseSubmission([]byte("no structured answer here"))
	if !errors.Is(err, ErrSubmissionParse) {
		t.Fatalf("err = %v, want ErrSubmissionParse", err)
	}
	if _, err := ParseSubmission([]byte("   ")); !errors.Is(err, ErrSubmissionParse) {
		t.Fatalf("err = %v, want ErrSubmissionParse for empty", err)
	}
}

func TestScoreSubmissionDegradesOnParseError(t *testing.T) {
	points := mustParsePoints(t, singleFaultPoints)
	report := ScoreSubmission(points, []byte("garbage"))
	if report.Score != 0 {
		t.Fatalf("score = %v, want 0 for unparseable submission", report.Score)
	}
	if report.Graded != 3 {
		t.Errorf("graded = %d, want criteria still counted", report.Graded)
	}
}

func TestOrderedFaultsNumericKeyOrder(t *testing.T) {
	sub := evaluation.Submission{
		"10":    {Component: "j"},
		"2":     {Component: "b"},
		"1":     {Component: "a"},
		"extra": {Component: "z"},
	}
	ordered := OrderedFaults(sub)
	got := make([]string, len(ordered))
	for i, p := range ordered {
		got[i] = p.Component
	}
	want := []string{"a", "b", "j", "z"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ordered = %v, want %v", got, want)
		}
	}
}

func TestDifficulty(t *testing.T) {
	cases := map[string]string{
		"task_1":     "easy",
		"task_3":     "easy",
		"task_4":     "middle",
		"task_6":     "middle",
		"task_7":     "hard",
		"task_12":    "hard",
		"detection":  "unknown",
		"a_b":        "unknown",
		"analysis_2": "easy",
	}
	for taskID, want := range cases {
		if got := Difficulty(taskID); got != want {
			t.Errorf("Difficulty(%q) = %q, want %q", taskID, got, want)
		}
	}
}
