// Package evaluate scores root-cause submissions against a scenario's
// scoring points. Multi-fault scenarios are graded by enumerating every
// assignment of submitted faults to ground-truth faults and keeping the
// best one; the search is O(N!) and N is bounded by MaxFaults.
package evaluate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/atlas/incident-replay-engine/api/evaluation"
)

// MaxFaults bounds the permutation search. Scenarios with more
// ground-truth faults are rejected at load time, not at scoring time.
const MaxFaults = 6

const timeLayout = "2006-01-02 15:04:05"

// timeTolerance is how far a predicted occurrence time may drift from
// the expected one and still match.
const timeTolerance = 60 * time.Second

var (
	ErrTooManyFaults   = errors.New("evaluate: too many ground-truth faults")
	ErrSubmissionParse = errors.New("evaluate: submission parse")
)

var (
	componentRe = regexp.MustCompile(`The (?:\d+-th|only) predicted root cause component is ([^\n]+)`)
	reasonRe    = regexp.MustCompile(`The (?:\d+-th|only) predicted root cause reason is ([^\n]+)`)
	timeRe      = regexp.MustCompile(`The (?:\d+-th|only) root cause occurrence time is within 1 minutes \(i\.e\., <=1min\) of ([^\n]+)`)

	// predictionRe recovers fault dicts from free-form agent output when
	// strict JSON decoding fails.
	predictionRe = regexp.MustCompile(`\{\s*` +
		`(?:"root cause occurrence datetime":\s*"(.*?)")?,?\s*` +
		`(?:"root cause component":\s*"(.*?)")?,?\s*` +
		`(?:"root cause reason":\s*"(.*?)")?\s*\}`)
)

// ParseScoringPoints extracts the gradable criteria from a scenario's
// scoring_points text. Criteria come back ordered per aspect, indexed by
// appearance.
func ParseScoringPoints(text string) ([]evaluation.ScoringPoint, error) {
	var points []evaluation.ScoringPoint
	appendAll := func(re *regexp.Regexp, aspect evaluation.GradedAspect) int {
		matches := re.FindAllStringSubmatch(text, -1)
		for i, m := range matches {
			points = append(points, evaluation.ScoringPoint{
				Index:    i + 1,
				Aspect:   aspect,
				Expected: strings.TrimSpace(m[1]),
			})
		}
		return len(matches)
	}

	counts := []int{
		appendAll(timeRe, evaluation.AspectTime),
		appendAll(componentRe, evaluation.AspectComponent),
		appendAll(reasonRe, evaluation.AspectReason),
	}
	for _, n := range counts {
		if n > MaxFaults {
			return nil, fmt.Errorf("%w: %d criteria for one aspect, max %d", ErrTooManyFaults, n, MaxFaults)
		}
	}
	return points, nil
}

// ParseSubmission decodes an agent submission. Well-formed JSON keyed by
// fault index is preferred; anything else falls back to scanning for
// prediction dicts in order of appearance. A submission that yields no
// predictions returns an ErrSubmissionParse-wrapped error alongside an
// empty map so callers can still score it as all-miss.
func ParseSubmission(raw []byte) (evaluation.Submission, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return evaluation.Submission{}, fmt.Errorf("%w: empty submission", ErrSubmissionParse)
	}

	var sub evaluation.Submission
	if err := json.Unmarshal([]byte(trimmed), &sub); err == nil {
		return sub, nil
	}

	sub = evaluation.Submission{}
	for i, m := range predictionRe.FindAllStringSubmatch(trimmed, -1) {
		sub[strconv.Itoa(i+1)] = evaluation.PredictedFault{
			Datetime:  m[1],
			Component: m[2],
			Reason:    m[3],
		}
	}
	if len(sub) == 0 {
		return sub, fmt.Errorf("%w: no predictions found", ErrSubmissionParse)
	}
	return sub, nil
}

// OrderedFaults flattens a submission into fault order: numeric keys
// ascending, then any remaining keys lexically.
func OrderedFaults(sub evaluation.Submission) []evaluation.PredictedFault {
	keys := make([]string, 0, len(sub))
	for k := range sub {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, errI := strconv.Atoi(keys[i])
		nj, errJ := strconv.Atoi(keys[j])
		switch {
		case errI == nil && errJ == nil:
			return ni < nj
		case errI == nil:
			return true
		case errJ == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
	out := make([]evaluation.PredictedFault, 0, len(keys))
	for _, k := range keys {
		out = append(out, sub[k])
	}
	return out
}

// Score grades an ordered prediction list against scoring points.
//
// A permutation search runs only when the prediction count equals the
// ground-truth fault count; otherwise nothing matches and the score is
// zero. An aspect participates in matching only when it is declared for
// every fault. Missing or unparseable predicted fields count as
// non-matches, never as errors.
func Score(points []evaluation.ScoringPoint, predicted []evaluation.PredictedFault) evaluation.Report {
	components := expectedByAspect(points, evaluation.AspectComponent)
	reasons := expectedByAspect(points, evaluation.AspectReason)
	times := expectedByAspect(points, evaluation.AspectTime)

	total := len(components) + len(reasons) + len(times)
	report := evaluation.Report{Graded: total}
	if total == 0 {
		return report
	}

	faultCount := maxInt(len(components), len(reasons), len(times))

	var passing []string
	matched := 0
	if len(predicted) == faultCount {
		best := -1
		permute(faultCount, func(perm []int) {
			score := 0
			var current []string
			for i := 0; i < faultCount; i++ {
				p := predicted[perm[i]]
				if len(components) == faultCount && fieldMatch(p.Component, components[i]) {
					score++
					current = append(current, components[i])
				}
				if len(reasons) == faultCount && fieldMatch(p.Reason, reasons[i]) {
					score++
					current = append(current, reasons[i])
				}
				if len(times) == faultCount && timeMatch(times[i], p.Datetime) {
					score++
					current = append(current, times[i])
				}
			}
			if score > best {
				best = score
				passing = current
			}
		})
		matched = best
	}

	passSet := make(map[string]bool, len(passing))
	for _, p := range passing {
		passSet[p] = true
	}
	var failing []string
	for _, expected := range [][]string{components, reasons, times} {
		for _, e := range expected {
			if !passSet[e] {
				failing = append(failing, e)
			}
		}
	}

	report.Matched = matched
	report.Passing = passing
	report.Failing = failing
	report.Score = math.Round(float64(matched)/float64(total)*100) / 100
	return report
}

// ScoreSubmission is the raw-bytes entrypoint: parse errors degrade to an
// all-miss grade rather than failing.
func ScoreSubmission(points []evaluation.ScoringPoint, raw []byte) evaluation.Report {
	sub, err := ParseSubmission(raw)
	if err != nil {
		return Score(points, nil)
	}
	return Score(points, OrderedFaults(sub))
}

// Difficulty buckets a task identifier of the form "task_N" by its index.
func Difficulty(taskID string) string {
	parts := strings.Split(taskID, "_")
	if len(parts) < 2 {
		return "unknown"
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return "unknown"
	}
	switch {
	case n <= 3:
		return "easy"
	case n <= 6:
		return "middle"
	default:
		return "hard"
	}
}

func expectedByAspect(points []evaluation.ScoringPoint, aspect evaluation.GradedAspect) []string {
	selected := make([]evaluation.ScoringPoint, 0, len(points))
	for _, p := range points {
		if p.Aspect == aspect {
			selected = append(selected, p)
		}
	}
	sort.SliceStable(selected, func(i, j int) bool { return selected[i].Index < selected[j].Index })
	out := make([]string, len(selected))
	for i, p := range selected {
		out[i] = p.Expected
	}
	return out
}

func fieldMatch(predicted, expected string) bool {
	return strings.EqualFold(strings.TrimSpace(predicted), strings.TrimSpace(expected))
}

func timeMatch(expected, predicted string) bool {
	t1, err := time.Parse(timeLayout, strings.TrimSpace(expected))
	if err != nil {
		return false
	}
	t2, err := time.Parse(timeLayout, strings.TrimSpace(predicted))
	if err != nil {
		return false
	}
	d := t1.Sub(t2)
	if d < 0 {
		d = -d
	}
	return d <= timeTolerance
}

// permute invokes fn with every permutation of [0, n).
func permute(n int, fn func([]int)) {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	var recurse func(k int)
	recurse = func(k int) {
		if k == n {
			perm := make([]int, n)
			copy(perm, indices)
			fn(perm)
			return
		}
		for i := k; i < n; i++ {
			indices[k], indices[i] = indices[i], indices[k]
			recurse(k + 1)
			indices[k], indices[i] = indices[i], indices[k]
		}
	}
	recurse(0)
}

func maxInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
