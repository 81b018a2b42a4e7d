package scenario

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/atlas/incident-replay-engine/internal/dataset"
)

// Instruction text embeds the incident window in a handful of shapes:
//
//	"March 4, 2021, within the time range of 14:30 to 15:00"
//	"April 11, 2020, from 00:00 to 00:30"
//	"between 2021-03-04 14:30:00 and 2021-03-04 15:00:00"
//	"on 2022-03-20 from 09:00 to 10:00"
//	"between 14:30 and 15:00 on March 4, 2021"
//
// The first matching pattern wins. All clock times are read as UTC.
type patternKind int

const (
	patternMonthDayYear patternKind = iota
	patternFullDatetime
	patternDateTimeRange
	patternTimeFirst
)

type windowPattern struct {
	re   *regexp.Regexp
	kind patternKind
}

var windowPatterns = []windowPattern{
	{regexp.MustCompile(`(?i)(\w+ \d+, \d{4}).*?(\d{1,2}:\d{2})\s+to\s+(\d{1,2}:\d{2})`), patternMonthDayYear},
	{regexp.MustCompile(`(?i)(\w+ \d+, \d{4}).*?from\s+(\d{1,2}:\d{2})\s+to\s+(\d{1,2}:\d{2})`), patternMonthDayYear},
	{regexp.MustCompile(`(?i)(\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2})\s+(?:and|to)\s+(\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2})`), patternFullDatetime},
	{regexp.MustCompile(`(?i)on\s+(\d{4}-\d{2}-\d{2}).*?from\s+(\d{1,2}:\d{2})\s+to\s+(\d{1,2}:\d{2})`), patternDateTimeRange},
	{regexp.MustCompile(`(?i)between\s+(\d{1,2}:\d{2})\s+and\s+(\d{1,2}:\d{2}).*?on\s+(\w+ \d+, \d{4})`), patternTimeFirst},
}

type instructionMatch struct {
	kind  patternKind
	spans []int
	start time.Time
	end   time.Time
}

func matchInstruction(instruction string) (instructionMatch, bool) {
	for _, p := range windowPatterns {
		spans := p.re.FindStringSubmatchIndex(instruction)
		if spans == nil {
			continue
		}
		group := func(i int) string {
			return instruction[spans[2*i] : spans[2*i+1]]
		}

		var start, end time.Time
		var err error
		switch p.kind {
		case patternMonthDayYear:
			start, end, err = combineMonthDate(group(1), group(2), group(3))
		case patternFullDatetime:
			start, err = parseUTC("2006-01-02 15:04:05", normalizeSpaces(group(1)))
			if err == nil {
				end, err = parseUTC("2006-01-02 15:04:05", normalizeSpaces(group(2)))
			}
		case patternDateTimeRange:
			start, err = parseUTC("2006-01-02 15:04", group(1)+" "+group(2))
			if err == nil {
				end, err = parseUTC("2006-01-02 15:04", group(1)+" "+group(3))
			}
		case patternTimeFirst:
			start, end, err = combineMonthDate(group(3), group(1), group(2))
		}
		if err != nil {
			return instructionMatch{}, false
		}
		return instructionMatch{kind: p.kind, spans: spans, start: start, end: end}, true
	}
	return instructionMatch{}, false
}

// ParseInstructionWindow extracts the dataset-time window embedded in an
// instruction. ok is false when no pattern matches, in which case callers
// fall back to the fault records.
func ParseInstructionWindow(instruction string) (dataset.Window, bool) {
	m, ok := matchInstruction(instruction)
	if !ok {
		return dataset.Window{}, false
	}
	return dataset.Window{
		Start: float64(m.start.Unix()),
		End:   float64(m.end.Unix()),
	}, true
}

// TranslateInstruction rewrites the embedded time window into simulation
// time so the displayed text matches what the clock reports. Instructions
// without a recognized window come back unchanged.
func TranslateInstruction(instruction string, remap func(float64) float64) string {
	m, ok := matchInstruction(instruction)
	if !ok {
		return instruction
	}

	simStart := time.Unix(int64(remap(float64(m.start.Unix()))), 0).UTC()
	simEnd := time.Unix(int64(remap(float64(m.end.Unix()))), 0).UTC()

	type span struct {
		s, e int
		text string
	}
	var spans []span
	add := func(group int, text string) {
		spans = append(spans, span{m.spans[2*group], m.spans[2*group+1], text})
	}

	switch m.kind {
	case patternMonthDayYear:
		add(1, simStart.Format("January 2, 2006"))
		add(2, simStart.Format("15:04"))
		add(3, simEnd.Format("15:04"))
	case patternFullDatetime:
		add(1, simStart.Format("2006-01-02 15:04:05"))
		add(2, simEnd.Format("2006-01-02 15:04:05"))
	case patternDateTimeRange:
		add(1, simStart.Format("2006-01-02"))
		add(2, simStart.Format("15:04"))
		add(3, simEnd.Format("15:04"))
	case patternTimeFirst:
		add(1, simStart.Format("15:04"))
		add(2, simEnd.Format("15:04"))
		add(3, simStart.Format("January 2, 2006"))
	}

	// Splice right to left so earlier spans stay valid.
	sort.Slice(spans, func(i, j int) bool { return spans[i].s > spans[j].s })
	out := instruction
	for _, sp := range spans {
		out = out[:sp.s] + sp.text + out[sp.e:]
	}
	return out
}

// combineMonthDate builds start/end from a "March 4, 2021" date and two
// clock times on that date.
func combineMonthDate(date, startClock, endClock string) (time.Time, time.Time, error) {
	day, err := parseUTC("January 2, 2006", titleMonth(date))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	prefix := day.Format("2006-01-02")
	start, err := parseUTC("2006-01-02 15:04", prefix+" "+startClock)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseUTC("2006-01-02 15:04", prefix+" "+endClock)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func parseUTC(layout, value string) (time.Time, error) {
	return time.ParseInLocation(layout, value, time.UTC)
}

// titleMonth uppercases the first letter so case-insensitive matches like
// "march 4, 2021" still parse.
func titleMonth(s string) string {
	s = strings.ToLower(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func normalizeSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
