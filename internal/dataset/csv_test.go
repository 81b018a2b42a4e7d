package dataset

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestStreamCSVChunks(t *testing.T) {
	var b strings.Builder
	b.WriteString("timestamp,value\n")
	for i := 0; i < 25; i++ {
		b.WriteString("1614841020,1\n")
	}

	var chunks []int
	err := StreamCSV(context.Background(), strings.NewReader(b.String()), 10,
		func(header []string, rows [][]string) error {
			if len(header) != 2 || header[0] != "timestamp" {
				t.Fatalf("header = %v", header)
			}
			chunks = append(chunks, len(rows))
			return nil
		})
	if err != nil {
		t.Fatalf("StreamCSV: %v", err)
	}
	want := []int{10, 10, 5}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %v, want %v", chunks, want)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunks = %v, want %v", chunks, want)
		}
	}
}

func TestStreamCSVEmptyFile(t *testing.T) {
	err := StreamCSV(context.Background(), strings.NewReader(""), 10,
		func([]string, [][]string) error { return nil })
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("empty file: got %v, want ErrFormat", err)
	}
}

func TestStreamCSVRaggedRowsPassThrough(t *testing.T) {
	in := "a,b,c\n1,2,3\nshort\n4,5,6\n"
	var rows [][]string
	err := StreamCSV(context.Background(), strings.NewReader(in), 100,
		func(_ []string, chunk [][]string) error {
			rows = append(rows, chunk...)
			return nil
		})
	if err != nil {
		t.Fatalf("StreamCSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3 (ragged row passed through)", len(rows))
	}
	if len(rows[1]) != 1 {
		t.Fatalf("ragged row shape = %v", rows[1])
	}
}

func TestStreamCSVCallbackErrorAborts(t *testing.T) {
	in := "a\n1\n2\n3\n"
	sentinel := errors.New("stop")
	calls := 0
	err := StreamCSV(context.Background(), strings.NewReader(in), 1,
		func([]string, [][]string) error {
			calls++
			return sentinel
		})
	if !errors.Is(err, sentinel) {
		t.Fatalf("got %v, want sentinel", err)
	}
	if calls != 1 {
		t.Fatalf("callback ran %d times after error", calls)
	}
}

func TestStreamCSVHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := StreamCSV(ctx, strings.NewReader("a\n1\n"), 10,
		func([]string, [][]string) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestHeaderIndexAndCell(t *testing.T) {
	idx := HeaderIndex([]string{"timestamp", "cmdb_id", "value"})
	row := []string{"1614841020", "apache01", "0.9"}

	if got := Cell(idx, row, "cmdb_id"); got != "apache01" {
		t.Fatalf("Cell(cmdb_id) = %q", got)
	}
	if got := Cell(idx, row, "missing"); got != "" {
		t.Fatalf("Cell(missing) = %q, want empty", got)
	}
	if got := Cell(idx, row[:1], "value"); got != "" {
		t.Fatalf("Cell on short row = %q, want empty", got)
	}
}

func TestWindowAndWindowData(t *testing.T) {
	w := Window{Start: 100, End: 200}
	if !w.Contains(100) || !w.Contains(200) || w.Contains(99.9) || w.Contains(200.1) {
		t.Fatalf("window bounds wrong")
	}
	if w.Seconds() != 100 {
		t.Fatalf("Seconds() = %v", w.Seconds())
	}
}
