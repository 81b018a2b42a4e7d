package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// ChunkSize is the default number of rows handed to the chunk callback at a
// time. Wide utilization files run to millions of rows; chunking keeps the
// pivot memory-bounded.
const ChunkSize = 10000

// StreamCSV reads CSV content in chunks. The callback receives the header
// once per invocation together with up to chunkSize data rows; returning an
// error aborts the stream. Rows with a deviating field count are passed
// through for the caller to skip and count.
func StreamCSV(ctx context.Context, r io.Reader, chunkSize int, fn func(header []string, rows [][]string) error) error {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty file", ErrFormat)
		}
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}

	rows := make([][]string, 0, chunkSize)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if err := fn(header, rows); err != nil {
			return err
		}
		rows = make([][]string, 0, chunkSize)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFormat, err)
		}
		rows = append(rows, row)
		if len(rows) >= chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// HeaderIndex maps column names to positions for one header row.
func HeaderIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[name] = i
	}
	return idx
}

// Cell returns the named column's value in a row, or "" when the column is
// absent or the row is short.
func Cell(idx map[string]int, row []string, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}
