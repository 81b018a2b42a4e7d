package sink

import (
	"context"
	"sync"

	"github.com/atlas/incident-replay-engine/api/telemetry"
)

// Memory collects records in process. It backs tests and dry runs where
// no backend is reachable.
type Memory struct {
	kind telemetry.RecordKind

	mu        sync.Mutex
	bulk      [][]telemetry.Record
	streamed  []telemetry.Record
	bulkErr   error
	streamErr error
	closed    bool
}

func NewMemory(kind telemetry.RecordKind) *Memory {
	return &Memory{kind: kind}
}

func (m *Memory) Kind() telemetry.RecordKind { return m.kind }

func (m *Memory) BulkIngest(ctx context.Context, records []telemetry.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bulkErr != nil {
		return m.bulkErr
	}
	batch := make([]telemetry.Record, len(records))
	copy(batch, records)
	m.bulk = append(m.bulk, batch)
	return nil
}

func (m *Memory) StreamIngest(ctx context.Context, record telemetry.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamErr != nil {
		return m.streamErr
	}
	m.streamed = append(m.streamed, record)
	return nil
}

func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailBulk makes subsequent bulk writes fail with err. Nil restores
// normal operation.
func (m *Memory) FailBulk(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulkErr = err
}

// FailStream makes subsequent stream writes fail with err.
func (m *Memory) FailStream(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamErr = err
}

// BulkBatches reports how many bulk calls committed.
func (m *Memory) BulkBatches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bulk)
}

// BulkRecords returns every bulk-ingested record in call order.
func (m *Memory) BulkRecords() []telemetry.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []telemetry.Record
	for _, batch := range m.bulk {
		out = append(out, batch...)
	}
	return out
}

// Records returns everything the sink has seen, bulk first.
func (m *Memory) Records() []telemetry.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []telemetry.Record
	for _, batch := range m.bulk {
		out = append(out, batch...)
	}
	out = append(out, m.streamed...)
	return out
}

// Streamed returns every stream-ingested record in call order.
func (m *Memory) Streamed() []telemetry.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]telemetry.Record, len(m.streamed))
	copy(out, m.streamed)
	return out
}

// Total is the count of records seen on either path.
func (m *Memory) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.streamed)
	for _, batch := range m.bulk {
		n += len(batch)
	}
	return n
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
