// Package ledger persists replay bookkeeping: which bulk batches a
// scenario has already committed and the per-kind stream cursors. Bulk
// idempotency rests on this; a re-run skips batches the ledger has seen.
package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/atlas/incident-replay-engine/api/telemetry"
)

// BatchRecord is stored as JSON per committed bulk batch.
type BatchRecord struct {
	Kind        string    `json:"k"`
	Count       int       `json:"n"`
	FirstTS     float64   `json:"f"`
	LastTS      float64   `json:"l"`
	CommittedAt time.Time `json:"ca"`
}

// Cursor is the last-emitted original timestamp for one kind.
type Cursor struct {
	LastTS    float64   `json:"l"`
	UpdatedAt time.Time `json:"ua"`
}

// Store is the ledger contract shared by the durable and in-memory
// implementations.
type Store interface {
	Batch(scenarioID, key string) (BatchRecord, bool, error)
	CommitBatch(scenarioID, key string, rec BatchRecord) error
	BatchKeys(scenarioID string) ([]string, error)
	Cursor(scenarioID string, kind telemetry.RecordKind) (Cursor, bool, error)
	SetCursor(scenarioID string, kind telemetry.RecordKind, cur Cursor) error
	ClearScenario(scenarioID string) error
	Close() error
}

// Open picks the implementation by path: empty means in-memory.
func Open(path string) (Store, error) {
	if path == "" {
		return NewMemory(), nil
	}
	return OpenBadger(path)
}

func batchKey(scenarioID, key string) []byte {
	return []byte(fmt.Sprintf("bulk:%s:%s", scenarioID, key))
}

func cursorKey(scenarioID string, kind telemetry.RecordKind) []byte {
	return []byte(fmt.Sprintf("cursor:%s:%s", scenarioID, kind))
}

func scenarioPrefixes(scenarioID string) [][]byte {
	return [][]byte{
		[]byte(fmt.Sprintf("bulk:%s:", scenarioID)),
		[]byte(fmt.Sprintf("cursor:%s:", scenarioID)),
	}
}

// Badger is the durable ledger.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the ledger database at path.
func OpenBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Batch(scenarioID, key string) (BatchRecord, bool, error) {
	var rec BatchRecord
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(batchKey(scenarioID, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return BatchRecord{}, false, fmt.Errorf("ledger: batch lookup: %w", err)
	}
	return rec, found, nil
}

func (b *Badger) CommitBatch(scenarioID, key string, rec BatchRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: marshal batch: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(batchKey(scenarioID, key), val)
	})
	if err != nil {
		return fmt.Errorf("ledger: commit batch: %w", err)
	}
	return nil
}

func (b *Badger) Cursor(scenarioID string, kind telemetry.RecordKind) (Cursor, bool, error) {
	var cur Cursor
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey(scenarioID, kind))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cur)
		})
	})
	if err != nil {
		return Cursor{}, false, fmt.Errorf("ledger: cursor lookup: %w", err)
	}
	return cur, found, nil
}

func (b *Badger) SetCursor(scenarioID string, kind telemetry.RecordKind, cur Cursor) error {
	val, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("ledger: marshal cursor: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cursorKey(scenarioID, kind), val)
	})
	if err != nil {
		return fmt.Errorf("ledger: set cursor: %w", err)
	}
	return nil
}

// BatchKeys lists committed batch keys for a scenario in sorted order.
func (b *Badger) BatchKeys(scenarioID string) ([]string, error) {
	prefix := []byte(fmt.Sprintf("bulk:%s:", scenarioID))
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: list batches: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// ClearScenario drops every batch and cursor entry for one scenario.
func (b *Badger) ClearScenario(scenarioID string) error {
	for _, prefix := range scenarioPrefixes(scenarioID) {
		var keys [][]byte
		err := b.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("ledger: scan %s: %w", prefix, err)
		}
		err = b.db.Update(func(txn *badger.Txn) error {
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("ledger: clear %s: %w", prefix, err)
		}
	}
	return nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// Memory is the ledger used when no path is configured, and in tests.
type Memory struct {
	mu      sync.Mutex
	batches map[string]BatchRecord
	cursors map[string]Cursor
}

func NewMemory() *Memory {
	return &Memory{
		batches: make(map[string]BatchRecord),
		cursors: make(map[string]Cursor),
	}
}

func (m *Memory) Batch(scenarioID, key string) (BatchRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.batches[string(batchKey(scenarioID, key))]
	return rec, ok, nil
}

func (m *Memory) CommitBatch(scenarioID, key string, rec BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[string(batchKey(scenarioID, key))] = rec
	return nil
}

func (m *Memory) Cursor(scenarioID string, kind telemetry.RecordKind) (Cursor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.cursors[string(cursorKey(scenarioID, kind))]
	return cur, ok, nil
}

func (m *Memory) SetCursor(scenarioID string, kind telemetry.RecordKind, cur Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[string(cursorKey(scenarioID, kind))] = cur
	return nil
}

func (m *Memory) BatchKeys(scenarioID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := fmt.Sprintf("bulk:%s:", scenarioID)
	var keys []string
	for k := range m.batches {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k[len(prefix):])
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) ClearScenario(scenarioID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, prefix := range scenarioPrefixes(scenarioID) {
		p := string(prefix)
		for k := range m.batches {
			if len(k) >= len(p) && k[:len(p)] == p {
				delete(m.batches, k)
			}
		}
		for k := range m.cursors {
			if len(k) >= len(p) && k[:len(p)] == p {
				delete(m.cursors, k)
			}
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

