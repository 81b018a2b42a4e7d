// Package replay drives a scenario session through its delivery phases.
// Records whose remapped timestamp falls before the simulation start are
// bulk-loaded as history; the rest stream one at a time, paced against
// the simulation clock. Bulk batches are keyed in the ledger so a re-run
// skips what an earlier run already committed.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atlas/incident-replay-engine/api/telemetry"
	"github.com/atlas/incident-replay-engine/internal/dataset"
	"github.com/atlas/incident-replay-engine/internal/ledger"
	"github.com/atlas/incident-replay-engine/internal/observability/metrics"
	"github.com/atlas/incident-replay-engine/internal/sink"
	"github.com/atlas/incident-replay-engine/internal/timebase"
)

const defaultBatchSize = 500

// Phase is the session state machine position.
type Phase string

const (
	PhaseBulkLoading Phase = "bulk_loading"
	PhaseStreaming   Phase = "streaming"
	PhaseCompleted   Phase = "completed"
	PhaseAborted     Phase = "aborted"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseBulkLoading, PhaseStreaming, PhaseCompleted, PhaseAborted:
		return true
	}
	return false
}

// Terminal reports whether the session has stopped moving.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseAborted
}

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	Phase            Phase                          `json:"phase"`
	BatchesCommitted int64                          `json:"batches_committed"`
	BatchesSkipped   int64                          `json:"batches_skipped"`
	BulkRecords      int64                          `json:"bulk_records"`
	Streamed         map[telemetry.RecordKind]int64 `json:"streamed"`
	Dropped          int64                          `json:"dropped"`
	Retries          int64                          `json:"retries"`
	Late             int64                          `json:"late"`
}

// Config wires a session together. Sinks determines which kinds are
// delivered at all: a kind with no sink is never read or emitted.
type Config struct {
	ScenarioID string
	Mapping    timebase.Mapping
	Clock      *timebase.Clock
	Sinks      *sink.Registry
	Ledger     ledger.Store
	Retry      sink.RetryPolicy
	BatchSize  int
	Logger     *slog.Logger
}

// Session replays one scenario window. Create with NewSession, drive
// with Run, interrupt with Stop.
type Session struct {
	scenarioID string
	mapping    timebase.Mapping
	simStart   float64
	clock      *timebase.Clock
	sinks      *sink.Registry
	store      ledger.Store
	retry      sink.RetryPolicy
	batchSize  int
	log        *slog.Logger

	phase    atomic.Value
	stop     chan struct{}
	stopOnce sync.Once

	batchesCommitted atomic.Int64
	batchesSkipped   atomic.Int64
	bulkRecords      atomic.Int64
	dropped          atomic.Int64
	retries          atomic.Int64
	late             atomic.Int64
	streamed         map[telemetry.RecordKind]*atomic.Int64
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.ScenarioID == "" {
		return nil, fmt.Errorf("replay: scenario id is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("replay: simulation clock is required")
	}
	if cfg.Sinks == nil {
		return nil, fmt.Errorf("replay: sink registry is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("replay: ledger is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Retry == (sink.RetryPolicy{}) {
		cfg.Retry = sink.DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		scenarioID: cfg.ScenarioID,
		mapping:    cfg.Mapping,
		simStart:   cfg.Mapping.AnchorSimulation,
		clock:      cfg.Clock,
		sinks:      cfg.Sinks,
		store:      cfg.Ledger,
		retry:      cfg.Retry,
		batchSize:  cfg.BatchSize,
		log:        cfg.Logger,
		stop:       make(chan struct{}),
		streamed:   make(map[telemetry.RecordKind]*atomic.Int64),
	}
	for _, kind := range cfg.Sinks.Kinds() {
		s.streamed[kind] = &atomic.Int64{}
	}
	s.phase.Store(PhaseBulkLoading)
	return s, nil
}

func (s *Session) Phase() Phase {
	return s.phase.Load().(Phase)
}

func (s *Session) setPhase(p Phase) {
	s.phase.Store(p)
	s.log.Info("replay phase", "scenario", s.scenarioID, "phase", string(p))
}

// Stop aborts the session: pending waits return and no further records
// are delivered. Everything already delivered stays in place.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Session) Stats() Stats {
	streamed := make(map[telemetry.RecordKind]int64, len(s.streamed))
	for kind, n := range s.streamed {
		streamed[kind] = n.Load()
	}
	return Stats{
		Phase:            s.Phase(),
		BatchesCommitted: s.batchesCommitted.Load(),
		BatchesSkipped:   s.batchesSkipped.Load(),
		BulkRecords:      s.bulkRecords.Load(),
		Streamed:         streamed,
		Dropped:          s.dropped.Load(),
		Retries:          s.retries.Load(),
		Late:             s.late.Load(),
	}
}

// Partition splits records on the remapped timestamp against the
// simulation start: strictly earlier is history for the bulk phase,
// everything else streams. Each record lands on exactly one side.
func Partition(m timebase.Mapping, simStart float64, records []telemetry.Record) (bulk, live []telemetry.Record) {
	for _, rec := range records {
		if m.Remap(rec.Timestamp) < simStart {
			bulk = append(bulk, rec)
		} else {
			live = append(live, rec)
		}
	}
	return bulk, live
}

// Run executes both phases over the loaded window and blocks until the
// session completes or aborts. Delivery failures are retried, then
// dropped and counted; only cancellation or Stop ends the session early.
func (s *Session) Run(ctx context.Context, window dataset.WindowData) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	type kindWork struct {
		kind telemetry.RecordKind
		sink sink.Sink
		bulk []telemetry.Record
		live []telemetry.Record
	}
	var work []kindWork
	for _, kind := range s.sinks.Kinds() {
		snk, ok := s.sinks.ForKind(kind)
		if !ok {
			continue
		}
		bulk, live := Partition(s.mapping, s.simStart, recordsForKind(window, kind))
		work = append(work, kindWork{kind: kind, sink: snk, bulk: bulk, live: live})
	}

	s.setPhase(PhaseBulkLoading)
	g, bulkCtx := errgroup.WithContext(ctx)
	for _, w := range work {
		w := w
		g.Go(func() error { return s.bulkKind(bulkCtx, w.kind, w.sink, w.bulk) })
	}
	if err := g.Wait(); err != nil {
		s.setPhase(PhaseAborted)
		return err
	}

	s.setPhase(PhaseStreaming)
	g, streamCtx := errgroup.WithContext(ctx)
	for _, w := range work {
		w := w
		g.Go(func() error { return s.streamKind(streamCtx, w.kind, w.sink, w.live) })
	}
	if err := g.Wait(); err != nil {
		s.setPhase(PhaseAborted)
		return err
	}

	s.setPhase(PhaseCompleted)
	return nil
}

func (s *Session) bulkKind(ctx context.Context, kind telemetry.RecordKind, snk sink.Sink, records []telemetry.Record) error {
	for seq := 0; seq*s.batchSize < len(records); seq++ {
		lo := seq * s.batchSize
		hi := lo + s.batchSize
		if hi > len(records) {
			hi = len(records)
		}
		batch := records[lo:hi]

		key, err := BatchKey(s.scenarioID, kind, seq, batch)
		if err != nil {
			return err
		}
		if _, found, err := s.store.Batch(s.scenarioID, key); err != nil {
			s.log.Warn("ledger read failed, delivering anyway",
				"scenario", s.scenarioID, "kind", string(kind), "err", err)
		} else if found {
			s.batchesSkipped.Add(1)
			metrics.BulkBatches.WithLabelValues(string(kind), "skipped").Inc()
			continue
		}

		mapped := make([]telemetry.Record, len(batch))
		for i, rec := range batch {
			mapped[i] = rec.WithTimestamp(s.mapping.Remap(rec.Timestamp))
		}

		attempts := 0
		err = s.retry.Do(ctx, func(ctx context.Context) error {
			attempts++
			return snk.BulkIngest(ctx, mapped)
		})
		s.countAttempts(kind, attempts, err)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.dropped.Add(int64(len(batch)))
			metrics.RecordsDropped.WithLabelValues(string(kind)).Add(float64(len(batch)))
			s.log.Warn("bulk batch dropped",
				"scenario", s.scenarioID, "kind", string(kind), "seq", seq, "count", len(batch), "err", err)
			continue
		}

		commit := ledger.BatchRecord{
			Kind:        string(kind),
			Count:       len(batch),
			FirstTS:     batch[0].Timestamp,
			LastTS:      batch[len(batch)-1].Timestamp,
			CommittedAt: time.Now().UTC(),
		}
		if err := s.store.CommitBatch(s.scenarioID, key, commit); err != nil {
			s.log.Warn("ledger commit failed",
				"scenario", s.scenarioID, "kind", string(kind), "seq", seq, "err", err)
		}
		s.batchesCommitted.Add(1)
		s.bulkRecords.Add(int64(len(batch)))
		metrics.BulkBatches.WithLabelValues(string(kind), "committed").Inc()
		metrics.RecordsEmitted.WithLabelValues(string(kind), string(PhaseBulkLoading)).Add(float64(len(batch)))
	}
	return nil
}

// countAttempts folds one delivery's retry outcome into the counters:
// every attempt past the first is a retry, every errored attempt a sink
// error (all of them when the delivery ultimately failed).
func (s *Session) countAttempts(kind telemetry.RecordKind, attempts int, err error) {
	if attempts > 1 {
		s.retries.Add(int64(attempts - 1))
		metrics.DeliveryRetries.WithLabelValues(string(kind)).Add(float64(attempts - 1))
	}
	failed := attempts - 1
	if err != nil {
		failed = attempts
	}
	if failed > 0 {
		metrics.SinkErrors.WithLabelValues(string(kind)).Add(float64(failed))
	}
}

func (s *Session) streamKind(ctx context.Context, kind telemetry.RecordKind, snk sink.Sink, records []telemetry.Record) error {
	resumeAfter := 0.0
	haveCursor := false
	if cur, found, err := s.store.Cursor(s.scenarioID, kind); err != nil {
		s.log.Warn("ledger cursor read failed",
			"scenario", s.scenarioID, "kind", string(kind), "err", err)
	} else if found {
		resumeAfter, haveCursor = cur.LastTS, true
	}

	lastEmitted := math.Inf(-1)
	for _, rec := range records {
		if haveCursor && rec.Timestamp <= resumeAfter {
			continue
		}
		if rec.Timestamp < lastEmitted {
			// loaders sort each kind; anything out of order here would
			// break per-kind delivery order, so it is dropped loudly
			s.dropped.Add(1)
			metrics.RecordsDropped.WithLabelValues(string(kind)).Inc()
			s.log.Warn("out-of-order record dropped",
				"scenario", s.scenarioID, "kind", string(kind), "ts", rec.Timestamp)
			continue
		}

		mapped := rec.WithTimestamp(s.mapping.Remap(rec.Timestamp))
		late, err := s.waitUntil(ctx, mapped.Time())
		if err != nil {
			return err
		}
		if late {
			s.late.Add(1)
			metrics.PacingLag.WithLabelValues(string(kind)).Observe(s.clock.Now().Sub(mapped.Time()).Seconds())
		}

		attempts := 0
		err = s.retry.Do(ctx, func(ctx context.Context) error {
			attempts++
			return snk.StreamIngest(ctx, mapped)
		})
		s.countAttempts(kind, attempts, err)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.dropped.Add(1)
			metrics.RecordsDropped.WithLabelValues(string(kind)).Inc()
			s.log.Warn("stream record dropped",
				"scenario", s.scenarioID, "kind", string(kind), "ts", rec.Timestamp, "err", err)
			lastEmitted = rec.Timestamp
			continue
		}

		s.streamed[kind].Add(1)
		metrics.RecordsEmitted.WithLabelValues(string(kind), string(PhaseStreaming)).Inc()
		lastEmitted = rec.Timestamp
		if err := s.store.SetCursor(s.scenarioID, kind, ledger.Cursor{
			LastTS:    rec.Timestamp,
			UpdatedAt: time.Now().UTC(),
		}); err != nil {
			s.log.Warn("ledger cursor write failed",
				"scenario", s.scenarioID, "kind", string(kind), "err", err)
		}
	}
	return nil
}

// waitUntil blocks until simulation time reaches deadline. The wait is a
// timer select against cancellation and clock changes, so Stop, speed
// changes, pauses, and jumps all take effect within one wake.
func (s *Session) waitUntil(ctx context.Context, deadline time.Time) (late bool, err error) {
	late = s.clock.Now().After(deadline)
	for {
		changes := s.clock.Changes()
		wait, advancing := s.clock.UntilSim(deadline)
		if advancing && wait <= 0 {
			return late, nil
		}
		if !advancing {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-changes:
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-changes:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func recordsForKind(window dataset.WindowData, kind telemetry.RecordKind) []telemetry.Record {
	switch kind {
	case telemetry.KindLog:
		return window.Logs
	case telemetry.KindMetric:
		return window.Metrics
	case telemetry.KindTrace:
		return window.Traces
	}
	return nil
}
