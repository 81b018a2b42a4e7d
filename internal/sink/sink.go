// Package sink delivers remapped telemetry records to the backends agents
// query during an evaluation: Prometheus for metrics, Elasticsearch for
// logs, Jaeger for traces. Bulk ingestion carries the pre-anchor history;
// streaming ingestion carries paced live records.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/atlas/incident-replay-engine/api/telemetry"
)

// ErrDelivery marks a write that still failed once retries ran out.
// Delivery failures are non-fatal: the scheduler drops the records and
// counts them.
var ErrDelivery = errors.New("sink: delivery failed")

// ErrPermanent marks failures retrying cannot fix, such as a backend
// rejecting the payload outright. Do gives up on the first one.
var ErrPermanent = errors.New("sink: permanent failure")

// Sink is one telemetry backend binding. Implementations own their
// connection; the task driving a kind is the only writer.
type Sink interface {
	Kind() telemetry.RecordKind
	BulkIngest(ctx context.Context, records []telemetry.Record) error
	StreamIngest(ctx context.Context, record telemetry.Record) error
	Close(ctx context.Context) error
}

// RetryPolicy bounds sink write retries. Every attempt runs under its own
// timeout; backoff doubles between attempts.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

// DefaultRetryPolicy waits 1s, 2s, 4s between its four attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 4,
		Backoff:  time.Second,
		Timeout:  10 * time.Second,
	}
}

// Do runs op under the policy. Context cancellation surfaces as the
// context error, never as ErrDelivery, so callers can tell an aborted
// session from a failing backend.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrPermanent) {
			return fmt.Errorf("%w: %w", ErrDelivery, err)
		}
		lastErr = err
		if attempt < attempts {
			select {
			case <-time.After(backoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrDelivery, attempts, lastErr)
}

// Registry holds at most one sink per telemetry kind.
type Registry struct {
	byKind map[telemetry.RecordKind]Sink
}

func NewRegistry(sinks ...Sink) (*Registry, error) {
	r := &Registry{byKind: make(map[telemetry.RecordKind]Sink)}
	for _, s := range sinks {
		if s == nil {
			return nil, fmt.Errorf("sink: nil sink")
		}
		kind := s.Kind()
		if !kind.Valid() {
			return nil, fmt.Errorf("sink: invalid kind %q", kind)
		}
		if _, exists := r.byKind[kind]; exists {
			return nil, fmt.Errorf("sink: duplicate sink for kind %q", kind)
		}
		r.byKind[kind] = s
	}
	return r, nil
}

// ForKind returns the sink bound to a kind.
func (r *Registry) ForKind(kind telemetry.RecordKind) (Sink, bool) {
	s, ok := r.byKind[kind]
	return s, ok
}

// Kinds returns the bound kinds in canonical order.
func (r *Registry) Kinds() []telemetry.RecordKind {
	var kinds []telemetry.RecordKind
	for _, k := range telemetry.Kinds() {
		if _, ok := r.byKind[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Close closes every sink and returns the first error.
func (r *Registry) Close(ctx context.Context) error {
	var firstErr error
	for _, k := range telemetry.Kinds() {
		s, ok := r.byKind[k]
		if !ok {
			continue
		}
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// httpStatusError classifies a non-success response. 4xx short of 429
// means the backend saw the payload and refused it, which a retry will
// not fix.
func httpStatusError(op string, status int) error {
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s: status %d", ErrPermanent, op, status)
	}
	return fmt.Errorf("%s: status %d", op, status)
}
