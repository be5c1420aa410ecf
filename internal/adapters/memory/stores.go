package memory

import (
	"context"
	"sync"
	"time"

	"github.com/classmesh/event-relay/internal/contracts"
	"github.com/classmesh/event-relay/internal/domain"
	"github.com/classmesh/event-relay/internal/ports"
)

// DeadLetterRepository is the in-process quarantine store used by tests and
// by a boot without Postgres.
type DeadLetterRepository struct {
	mu       sync.Mutex
	rows     map[string]contracts.DeadLetter
	order    []string
	replayed map[string]time.Time
	err      error
}

func NewDeadLetterRepository() *DeadLetterRepository {
	return &DeadLetterRepository{rows: map[string]contracts.DeadLetter{}, replayed: map[string]time.Time{}}
}

// FailWith makes every subsequent call fail with err; nil restores service.
func (r *DeadLetterRepository) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *DeadLetterRepository) Create(_ context.Context, record contracts.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if _, exists := r.rows[record.RecordID]; exists {
		return domain.ErrConflict
	}
	r.rows[record.RecordID] = record
	r.order = append(r.order, record.RecordID)
	return nil
}

func (r *DeadLetterRepository) GetByRecordID(_ context.Context, recordID string) (contracts.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return contracts.DeadLetter{}, r.err
	}
	record, ok := r.rows[recordID]
	if !ok {
		return contracts.DeadLetter{}, domain.ErrNotFound
	}
	return record, nil
}

func (r *DeadLetterRepository) List(_ context.Context, limit int) ([]contracts.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if limit <= 0 || limit > len(r.order) {
		limit = len(r.order)
	}
	out := make([]contracts.DeadLetter, 0, limit)
	// Newest first, matching the SQL repository.
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.rows[r.order[i]])
	}
	return out, nil
}

func (r *DeadLetterRepository) MarkReplayed(_ context.Context, recordID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if _, ok := r.rows[recordID]; !ok {
		return domain.ErrNotFound
	}
	r.replayed[recordID] = at
	return nil
}

// ReplayedAt reports when a record was replayed, if ever.
func (r *DeadLetterRepository) ReplayedAt(recordID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.replayed[recordID]
	return at, ok
}

// OutboxRepository is the in-process outbox used by tests.
type OutboxRepository struct {
	mu    sync.Mutex
	rows  map[string]ports.OutboxRecord
	order []string
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{rows: map[string]ports.OutboxRecord{}}
}

func (r *OutboxRepository) Enqueue(_ context.Context, record ports.OutboxRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rows[record.RecordID]; exists {
		return domain.ErrConflict
	}
	r.rows[record.RecordID] = record
	r.order = append(r.order, record.RecordID)
	return nil
}

func (r *OutboxRepository) ListPending(_ context.Context, limit int) ([]ports.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = len(r.order)
	}
	out := make([]ports.OutboxRecord, 0, limit)
	for _, id := range r.order {
		if len(out) >= limit {
			break
		}
		rec := r.rows[id]
		if rec.PublishedAt == nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *OutboxRepository) MarkPublished(_ context.Context, recordID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[recordID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.PublishedAt = &at
	r.rows[recordID] = rec
	return nil
}

func (r *OutboxRepository) MarkFailed(_ context.Context, recordID string, errMsg string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[recordID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.RetryCount++
	rec.LastError = errMsg
	r.rows[recordID] = rec
	return nil
}
