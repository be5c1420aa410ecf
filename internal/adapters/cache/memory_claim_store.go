package cache

import (
	"context"
	"sync"
	"time"
)

type claimRow struct {
	state       string
	processedAt time.Time
}

// MemoryClaimStore is the in-process claim store used by tests and by a
// single-instance boot without Redis. Same lease semantics as the Redis store.
type MemoryClaimStore struct {
	mu         sync.Mutex
	rows       map[string]claimRow
	err        error
	confirmErr error
}

func NewMemoryClaimStore() *MemoryClaimStore {
	return &MemoryClaimStore{rows: map[string]claimRow{}}
}

// FailWith makes every subsequent call fail with err; nil restores service.
func (s *MemoryClaimStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// FailConfirmWith makes only Confirm fail with err while claims and releases
// keep working; nil restores service.
func (s *MemoryClaimStore) FailConfirmWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmErr = err
}

func (s *MemoryClaimStore) Claim(_ context.Context, group, eventID string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	key := claimKey(group, eventID)
	if _, exists := s.rows[key]; exists {
		return false, nil
	}
	s.rows[key] = claimRow{state: claimStateLeased}
	return true, nil
}

func (s *MemoryClaimStore) Confirm(_ context.Context, group, eventID string, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.confirmErr != nil {
		return s.confirmErr
	}
	s.rows[claimKey(group, eventID)] = claimRow{state: claimStateProcessed, processedAt: processedAt}
	return nil
}

func (s *MemoryClaimStore) Release(_ context.Context, group, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.rows, claimKey(group, eventID))
	return nil
}

func (s *MemoryClaimStore) PruneProcessed(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	var pruned int64
	for key, row := range s.rows {
		if row.state == claimStateProcessed && row.processedAt.Before(before) {
			delete(s.rows, key)
			pruned++
		}
	}
	return pruned, nil
}

// State reports the stored claim state for assertions: "", "leased" or
// "processed".
func (s *MemoryClaimStore) State(group, eventID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[claimKey(group, eventID)].state
}
