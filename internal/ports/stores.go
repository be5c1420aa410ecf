package ports

import (
	"context"
	"time"

	"github.com/classmesh/event-relay/internal/contracts"
)

// ClaimStore is the idempotency guard's backing store, shared by every
// dispatcher instance of a consumer group. Claim atomically checks-and-marks
// (group, eventID): among concurrent claimants exactly one receives true.
// A claim is a lease until Confirm; Release hands the id back so the next
// delivery can retry after a handler failure. Store unreachability must be
// returned as an error wrapping domain.ErrClaimUnavailable.
type ClaimStore interface {
	Claim(ctx context.Context, group, eventID string, now time.Time) (bool, error)
	Confirm(ctx context.Context, group, eventID string, processedAt time.Time) error
	Release(ctx context.Context, group, eventID string) error
	// PruneProcessed removes confirmed records older than the retention
	// cutoff. Leased (unconfirmed) claims are never pruned here.
	PruneProcessed(ctx context.Context, before time.Time) (int64, error)
}

// DeadLetterRepository is the append-only quarantine store.
type DeadLetterRepository interface {
	Create(ctx context.Context, record contracts.DeadLetter) error
	GetByRecordID(ctx context.Context, recordID string) (contracts.DeadLetter, error)
	List(ctx context.Context, limit int) ([]contracts.DeadLetter, error)
	MarkReplayed(ctx context.Context, recordID string, at time.Time) error
}

// OutboxRecord is one envelope staged for publication in the producer's own
// transaction, published later by the outbox worker.
type OutboxRecord struct {
	RecordID    string
	Channel     string
	Envelope    contracts.Envelope
	CreatedAt   time.Time
	RetryCount  int
	PublishedAt *time.Time
	LastError   string
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, record OutboxRecord) error
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, recordID string, at time.Time) error
	MarkFailed(ctx context.Context, recordID string, errMsg string, at time.Time) error
}
