package ports

import (
	"context"

	"github.com/classmesh/event-relay/internal/contracts"
)

// Publisher durably hands an envelope to the broker. A nil return means the
// broker acknowledged the write; any transport failure is surfaced wrapped in
// domain.ErrTransport and the publisher never retries on its own.
type Publisher interface {
	Publish(ctx context.Context, channel string, env contracts.Envelope) error
	// PublishBatch reports acceptance per envelope: outcomes[i] is nil when
	// envs[i] was durably accepted. The returned error is non-nil when at
	// least one envelope failed.
	PublishBatch(ctx context.Context, channel string, envs []contracts.Envelope) ([]error, error)
	Close() error
}

// Message is one raw delivery from the broker, before envelope decoding.
// Partition identifies the broker partition the message came from; the commit
// cursor is per partition, so deliveries sharing a Partition must be settled
// in the order they were fetched. Ref is an opaque broker position token
// passed back on Commit.
type Message struct {
	Channel   string
	Partition int
	Key       string
	Value     []byte
	Ref       any
}

// Consumer is a cursor over the channels of one consumer group. Commit
// advances the durable cursor past msg; it is only called after the message
// was handled or quarantined, never before.
type Consumer interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}
