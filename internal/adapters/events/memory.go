package events

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/classmesh/event-relay/internal/contracts"
	"github.com/classmesh/event-relay/internal/ports"
)

// MemoryPublisher records everything published, per channel. Used by unit
// tests and as the broker-less fallback at boot.
type MemoryPublisher struct {
	mu          sync.Mutex
	byChannel   map[string][]contracts.Envelope
	failWith    error
	failByEvent map[string]error
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{byChannel: map[string][]contracts.Envelope{}, failByEvent: map[string]error{}}
}

// FailWith makes every subsequent publish fail with err; nil restores success.
func (p *MemoryPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// FailEventWith makes publishes of one event id fail with err while others
// keep succeeding; nil removes the fault.
func (p *MemoryPublisher) FailEventWith(eventID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failByEvent, eventID)
		return
	}
	p.failByEvent[eventID] = err
}

func (p *MemoryPublisher) Publish(_ context.Context, channel string, env contracts.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	if err, faulted := p.failByEvent[env.EventID]; faulted {
		return err
	}
	p.byChannel[channel] = append(p.byChannel[channel], env)
	return nil
}

func (p *MemoryPublisher) PublishBatch(ctx context.Context, channel string, envs []contracts.Envelope) ([]error, error) {
	outcomes := make([]error, len(envs))
	var firstErr error
	for i, env := range envs {
		outcomes[i] = p.Publish(ctx, channel, env)
		if outcomes[i] != nil && firstErr == nil {
			firstErr = outcomes[i]
		}
	}
	return outcomes, firstErr
}

func (p *MemoryPublisher) Close() error { return nil }

// Published returns the envelopes accepted on a channel, in publish order.
func (p *MemoryPublisher) Published(channel string) []contracts.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]contracts.Envelope, len(p.byChannel[channel]))
	copy(out, p.byChannel[channel])
	return out
}

// memoryPartitions is how many partitions the in-memory broker pretends to
// have; keys spread over them the way the real publisher's hash balancer does.
const memoryPartitions = 16

// MemoryConsumer feeds seeded messages to a dispatcher and tracks which of
// them were committed, so tests can assert redelivery behavior by re-seeding
// whatever is still uncommitted.
type MemoryConsumer struct {
	mu          sync.Mutex
	nextSeq     int
	outstanding map[int]ports.Message
	commits     []ports.Message
	ch          chan ports.Message
	closeOnce   sync.Once
}

func NewMemoryConsumer() *MemoryConsumer {
	return &MemoryConsumer{
		outstanding: map[int]ports.Message{},
		ch:          make(chan ports.Message, 1024),
	}
}

// Seed enqueues one raw delivery on the partition its key hashes to, like the
// publisher's hash balancer would. Duplicate seeds of the same value model
// broker redelivery.
func (c *MemoryConsumer) Seed(channel, key string, value []byte) {
	c.SeedOnPartition(channel, partitionForKey(key, value), key, value)
}

// SeedOnPartition enqueues one raw delivery on an explicit partition, for
// tests that need two keys sharing a commit cursor.
func (c *MemoryConsumer) SeedOnPartition(channel string, partition int, key string, value []byte) {
	c.mu.Lock()
	seq := c.nextSeq
	c.nextSeq++
	msg := ports.Message{Channel: channel, Partition: partition, Key: key, Value: value, Ref: seq}
	c.outstanding[seq] = msg
	c.mu.Unlock()
	c.ch <- msg
}

func partitionForKey(key string, value []byte) int {
	h := fnv.New32a()
	if key != "" {
		_, _ = h.Write([]byte(key))
	} else {
		_, _ = h.Write(value)
	}
	return int(h.Sum32() % memoryPartitions)
}

func (c *MemoryConsumer) Fetch(ctx context.Context) (ports.Message, error) {
	select {
	case <-ctx.Done():
		return ports.Message{}, ctx.Err()
	case msg, ok := <-c.ch:
		if !ok {
			return ports.Message{}, context.Canceled
		}
		return msg, nil
	}
}

func (c *MemoryConsumer) Commit(_ context.Context, msg ports.Message) error {
	seq, ok := msg.Ref.(int)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.outstanding, seq)
	c.commits = append(c.commits, msg)
	return nil
}

func (c *MemoryConsumer) Close() error {
	return nil
}

// Commits returns every committed message in commit order. A real broker's
// cursor is per partition, so within one partition this order must match seed
// order or a crash between two commits loses the skipped message.
func (c *MemoryConsumer) Commits() []ports.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ports.Message, len(c.commits))
	copy(out, c.commits)
	return out
}

// Uncommitted returns seeded messages that were never committed, in seed
// order. These are what a real broker would redeliver after restart.
func (c *MemoryConsumer) Uncommitted() []ports.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	seqs := make([]int, 0, len(c.outstanding))
	for seq := range c.outstanding {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	out := make([]ports.Message, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, c.outstanding[seq])
	}
	return out
}
