package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/classmesh/event-relay/internal/contracts"
	"github.com/classmesh/event-relay/internal/domain"
	"github.com/classmesh/event-relay/internal/ports"
	"github.com/google/uuid"
)

// Handler processes one decoded envelope. A non-nil error counts as a failed
// attempt; panics are recovered by the dispatcher and count the same way.
type Handler func(ctx context.Context, env contracts.Envelope) error

// State tracks the subscription lifecycle of a dispatcher.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribed
	StateDelivering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDelivering:
		return "delivering"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type DispatcherConfig struct {
	Group   string
	Channel string
	// Workers bounds how many broker partitions progress concurrently. Messages
	// from one partition always land on the same worker, so they are settled in
	// fetch order and the per-partition commit cursor never skips an in-flight
	// offset. Per-key order follows, since the publisher pins a key to one
	// partition.
	Workers       int
	Retry         RetryPolicy
	ShutdownGrace time.Duration
}

// Dispatcher runs one consumer-group subscription: it pulls raw messages,
// decodes envelopes, collapses redeliveries through the claim store and routes
// by event type to registered handlers. The broker cursor is only committed
// after a message was handled or quarantined, so a crash in between causes
// redelivery.
type Dispatcher struct {
	logger      *slog.Logger
	cfg         DispatcherConfig
	consumer    ports.Consumer
	claims      ports.ClaimStore
	deadLetters ports.DeadLetterRepository
	handlers    map[string]Handler
	state       atomic.Int32
	nowFn       func() time.Time
}

func NewDispatcher(logger *slog.Logger, cfg DispatcherConfig, consumer ports.Consumer, claims ports.ClaimStore, deadLetters ports.DeadLetterRepository) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	cfg.Retry = cfg.Retry.normalized()
	return &Dispatcher{
		logger:      logger.With("module", "relay.dispatcher", "group", cfg.Group, "channel", cfg.Channel),
		cfg:         cfg,
		consumer:    consumer,
		claims:      claims,
		deadLetters: deadLetters,
		handlers:    map[string]Handler{},
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

// Register binds a handler to an event type. Must be called before Run.
func (d *Dispatcher) Register(eventType string, handler Handler) error {
	if eventType == "" || handler == nil {
		return domain.ErrInvalidInput
	}
	if _, exists := d.handlers[eventType]; exists {
		return fmt.Errorf("%w: handler for %s already registered", domain.ErrConflict, eventType)
	}
	d.handlers[eventType] = handler
	return nil
}

func (d *Dispatcher) State() State    { return State(d.state.Load()) }
func (d *Dispatcher) Group() string   { return d.cfg.Group }
func (d *Dispatcher) Channel() string { return d.cfg.Channel }

func (d *Dispatcher) setState(s State) { d.state.Store(int32(s)) }

// Run blocks pulling messages until ctx is cancelled. On cancellation it stops
// fetching immediately, gives in-flight handlers ShutdownGrace to finish, then
// disconnects; anything not finished in time stays unacked and is redelivered.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.setState(StateConnecting)

	// Handlers outlive ctx by up to the grace window so a shutdown request
	// does not abort work that is about to commit.
	handlerCtx, handlerCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer handlerCancel()

	queues := make([]chan ports.Message, d.cfg.Workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan ports.Message, 16)
		wg.Add(1)
		go func(queue <-chan ports.Message) {
			defer wg.Done()
			for msg := range queue {
				d.deliver(handlerCtx, msg)
			}
		}(queues[i])
	}

	d.setState(StateSubscribed)
	for {
		msg, err := d.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				break
			}
			d.logger.ErrorContext(ctx, "fetch failed",
				"layer", "core",
				"operation", "fetch",
				"outcome", "failure",
				"error", err,
			)
			select {
			case <-ctx.Done():
			case <-time.After(d.cfg.Retry.Base):
			}
			continue
		}
		queue := queues[d.partitionIndex(msg)]
		select {
		case queue <- msg:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	for _, queue := range queues {
		close(queue)
	}
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(d.cfg.ShutdownGrace):
		handlerCancel()
		<-drained
	}
	d.setState(StateStopped)
	return d.consumer.Close()
}

func (d *Dispatcher) partitionIndex(msg ports.Message) int {
	if msg.Partition < 0 {
		return 0
	}
	return msg.Partition % d.cfg.Workers
}

// deliver runs the full pipeline for one raw message: decode, dedup claim,
// handler with retry, then either commit or quarantine-and-commit. Leaving
// without a commit is deliberate: the message will come back.
func (d *Dispatcher) deliver(ctx context.Context, msg ports.Message) {
	d.setState(StateDelivering)
	defer func() {
		if d.State() == StateDelivering {
			d.setState(StateSubscribed)
		}
	}()

	env, err := contracts.DecodeEnvelope(msg.Value)
	if err != nil {
		// Poison message: malformed payloads cannot self-heal, so there is
		// no retry. Quarantine with zero attempts and advance the cursor.
		d.quarantine(ctx, msg, "", fmt.Errorf("%w: %v", domain.ErrDecode, err), 0)
		return
	}

	handler, registered := d.handlers[env.EventType]
	if !registered {
		// Forward compatible: unknown types must not block the channel.
		d.logger.InfoContext(ctx, "no handler registered, acknowledging",
			"layer", "core",
			"operation", "dispatch",
			"outcome", "skipped",
			"event_type", env.EventType,
			"event_id", env.EventID,
		)
		d.commit(ctx, msg, env.EventID)
		return
	}

	won, err := d.claimWithRetry(ctx, env.EventID)
	if err != nil {
		// The guard being unreachable is a delivery failure, never "unseen":
		// guessing wrong here means duplicate side effects. Leave unacked.
		d.logger.ErrorContext(ctx, "claim check failed",
			"layer", "core",
			"operation", "claim",
			"outcome", "failure",
			"event_id", env.EventID,
			"error", err,
		)
		return
	}
	if !won {
		d.logger.InfoContext(ctx, "duplicate delivery collapsed",
			"layer", "core",
			"operation", "claim",
			"outcome", "skipped",
			"event_id", env.EventID,
		)
		d.commit(ctx, msg, env.EventID)
		return
	}

	attempts := 0
	for attempts < d.cfg.Retry.MaxAttempts {
		attempts++
		err = d.invoke(ctx, handler, env)
		if err == nil {
			if confirmErr := d.claims.Confirm(ctx, d.cfg.Group, env.EventID, d.nowFn()); confirmErr != nil {
				d.logger.WarnContext(ctx, "claim confirm failed after success",
					"layer", "core",
					"operation", "confirm",
					"outcome", "failure",
					"event_id", env.EventID,
					"error", confirmErr,
				)
			}
			d.commit(ctx, msg, env.EventID)
			return
		}
		d.logger.WarnContext(ctx, "handler attempt failed",
			"layer", "core",
			"operation", "handle",
			"outcome", "failure",
			"event_type", env.EventType,
			"event_id", env.EventID,
			"attempt", attempts,
			"error", err,
		)
		if attempts >= d.cfg.Retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			// Shutdown mid-retry: hand the lease back and leave unacked so a
			// restarted instance picks the message up again.
			_ = d.claims.Release(context.WithoutCancel(ctx), d.cfg.Group, env.EventID)
			return
		case <-time.After(d.cfg.Retry.Delay(attempts)):
		}
	}

	if ctx.Err() != nil {
		_ = d.claims.Release(context.WithoutCancel(ctx), d.cfg.Group, env.EventID)
		return
	}
	d.quarantine(ctx, msg, env.EventID, err, attempts)
}

// claimWithRetry retries a failing claim store with the same backoff as
// handler attempts before giving the delivery up as failed.
func (d *Dispatcher) claimWithRetry(ctx context.Context, eventID string) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.Retry.MaxAttempts; attempt++ {
		won, err := d.claims.Claim(ctx, d.cfg.Group, eventID, d.nowFn())
		if err == nil {
			return won, nil
		}
		lastErr = err
		if attempt >= d.cfg.Retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(d.cfg.Retry.Delay(attempt)):
		}
	}
	return false, lastErr
}

func (d *Dispatcher) invoke(ctx context.Context, handler Handler, env contracts.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, env)
}

// quarantine writes the dead-letter record, settles the claim and advances the
// cursor. If the record cannot be written nothing is committed, so the whole
// delivery repeats.
func (d *Dispatcher) quarantine(ctx context.Context, msg ports.Message, eventID string, cause error, attempts int) {
	now := d.nowFn()
	record := contracts.DeadLetter{
		RecordID:      uuid.NewString(),
		EventID:       eventID,
		ConsumerGroup: d.cfg.Group,
		Channel:       msg.Channel,
		Reason:        cause.Error(),
		AttemptCount:  attempts,
		FirstSeenAt:   now,
		LastAttemptAt: now,
		RawMessage:    msg.Value,
	}
	if err := d.deadLetters.Create(ctx, record); err != nil {
		d.logger.ErrorContext(ctx, "dead-letter write failed",
			"layer", "core",
			"operation", "quarantine",
			"outcome", "failure",
			"event_id", eventID,
			"error", err,
		)
		if eventID != "" {
			_ = d.claims.Release(ctx, d.cfg.Group, eventID)
		}
		return
	}
	if eventID != "" {
		// Confirm so broker redeliveries of the quarantined id stay no-ops;
		// an administrative replay releases the claim before re-injecting.
		if err := d.claims.Confirm(ctx, d.cfg.Group, eventID, now); err != nil {
			d.logger.WarnContext(ctx, "claim confirm failed after quarantine",
				"layer", "core",
				"operation", "confirm",
				"outcome", "failure",
				"event_id", eventID,
				"error", err,
			)
		}
	}
	d.logger.ErrorContext(ctx, "message quarantined",
		"layer", "core",
		"operation", "quarantine",
		"outcome", "dead_lettered",
		"event_id", eventID,
		"channel", msg.Channel,
		"attempts", attempts,
		"reason", cause.Error(),
	)
	d.commit(ctx, msg, eventID)
}

func (d *Dispatcher) commit(ctx context.Context, msg ports.Message, eventID string) {
	if err := d.consumer.Commit(ctx, msg); err != nil {
		d.logger.ErrorContext(ctx, "commit failed",
			"layer", "core",
			"operation", "commit",
			"outcome", "failure",
			"event_id", eventID,
			"error", err,
		)
	}
}
