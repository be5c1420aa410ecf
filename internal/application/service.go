package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/classmesh/event-relay/internal/contracts"
	"github.com/classmesh/event-relay/internal/domain"
	"github.com/classmesh/event-relay/internal/ports"
	"github.com/google/uuid"
)

// Service exposes the relay's administrative operations: producing catalogued
// events through the transactional outbox, inspecting quarantined messages and
// replaying them.
type Service struct {
	cfg         Config
	outbox      ports.OutboxRepository
	deadLetters ports.DeadLetterRepository
	claims      ports.ClaimStore
	publisher   ports.Publisher
	dispatchers []*dispatcherRef
	nowFn       func() time.Time
}

type dispatcherRef struct {
	channel string
	group   string
	stateFn func() string
}

func NewService(deps Dependencies) *Service {
	s := &Service{
		cfg:         deps.Config,
		outbox:      deps.Outbox,
		deadLetters: deps.DeadLetters,
		claims:      deps.Claims,
		publisher:   deps.Publisher,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
	for _, d := range deps.Dispatchers {
		d := d
		s.dispatchers = append(s.dispatchers, &dispatcherRef{
			channel: d.Channel(),
			group:   d.Group(),
			stateFn: func() string { return d.State().String() },
		})
	}
	return s
}

// PublishEvent validates the request against the platform catalog, builds a
// complete envelope and stages it in the outbox. The outbox worker performs
// the actual broker write, so acceptance here means "durably queued".
func (s *Service) PublishEvent(ctx context.Context, input PublishEventInput) (contracts.Envelope, string, error) {
	eventType := strings.TrimSpace(input.EventType)
	channel, ok := domain.ChannelFor(eventType)
	if !ok {
		return contracts.Envelope{}, "", fmt.Errorf("%w: %s", domain.ErrUnsupportedEvent, eventType)
	}
	if len(input.Payload) == 0 {
		return contracts.Envelope{}, "", fmt.Errorf("%w: payload is required", domain.ErrInvalidInput)
	}
	env, err := contracts.NewEnvelope(eventType, input.TenantID, input.Payload, contracts.Correlation{
		CorrelationID: input.CorrelationID,
		CausationID:   input.CausationID,
	})
	if err != nil {
		return contracts.Envelope{}, "", fmt.Errorf("%w: %v", domain.ErrInvalidEnvelope, err)
	}
	env.SourceService = s.cfg.ServiceName
	record := ports.OutboxRecord{
		RecordID:  uuid.NewString(),
		Channel:   channel,
		Envelope:  env,
		CreatedAt: s.nowFn(),
	}
	if err := s.outbox.Enqueue(ctx, record); err != nil {
		return contracts.Envelope{}, "", err
	}
	return env, channel, nil
}

func (s *Service) ListDeadLetters(ctx context.Context, limit int) ([]contracts.DeadLetter, error) {
	return s.deadLetters.List(ctx, limit)
}

// ReplayDeadLetter re-injects a quarantined envelope at the head of normal
// processing. The stored claim is released first: without that, the guard
// would collapse the replay into a no-op because the id was marked processed
// when it was quarantined. Records written for undecodable messages cannot be
// replayed; a malformed blob would only end up quarantined again.
func (s *Service) ReplayDeadLetter(ctx context.Context, recordID string) (contracts.DeadLetter, error) {
	record, err := s.deadLetters.GetByRecordID(ctx, recordID)
	if err != nil {
		return contracts.DeadLetter{}, err
	}
	if record.EventID == "" {
		return contracts.DeadLetter{}, fmt.Errorf("%w: record %s holds an undecodable message", domain.ErrDecode, recordID)
	}
	env, err := contracts.DecodeEnvelope(record.RawMessage)
	if err != nil {
		return contracts.DeadLetter{}, fmt.Errorf("%w: stored envelope: %v", domain.ErrDecode, err)
	}
	if err := s.claims.Release(ctx, record.ConsumerGroup, record.EventID); err != nil {
		return contracts.DeadLetter{}, err
	}
	if err := s.publisher.Publish(ctx, record.Channel, env); err != nil {
		return contracts.DeadLetter{}, err
	}
	if err := s.deadLetters.MarkReplayed(ctx, recordID, s.nowFn()); err != nil {
		return contracts.DeadLetter{}, err
	}
	return record, nil
}

// Subscriptions reports the live state of every dispatcher in this instance.
func (s *Service) Subscriptions() []contracts.SubscriptionDTO {
	out := make([]contracts.SubscriptionDTO, 0, len(s.dispatchers))
	for _, ref := range s.dispatchers {
		out = append(out, contracts.SubscriptionDTO{
			Channel: ref.channel,
			Group:   ref.group,
			State:   ref.stateFn(),
		})
	}
	return out
}

// PruneProcessed drops confirmed idempotency records older than the retention
// window. Called periodically by the bootstrap runtime.
func (s *Service) PruneProcessed(ctx context.Context) (int64, error) {
	if s.cfg.ProcessedRetention <= 0 {
		return 0, nil
	}
	return s.claims.PruneProcessed(ctx, s.nowFn().Add(-s.cfg.ProcessedRetention))
}
