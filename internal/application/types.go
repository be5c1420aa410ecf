package application

import (
	"encoding/json"
	"time"

	"github.com/classmesh/event-relay/internal/ports"
	"github.com/classmesh/event-relay/internal/relay"
)

type Config struct {
	ServiceName        string
	ConsumerGroup      string
	ProcessedRetention time.Duration
}

type Dependencies struct {
	Config      Config
	Outbox      ports.OutboxRepository
	DeadLetters ports.DeadLetterRepository
	Claims      ports.ClaimStore
	Publisher   ports.Publisher
	Dispatchers []*relay.Dispatcher
}

type PublishEventInput struct {
	EventType     string
	TenantID      string
	Payload       json.RawMessage
	CorrelationID string
	CausationID   string
}
