package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire representation of a domain event. The JSON shape is a
// cross-service contract and must stay additive-only: consumers in other
// services decode it by field name and ignore fields they do not know.
type Envelope struct {
	EventID       string          `json:"id"`
	EventType     string          `json:"type"`
	TenantID      string          `json:"tenant_id,omitempty"`
	OccurredAt    time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	PartitionKey  string          `json:"partition_key,omitempty"`
	SourceService string          `json:"source_service,omitempty"`
	SchemaVersion string          `json:"schema_version,omitempty"`
}

// Correlation carries the optional causal-chain links assigned at creation.
type Correlation struct {
	CorrelationID string
	CausationID   string
}

// NewEnvelope builds a complete envelope with a fresh id and UTC timestamp.
// The payload must marshal to JSON; tenantID may be empty for platform-global
// events, in which case the event id doubles as the partition key.
func NewEnvelope(eventType, tenantID string, payload any, corr Correlation) (Envelope, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return Envelope{}, fmt.Errorf("event type is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		TenantID:      strings.TrimSpace(tenantID),
		OccurredAt:    time.Now().UTC(),
		Payload:       raw,
		CorrelationID: strings.TrimSpace(corr.CorrelationID),
		CausationID:   strings.TrimSpace(corr.CausationID),
		SchemaVersion: "v1",
	}
	env.PartitionKey = env.TenantID
	if env.PartitionKey == "" {
		env.PartitionKey = env.EventID
	}
	return env, nil
}

// Encode serializes the envelope for transport.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a raw broker message back into an envelope. It
// rejects blobs missing the fields every producer is required to set, so a
// malformed message is detected before any handler runs.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if strings.TrimSpace(env.EventID) == "" || strings.TrimSpace(env.EventType) == "" {
		return Envelope{}, fmt.Errorf("envelope missing id or type")
	}
	if env.OccurredAt.IsZero() {
		return Envelope{}, fmt.Errorf("envelope missing timestamp")
	}
	if len(env.Payload) == 0 {
		return Envelope{}, fmt.Errorf("envelope missing payload")
	}
	if env.PartitionKey == "" {
		env.PartitionKey = env.TenantID
	}
	if env.PartitionKey == "" {
		env.PartitionKey = env.EventID
	}
	return env, nil
}

// DeadLetter is the immutable quarantine record for an envelope whose retry
// budget was exhausted, or which could not be decoded at all.
type DeadLetter struct {
	RecordID      string    `json:"record_id"`
	EventID       string    `json:"event_id,omitempty"`
	ConsumerGroup string    `json:"consumer_group"`
	Channel       string    `json:"channel"`
	Reason        string    `json:"reason"`
	AttemptCount  int       `json:"attempt_count"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	// RawMessage preserves the message exactly as read off the broker so an
	// undecodable blob can still be inspected; for handler failures it is the
	// encoded envelope and is what an administrative replay re-publishes.
	RawMessage []byte `json:"raw_message"`
}
