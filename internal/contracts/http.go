package contracts

import "encoding/json"

type SuccessResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type ErrorResponse struct {
	Status string       `json:"status"`
	Error  ErrorPayload `json:"error"`
}

type PublishEventRequest struct {
	EventType     string          `json:"type"`
	TenantID      string          `json:"tenant_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
}

type PublishEventResponse struct {
	EventID string `json:"event_id"`
	Channel string `json:"channel"`
}

type DeadLetterDTO struct {
	RecordID      string `json:"record_id"`
	EventID       string `json:"event_id,omitempty"`
	ConsumerGroup string `json:"consumer_group"`
	Channel       string `json:"channel"`
	Reason        string `json:"reason"`
	AttemptCount  int    `json:"attempt_count"`
	FirstSeenAt   string `json:"first_seen_at"`
	LastAttemptAt string `json:"last_attempt_at"`
}

type ListDeadLettersResponse struct {
	DeadLetters []DeadLetterDTO `json:"dead_letters"`
}

type ReplayDeadLetterResponse struct {
	RecordID string `json:"record_id"`
	EventID  string `json:"event_id"`
	Channel  string `json:"channel"`
}

type SubscriptionDTO struct {
	Channel string `json:"channel"`
	Group   string `json:"group"`
	State   string `json:"state"`
}

type ListSubscriptionsResponse struct {
	Subscriptions []SubscriptionDTO `json:"subscriptions"`
}
