package domain

import "errors"

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidEnvelope  = errors.New("invalid event envelope")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("resource not found")
	ErrConflict         = errors.New("conflict")
	ErrUnsupportedEvent = errors.New("unsupported event type")

	// ErrTransport marks a broker-level failure: the broker never durably
	// accepted or handed over the message. Retryable by the caller.
	ErrTransport = errors.New("transport failure")

	// ErrDecode marks a message that cannot be parsed into an envelope.
	// Fatal for that message; it goes straight to quarantine.
	ErrDecode = errors.New("envelope decode failure")

	// ErrClaimUnavailable means the idempotency store could not answer a
	// check-and-claim. The delivery fails and is retried; it is never treated
	// as "not a duplicate".
	ErrClaimUnavailable = errors.New("idempotency store unavailable")

	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRelayStopped is returned for work issued after shutdown began.
	ErrRelayStopped = errors.New("relay stopped")
)
