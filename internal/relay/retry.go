package relay

import "time"

// RetryPolicy bounds handler retries within one delivery: attempts 1..MaxAttempts
// with exponential backoff Base*2^k capped at Ceiling. Exhausting MaxAttempts is
// the only path into quarantine for handler failures.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Ceiling     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Base: 250 * time.Millisecond, Ceiling: 30 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	out := p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 1
	}
	if out.Base <= 0 {
		out.Base = 250 * time.Millisecond
	}
	if out.Ceiling < out.Base {
		out.Ceiling = out.Base
	}
	return out
}

// Delay returns the backoff before the given retry. attempt is the number of
// failures so far, so the first retry (attempt=1) waits Base.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Ceiling {
			return p.Ceiling
		}
	}
	if d > p.Ceiling {
		return p.Ceiling
	}
	return d
}
