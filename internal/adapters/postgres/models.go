package postgres

import "time"

type deadLetterModel struct {
	RecordID      string     `gorm:"column:record_id;primaryKey"`
	EventID       string     `gorm:"column:event_id"`
	ConsumerGroup string     `gorm:"column:consumer_group"`
	Channel       string     `gorm:"column:channel"`
	Reason        string     `gorm:"column:reason"`
	AttemptCount  int        `gorm:"column:attempt_count"`
	FirstSeenAt   time.Time  `gorm:"column:first_seen_at"`
	LastAttemptAt time.Time  `gorm:"column:last_attempt_at"`
	RawMessage    []byte     `gorm:"column:raw_message"`
	ReplayedAt    *time.Time `gorm:"column:replayed_at"`
}

func (deadLetterModel) TableName() string { return "relay_dead_letters" }

type outboxModel struct {
	RecordID    string     `gorm:"column:record_id;primaryKey"`
	Channel     string     `gorm:"column:channel"`
	Envelope    string     `gorm:"column:envelope"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	RetryCount  int        `gorm:"column:retry_count"`
	PublishedAt *time.Time `gorm:"column:published_at"`
	LastError   string     `gorm:"column:last_error"`
	LastErrorAt *time.Time `gorm:"column:last_error_at"`
}

func (outboxModel) TableName() string { return "relay_outbox" }

type processedEventModel struct {
	ConsumerGroup string     `gorm:"column:consumer_group;primaryKey"`
	EventID       string     `gorm:"column:event_id;primaryKey"`
	Status        string     `gorm:"column:status"`
	ClaimedAt     time.Time  `gorm:"column:claimed_at"`
	LeaseExpires  time.Time  `gorm:"column:lease_expires_at"`
	ProcessedAt   *time.Time `gorm:"column:processed_at"`
}

func (processedEventModel) TableName() string { return "relay_processed_events" }
