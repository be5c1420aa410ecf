package postgres

import (
	"time"

	"gorm.io/gorm"
)

type Repositories struct {
	DeadLetters *deadLetterRepository
	Outbox      *outboxRepository
	Claims      *claimRepository
}

func NewRepositories(db *gorm.DB, leaseTTL time.Duration) *Repositories {
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	return &Repositories{
		DeadLetters: &deadLetterRepository{db: db},
		Outbox:      &outboxRepository{db: db},
		Claims:      &claimRepository{db: db, leaseTTL: leaseTTL},
	}
}
