package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/classmesh/event-relay/internal/contracts"
	"github.com/classmesh/event-relay/internal/domain"
	"github.com/classmesh/event-relay/internal/ports"
	"gorm.io/gorm"
)

type deadLetterRepository struct {
	db *gorm.DB
}

func (r *deadLetterRepository) Create(ctx context.Context, record contracts.DeadLetter) error {
	row := deadLetterModel{
		RecordID:      record.RecordID,
		EventID:       record.EventID,
		ConsumerGroup: record.ConsumerGroup,
		Channel:       record.Channel,
		Reason:        record.Reason,
		AttemptCount:  record.AttemptCount,
		FirstSeenAt:   record.FirstSeenAt,
		LastAttemptAt: record.LastAttemptAt,
		RawMessage:    record.RawMessage,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("%w: insert dead letter: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func (r *deadLetterRepository) GetByRecordID(ctx context.Context, recordID string) (contracts.DeadLetter, error) {
	var row deadLetterModel
	if err := r.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return contracts.DeadLetter{}, domain.ErrNotFound
		}
		return contracts.DeadLetter{}, fmt.Errorf("%w: load dead letter: %v", domain.ErrStorageUnavailable, err)
	}
	return toDeadLetter(row), nil
}

func (r *deadLetterRepository) List(ctx context.Context, limit int) ([]contracts.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []deadLetterModel
	if err := r.db.WithContext(ctx).Order("last_attempt_at desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list dead letters: %v", domain.ErrStorageUnavailable, err)
	}
	out := make([]contracts.DeadLetter, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDeadLetter(row))
	}
	return out, nil
}

func (r *deadLetterRepository) MarkReplayed(ctx context.Context, recordID string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&deadLetterModel{}).Where("record_id = ?", recordID).Update("replayed_at", at)
	if res.Error != nil {
		return fmt.Errorf("%w: mark replayed: %v", domain.ErrStorageUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func toDeadLetter(row deadLetterModel) contracts.DeadLetter {
	return contracts.DeadLetter{
		RecordID:      row.RecordID,
		EventID:       row.EventID,
		ConsumerGroup: row.ConsumerGroup,
		Channel:       row.Channel,
		Reason:        row.Reason,
		AttemptCount:  row.AttemptCount,
		FirstSeenAt:   row.FirstSeenAt,
		LastAttemptAt: row.LastAttemptAt,
		RawMessage:    row.RawMessage,
	}
}

var _ ports.DeadLetterRepository = (*deadLetterRepository)(nil)
