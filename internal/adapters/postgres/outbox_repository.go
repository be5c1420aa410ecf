package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/classmesh/event-relay/internal/contracts"
	"github.com/classmesh/event-relay/internal/domain"
	"github.com/classmesh/event-relay/internal/ports"
	"gorm.io/gorm"
)

type outboxRepository struct {
	db *gorm.DB
}

func (r *outboxRepository) Enqueue(ctx context.Context, record ports.OutboxRecord) error {
	raw, err := record.Envelope.Encode()
	if err != nil {
		return fmt.Errorf("%w: encode outbox envelope: %v", domain.ErrInvalidEnvelope, err)
	}
	row := outboxModel{
		RecordID:  record.RecordID,
		Channel:   record.Channel,
		Envelope:  string(raw),
		CreatedAt: record.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("%w: enqueue outbox: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func (r *outboxRepository) ListPending(ctx context.Context, limit int) ([]ports.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []outboxModel
	if err := r.db.WithContext(ctx).Where("published_at IS NULL").Order("created_at asc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: list pending outbox: %v", domain.ErrStorageUnavailable, err)
	}
	out := make([]ports.OutboxRecord, 0, len(rows))
	for _, row := range rows {
		var env contracts.Envelope
		if err := json.Unmarshal([]byte(row.Envelope), &env); err != nil {
			return nil, fmt.Errorf("%w: decode outbox row %s: %v", domain.ErrDecode, row.RecordID, err)
		}
		out = append(out, ports.OutboxRecord{
			RecordID:    row.RecordID,
			Channel:     row.Channel,
			Envelope:    env,
			CreatedAt:   row.CreatedAt,
			RetryCount:  row.RetryCount,
			PublishedAt: row.PublishedAt,
			LastError:   row.LastError,
		})
	}
	return out, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, recordID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&outboxModel{}).Where("record_id = ?", recordID).Update("published_at", at).Error
}

func (r *outboxRepository) MarkFailed(ctx context.Context, recordID string, errMsg string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&outboxModel{}).Where("record_id = ?", recordID).Updates(map[string]any{
		"retry_count":   gorm.Expr("retry_count + 1"),
		"last_error":    errMsg,
		"last_error_at": at,
	}).Error
}

var _ ports.OutboxRepository = (*outboxRepository)(nil)
