package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/classmesh/event-relay/internal/domain"
	"github.com/classmesh/event-relay/internal/ports"
	"gorm.io/gorm"
)

const (
	claimStatusLeased    = "leased"
	claimStatusProcessed = "processed"
)

// claimRepository implements the idempotency guard on a unique insert into
// relay_processed_events: the primary key (consumer_group, event_id) makes the
// database arbitrate racing claims. A stale lease (crashed winner) can be
// taken over once it expires, via a conditional update that again only one
// racer can win.
type claimRepository struct {
	db       *gorm.DB
	leaseTTL time.Duration
}

func (r *claimRepository) Claim(ctx context.Context, group, eventID string, now time.Time) (bool, error) {
	row := processedEventModel{
		ConsumerGroup: group,
		EventID:       eventID,
		Status:        claimStatusLeased,
		ClaimedAt:     now,
		LeaseExpires:  now.Add(r.leaseTTL),
	}
	err := r.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return true, nil
	}
	if !isUniqueViolation(err) {
		return false, fmt.Errorf("%w: claim %s: %v", domain.ErrClaimUnavailable, eventID, err)
	}

	var existing processedEventModel
	if err := r.db.WithContext(ctx).Where("consumer_group = ? AND event_id = ?", group, eventID).Take(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Row vanished between insert and read (released concurrently);
			// the redelivery that follows will race for it again.
			return false, nil
		}
		return false, fmt.Errorf("%w: read claim %s: %v", domain.ErrClaimUnavailable, eventID, err)
	}
	if existing.Status == claimStatusProcessed {
		return false, nil
	}
	if !existing.LeaseExpires.Before(now) {
		return false, nil
	}
	res := r.db.WithContext(ctx).Model(&processedEventModel{}).
		Where("consumer_group = ? AND event_id = ? AND status = ? AND lease_expires_at < ?", group, eventID, claimStatusLeased, now).
		Updates(map[string]any{
			"claimed_at":       now,
			"lease_expires_at": now.Add(r.leaseTTL),
		})
	if res.Error != nil {
		return false, fmt.Errorf("%w: take over claim %s: %v", domain.ErrClaimUnavailable, eventID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *claimRepository) Confirm(ctx context.Context, group, eventID string, processedAt time.Time) error {
	err := r.db.WithContext(ctx).Model(&processedEventModel{}).
		Where("consumer_group = ? AND event_id = ?", group, eventID).
		Updates(map[string]any{
			"status":       claimStatusProcessed,
			"processed_at": processedAt,
		}).Error
	if err != nil {
		return fmt.Errorf("%w: confirm %s: %v", domain.ErrClaimUnavailable, eventID, err)
	}
	return nil
}

func (r *claimRepository) Release(ctx context.Context, group, eventID string) error {
	err := r.db.WithContext(ctx).
		Where("consumer_group = ? AND event_id = ?", group, eventID).
		Delete(&processedEventModel{}).Error
	if err != nil {
		return fmt.Errorf("%w: release %s: %v", domain.ErrClaimUnavailable, eventID, err)
	}
	return nil
}

func (r *claimRepository) PruneProcessed(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND processed_at < ?", claimStatusProcessed, before).
		Delete(&processedEventModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("%w: prune processed: %v", domain.ErrStorageUnavailable, res.Error)
	}
	return res.RowsAffected, nil
}

var _ ports.ClaimStore = (*claimRepository)(nil)
