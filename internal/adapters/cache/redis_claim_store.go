package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/classmesh/event-relay/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	claimStateLeased    = "leased"
	claimStateProcessed = "processed"
)

// RedisClaimStore implements the idempotency guard on a single SET NX per
// claim: among concurrent dispatcher instances of one consumer group exactly
// one wins the key. A lease auto-expires after leaseTTL so a crashed winner
// does not park the event forever; Confirm rewrites the key as processed with
// the retention TTL.
type RedisClaimStore struct {
	client    *redis.Client
	leaseTTL  time.Duration
	retention time.Duration
}

func NewRedisClaimStore(client *redis.Client, leaseTTL, retention time.Duration) *RedisClaimStore {
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisClaimStore{client: client, leaseTTL: leaseTTL, retention: retention}
}

func claimKey(group, eventID string) string {
	return "relay:claim:" + group + ":" + eventID
}

func (s *RedisClaimStore) Claim(ctx context.Context, group, eventID string, _ time.Time) (bool, error) {
	won, err := s.client.SetNX(ctx, claimKey(group, eventID), claimStateLeased, s.leaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx %s: %v", domain.ErrClaimUnavailable, eventID, err)
	}
	return won, nil
}

func (s *RedisClaimStore) Confirm(ctx context.Context, group, eventID string, _ time.Time) error {
	if err := s.client.Set(ctx, claimKey(group, eventID), claimStateProcessed, s.retention).Err(); err != nil {
		return fmt.Errorf("%w: confirm %s: %v", domain.ErrClaimUnavailable, eventID, err)
	}
	return nil
}

func (s *RedisClaimStore) Release(ctx context.Context, group, eventID string) error {
	if err := s.client.Del(ctx, claimKey(group, eventID)).Err(); err != nil {
		return fmt.Errorf("%w: release %s: %v", domain.ErrClaimUnavailable, eventID, err)
	}
	return nil
}

// PruneProcessed is a no-op for Redis: every key carries its own TTL.
func (s *RedisClaimStore) PruneProcessed(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}
