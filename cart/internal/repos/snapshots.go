package repos

import (
	"context"

	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/cart/internal/snapshot"
	"shopping-cart-service/shared/cachex"
)

// RedisSnapshots keeps the newest snapshots of each cart in a capped Redis list.
type RedisSnapshots struct {
	cache *cachex.Client
	keep  int
}

func NewRedisSnapshots(cache *cachex.Client, keep int) *RedisSnapshots {
	return &RedisSnapshots{cache: cache, keep: keep}
}

func snapshotKey(cartID string) string {
	return "cart:snapshot:" + cartID
}

func (s *RedisSnapshots) Put(ctx context.Context, cartID string, seq int64, state domain.State) error {
	raw, err := snapshot.Encode(snapshot.Snapshot{Seq: seq, State: state})
	if err != nil {
		return err
	}
	return s.cache.PushCapped(ctx, snapshotKey(cartID), raw, s.keep)
}

func (s *RedisSnapshots) Get(ctx context.Context, cartID string) (snapshot.Snapshot, bool, error) {
	raw, ok, err := s.cache.Latest(ctx, snapshotKey(cartID))
	if err != nil || !ok {
		return snapshot.Snapshot{}, false, err
	}
	snap, err := snapshot.Decode(raw)
	if err != nil {
		return snapshot.Snapshot{}, false, err
	}
	return snap, true, nil
}
