// Package popularity maintains the item popularity read model: a running count of how many
// carts added each item.
package popularity

import (
	"context"
	"errors"
)

var ErrOptimisticLock = errors.New("popularity: concurrent update")

type Item struct {
	ItemID  string `json:"item_id"`
	Count   int64  `json:"count"`
	Version int64  `json:"-"`
}

// Tx is one read-model transaction. Writes and offsets become visible together on commit.
type Tx interface {
	Get(ctx context.Context, itemID string) (Item, bool, error)
	// Insert fails with ErrOptimisticLock if the item already exists.
	Insert(ctx context.Context, item Item) error
	// Update fails with ErrOptimisticLock if the stored version is not expectedVersion.
	Update(ctx context.Context, item Item, expectedVersion int64) error
	LoadOffset(ctx context.Context, projection string, tag int) (int64, error)
	SaveOffset(ctx context.Context, projection string, tag int, offset int64) error
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	Get(ctx context.Context, itemID string) (Item, bool, error)
	LoadOffset(ctx context.Context, projection string, tag int) (int64, error)
	SaveOffset(ctx context.Context, projection string, tag int, offset int64) error
}
