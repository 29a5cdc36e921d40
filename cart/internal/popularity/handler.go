package popularity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/cart/internal/eventlog"
	"shopping-cart-service/shared/logx"
)

const ProjectionName = "item-popularity"

const maxLockRetries = 10

// Handler counts ItemAdded events per item. The count update and the projection offset are
// written in one transaction, and events at or below the stored offset are skipped, so
// redelivery never double counts.
type Handler struct {
	store  Store
	logger logx.Logger
}

func NewHandler(store Store, logger logx.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) ProcessAndCommit(ctx context.Context, projection string, rec eventlog.Record) error {
	var err error
	for attempt := 1; attempt <= maxLockRetries; attempt++ {
		err = h.store.InTx(ctx, func(tx Tx) error {
			return h.apply(ctx, tx, projection, rec)
		})
		if !errors.Is(err, ErrOptimisticLock) {
			return err
		}
		h.logger.Debug(ctx, "popularity_conflict", "concurrent update, retrying",
			slog.String("cart_id", rec.CartID),
			slog.Int("attempt", attempt),
		)
	}
	return fmt.Errorf("offset %d after %d attempts: %w", rec.Offset, maxLockRetries, err)
}

func (h *Handler) apply(ctx context.Context, tx Tx, projection string, rec eventlog.Record) error {
	committed, err := tx.LoadOffset(ctx, projection, rec.Tag)
	if err != nil {
		return err
	}
	if rec.Offset <= committed {
		return nil
	}
	if added, ok := rec.Event.(domain.ItemAdded); ok {
		if err := increment(ctx, tx, added.ItemID, int64(added.Quantity)); err != nil {
			return err
		}
	}
	return tx.SaveOffset(ctx, projection, rec.Tag, rec.Offset)
}

func increment(ctx context.Context, tx Tx, itemID string, delta int64) error {
	item, found, err := tx.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if !found {
		return tx.Insert(ctx, Item{ItemID: itemID, Count: delta, Version: 1})
	}
	expected := item.Version
	item.Count += delta
	item.Version++
	return tx.Update(ctx, item, expected)
}
