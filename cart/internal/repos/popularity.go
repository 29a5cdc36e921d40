package repos

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"shopping-cart-service/cart/internal/popularity"
	"shopping-cart-service/shared/dbx"
)

// PopularityStore keeps the item popularity read model and every projection's offsets.
type PopularityStore struct {
	pool *pgxpool.Pool
}

func NewPopularityStore(pool *pgxpool.Pool) *PopularityStore {
	return &PopularityStore{pool: pool}
}

func (s *PopularityStore) InTx(ctx context.Context, fn func(popularity.Tx) error) error {
	return dbx.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(popularityTx{db: tx})
	})
}

func (s *PopularityStore) Get(ctx context.Context, itemID string) (popularity.Item, bool, error) {
	return getItem(ctx, s.pool, itemID)
}

func (s *PopularityStore) LoadOffset(ctx context.Context, projection string, tag int) (int64, error) {
	return loadOffset(ctx, s.pool, projection, tag)
}

func (s *PopularityStore) SaveOffset(ctx context.Context, projection string, tag int, offset int64) error {
	return saveOffset(ctx, s.pool, projection, tag, offset)
}

type popularityTx struct {
	db DBTX
}

func (t popularityTx) Get(ctx context.Context, itemID string) (popularity.Item, bool, error) {
	return getItem(ctx, t.db, itemID)
}

func (t popularityTx) Insert(ctx context.Context, item popularity.Item) error {
	tag, err := t.db.Exec(ctx, `
		INSERT INTO item_popularity (item_id, count, version, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (item_id) DO NOTHING
	`, item.ItemID, item.Count, item.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return popularity.ErrOptimisticLock
	}
	return nil
}

func (t popularityTx) Update(ctx context.Context, item popularity.Item, expectedVersion int64) error {
	tag, err := t.db.Exec(ctx, `
		UPDATE item_popularity
		SET count = $2, version = $3, updated_at = now()
		WHERE item_id = $1 AND version = $4
	`, item.ItemID, item.Count, item.Version, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return popularity.ErrOptimisticLock
	}
	return nil
}

func (t popularityTx) LoadOffset(ctx context.Context, projection string, tag int) (int64, error) {
	return loadOffset(ctx, t.db, projection, tag)
}

func (t popularityTx) SaveOffset(ctx context.Context, projection string, tag int, offset int64) error {
	return saveOffset(ctx, t.db, projection, tag, offset)
}

func getItem(ctx context.Context, db DBTX, itemID string) (popularity.Item, bool, error) {
	item := popularity.Item{ItemID: itemID}
	err := db.QueryRow(ctx, `
		SELECT count, version FROM item_popularity WHERE item_id = $1
	`, itemID).Scan(&item.Count, &item.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return popularity.Item{}, false, nil
		}
		return popularity.Item{}, false, err
	}
	return item, true, nil
}

func loadOffset(ctx context.Context, db DBTX, projection string, tag int) (int64, error) {
	var offset int64
	err := db.QueryRow(ctx, `
		SELECT last_offset FROM projection_offsets WHERE projection = $1 AND tag = $2
	`, projection, tag).Scan(&offset)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return offset, err
}

// saveOffset never moves an offset backwards.
func saveOffset(ctx context.Context, db DBTX, projection string, tag int, offset int64) error {
	_, err := db.Exec(ctx, `
		INSERT INTO projection_offsets (projection, tag, last_offset, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (projection, tag) DO UPDATE
		SET last_offset = GREATEST(projection_offsets.last_offset, EXCLUDED.last_offset), updated_at = now()
	`, projection, tag, offset)
	return err
}
