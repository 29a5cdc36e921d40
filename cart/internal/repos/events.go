package repos

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/cart/internal/eventlog"
	"shopping-cart-service/shared/dbx"
)

// EventLog stores cart events in Postgres. Tag offsets come from cart_tag_heads, whose row
// lock is held until commit, so offsets of one tag become visible in increasing order.
type EventLog struct {
	pool *pgxpool.Pool
}

func NewEventLog(pool *pgxpool.Pool) *EventLog {
	return &EventLog{pool: pool}
}

type encodedEvent struct {
	eventType string
	payload   []byte
}

func (l *EventLog) Append(ctx context.Context, cartID string, tag int, events []domain.Event, expectedNextSeq int64) (int64, error) {
	if len(events) == 0 {
		return expectedNextSeq - 1, nil
	}
	encoded := make([]encodedEvent, 0, len(events))
	for _, e := range events {
		typ, payload, err := eventlog.Encode(e)
		if err != nil {
			return 0, err
		}
		encoded = append(encoded, encodedEvent{eventType: typ, payload: payload})
	}

	ctx, span := otel.Tracer("repos").Start(ctx, "eventlog.append")
	span.SetAttributes(
		attribute.String("cart.id", cartID),
		attribute.Int("cart.tag", tag),
		attribute.Int("events", len(events)),
	)
	defer span.End()

	n := int64(len(encoded))
	err := dbx.InTx(ctx, l.pool, func(tx pgx.Tx) error {
		var next int64
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM cart_events WHERE entity_id = $1
		`, cartID).Scan(&next); err != nil {
			return err
		}
		if next != expectedNextSeq {
			return eventlog.ErrConflict
		}

		var head int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO cart_tag_heads (tag, last_offset) VALUES ($1, $2)
			ON CONFLICT (tag) DO UPDATE SET last_offset = cart_tag_heads.last_offset + EXCLUDED.last_offset
			RETURNING last_offset
		`, tag, n).Scan(&head); err != nil {
			return err
		}

		now := time.Now().UTC()
		batch := &pgx.Batch{}
		for i, e := range encoded {
			batch.Queue(`
				INSERT INTO cart_events (entity_id, seq, tag, tag_offset, event_type, payload, occurred_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, cartID, expectedNextSeq+int64(i), tag, head-n+1+int64(i), e.eventType, e.payload, now)
		}
		br := tx.SendBatch(ctx, batch)
		for range encoded {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		return br.Close()
	})
	if err != nil {
		if errors.Is(err, eventlog.ErrConflict) || isUniqueViolation(err) {
			return 0, eventlog.ErrConflict
		}
		span.RecordError(err)
		return 0, fmt.Errorf("append %s: %w", cartID, err)
	}
	return expectedNextSeq + n - 1, nil
}

func (l *EventLog) ReadRange(ctx context.Context, cartID string, fromSeq int64, limit int) ([]eventlog.Record, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT entity_id, seq, tag, tag_offset, event_type, payload, occurred_at
		FROM cart_events
		WHERE entity_id = $1 AND seq >= $2
		ORDER BY seq ASC
		LIMIT $3
	`, cartID, fromSeq, pageLimit(limit))
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (l *EventLog) ReadByTag(ctx context.Context, tag int, fromOffset int64, limit int) ([]eventlog.Record, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT entity_id, seq, tag, tag_offset, event_type, payload, occurred_at
		FROM cart_events
		WHERE tag = $1 AND tag_offset >= $2
		ORDER BY tag_offset ASC
		LIMIT $3
	`, tag, fromOffset, pageLimit(limit))
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return math.MaxInt32
	}
	return limit
}

func scanRecords(rows pgx.Rows) ([]eventlog.Record, error) {
	defer rows.Close()
	var out []eventlog.Record
	for rows.Next() {
		var (
			rec       eventlog.Record
			eventType string
			payload   []byte
		)
		if err := rows.Scan(&rec.CartID, &rec.Seq, &rec.Tag, &rec.Offset, &eventType, &payload, &rec.OccurredAt); err != nil {
			return nil, err
		}
		ev, err := eventlog.Decode(rec.CartID, eventType, payload)
		if err != nil {
			return nil, err
		}
		rec.Event = ev
		out = append(out, rec)
	}
	return out, rows.Err()
}
