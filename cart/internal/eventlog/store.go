// Package eventlog defines the append-only cart event log and an in-memory implementation.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shopping-cart-service/cart/internal/domain"
)

var (
	// ErrConflict means expectedNextSeq did not match the log, usually because another
	// writer appended first.
	ErrConflict = errors.New("event log: sequence conflict")
	// ErrCorrupt means the log for a cart cannot be read back as written.
	ErrCorrupt = errors.New("event log: corrupt")
)

// Record is one persisted event. Seq orders events of one cart; Offset orders events of one
// tag across carts.
type Record struct {
	CartID     string
	Seq        int64
	Tag        int
	Offset     int64
	Event      domain.Event
	OccurredAt time.Time
}

type Store interface {
	// Append writes events atomically. The first event gets expectedNextSeq; the returned
	// value is the sequence number of the last event.
	Append(ctx context.Context, cartID string, tag int, events []domain.Event, expectedNextSeq int64) (int64, error)
	// ReadRange returns events of cartID with Seq >= fromSeq in order. limit <= 0 means no limit.
	ReadRange(ctx context.Context, cartID string, fromSeq int64, limit int) ([]Record, error)
	// ReadByTag returns events of tag with Offset >= fromOffset in order.
	ReadByTag(ctx context.Context, tag int, fromOffset int64, limit int) ([]Record, error)
}

// Watcher is implemented by stores that can signal new appends.
type Watcher interface {
	// Changed returns a channel closed on the next append.
	Changed() <-chan struct{}
}

// CheckContiguous verifies that records continue the sequence after prev.
func CheckContiguous(cartID string, prev int64, records []Record) error {
	for _, rec := range records {
		if rec.CartID != cartID || rec.Seq != prev+1 {
			return fmt.Errorf("%w: cart %s expected seq %d, got %d", ErrCorrupt, cartID, prev+1, rec.Seq)
		}
		prev = rec.Seq
	}
	return nil
}
