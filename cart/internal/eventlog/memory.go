package eventlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"shopping-cart-service/cart/internal/domain"
)

// Memory keeps the log in process. Events are stored encoded so reads exercise the codec
// the same way the Postgres store does.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	carts   map[string][]storedRecord
	tags    map[int][]storedRecord
	changed chan struct{}
}

type storedRecord struct {
	cartID     string
	seq        int64
	tag        int
	offset     int64
	eventType  string
	payload    []byte
	occurredAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		now:     time.Now,
		carts:   make(map[string][]storedRecord),
		tags:    make(map[int][]storedRecord),
		changed: make(chan struct{}),
	}
}

func (m *Memory) Append(ctx context.Context, cartID string, tag int, events []domain.Event, expectedNextSeq int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if cartID == "" {
		return 0, errors.New("cart id is required")
	}
	encoded := make([]storedRecord, 0, len(events))
	for _, e := range events {
		typ, payload, err := Encode(e)
		if err != nil {
			return 0, err
		}
		encoded = append(encoded, storedRecord{eventType: typ, payload: payload})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.carts[cartID]
	next := int64(len(existing)) + 1
	if expectedNextSeq != next {
		return 0, ErrConflict
	}
	if len(encoded) == 0 {
		return next - 1, nil
	}
	now := m.now().UTC()
	offset := int64(len(m.tags[tag]))
	for i := range encoded {
		encoded[i].cartID = cartID
		encoded[i].seq = next + int64(i)
		encoded[i].tag = tag
		offset++
		encoded[i].offset = offset
		encoded[i].occurredAt = now
	}
	m.carts[cartID] = append(existing, encoded...)
	m.tags[tag] = append(m.tags[tag], encoded...)

	close(m.changed)
	m.changed = make(chan struct{})
	return encoded[len(encoded)-1].seq, nil
}

func (m *Memory) ReadRange(ctx context.Context, cartID string, fromSeq int64, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	rows := m.carts[cartID]
	start := fromSeq - 1
	if start < 0 {
		start = 0
	}
	var page []storedRecord
	if start < int64(len(rows)) {
		page = window(rows[start:], limit)
	}
	m.mu.Unlock()
	return decodeAll(page)
}

func (m *Memory) ReadByTag(ctx context.Context, tag int, fromOffset int64, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	rows := m.tags[tag]
	start := fromOffset - 1
	if start < 0 {
		start = 0
	}
	var page []storedRecord
	if start < int64(len(rows)) {
		page = window(rows[start:], limit)
	}
	m.mu.Unlock()
	return decodeAll(page)
}

func (m *Memory) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

func window(rows []storedRecord, limit int) []storedRecord {
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]storedRecord, len(rows))
	copy(out, rows)
	return out
}

func decodeAll(rows []storedRecord) ([]Record, error) {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		ev, err := Decode(row.cartID, row.eventType, row.payload)
		if err != nil {
			return nil, err
		}
		out = append(out, Record{
			CartID:     row.cartID,
			Seq:        row.seq,
			Tag:        row.tag,
			Offset:     row.offset,
			Event:      ev,
			OccurredAt: row.occurredAt,
		})
	}
	return out, nil
}
