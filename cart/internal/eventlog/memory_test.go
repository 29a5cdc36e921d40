package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"shopping-cart-service/cart/internal/domain"
)

func TestMemoryAppendAndReadRange(t *testing.T) {
	ctx := context.Background()
	log := NewMemory()

	seq, err := log.Append(ctx, "a", 1, []domain.Event{
		domain.ItemAdded{CartID: "a", ItemID: "x", Quantity: 1},
		domain.ItemAdded{CartID: "a", ItemID: "y", Quantity: 2},
	}, 1)
	if err != nil || seq != 2 {
		t.Fatalf("append: seq=%d err=%v", seq, err)
	}
	if _, err := log.Append(ctx, "a", 1, []domain.Event{domain.ItemAdded{CartID: "a", ItemID: "z", Quantity: 1}}, 2); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	recs, err := log.ReadRange(ctx, "a", 2, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 1 || recs[0].Seq != 2 || recs[0].Event != (domain.ItemAdded{CartID: "a", ItemID: "y", Quantity: 2}) {
		t.Fatalf("unexpected records %#v", recs)
	}
	if err := CheckContiguous("a", 1, recs); err != nil {
		t.Fatalf("contiguous: %v", err)
	}
	if err := CheckContiguous("a", 0, recs); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected gap to be corrupt, got %v", err)
	}
}

func TestMemoryReadByTagInterleavesCarts(t *testing.T) {
	ctx := context.Background()
	log := NewMemory()
	appendOne := func(cart string, next int64, item string) {
		t.Helper()
		if _, err := log.Append(ctx, cart, 3, []domain.Event{domain.ItemAdded{CartID: cart, ItemID: item, Quantity: 1}}, next); err != nil {
			t.Fatalf("append %s: %v", cart, err)
		}
	}
	appendOne("a", 1, "x")
	appendOne("b", 1, "x")
	appendOne("a", 2, "y")
	if _, err := log.Append(ctx, "c", 4, []domain.Event{domain.CheckedOut{CartID: "c", At: time.Unix(10, 0)}}, 1); err != nil {
		t.Fatalf("append c: %v", err)
	}

	recs, err := log.ReadByTag(ctx, 3, 2, 10)
	if err != nil {
		t.Fatalf("read by tag: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].CartID != "b" || recs[0].Offset != 2 || recs[1].CartID != "a" || recs[1].Offset != 3 {
		t.Fatalf("unexpected order %#v", recs)
	}
	other, _ := log.ReadByTag(ctx, 4, 1, 10)
	if len(other) != 1 || other[0].Offset != 1 {
		t.Fatalf("tags must have independent offsets: %#v", other)
	}
}

func TestMemoryChangedFiresOnAppend(t *testing.T) {
	log := NewMemory()
	ch := log.Changed()
	select {
	case <-ch:
		t.Fatalf("changed fired before append")
	default:
	}
	if _, err := log.Append(context.Background(), "a", 0, []domain.Event{domain.ItemAdded{CartID: "a", ItemID: "x", Quantity: 1}}, 1); err != nil {
		t.Fatalf("append: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("changed did not fire")
	}
}

func TestDecodeUnknownTypeIsCorrupt(t *testing.T) {
	if _, err := Decode("a", "ItemRemoved", []byte(`{}`)); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected corrupt, got %v", err)
	}
	if _, err := Decode("a", domain.EventItemAdded, []byte(`{`)); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected corrupt, got %v", err)
	}
}

func TestCodecCheckedOut(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	typ, raw, err := Encode(domain.CheckedOut{CartID: "a", At: at})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ev, err := Decode("a", typ, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if co, ok := ev.(domain.CheckedOut); !ok || !co.At.Equal(at) || co.CartID != "a" {
		t.Fatalf("unexpected event %#v", ev)
	}
}
