package events

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

func TestItemAddedEnvelope(t *testing.T) {
	raw, err := Marshal(ItemAdded{CartID: "cart-1", ItemID: "socks", Quantity: 42})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var env anypb.Any
	if err := proto.Unmarshal(raw, &env); err != nil {
		t.Fatalf("envelope is not an Any: %v", err)
	}
	if env.GetTypeUrl() != "shopping-cart-service/shoppingcart.ItemAdded" {
		t.Fatalf("unexpected type url %q", env.GetTypeUrl())
	}

	msg, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, ok := msg.(ItemAdded)
	if !ok || got != (ItemAdded{CartID: "cart-1", ItemID: "socks", Quantity: 42}) {
		t.Fatalf("unexpected message %#v", msg)
	}
}

func TestCheckedOutEnvelope(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 30, 0, 500, time.UTC)
	raw, err := Marshal(CheckedOut{CartID: "cart-9", CheckedOutAt: at})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, ok := msg.(CheckedOut)
	if !ok || got.CartID != "cart-9" || !got.CheckedOutAt.Equal(at) {
		t.Fatalf("unexpected message %#v", msg)
	}
}

func TestUnknownType(t *testing.T) {
	raw, err := proto.Marshal(&anypb.Any{TypeUrl: TypeURLPrefix + "shoppingcart.Removed"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Unmarshal(raw); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}
