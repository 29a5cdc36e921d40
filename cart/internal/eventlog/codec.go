package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	"shopping-cart-service/cart/internal/domain"
)

type itemAddedPayload struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type checkedOutPayload struct {
	At time.Time `json:"at"`
}

// Encode returns the stored type name and JSON payload of e. The cart id is stored in its
// own column and is not repeated in the payload.
func Encode(e domain.Event) (string, []byte, error) {
	var v any
	switch ev := e.(type) {
	case domain.ItemAdded:
		v = itemAddedPayload{ItemID: ev.ItemID, Quantity: ev.Quantity}
	case domain.CheckedOut:
		v = checkedOutPayload{At: ev.At.UTC()}
	default:
		return "", nil, fmt.Errorf("unsupported event %T", e)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return e.Type(), raw, nil
}

// Decode rebuilds an event. Unknown types and bad payloads are ErrCorrupt.
func Decode(cartID string, eventType string, payload []byte) (domain.Event, error) {
	switch eventType {
	case domain.EventItemAdded:
		var p itemAddedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrCorrupt, eventType, err)
		}
		return domain.ItemAdded{CartID: cartID, ItemID: p.ItemID, Quantity: p.Quantity}, nil
	case domain.EventCheckedOut:
		var p checkedOutPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrCorrupt, eventType, err)
		}
		return domain.CheckedOut{CartID: cartID, At: p.At.UTC()}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrCorrupt, eventType)
	}
}
