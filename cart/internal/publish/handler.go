// Package publish forwards every cart event to the message bus, keyed by cart id so one cart's
// events stay ordered within a partition.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/cart/internal/eventlog"
	"shopping-cart-service/shared/events"
	"shopping-cart-service/shared/metricsx"
)

const ProjectionName = "publish-events"

// Publisher is satisfied by mqx.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type Handler struct {
	pub   Publisher
	topic string
}

func NewHandler(pub Publisher, topic string) *Handler {
	if topic == "" {
		topic = events.TopicShoppingCartEvents
	}
	return &Handler{pub: pub, topic: topic}
}

// Handle publishes rec. Redelivery publishes the same bytes with the same event_id header, so
// consumers can drop duplicates.
func (h *Handler) Handle(ctx context.Context, rec eventlog.Record) error {
	msg, err := ToMessage(rec.Event)
	if err != nil {
		return err
	}
	value, err := events.Marshal(msg)
	if err != nil {
		return err
	}
	headers := map[string]string{
		events.HeaderEventID:   EventID(rec.CartID, rec.Seq),
		events.HeaderCartID:    rec.CartID,
		events.HeaderSeq:       strconv.FormatInt(rec.Seq, 10),
		events.HeaderTag:       strconv.Itoa(rec.Tag),
		events.HeaderEventType: rec.Event.Type(),
	}
	if err := h.pub.Publish(ctx, h.topic, []byte(rec.CartID), value, headers); err != nil {
		metricsx.IncKafkaPublishFailure()
		return fmt.Errorf("publish %s/%d: %w", rec.CartID, rec.Seq, err)
	}
	return nil
}

// EventID is stable for a (cart, seq) pair.
func EventID(cartID string, seq int64) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("cart:"+cartID+"/"+strconv.FormatInt(seq, 10))).String()
}

// ToMessage converts a domain event to its wire message.
func ToMessage(e domain.Event) (events.Message, error) {
	switch ev := e.(type) {
	case domain.ItemAdded:
		if ev.Quantity < 0 || ev.Quantity > domain.MaxQuantity {
			return nil, fmt.Errorf("item %s quantity %d out of wire range", ev.ItemID, ev.Quantity)
		}
		return events.ItemAdded{CartID: ev.CartID, ItemID: ev.ItemID, Quantity: int32(ev.Quantity)}, nil
	case domain.CheckedOut:
		return events.CheckedOut{CartID: ev.CartID, CheckedOutAt: ev.At}, nil
	case nil:
		return nil, errors.New("nil event")
	default:
		return nil, fmt.Errorf("%w: %T", events.ErrUnknownType, e)
	}
}
