// Package events defines the protobuf wire format of cart events published to the message bus.
//
// Each message is wrapped in a google.protobuf.Any whose type URL is
// "shopping-cart-service/<full message name>", so consumers can dispatch on the type
// without a shared schema registry.
package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	TopicShoppingCartEvents = "shopping-cart-events"

	TypeURLPrefix  = "shopping-cart-service/"
	ItemAddedName  = "shoppingcart.ItemAdded"
	CheckedOutName = "shoppingcart.CheckedOut"
)

// Kafka header keys set on every published event.
const (
	HeaderEventID   = "event_id"
	HeaderCartID    = "cart_id"
	HeaderSeq       = "seq"
	HeaderTag       = "tag"
	HeaderEventType = "event_type"
)

var ErrUnknownType = errors.New("unknown event type")

// Message is a wire event.
type Message interface {
	FullName() string
	appendFields(b []byte) ([]byte, error)
}

type ItemAdded struct {
	CartID   string
	ItemID   string
	Quantity int32
}

func (ItemAdded) FullName() string { return ItemAddedName }

func (m ItemAdded) appendFields(b []byte) ([]byte, error) {
	b = appendString(b, 1, m.CartID)
	b = appendString(b, 2, m.ItemID)
	if m.Quantity != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.Quantity)))
	}
	return b, nil
}

type CheckedOut struct {
	CartID       string
	CheckedOutAt time.Time
}

func (CheckedOut) FullName() string { return CheckedOutName }

func (m CheckedOut) appendFields(b []byte) ([]byte, error) {
	b = appendString(b, 1, m.CartID)
	if !m.CheckedOutAt.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(m.CheckedOutAt))
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}
	return b, nil
}

// Marshal encodes m inside an Any envelope.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil message")
	}
	body, err := m.appendFields(nil)
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(&anypb.Any{
		TypeUrl: TypeURLPrefix + m.FullName(),
		Value:   body,
	})
}

// Unmarshal decodes an Any envelope produced by Marshal.
func Unmarshal(b []byte) (Message, error) {
	var env anypb.Any
	if err := proto.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	name := strings.TrimPrefix(env.GetTypeUrl(), TypeURLPrefix)
	switch name {
	case ItemAddedName:
		return decodeItemAdded(env.GetValue())
	case CheckedOutName:
		return decodeCheckedOut(env.GetValue())
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.GetTypeUrl())
	}
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func decodeItemAdded(b []byte) (ItemAdded, error) {
	var m ItemAdded
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			m.CartID = s
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			m.ItemID = s
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			m.Quantity = int32(x)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
	return m, err
}

func decodeCheckedOut(b []byte) (CheckedOut, error) {
	var m CheckedOut
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			m.CartID = s
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(raw, &ts); err != nil {
				return 0, err
			}
			m.CheckedOutAt = ts.AsTime()
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
	return m, err
}

func walk(b []byte, field func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
