// Package domain holds the shopping cart state machine: commands are decided against the
// current state into events, and events are applied to produce the next state. Nothing in
// this package performs I/O.
package domain

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// MaxQuantity bounds a single line item; the published envelope carries quantities as int32.
const MaxQuantity = math.MaxInt32

// Command is a request addressed to one cart.
type Command interface {
	Name() string
	isCommand()
}

type AddItem struct {
	ItemID   string
	Quantity int
}

type Checkout struct{}

// Get reads the summary and never persists.
type Get struct{}

func (AddItem) Name() string  { return "add_item" }
func (Checkout) Name() string { return "checkout" }
func (Get) Name() string      { return "get" }

func (AddItem) isCommand()  {}
func (Checkout) isCommand() {}
func (Get) isCommand()      {}

const (
	EventItemAdded  = "ItemAdded"
	EventCheckedOut = "CheckedOut"
)

// Event is an immutable fact about one cart. The set of variants is closed.
type Event interface {
	Cart() string
	Type() string
	isEvent()
}

type ItemAdded struct {
	CartID   string
	ItemID   string
	Quantity int
}

type CheckedOut struct {
	CartID string
	At     time.Time
}

func (e ItemAdded) Cart() string  { return e.CartID }
func (e CheckedOut) Cart() string { return e.CartID }

func (ItemAdded) Type() string  { return EventItemAdded }
func (CheckedOut) Type() string { return EventCheckedOut }

func (ItemAdded) isEvent()  {}
func (CheckedOut) isEvent() {}

// State is the left fold of a cart's events. The zero value is the empty cart.
type State struct {
	Items        map[string]int `json:"items"`
	CheckedOutAt time.Time      `json:"checked_out_at"`
}

func (s State) CheckedOut() bool {
	return !s.CheckedOutAt.IsZero()
}

func (s State) HasItem(itemID string) bool {
	_, ok := s.Items[itemID]
	return ok
}

func (s State) Empty() bool {
	return len(s.Items) == 0
}

func (s State) clone() State {
	items := make(map[string]int, len(s.Items))
	for k, v := range s.Items {
		items[k] = v
	}
	return State{Items: items, CheckedOutAt: s.CheckedOutAt}
}

// Apply returns the state after e. s is not modified.
func Apply(s State, e Event) State {
	next := s.clone()
	next.apply(e)
	return next
}

// Fold applies events in order on a copy of s.
func Fold(s State, events ...Event) State {
	next := s.clone()
	for _, e := range events {
		next.apply(e)
	}
	return next
}

func (s *State) apply(e Event) {
	switch ev := e.(type) {
	case ItemAdded:
		if ev.Quantity == 0 {
			delete(s.Items, ev.ItemID)
			return
		}
		s.Items[ev.ItemID] = ev.Quantity
	case CheckedOut:
		s.CheckedOutAt = ev.At
	}
}

// Decide validates cmd against s and returns the events to persist. A nil slice with a nil
// error means the command is read-only.
func Decide(cartID string, s State, cmd Command, now time.Time) ([]Event, error) {
	switch c := cmd.(type) {
	case AddItem:
		if s.CheckedOut() {
			return nil, reject(ErrCartClosed, "Can't add an item to an already checked out shopping cart")
		}
		if s.HasItem(c.ItemID) {
			return nil, reject(ErrAlreadyAdded, fmt.Sprintf("Item '%s' was already added to this shopping cart", c.ItemID))
		}
		if c.Quantity <= 0 {
			return nil, reject(ErrInvalidQuantity, "Quantity must be greater than zero")
		}
		if c.Quantity > MaxQuantity {
			return nil, reject(ErrInvalidQuantity, fmt.Sprintf("Quantity must not exceed %d", MaxQuantity))
		}
		return []Event{ItemAdded{CartID: cartID, ItemID: c.ItemID, Quantity: c.Quantity}}, nil
	case Checkout:
		if s.CheckedOut() {
			return nil, reject(ErrAlreadyCheckedOut, "Can't checkout already checked out shopping cart")
		}
		if s.Empty() {
			return nil, reject(ErrEmptyCart, "Cannot checkout an empty shopping cart")
		}
		return []Event{CheckedOut{CartID: cartID, At: now.UTC()}}, nil
	case Get:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported command %T", cmd)
	}
}

// Summary is the reply shape of every successful command.
type Summary struct {
	Items        map[string]int `json:"items"`
	CheckedOut   bool           `json:"checked_out"`
	CheckedOutAt *time.Time     `json:"checked_out_at,omitempty"`
}

func (s State) Summary() Summary {
	items := make(map[string]int, len(s.Items))
	for k, v := range s.Items {
		items[k] = v
	}
	out := Summary{Items: items, CheckedOut: s.CheckedOut()}
	if out.CheckedOut {
		at := s.CheckedOutAt
		out.CheckedOutAt = &at
	}
	return out
}

// ItemIDs returns the summary's item ids in lexical order.
func (s Summary) ItemIDs() []string {
	ids := make([]string, 0, len(s.Items))
	for id := range s.Items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
