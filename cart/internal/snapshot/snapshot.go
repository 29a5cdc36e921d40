// Package snapshot stores periodic copies of cart state so recovery can skip most of the log.
// Snapshots are an optimization only; a missing or unreadable snapshot falls back to a full
// replay.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"shopping-cart-service/cart/internal/domain"
)

var ErrUndecodable = errors.New("snapshot: undecodable")

type Snapshot struct {
	Seq   int64        `json:"seq"`
	State domain.State `json:"state"`
}

type Store interface {
	Put(ctx context.Context, cartID string, seq int64, state domain.State) error
	// Get returns the newest snapshot of cartID.
	Get(ctx context.Context, cartID string) (Snapshot, bool, error)
}

func Encode(s Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

func Decode(raw []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if s.State.Items == nil {
		s.State.Items = map[string]int{}
	}
	return s, nil
}

// Memory retains the newest keep snapshots per cart.
type Memory struct {
	mu    sync.Mutex
	keep  int
	items map[string][][]byte
}

func NewMemory(keep int) *Memory {
	if keep <= 0 {
		keep = 1
	}
	return &Memory{keep: keep, items: make(map[string][][]byte)}
}

func (m *Memory) Put(ctx context.Context, cartID string, seq int64, state domain.State) error {
	raw, err := Encode(Snapshot{Seq: seq, State: state})
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append([][]byte{raw}, m.items[cartID]...)
	if len(list) > m.keep {
		list = list[:m.keep]
	}
	m.items[cartID] = list
	return nil
}

func (m *Memory) Get(ctx context.Context, cartID string) (Snapshot, bool, error) {
	m.mu.Lock()
	list := m.items[cartID]
	var raw []byte
	if len(list) > 0 {
		raw = list[0]
	}
	m.mu.Unlock()
	if raw == nil {
		return Snapshot{}, false, nil
	}
	s, err := Decode(raw)
	if err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

// Retained reports how many snapshots are kept for cartID.
func (m *Memory) Retained(cartID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items[cartID])
}
