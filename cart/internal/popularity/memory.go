package popularity

import (
	"context"
	"sync"
)

type offsetKey struct {
	projection string
	tag        int
}

// Memory is an optimistic in-process read model. Versions are validated at commit, so two
// transactions that read the same item cannot both commit.
type Memory struct {
	mu      sync.Mutex
	items   map[string]Item
	offsets map[offsetKey]int64
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]Item), offsets: make(map[offsetKey]int64)}
}

func (m *Memory) InTx(ctx context.Context, fn func(Tx) error) error {
	tx := &memoryTx{
		m:       m,
		writes:  make(map[string]pendingWrite),
		offsets: make(map[offsetKey]int64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (m *Memory) Get(ctx context.Context, itemID string) (Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	return item, ok, nil
}

func (m *Memory) LoadOffset(ctx context.Context, projection string, tag int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsets[offsetKey{projection, tag}], nil
}

func (m *Memory) SaveOffset(ctx context.Context, projection string, tag int, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance(offsetKey{projection, tag}, offset)
	return nil
}

// advance never moves an offset backwards. Callers hold m.mu.
func (m *Memory) advance(k offsetKey, offset int64) {
	if offset > m.offsets[k] {
		m.offsets[k] = offset
	}
}

type pendingWrite struct {
	item            Item
	insert          bool
	expectedVersion int64
}

type memoryTx struct {
	m       *Memory
	writes  map[string]pendingWrite
	offsets map[offsetKey]int64
}

func (tx *memoryTx) Get(ctx context.Context, itemID string) (Item, bool, error) {
	if w, ok := tx.writes[itemID]; ok {
		return w.item, true, nil
	}
	return tx.m.Get(ctx, itemID)
}

func (tx *memoryTx) Insert(ctx context.Context, item Item) error {
	if _, ok := tx.writes[item.ItemID]; ok {
		return ErrOptimisticLock
	}
	if _, ok, _ := tx.m.Get(ctx, item.ItemID); ok {
		return ErrOptimisticLock
	}
	tx.writes[item.ItemID] = pendingWrite{item: item, insert: true}
	return nil
}

func (tx *memoryTx) Update(ctx context.Context, item Item, expectedVersion int64) error {
	if w, ok := tx.writes[item.ItemID]; ok {
		if w.item.Version != expectedVersion {
			return ErrOptimisticLock
		}
		w.item = item
		tx.writes[item.ItemID] = w
		return nil
	}
	cur, ok, _ := tx.m.Get(ctx, item.ItemID)
	if !ok || cur.Version != expectedVersion {
		return ErrOptimisticLock
	}
	tx.writes[item.ItemID] = pendingWrite{item: item, expectedVersion: expectedVersion}
	return nil
}

func (tx *memoryTx) LoadOffset(ctx context.Context, projection string, tag int) (int64, error) {
	if off, ok := tx.offsets[offsetKey{projection, tag}]; ok {
		return off, nil
	}
	return tx.m.LoadOffset(ctx, projection, tag)
}

func (tx *memoryTx) SaveOffset(ctx context.Context, projection string, tag int, offset int64) error {
	tx.offsets[offsetKey{projection, tag}] = offset
	return nil
}

func (tx *memoryTx) commit() error {
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	for id, w := range tx.writes {
		cur, exists := tx.m.items[id]
		if w.insert && exists {
			return ErrOptimisticLock
		}
		if !w.insert && (!exists || cur.Version != w.expectedVersion) {
			return ErrOptimisticLock
		}
	}
	for id, w := range tx.writes {
		tx.m.items[id] = w.item
	}
	for k, off := range tx.offsets {
		tx.m.advance(k, off)
	}
	return nil
}
