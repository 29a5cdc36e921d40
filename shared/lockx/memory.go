package lockx

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Memory is an in-process lease table for single-node runs and tests.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]memoryLease
}

type memoryLease struct {
	token     string
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now, items: make(map[string]memoryLease)}
}

// SetClock replaces the time source; tests use it to expire leases.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Acquire(ctx context.Context, key string, owner string, ttl time.Duration) (*Lock, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.items[key]; ok && now.Before(cur.expiresAt) {
		return nil, false, nil
	}
	lock := newLock(key, owner, ttl)
	m.items[key] = memoryLease{token: lock.Token, expiresAt: now.Add(ttl)}
	return lock, true, nil
}

func (m *Memory) Renew(ctx context.Context, lock *Lock) (bool, error) {
	if lock == nil {
		return false, errors.New("lock is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cur, ok := m.items[lock.Key]
	if !ok || cur.token != lock.Token || !now.Before(cur.expiresAt) {
		return false, nil
	}
	m.items[lock.Key] = memoryLease{token: lock.Token, expiresAt: now.Add(lock.TTL)}
	return true, nil
}

func (m *Memory) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return errors.New("lock is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.items[lock.Key]; ok && cur.token == lock.Token {
		delete(m.items, lock.Key)
	}
	return nil
}

func (m *Memory) Owner(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[key]
	if !ok || !m.now().Before(cur.expiresAt) {
		return "", false, nil
	}
	return ownerOf(cur.token), true, nil
}
