// Package entity hosts live cart runtimes on one node. Each cart has at most one runtime in a
// registry, and the runtime processes that cart's commands one at a time.
package entity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/cart/internal/eventlog"
	"shopping-cart-service/cart/internal/snapshot"
	"shopping-cart-service/shared/backoffx"
	"shopping-cart-service/shared/logx"
	"shopping-cart-service/shared/metricsx"
)

var (
	// ErrUnavailable is transient; the caller may retry.
	ErrUnavailable = errors.New("cart temporarily unavailable")
	// ErrHalted means the cart's log could not be read and an operator must intervene.
	ErrHalted = errors.New("cart halted")
)

const defaultPageSize = 500

type Options struct {
	Log       eventlog.Store
	Snapshots snapshot.Store
	Tagger    domain.Tagger
	// SnapshotEvery is the number of events between snapshots; 0 disables snapshots.
	SnapshotEvery int
	// IdleTimeout passivates a runtime with no commands for this long; 0 disables it.
	IdleTimeout time.Duration
	Backoff     backoffx.Policy
	PageSize    int
	Logger      logx.Logger
	Clock       func() time.Time
}

type Registry struct {
	opts Options

	mu       sync.Mutex
	entities map[string]*runtime
	closed   bool
	wg       sync.WaitGroup
}

func NewRegistry(opts Options) *Registry {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{opts: opts, entities: make(map[string]*runtime)}
}

// Submit queues cmd behind the cart's earlier commands and waits for the reply or ctx.
func (r *Registry) Submit(ctx context.Context, cartID string, cmd domain.Command) (domain.Summary, error) {
	req := &request{ctx: ctx, cmd: cmd, reply: make(chan result, 1)}
	for {
		rt, err := r.runtimeFor(cartID)
		if err != nil {
			return domain.Summary{}, err
		}
		accepted, retry := rt.enqueue(req)
		if accepted {
			break
		}
		if !retry {
			return domain.Summary{}, fmt.Errorf("%w: cart %s is moving", ErrUnavailable, cartID)
		}
		select {
		case <-rt.done:
		case <-ctx.Done():
			return domain.Summary{}, ctx.Err()
		}
	}
	select {
	case res := <-req.reply:
		return res.summary, res.err
	case <-ctx.Done():
		return domain.Summary{}, ctx.Err()
	}
}

func (r *Registry) runtimeFor(cartID string) (*runtime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("%w: node shutting down", ErrUnavailable)
	}
	if rt, ok := r.entities[cartID]; ok {
		return rt, nil
	}
	rt := newRuntime(r, cartID)
	r.entities[cartID] = rt
	metricsx.SetActiveEntities(len(r.entities))
	r.wg.Add(1)
	go rt.run()
	return rt, nil
}

func (r *Registry) remove(rt *runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entities[rt.id]; ok && cur == rt {
		delete(r.entities, rt.id)
	}
	metricsx.SetActiveEntities(len(r.entities))
}

// Passivate stops every resident runtime whose id matches and waits for them to exit.
// Commands still queued on them fail with ErrUnavailable.
func (r *Registry) Passivate(match func(cartID string) bool) int {
	r.mu.Lock()
	var targets []*runtime
	for id, rt := range r.entities {
		if match(id) {
			targets = append(targets, rt)
		}
	}
	r.mu.Unlock()

	for _, rt := range targets {
		rt.requestStop()
	}
	for _, rt := range targets {
		<-rt.done
	}
	return len(targets)
}

// Close passivates everything and rejects new commands.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Passivate(func(string) bool { return true })
	r.wg.Wait()
}

func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entities)
}

// Phase reports the lifecycle phase of a resident runtime.
func (r *Registry) Phase(cartID string) (string, bool) {
	r.mu.Lock()
	rt, ok := r.entities[cartID]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	return rt.currentPhase(), true
}
