// Package cluster decides which node hosts each cart. Carts map to shards, each shard is a lease
// held by one node, and commands for shards held elsewhere are forwarded one hop.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/cart/internal/entity"
	"shopping-cart-service/shared/lockx"
	"shopping-cart-service/shared/logx"
	"shopping-cart-service/shared/metricsx"
)

// Leases is satisfied by lockx.Redis and lockx.Memory.
type Leases interface {
	Acquire(ctx context.Context, key string, owner string, ttl time.Duration) (*lockx.Lock, bool, error)
	Renew(ctx context.Context, lock *lockx.Lock) (bool, error)
	Release(ctx context.Context, lock *lockx.Lock) error
	Owner(ctx context.Context, key string) (string, bool, error)
}

// ShardFor maps a cart id to its shard in [0, shards).
func ShardFor(cartID string, shards int) int {
	if shards <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(cartID) % uint64(shards))
}

func shardKey(shard int) string {
	return "cart:shard:" + strconv.Itoa(shard)
}

type Config struct {
	NodeID     string
	Addr       string
	Shards     int
	LeaseTTL   time.Duration
	Heartbeat  time.Duration
	AskTimeout time.Duration
}

type heldShard struct {
	lock       *lockx.Lock
	validUntil time.Time
}

type Router struct {
	cfg    Config
	local  *entity.Registry
	leases Leases
	dir    Directory
	fwd    Forwarder
	logger logx.Logger
	now    func() time.Time

	claimMu sync.Mutex
	mu      sync.Mutex
	held    map[int]heldShard
}

// NewRouter builds a router. A nil local registry makes a client-only router that forwards every
// command and never claims shards.
func NewRouter(cfg Config, local *entity.Registry, leases Leases, dir Directory, fwd Forwarder, logger logx.Logger) *Router {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = 5 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = cfg.LeaseTTL / 3
	}
	return &Router{
		cfg:    cfg,
		local:  local,
		leases: leases,
		dir:    dir,
		fwd:    fwd,
		logger: logger.With(slog.String("node_id", cfg.NodeID)),
		now:    time.Now,
		held:   make(map[int]heldShard),
	}
}

// SetClock replaces the time source used for local lease validity.
func (r *Router) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Submit routes cmd to the node hosting cartID and waits at most the ask timeout.
func (r *Router) Submit(ctx context.Context, cartID string, cmd domain.Command) (domain.Summary, error) {
	return r.ask(ctx, cartID, cmd, false)
}

// Deliver handles a command another node forwarded here. It never forwards again.
func (r *Router) Deliver(ctx context.Context, cartID string, cmd domain.Command) (domain.Summary, error) {
	return r.ask(ctx, cartID, cmd, true)
}

func (r *Router) ask(ctx context.Context, cartID string, cmd domain.Command, forwarded bool) (domain.Summary, error) {
	askCtx, cancel := context.WithTimeout(ctx, r.cfg.AskTimeout)
	defer cancel()
	sum, err := r.route(askCtx, cartID, cmd, forwarded)
	if err != nil && errors.Is(askCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return domain.Summary{}, fmt.Errorf("%w: cart %s after %s", ErrTimeout, cartID, r.cfg.AskTimeout)
	}
	return sum, err
}

func (r *Router) route(ctx context.Context, cartID string, cmd domain.Command, forwarded bool) (domain.Summary, error) {
	shard := ShardFor(cartID, r.cfg.Shards)
	if r.local != nil {
		if r.holds(shard) {
			return r.local.Submit(ctx, cartID, cmd)
		}
		r.dropLapsed(ctx, shard)
	}

	owner, owned, err := r.leases.Owner(ctx, shardKey(shard))
	if err != nil {
		return domain.Summary{}, fmt.Errorf("%w: lookup shard %d: %v", ErrUnavailable, shard, err)
	}
	if owned {
		if owner == r.cfg.NodeID {
			// The lease still names us but we no longer trust it locally; wait for it to lapse.
			return domain.Summary{}, fmt.Errorf("%w: shard %d is being released", ErrUnavailable, shard)
		}
		if forwarded {
			return domain.Summary{}, fmt.Errorf("%w: shard %d moved to %s", ErrUnavailable, shard, owner)
		}
		return r.forwardTo(ctx, owner, cartID, cmd)
	}

	if r.local == nil {
		preferred, err := r.preferred(ctx, shard)
		if err != nil {
			return domain.Summary{}, err
		}
		return r.forwardTo(ctx, preferred, cartID, cmd)
	}
	if !forwarded {
		preferred, err := r.preferred(ctx, shard)
		if err != nil {
			return domain.Summary{}, err
		}
		if preferred != r.cfg.NodeID {
			return r.forwardTo(ctx, preferred, cartID, cmd)
		}
	}
	if err := r.claim(ctx, shard); err != nil {
		return domain.Summary{}, err
	}
	return r.local.Submit(ctx, cartID, cmd)
}

func (r *Router) holds(shard int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.held[shard]
	return ok && r.now().Before(h.validUntil)
}

// validity leaves a tenth of the TTL so local runtimes stop before the lease can lapse.
func (r *Router) validity() time.Duration {
	return r.cfg.LeaseTTL - r.cfg.LeaseTTL/10
}

func (r *Router) claim(ctx context.Context, shard int) error {
	r.claimMu.Lock()
	defer r.claimMu.Unlock()
	if r.holds(shard) {
		return nil
	}
	started := r.clock()
	lock, ok, err := r.leases.Acquire(ctx, shardKey(shard), r.cfg.NodeID, r.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("%w: claim shard %d: %v", ErrUnavailable, shard, err)
	}
	if !ok {
		return fmt.Errorf("%w: shard %d claimed by another node", ErrUnavailable, shard)
	}
	r.mu.Lock()
	r.held[shard] = heldShard{lock: lock, validUntil: started.Add(r.validity())}
	n := len(r.held)
	r.mu.Unlock()
	metricsx.SetShardLeases(n)
	r.logger.Info(ctx, "shard_acquired", "shard lease acquired", slog.Int("shard", shard))
	return nil
}

func (r *Router) clock() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now()
}

// preferred picks the rendezvous winner for shard among live nodes.
func (r *Router) preferred(ctx context.Context, shard int) (string, error) {
	nodes, err := r.dir.Live(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: list nodes: %v", ErrUnavailable, err)
	}
	ids := make([]string, 0, len(nodes)+1)
	self := false
	for _, n := range nodes {
		ids = append(ids, n.ID)
		if n.ID == r.cfg.NodeID {
			self = true
		}
	}
	if r.local != nil && !self {
		ids = append(ids, r.cfg.NodeID)
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: no live nodes", ErrUnavailable)
	}
	sort.Strings(ids)
	return rendezvous.New(ids, xxhash.Sum64String).Lookup(shardKey(shard)), nil
}

func (r *Router) forwardTo(ctx context.Context, nodeID string, cartID string, cmd domain.Command) (domain.Summary, error) {
	if r.fwd == nil {
		return domain.Summary{}, fmt.Errorf("%w: no forwarder configured", ErrUnavailable)
	}
	nodes, err := r.dir.Live(ctx)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("%w: list nodes: %v", ErrUnavailable, err)
	}
	for _, n := range nodes {
		if n.ID == nodeID {
			return r.fwd.Forward(ctx, n.Addr, cartID, cmd)
		}
	}
	// Owner stopped heart-beating; its lease will lapse within the TTL.
	return domain.Summary{}, fmt.Errorf("%w: node %s is not live", ErrUnavailable, nodeID)
}

// Held returns the shards this node currently trusts itself to own.
func (r *Router) Held() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make([]int, 0, len(r.held))
	for shard, h := range r.held {
		if now.Before(h.validUntil) {
			out = append(out, shard)
		}
	}
	sort.Ints(out)
	return out
}

// Run heartbeats into the directory and keeps held leases alive until ctx ends, then releases
// everything. Client-only routers return immediately.
func (r *Router) Run(ctx context.Context) error {
	if r.local == nil {
		return nil
	}
	interval := r.cfg.Heartbeat
	if third := r.cfg.LeaseTTL / 3; third < interval {
		interval = third
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-ticker.C:
			r.beat(ctx)
			r.Renew(ctx)
		}
	}
}

func (r *Router) beat(ctx context.Context) {
	if err := r.dir.Heartbeat(ctx, Node{ID: r.cfg.NodeID, Addr: r.cfg.Addr}); err != nil && ctx.Err() == nil {
		r.logger.Warn(ctx, "node_heartbeat_failed", "heartbeat failed", slog.String("error_code", "DIRECTORY_UNAVAILABLE"), slog.String("error", err.Error()))
	}
}

// Renew extends every held lease once. Shards whose lease is gone, or whose local validity ran
// out while renewals failed, are dropped and their carts passivated.
func (r *Router) Renew(ctx context.Context) {
	r.mu.Lock()
	snapshot := make(map[int]heldShard, len(r.held))
	for shard, h := range r.held {
		snapshot[shard] = h
	}
	r.mu.Unlock()

	lost := make(map[int]bool)
	for shard, h := range snapshot {
		started := r.clock()
		ok, err := r.leases.Renew(ctx, h.lock)
		switch {
		case err != nil:
			r.logger.Warn(ctx, "lease_renew_failed", "shard lease renewal failed", slog.Int("shard", shard), slog.String("error_code", "LEASE_RENEW_FAILED"), slog.String("error", err.Error()))
			if !r.clock().Before(h.validUntil) {
				lost[shard] = true
			}
		case !ok:
			lost[shard] = true
		default:
			r.mu.Lock()
			if cur, still := r.held[shard]; still && cur.lock == h.lock {
				r.held[shard] = heldShard{lock: h.lock, validUntil: started.Add(r.validity())}
			}
			r.mu.Unlock()
		}
	}
	if len(lost) == 0 {
		return
	}

	r.mu.Lock()
	for shard := range lost {
		delete(r.held, shard)
	}
	n := len(r.held)
	r.mu.Unlock()
	r.passivate(ctx, lost, n)
}

// dropLapsed forgets a held shard whose local validity ran out before a renewal could drop it,
// so its resident carts stop before another node can take the lease.
func (r *Router) dropLapsed(ctx context.Context, shard int) {
	r.mu.Lock()
	h, ok := r.held[shard]
	if !ok || r.now().Before(h.validUntil) {
		r.mu.Unlock()
		return
	}
	delete(r.held, shard)
	n := len(r.held)
	r.mu.Unlock()
	r.passivate(ctx, map[int]bool{shard: true}, n)
}

func (r *Router) passivate(ctx context.Context, lost map[int]bool, held int) {
	metricsx.SetShardLeases(held)

	passivated := r.local.Passivate(func(cartID string) bool {
		return lost[ShardFor(cartID, r.cfg.Shards)]
	})
	for shard := range lost {
		r.logger.Warn(ctx, "lease_lost", "shard lease lost", slog.Int("shard", shard), slog.String("error_code", "LEASE_LOST"))
	}
	r.logger.Info(ctx, "shards_passivated", "carts of lost shards passivated", slog.Int("shards", len(lost)), slog.Int("carts", passivated))
}

func (r *Router) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.local.Close()

	r.mu.Lock()
	held := r.held
	r.held = make(map[int]heldShard)
	r.mu.Unlock()
	for shard, h := range held {
		if err := r.leases.Release(ctx, h.lock); err != nil {
			r.logger.Warn(ctx, "lease_release_failed", "shard lease release failed", slog.Int("shard", shard), slog.String("error", err.Error()))
		}
	}
	metricsx.SetShardLeases(0)
	if err := r.dir.Leave(ctx, r.cfg.NodeID); err != nil {
		r.logger.Warn(ctx, "node_leave_failed", "leaving directory failed", slog.String("error", err.Error()))
	}
	r.logger.Info(ctx, "node_stopped", "released shard leases", slog.Int("shards", len(held)))
}
