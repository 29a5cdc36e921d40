package cluster

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	nodesKey     = "cart:nodes"
	nodeAddrsKey = "cart:node-addrs"
)

type Node struct {
	ID   string
	Addr string
}

// Directory tracks which nodes are alive and where to reach them.
type Directory interface {
	Heartbeat(ctx context.Context, node Node) error
	// Live returns nodes whose last heartbeat is within the directory's TTL, sorted by id.
	Live(ctx context.Context) ([]Node, error)
	Leave(ctx context.Context, nodeID string) error
}

// RedisDirectory keeps heartbeats in a sorted set scored by unix milliseconds.
type RedisDirectory struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisDirectory(client redis.UniversalClient, ttl time.Duration) *RedisDirectory {
	return &RedisDirectory{client: client, ttl: ttl, now: time.Now}
}

func (d *RedisDirectory) Heartbeat(ctx context.Context, node Node) error {
	if d == nil || d.client == nil {
		return errors.New("redis client not initialized")
	}
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, nodesKey, redis.Z{Score: float64(d.now().UnixMilli()), Member: node.ID})
		pipe.HSet(ctx, nodeAddrsKey, node.ID, node.Addr)
		return nil
	})
	return err
}

func (d *RedisDirectory) Live(ctx context.Context) ([]Node, error) {
	if d == nil || d.client == nil {
		return nil, errors.New("redis client not initialized")
	}
	cutoff := strconv.FormatInt(d.now().Add(-d.ttl).UnixMilli(), 10)
	if err := d.client.ZRemRangeByScore(ctx, nodesKey, "-inf", "("+cutoff).Err(); err != nil {
		return nil, err
	}
	ids, err := d.client.ZRangeByScore(ctx, nodesKey, &redis.ZRangeBy{Min: cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	addrs, err := d.client.HMGet(ctx, nodeAddrsKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(ids))
	for i, id := range ids {
		addr, _ := addrs[i].(string)
		if addr == "" {
			continue
		}
		nodes = append(nodes, Node{ID: id, Addr: addr})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (d *RedisDirectory) Leave(ctx context.Context, nodeID string) error {
	if d == nil || d.client == nil {
		return errors.New("redis client not initialized")
	}
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, nodesKey, nodeID)
		pipe.HDel(ctx, nodeAddrsKey, nodeID)
		return nil
	})
	return err
}

// MemoryDirectory is the in-process directory for single-node runs and tests.
type MemoryDirectory struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	nodes map[string]memoryNode
}

type memoryNode struct {
	addr string
	seen time.Time
}

func NewMemoryDirectory(ttl time.Duration) *MemoryDirectory {
	return &MemoryDirectory{ttl: ttl, now: time.Now, nodes: make(map[string]memoryNode)}
}

// SetClock replaces the time source.
func (d *MemoryDirectory) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

func (d *MemoryDirectory) Heartbeat(ctx context.Context, node Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[node.ID] = memoryNode{addr: node.Addr, seen: d.now()}
	return nil
}

func (d *MemoryDirectory) Live(ctx context.Context) ([]Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-d.ttl)
	var nodes []Node
	for id, n := range d.nodes {
		if n.seen.Before(cutoff) {
			continue
		}
		nodes = append(nodes, Node{ID: id, Addr: n.addr})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (d *MemoryDirectory) Leave(ctx context.Context, nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, nodeID)
	return nil
}
