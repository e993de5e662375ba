package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ludoforge/mmocore/internal/cluster"
	"github.com/sethvargo/go-retry"
)

// Directory resolves a cluster node id to the RemoteActor client that
// reaches it (a real grpc client for other nodes, Local(srv) for this
// node). Policies call through Directory rather than dialing directly so
// connections are established once and reused.
type Directory interface {
	Client(nodeID string) (RemoteActor, bool)
	NodeIDs() []string
}

// MapDirectory is a Directory backed by a plain map, sufficient for both
// tests and a node that dials each peer once at topology-update time.
type MapDirectory struct {
	mu      sync.RWMutex
	clients map[string]RemoteActor
}

func NewMapDirectory() *MapDirectory {
	return &MapDirectory{clients: make(map[string]RemoteActor)}
}

func (d *MapDirectory) Set(nodeID string, c RemoteActor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[nodeID] = c
}

func (d *MapDirectory) Remove(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.clients, nodeID)
}

func (d *MapDirectory) Client(nodeID string) (RemoteActor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clients[nodeID]
	return c, ok
}

func (d *MapDirectory) NodeIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.clients))
	for id := range d.clients {
		out = append(out, id)
	}
	return out
}

// Policy selects the target node(s) for a call and runs it.
type Policy interface {
	Invoke(ctx context.Context, dir Directory, call func(RemoteActor) (any, error)) (any, error)
}

// ConsistentHashPolicy routes to the single node owning hashArg on ring —
// the default for per-entity calls (tell/ask a specific actor).
type ConsistentHashPolicy struct {
	Ring    *cluster.Ring
	HashArg string // entity id to route on, e.g. the actor id
}

func (p ConsistentHashPolicy) Invoke(ctx context.Context, dir Directory, call func(RemoteActor) (any, error)) (any, error) {
	node, ok := p.Ring.Route(p.HashArg)
	if !ok {
		return nil, fmt.Errorf("rpc: consistent-hash policy: no nodes in ring")
	}
	client, ok := dir.Client(node.ID)
	if !ok {
		return nil, fmt.Errorf("rpc: consistent-hash policy: no client for node %q", node.ID)
	}
	return call(client)
}

// BroadcastPolicy invokes call on every node the Directory knows about and
// aggregates numeric (int) returns by summation; non-numeric results are
// simply collected. Errors from individual nodes are returned to the caller
// in BroadcastResult.Errors rather than failing the whole broadcast.
type BroadcastPolicy struct{}

// BroadcastResult is what BroadcastPolicy.Invoke returns as its `any` value:
// per-node results and errors, plus the integer sum when every result is an
// int (used by callers aggregating counts, e.g. BatchTell delivered counts).
type BroadcastResult struct {
	PerNode map[string]any
	Errors  map[string]error
	Sum     int
}

func (BroadcastPolicy) Invoke(ctx context.Context, dir Directory, call func(RemoteActor) (any, error)) (any, error) {
	ids := dir.NodeIDs()
	result := BroadcastResult{
		PerNode: make(map[string]any, len(ids)),
		Errors:  make(map[string]error),
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		client, ok := dir.Client(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id string, client RemoteActor) {
			defer wg.Done()
			v, err := call(client)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[id] = err
				return
			}
			result.PerNode[id] = v
			if n, ok := v.(int); ok {
				result.Sum += n
			}
		}(id, client)
	}
	wg.Wait()
	return result, nil
}

// RoundRobinPolicy cycles through the Directory's known nodes — the
// default for stateless service calls with no entity affinity.
type RoundRobinPolicy struct {
	counter atomic.Uint64
}

func (p *RoundRobinPolicy) Invoke(ctx context.Context, dir Directory, call func(RemoteActor) (any, error)) (any, error) {
	ids := dir.NodeIDs()
	if len(ids) == 0 {
		return nil, fmt.Errorf("rpc: round-robin policy: no nodes available")
	}
	sort.Strings(ids)
	idx := p.counter.Add(1) - 1
	node := ids[idx%uint64(len(ids))]
	client, ok := dir.Client(node)
	if !ok {
		return nil, fmt.Errorf("rpc: round-robin policy: no client for node %q", node)
	}
	return call(client)
}

// WithReadRetry wraps a read-only call with a single retry. Mutating
// calls must not use this: the compensation engine is the durable retry
// mechanism for those.
func WithReadRetry(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	var result any
	b := retry.WithMaxRetries(1, retry.NewConstant(0))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			result = nil
			return retry.RetryableError(err)
		}
		result = v
		return nil
	})
	return result, err
}
