// Package cluster implements the consistent-hash ring over cluster nodes
// and the topology watcher that keeps it current: which node owns a given
// entity id, and how that assignment drifts (minimally) as nodes join and
// leave.
package cluster

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the default replica count per physical node
// (cluster.virtualNodes).
const DefaultVirtualNodes = 160

// Node is one cluster member: its address and the actor-system names it
// hosts.
type Node struct {
	ID           string
	ActorSystems []string
	Weight       int
}

func (n Node) weight() int {
	if n.Weight <= 0 {
		return 1
	}
	return n.Weight
}

type token struct {
	hash uint64
	node string
}

// snapshot is the copy-on-write ring state: a sorted token slice plus the
// node table, swapped atomically on Rebuild/Add/Remove so Route never
// blocks on a writer.
type snapshot struct {
	tokens []token
	nodes  map[string]Node
}

// Ring is a consistent-hash ring over cluster nodes. Reads (Route) are
// wait-free against a copy-on-write snapshot; writes (Rebuild/Add/Remove)
// serialize under a mutex and publish a new snapshot.
type Ring struct {
	virtualNodes int
	mu           sync.Mutex
	snap         atomic.Pointer[snapshot]
}

// NewRing builds an empty ring. virtualNodes <= 0 uses DefaultVirtualNodes.
func NewRing(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	r := &Ring{virtualNodes: virtualNodes}
	r.snap.Store(&snapshot{nodes: make(map[string]Node)})
	return r
}

// Rebuild replaces the entire node set and regenerates all tokens.
func (r *Ring) Rebuild(nodes []Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := &snapshot{nodes: make(map[string]Node, len(nodes))}
	for _, n := range nodes {
		next.nodes[n.ID] = n
	}
	next.tokens = buildTokens(next.nodes, r.virtualNodes)
	r.snap.Store(next)
}

// Add inserts or replaces a single node and regenerates the token set.
func (r *Ring) Add(n Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	next := &snapshot{nodes: make(map[string]Node, len(cur.nodes)+1)}
	for id, existing := range cur.nodes {
		next.nodes[id] = existing
	}
	next.nodes[n.ID] = n
	next.tokens = buildTokens(next.nodes, r.virtualNodes)
	r.snap.Store(next)
}

// Remove drops a node and regenerates the token set. No-op if nodeID is
// not present.
func (r *Ring) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.nodes[nodeID]; !ok {
		return
	}
	next := &snapshot{nodes: make(map[string]Node, len(cur.nodes))}
	for id, existing := range cur.nodes {
		if id != nodeID {
			next.nodes[id] = existing
		}
	}
	next.tokens = buildTokens(next.nodes, r.virtualNodes)
	r.snap.Store(next)
}

// Route returns the node owning entityID: the first token whose hash is >=
// hash(entityID), wrapping around to the first token if entityID's hash
// exceeds every token. Returns false if the ring has no nodes.
func (r *Ring) Route(entityID string) (Node, bool) {
	snap := r.snap.Load()
	if len(snap.tokens) == 0 {
		return Node{}, false
	}
	h := hashKey(entityID)
	i := sort.Search(len(snap.tokens), func(i int) bool { return snap.tokens[i].hash >= h })
	if i == len(snap.tokens) {
		i = 0
	}
	n, ok := snap.nodes[snap.tokens[i].node]
	return n, ok
}

// Nodes returns a snapshot copy of every node currently in the ring.
func (r *Ring) Nodes() []Node {
	snap := r.snap.Load()
	out := make([]Node, 0, len(snap.nodes))
	for _, n := range snap.nodes {
		out = append(out, n)
	}
	return out
}

// NodeIDs returns the set of node ids currently in the ring, for topology
// set-difference comparisons.
func (r *Ring) NodeIDs() map[string]struct{} {
	snap := r.snap.Load()
	out := make(map[string]struct{}, len(snap.nodes))
	for id := range snap.nodes {
		out[id] = struct{}{}
	}
	return out
}

func buildTokens(nodes map[string]Node, virtualNodes int) []token {
	tokens := make([]token, 0, len(nodes)*virtualNodes)
	for id, n := range nodes {
		replicas := virtualNodes * n.weight()
		for i := 0; i < replicas; i++ {
			tokens = append(tokens, token{
				hash: hashKey(fmt.Sprintf("%s#%d", id, i)),
				node: id,
			})
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].hash < tokens[j].hash })
	return tokens
}

func hashKey(s string) uint64 {
	return xxhash.Sum64String(s)
}
