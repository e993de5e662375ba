// Package memstore is the in-memory reference implementation of every
// internal/storage contract, used as the default backing store in tests
// and in any deployment that runs without a durable external dependency.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ludoforge/mmocore/internal/storage"
)

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// Store is a single in-memory backing implementing KVStore, SortedSetStore,
// PubSub and DocumentStore at once — convenient for tests and for a
// single-node deployment that doesn't need a separate Postgres/Redis
// instance.
type Store struct {
	mu   sync.Mutex
	kv   map[string]entry
	docs map[string]map[string][]byte

	setsMu sync.Mutex
	sets   map[string]map[string]float64
	// insertion order per key: same-score members keep first-insertion
	// order, the store-defined tie-break callers are told to expect.
	insertOrder map[string]map[string]int
	nextOrder   map[string]int

	subMu sync.Mutex
	subs  map[string][]func([]byte)
}

func New() *Store {
	return &Store{
		kv:          make(map[string]entry),
		docs:        make(map[string]map[string][]byte),
		sets:        make(map[string]map[string]float64),
		insertOrder: make(map[string]map[string]int),
		nextOrder:   make(map[string]int),
		subs:        make(map[string][]func([]byte)),
	}
}

var _ storage.KVStore = (*Store)(nil)
var _ storage.SortedSetStore = (*Store)(nil)
var _ storage.PubSub = (*Store)(nil)
var _ storage.DocumentStore = (*Store)(nil)

// --- KVStore ---

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(s.kv, key)
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = entry{value: cloneBytes(value)}
	return nil
}

func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = entry{value: cloneBytes(value), expires: time.Now().Add(ttl)}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

// --- DocumentStore ---

func (s *Store) LoadDocument(ctx context.Context, collection, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.docs[collection]
	if !ok {
		return nil, storage.ErrNotFound
	}
	data, ok := coll[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneBytes(data), nil
}

func (s *Store) SaveDocument(ctx context.Context, collection, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.docs[collection]
	if !ok {
		coll = make(map[string][]byte)
		s.docs[collection] = coll
	}
	coll[id] = cloneBytes(data)
	return nil
}

func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if coll, ok := s.docs[collection]; ok {
		delete(coll, id)
	}
	return nil
}

// --- PubSub ---

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	s.subMu.Lock()
	handlers := append([]func([]byte){}, s.subs[channel]...)
	s.subMu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	// Each subscriber has its own delivery goroutine fed in publish order;
	// once ctx is canceled it receives nothing further.
	queue := make(chan []byte, 256)
	s.subMu.Lock()
	s.subs[channel] = append(s.subs[channel], func(payload []byte) {
		select {
		case queue <- payload:
		case <-ctx.Done():
		}
	})
	s.subMu.Unlock()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload := <-queue:
				handler(payload)
			}
		}
	}()
	return nil
}

// --- SortedSetStore ---

func (s *Store) Add(ctx context.Context, key, member string, score float64) error {
	s.setsMu.Lock()
	defer s.setsMu.Unlock()
	s.ensureSetLocked(key)
	if _, existed := s.sets[key][member]; !existed {
		s.insertOrder[key][member] = s.nextOrder[key]
		s.nextOrder[key]++
	}
	s.sets[key][member] = score
	return nil
}

func (s *Store) Rem(ctx context.Context, key, member string) error {
	s.setsMu.Lock()
	defer s.setsMu.Unlock()
	if set, ok := s.sets[key]; ok {
		delete(set, member)
		delete(s.insertOrder[key], member)
	}
	return nil
}

func (s *Store) Score(ctx context.Context, key, member string) (float64, bool, error) {
	s.setsMu.Lock()
	defer s.setsMu.Unlock()
	score, ok := s.sets[key][member]
	return score, ok, nil
}

func (s *Store) Rank(ctx context.Context, key, member string) (int64, bool, error) {
	s.setsMu.Lock()
	defer s.setsMu.Unlock()
	ordered := s.orderedLocked(key)
	for i, m := range ordered {
		if m == member {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

func (s *Store) RangeWithScores(ctx context.Context, key string, start, stop int64) ([]storage.ScoredMember, error) {
	s.setsMu.Lock()
	defer s.setsMu.Unlock()
	ordered := s.orderedLocked(key)
	if start < 0 {
		start = 0
	}
	if stop >= int64(len(ordered)) {
		stop = int64(len(ordered)) - 1
	}
	if start > stop || len(ordered) == 0 {
		return nil, nil
	}
	out := make([]storage.ScoredMember, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		m := ordered[i]
		out = append(out, storage.ScoredMember{Member: m, Score: s.sets[key][m]})
	}
	return out, nil
}

func (s *Store) IncrementBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	s.setsMu.Lock()
	defer s.setsMu.Unlock()
	s.ensureSetLocked(key)
	if _, existed := s.sets[key][member]; !existed {
		s.insertOrder[key][member] = s.nextOrder[key]
		s.nextOrder[key]++
	}
	s.sets[key][member] += delta
	return s.sets[key][member], nil
}

func (s *Store) Cardinality(ctx context.Context, key string) (int64, error) {
	s.setsMu.Lock()
	defer s.setsMu.Unlock()
	return int64(len(s.sets[key])), nil
}

func (s *Store) RemoveRange(ctx context.Context, key string, keep int64) error {
	s.setsMu.Lock()
	defer s.setsMu.Unlock()
	ordered := s.orderedLocked(key)
	if keep < 0 {
		keep = 0
	}
	for i := keep; i < int64(len(ordered)); i++ {
		delete(s.sets[key], ordered[i])
		delete(s.insertOrder[key], ordered[i])
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, key string) error {
	s.setsMu.Lock()
	defer s.setsMu.Unlock()
	delete(s.sets, key)
	delete(s.insertOrder, key)
	delete(s.nextOrder, key)
	return nil
}

func (s *Store) ensureSetLocked(key string) {
	if _, ok := s.sets[key]; !ok {
		s.sets[key] = make(map[string]float64)
		s.insertOrder[key] = make(map[string]int)
	}
}

// orderedLocked returns key's members sorted by score descending (higher
// ranks first), tie-broken by first-insertion order. Caller holds setsMu.
func (s *Store) orderedLocked(key string) []string {
	set := s.sets[key]
	order := s.insertOrder[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := set[members[i]], set[members[j]]
		if si != sj {
			return si > sj
		}
		return order[members[i]] < order[members[j]]
	})
	return members
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
