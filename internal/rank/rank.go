// Package rank wraps the sorted-set store contract into the leaderboard
// surface the game layer consumes: 1-based ranks, higher score first.
// Same-score entries keep whatever order the backing store assigns;
// callers needing a deterministic tie-break fold a secondary field into
// the score.
package rank

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ludoforge/mmocore/internal/storage"
)

// Entry is one ranked member.
type Entry struct {
	MemberID string
	Rank     int64
	Score    float64
}

// Index exposes leaderboard operations over a keyed sorted set. One Index
// serves all rank types; the type string picks the underlying set.
type Index struct {
	store storage.SortedSetStore
}

func New(store storage.SortedSetStore) *Index {
	return &Index{store: store}
}

func key(rankType string) string {
	return "rank:" + rankType
}

// Update sets id's score in the rankType leaderboard.
func (x *Index) Update(ctx context.Context, rankType string, id int64, score float64) error {
	if err := x.store.Add(ctx, key(rankType), member(id), score); err != nil {
		return fmt.Errorf("rank: update %s/%d: %w", rankType, id, err)
	}
	return nil
}

// Increment adds delta to id's score and returns the new score.
func (x *Index) Increment(ctx context.Context, rankType string, id int64, delta float64) (float64, error) {
	score, err := x.store.IncrementBy(ctx, key(rankType), member(id), delta)
	if err != nil {
		return 0, fmt.Errorf("rank: increment %s/%d: %w", rankType, id, err)
	}
	return score, nil
}

// Score returns id's current score; found is false for absent members.
func (x *Index) Score(ctx context.Context, rankType string, id int64) (score float64, found bool, err error) {
	score, found, err = x.store.Score(ctx, key(rankType), member(id))
	if err != nil {
		return 0, false, fmt.Errorf("rank: score %s/%d: %w", rankType, id, err)
	}
	return score, found, nil
}

// Rank returns id's 1-based rank, highest score first, or -1 when absent.
func (x *Index) Rank(ctx context.Context, rankType string, id int64) (int64, error) {
	r, found, err := x.store.Rank(ctx, key(rankType), member(id))
	if err != nil {
		return -1, fmt.Errorf("rank: rank %s/%d: %w", rankType, id, err)
	}
	if !found {
		return -1, nil
	}
	return r + 1, nil
}

// Top returns the n highest-scored entries.
func (x *Index) Top(ctx context.Context, rankType string, n int64) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	return x.rangeEntries(ctx, rankType, 0, n-1)
}

// Range returns entries at store-side positions [start, end) (0-based
// half-open), translated to 1-based ranks.
func (x *Index) Range(ctx context.Context, rankType string, start, end int64) ([]Entry, error) {
	if end <= start {
		return nil, nil
	}
	return x.rangeEntries(ctx, rankType, start, end-1)
}

// Nearby returns the window of entries within span positions either side
// of id, or nil when id is unranked.
func (x *Index) Nearby(ctx context.Context, rankType string, id int64, span int64) ([]Entry, error) {
	r, found, err := x.store.Rank(ctx, key(rankType), member(id))
	if err != nil {
		return nil, fmt.Errorf("rank: nearby %s/%d: %w", rankType, id, err)
	}
	if !found {
		return nil, nil
	}
	start := r - span
	if start < 0 {
		start = 0
	}
	return x.rangeEntries(ctx, rankType, start, r+span)
}

// Size returns the number of ranked members.
func (x *Index) Size(ctx context.Context, rankType string) (int64, error) {
	n, err := x.store.Cardinality(ctx, key(rankType))
	if err != nil {
		return 0, fmt.Errorf("rank: size %s: %w", rankType, err)
	}
	return n, nil
}

// Clear removes the whole leaderboard.
func (x *Index) Clear(ctx context.Context, rankType string) error {
	if err := x.store.Clear(ctx, key(rankType)); err != nil {
		return fmt.Errorf("rank: clear %s: %w", rankType, err)
	}
	return nil
}

// Trim discards every member ranked below the top keep.
func (x *Index) Trim(ctx context.Context, rankType string, keep int64) error {
	if err := x.store.RemoveRange(ctx, key(rankType), keep); err != nil {
		return fmt.Errorf("rank: trim %s to %d: %w", rankType, keep, err)
	}
	return nil
}

// Remove drops one member from the leaderboard.
func (x *Index) Remove(ctx context.Context, rankType string, id int64) error {
	if err := x.store.Rem(ctx, key(rankType), member(id)); err != nil {
		return fmt.Errorf("rank: remove %s/%d: %w", rankType, id, err)
	}
	return nil
}

func (x *Index) rangeEntries(ctx context.Context, rankType string, start, stop int64) ([]Entry, error) {
	members, err := x.store.RangeWithScores(ctx, key(rankType), start, stop)
	if err != nil {
		return nil, fmt.Errorf("rank: range %s [%d,%d]: %w", rankType, start, stop, err)
	}
	entries := make([]Entry, len(members))
	for i, m := range members {
		entries[i] = Entry{
			MemberID: m.Member,
			Rank:     start + int64(i) + 1,
			Score:    m.Score,
		}
	}
	return entries, nil
}

func member(id int64) string {
	return strconv.FormatInt(id, 10)
}
