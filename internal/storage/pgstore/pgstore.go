// Package pgstore is the PostgreSQL-backed implementation of the
// internal/storage KVStore, SortedSetStore and DocumentStore contracts,
// built over a pgxpool with goose-managed schema. PubSub is not
// implemented here — doing it well over plain Postgres needs
// LISTEN/NOTIFY plumbing this build does not carry, so the distributed
// event transport runs over a real broker or the in-memory store
// instead.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ludoforge/mmocore/internal/storage"
	"github.com/ludoforge/mmocore/internal/storage/pgstore/migrations"
)

// Store wraps a pgx connection pool, implementing KVStore, SortedSetStore
// and DocumentStore against the tables RunMigrations creates.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.KVStore = (*Store)(nil)
var _ storage.SortedSetStore = (*Store)(nil)
var _ storage.DocumentStore = (*Store)(nil)

// New connects to PostgreSQL and returns a Store handle.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool returns the underlying pgx pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

var gooseOnce sync.Once

// RunMigrations runs every pending goose migration against dsn.
func RunMigrations(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening sql connection for migrations: %w", err)
	}
	defer sqlDB.Close()

	var dialectErr error
	gooseOnce.Do(func() {
		goose.SetBaseFS(migrations.FS)
		dialectErr = goose.SetDialect("postgres")
	})
	if dialectErr != nil {
		return fmt.Errorf("setting goose dialect: %w", dialectErr)
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// --- KVStore ---

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT value, expires_at FROM kv_store WHERE key = $1`, key,
	).Scan(&value, &expiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("querying kv %q: %w", key, err)
	}
	if expiresAt != nil && time.Now().After(*expiresAt) {
		_, _ = s.pool.Exec(ctx, `DELETE FROM kv_store WHERE key = $1`, key)
		return nil, storage.ErrNotFound
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv_store (key, value, expires_at) VALUES ($1, $2, NULL)
		 ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = NULL`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("setting kv %q: %w", key, err)
	}
	return nil
}

func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expires := time.Now().Add(ttl)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv_store (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3`,
		key, value, expires,
	)
	if err != nil {
		return fmt.Errorf("setting kv %q with ttl: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv_store WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("deleting kv %q: %w", key, err)
	}
	return nil
}

// --- DocumentStore ---

func (s *Store) LoadDocument(ctx context.Context, collection, id string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`, collection, id,
	).Scan(&data)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("loading document %s/%s: %w", collection, id, err)
	}
	return data, nil
}

func (s *Store) SaveDocument(ctx context.Context, collection, id string, data []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, data, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (collection, id) DO UPDATE SET data = $3, updated_at = now()`,
		collection, id, data,
	)
	if err != nil {
		return fmt.Errorf("saving document %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id,
	)
	if err != nil {
		return fmt.Errorf("deleting document %s/%s: %w", collection, id, err)
	}
	return nil
}

// --- SortedSetStore ---

func (s *Store) Add(ctx context.Context, key, member string, score float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sorted_sets (set_key, member, score) VALUES ($1, $2, $3)
		 ON CONFLICT (set_key, member) DO UPDATE SET score = $3`,
		key, member, score,
	)
	if err != nil {
		return fmt.Errorf("adding to sorted set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Rem(ctx context.Context, key, member string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM sorted_sets WHERE set_key = $1 AND member = $2`, key, member,
	)
	if err != nil {
		return fmt.Errorf("removing from sorted set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Score(ctx context.Context, key, member string) (float64, bool, error) {
	var score float64
	err := s.pool.QueryRow(ctx,
		`SELECT score FROM sorted_sets WHERE set_key = $1 AND member = $2`, key, member,
	).Scan(&score)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("reading score in %q: %w", key, err)
	}
	return score, true, nil
}

func (s *Store) Rank(ctx context.Context, key, member string) (int64, bool, error) {
	var rank int64
	err := s.pool.QueryRow(ctx,
		`SELECT rnk FROM (
			SELECT member, ROW_NUMBER() OVER (ORDER BY score DESC, inserted_at ASC) - 1 AS rnk
			FROM sorted_sets WHERE set_key = $1
		) ranked WHERE member = $2`, key, member,
	).Scan(&rank)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("ranking %q in %q: %w", member, key, err)
	}
	return rank, true, nil
}

func (s *Store) RangeWithScores(ctx context.Context, key string, start, stop int64) ([]storage.ScoredMember, error) {
	if stop < start {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT member, score FROM sorted_sets WHERE set_key = $1
		 ORDER BY score DESC, inserted_at ASC
		 OFFSET $2 LIMIT $3`,
		key, start, stop-start+1,
	)
	if err != nil {
		return nil, fmt.Errorf("ranging sorted set %q: %w", key, err)
	}
	defer rows.Close()

	var out []storage.ScoredMember
	for rows.Next() {
		var m storage.ScoredMember
		if err := rows.Scan(&m.Member, &m.Score); err != nil {
			return nil, fmt.Errorf("scanning sorted set row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) IncrementBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	var score float64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sorted_sets (set_key, member, score) VALUES ($1, $2, $3)
		 ON CONFLICT (set_key, member) DO UPDATE SET score = sorted_sets.score + $3
		 RETURNING score`,
		key, member, delta,
	).Scan(&score)
	if err != nil {
		return 0, fmt.Errorf("incrementing %q in %q: %w", member, key, err)
	}
	return score, nil
}

func (s *Store) Cardinality(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM sorted_sets WHERE set_key = $1`, key,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting sorted set %q: %w", key, err)
	}
	return n, nil
}

func (s *Store) RemoveRange(ctx context.Context, key string, keep int64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM sorted_sets WHERE (set_key, member) IN (
			SELECT set_key, member FROM (
				SELECT set_key, member, ROW_NUMBER() OVER (ORDER BY score DESC, inserted_at ASC) - 1 AS rnk
				FROM sorted_sets WHERE set_key = $1
			) ranked WHERE rnk >= $2
		)`, key, keep,
	)
	if err != nil {
		return fmt.Errorf("trimming sorted set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sorted_sets WHERE set_key = $1`, key)
	if err != nil {
		return fmt.Errorf("clearing sorted set %q: %w", key, err)
	}
	return nil
}
