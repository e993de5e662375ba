// Package compensation is the durable "needs-retry" engine for failed
// cross-service writes: every guarded action leaves a record behind until
// it either succeeds, is compensated by its registered handler, or
// exhausts its retries and is parked for operator action.
package compensation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ludoforge/mmocore/internal/metrics"
	"github.com/ludoforge/mmocore/internal/storage"
)

// Status is a compensation record's lifecycle state.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusFailed         Status = "FAILED"
	StatusCompensated    Status = "COMPENSATED"
	StatusManualRequired Status = "MANUAL_REQUIRED"
)

const (
	DefaultMaxRetries    = 3
	DefaultRetryBase     = 60 * time.Second
	DefaultScanInterval  = 60 * time.Second
	terminalRetentionTTL = 7 * 24 * time.Hour
)

// Record is one durable compensation marker.
type Record struct {
	RecordID    string         `json:"record_id"`
	Type        string         `json:"type"`
	RoleID      int64          `json:"role_id"`
	Context     map[string]any `json:"context"`
	Status      Status         `json:"status"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	LastError   string         `json:"last_error,omitempty"`
	NextRetryAt time.Time      `json:"next_retry_at"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Handler retries the failed write described by a record. A nil error
// marks the record Compensated.
type Handler interface {
	Compensate(ctx context.Context, rec *Record) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, rec *Record) error

func (f HandlerFunc) Compensate(ctx context.Context, rec *Record) error { return f(ctx, rec) }

// Action is the guarded write itself.
type Action func(ctx context.Context) (any, error)

// Engine persists records to the KV store and retries failed ones on a
// fixed scan cadence with exponential backoff.
type Engine struct {
	kv        storage.KVStore
	interval  time.Duration
	retryBase time.Duration

	metrics *metrics.Sink
	log     *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]*Record
	manual   map[string]*Record

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config bundles Engine construction parameters.
type Config struct {
	KV           storage.KVStore
	ScanInterval time.Duration
	RetryBase    time.Duration
	Metrics      *metrics.Sink
	Log          *slog.Logger
}

// New builds an Engine. Call Start to launch the retry worker.
func New(cfg Config) *Engine {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Engine{
		kv:        cfg.KV,
		interval:  cfg.ScanInterval,
		retryBase: cfg.RetryBase,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
		handlers:  make(map[string]Handler),
		pending:   make(map[string]*Record),
		manual:    make(map[string]*Record),
		stop:      make(chan struct{}),
	}
}

// RegisterHandler binds the retry handler for one record type.
func (e *Engine) RegisterHandler(recordType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[recordType] = h
}

// Start launches the periodic retry worker.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.scanLoop()
}

// Stop halts the retry worker and waits for an in-flight scan to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// ExecuteWithCompensation persists a Pending record, runs action, and on
// success deletes the record and returns action's value. On failure the
// record transitions to Failed with its first retry due after the base
// backoff, and the action's error is returned.
func (e *Engine) ExecuteWithCompensation(ctx context.Context, recordType string, roleID int64, recCtx map[string]any, action Action) (any, error) {
	rec := &Record{
		RecordID:   uuid.NewString(),
		Type:       recordType,
		RoleID:     roleID,
		Context:    recCtx,
		Status:     StatusPending,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now(),
	}
	if err := e.persist(ctx, rec, 0); err != nil {
		return nil, fmt.Errorf("compensation: persist record: %w", err)
	}
	e.track(rec)

	value, err := action(ctx)
	if err == nil {
		e.untrack(rec.RecordID)
		if delErr := e.kv.Delete(ctx, recordKey(rec.RecordID)); delErr != nil {
			e.log.Warn("deleting completed compensation record failed", "record_id", rec.RecordID, "error", delErr)
		}
		return value, nil
	}

	rec.Status = StatusFailed
	rec.LastError = err.Error()
	rec.NextRetryAt = time.Now().Add(e.retryBase)
	if perr := e.persist(ctx, rec, 0); perr != nil {
		e.log.Error("persisting failed compensation record", "record_id", rec.RecordID, "error", perr)
	}
	e.track(rec)
	return nil, err
}

// ListManualRequired returns records that exhausted their retries and wait
// for operator action.
func (e *Engine) ListManualRequired() []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Record, 0, len(e.manual))
	for _, rec := range e.manual {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// PendingCount returns the number of records awaiting retry.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) scanLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.Scan(context.Background())
		}
	}
}

// Scan runs one retry pass over the pending set. Exported so tests (and an
// ops endpoint) can force a pass without waiting out the cadence.
func (e *Engine) Scan(ctx context.Context) {
	now := time.Now()

	e.mu.Lock()
	due := make([]*Record, 0)
	for _, rec := range e.pending {
		if rec.Status == StatusFailed && !rec.NextRetryAt.After(now) {
			due = append(due, rec)
		}
	}
	e.metrics.SetCompensationPending(len(e.pending))
	e.mu.Unlock()

	for _, rec := range due {
		e.retry(ctx, rec)
	}
}

func (e *Engine) retry(ctx context.Context, rec *Record) {
	e.mu.Lock()
	handler, ok := e.handlers[rec.Type]
	e.mu.Unlock()
	if !ok {
		e.log.Warn("no compensation handler registered", "type", rec.Type, "record_id", rec.RecordID)
		return
	}

	err := handler.Compensate(ctx, rec)
	if err == nil {
		rec.Status = StatusCompensated
		rec.LastError = ""
		e.untrack(rec.RecordID)
		if perr := e.persist(ctx, rec, terminalRetentionTTL); perr != nil {
			e.log.Error("persisting compensated record", "record_id", rec.RecordID, "error", perr)
		}
		return
	}

	rec.RetryCount++
	rec.LastError = err.Error()
	if rec.RetryCount >= rec.MaxRetries {
		rec.Status = StatusManualRequired
		e.mu.Lock()
		delete(e.pending, rec.RecordID)
		e.manual[rec.RecordID] = rec
		e.mu.Unlock()
		e.log.Error("compensation exhausted retries, manual action required",
			"record_id", rec.RecordID, "type", rec.Type, "role_id", rec.RoleID, "error", err)
	} else {
		rec.NextRetryAt = time.Now().Add(e.backoffDelay(rec.RetryCount))
	}
	if perr := e.persist(ctx, rec, 0); perr != nil {
		e.log.Error("persisting retried compensation record", "record_id", rec.RecordID, "error", perr)
	}
}

// backoffDelay is the delay before attempt retries+1: base × 2^retries,
// computed through the shared backoff policy with jitter disabled so the
// schedule stays testable. Reset is called after the fields are set —
// NextBackOff reads the internal current interval, which only picks up
// InitialInterval on Reset.
func (e *Engine) backoffDelay(retries int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     e.retryBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         24 * time.Hour,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < retries; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (e *Engine) track(rec *Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[rec.RecordID] = rec
}

func (e *Engine) untrack(recordID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, recordID)
}

func (e *Engine) persist(ctx context.Context, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if ttl > 0 {
		return e.kv.SetWithTTL(ctx, recordKey(rec.RecordID), data, ttl)
	}
	return e.kv.Set(ctx, recordKey(rec.RecordID), data)
}

// LoadRecord reads one persisted record back, mostly for ops tooling and
// tests.
func (e *Engine) LoadRecord(ctx context.Context, recordID string) (*Record, error) {
	data, err := e.kv.Get(ctx, recordKey(recordID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("compensation: load record %s: %w", recordID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("compensation: decode record %s: %w", recordID, err)
	}
	return &rec, nil
}

func recordKey(recordID string) string {
	return "compensation:record:" + recordID
}
