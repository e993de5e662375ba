// Package actor is the sharded, single-writer-per-entity mailbox runtime:
// each actor owns a bounded FIFO mailbox drained by exactly one logical
// worker at a time, with idle eviction and a periodic write-behind save
// sweep over dirty state.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ludoforge/mmocore/internal/metrics"
)

// ErrMailboxFull is returned by Ask when an actor's mailbox has no room —
// the gateway surfaces this to the caller as backpressure rather than
// blocking the I/O thread.
var ErrMailboxFull = errors.New("actor: mailbox full")

// ErrAskTimeout is returned by Ask when the deadline elapses before the
// handler replies. The handler keeps running; its eventual result is
// discarded: Ask does not interrupt a running handler.
var ErrAskTimeout = errors.New("actor: ask timed out")

// ErrStopping is returned by Ask against an actor that has begun shutting
// down: enqueues after Stopping are rejected.
var ErrStopping = errors.New("actor: actor is stopping")

// Status is an actor's lifecycle stage.
type Status int32

const (
	StatusInit Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
)

const (
	DefaultMailboxSize   = 10_000
	DefaultMaxSize       = 10_000
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSaveInterval  = 5 * time.Minute
	DefaultDrainDeadline = 5 * time.Second
)

// Loader loads an actor's domain state on first access; state is loaded at
// most once per actor lifetime.
type Loader func(ctx context.Context, system, id string) (any, error)

// Saver flushes an actor's dirty state. Returning an error keeps the dirty
// flag set so the next save sweep retries it — the engine never silently
// drops a dirty flag.
type Saver func(ctx context.Context, system, id string, state any) error

// Handler processes one message against the actor's state and returns the
// (possibly updated) state, a value for Ask callers, whether the state is
// now dirty, and an error.
type Handler func(ctx context.Context, state any, msg any) (newState any, result any, dirty bool, err error)

// Hook observes an actor lifecycle transition. A panicking hook is caught
// and logged; it never stops the actor.
type Hook func(system, id string, state any)

// ErrorSink receives persistent save failures for escalation (paging,
// error aggregation). The actor stays Running and the dirty flag is
// retained — the sink is notification, not recovery.
type ErrorSink func(system, id string, err error)

// Message is optionally implemented by mailbox messages so a HandlerSet
// can dispatch on the tag instead of one monolithic Handler.
type Message interface {
	MessageType() string
}

// HandlerSet is a tagged-variant dispatch table: one Handler per message
// type an actor accepts. The "" key, if present, is the fallback for
// untagged or unknown messages.
type HandlerSet map[string]Handler

// ErrUnhandledMessage is returned when a HandlerSet has no entry for a
// message's tag and no fallback.
var ErrUnhandledMessage = errors.New("actor: unhandled message type")

// Handler folds the set into a single dispatching Handler for Config.
func (hs HandlerSet) Handler() Handler {
	return func(ctx context.Context, state any, msg any) (any, any, bool, error) {
		tag := ""
		if m, ok := msg.(Message); ok {
			tag = m.MessageType()
		}
		h, ok := hs[tag]
		if !ok {
			h, ok = hs[""]
		}
		if !ok {
			return state, nil, false, fmt.Errorf("%w: %q", ErrUnhandledMessage, tag)
		}
		return h(ctx, state, msg)
	}
}

type envelope struct {
	ctx    context.Context
	msg    any
	result chan response
}

type response struct {
	value any
	err   error
}

// Actor is one single-writer entity: its mailbox, loaded state and
// lifecycle bookkeeping.
type Actor struct {
	System string
	ID     string

	mailbox chan envelope
	status  atomic.Int32

	mu         sync.Mutex
	state      any
	loaded     bool
	dirty      bool
	lastActive time.Time
	lastSave   time.Time

	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// System owns a map of actors sharing a Loader, Saver and Handler — one
// System per domain entity kind (player, guild, room, ...).
type System struct {
	Name string

	loader      Loader
	saver       Saver
	handle      Handler
	onPreStart  Hook
	onPostStop  Hook
	onSaveError ErrorSink
	mailbox     int
	maxSize     int
	idleTTL     time.Duration
	saveInt     time.Duration
	drain       time.Duration

	metrics *metrics.Sink
	log     *slog.Logger

	mu     sync.Mutex
	actors map[string]*Actor

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config bundles System construction parameters.
type Config struct {
	Name          string
	Loader        Loader
	Saver         Saver
	Handle        Handler
	OnPreStart    Hook
	OnPostStop    Hook
	OnSaveError   ErrorSink
	MailboxSize   int
	MaxSize       int
	IdleTimeout   time.Duration
	SaveInterval  time.Duration
	DrainDeadline time.Duration
	Metrics       *metrics.Sink
	Log           *slog.Logger
}

// NewSystem builds a System and starts its idle-GC and save-sweep
// background loops.
func NewSystem(cfg Config) *System {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = DefaultSaveInterval
	}
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = DefaultDrainDeadline
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	s := &System{
		Name:        cfg.Name,
		loader:      cfg.Loader,
		saver:       cfg.Saver,
		handle:      cfg.Handle,
		onPreStart:  cfg.OnPreStart,
		onPostStop:  cfg.OnPostStop,
		onSaveError: cfg.OnSaveError,
		mailbox:     cfg.MailboxSize,
		maxSize:     cfg.MaxSize,
		idleTTL:     cfg.IdleTimeout,
		saveInt:     cfg.SaveInterval,
		drain:       cfg.DrainDeadline,
		metrics:     cfg.Metrics,
		log:         cfg.Log,
		actors:      make(map[string]*Actor),
		stop:        make(chan struct{}),
	}
	s.wg.Add(2)
	go s.idleSweepLoop()
	go s.saveSweepLoop()
	return s
}

// GetActor returns the actor for id, creating and starting it (loading its
// state lazily) if absent. When the system is at capacity, the
// least-recently-active resident actor is evicted to make room.
func (s *System) GetActor(id string) *Actor {
	s.mu.Lock()
	if a, ok := s.actors[id]; ok {
		s.mu.Unlock()
		return a
	}
	victim := s.evictForCapacityLocked()
	a := &Actor{
		System:     s.Name,
		ID:         id,
		mailbox:    make(chan envelope, s.mailbox),
		lastActive: time.Now(),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.actors[id] = a
	s.mu.Unlock()

	if victim != nil {
		go s.stopActor(context.Background(), victim)
	}
	go s.run(a)
	return a
}

// evictForCapacityLocked picks the least-recently-active Running actor for
// removal when the map is full. Caller holds s.mu.
func (s *System) evictForCapacityLocked() *Actor {
	if len(s.actors) < s.maxSize {
		return nil
	}
	var victim *Actor
	var oldest time.Time
	for _, a := range s.actors {
		if Status(a.status.Load()) != StatusRunning {
			continue
		}
		a.mu.Lock()
		active := a.lastActive
		a.mu.Unlock()
		if victim == nil || active.Before(oldest) {
			victim = a
			oldest = active
		}
	}
	if victim != nil {
		delete(s.actors, victim.ID)
		s.log.Warn("actor system at capacity, evicting least-recently-active",
			"system", s.Name, "evicted", victim.ID)
	}
	return victim
}

// GetActorIfPresent returns the actor for id only if it already exists,
// never creating one.
func (s *System) GetActorIfPresent(id string) (*Actor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	return a, ok
}

// Tell enqueues msg for fire-and-forget processing. Returns false (not an
// error) on a full mailbox or an actor already shutting down.
func (s *System) Tell(ctx context.Context, id string, msg any) bool {
	a := s.GetActor(id)
	if Status(a.status.Load()) >= StatusStopping {
		return false
	}
	select {
	case a.mailbox <- envelope{ctx: ctx, msg: msg}:
		s.reportDepth(a)
		return true
	default:
		if s.metrics != nil {
			s.metrics.IncMailboxFull(s.Name)
		}
		return false
	}
}

// Ask enqueues msg and blocks up to timeout for the handler's result. The
// handler is not interrupted on timeout; its result is discarded when it
// eventually arrives.
func (s *System) Ask(ctx context.Context, id string, msg any, timeout time.Duration) (any, error) {
	a := s.GetActor(id)
	if Status(a.status.Load()) >= StatusStopping {
		return nil, ErrStopping
	}
	env := envelope{ctx: ctx, msg: msg, result: make(chan response, 1)}

	select {
	case a.mailbox <- env:
		s.reportDepth(a)
	default:
		if s.metrics != nil {
			s.metrics.IncMailboxFull(s.Name)
		}
		return nil, ErrMailboxFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-env.result:
		return res.value, res.err
	case <-timer.C:
		return nil, ErrAskTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *System) reportDepth(a *Actor) {
	if s.metrics == nil {
		return
	}
	s.metrics.SetMailboxDepth(s.Name, len(a.mailbox))
}

// ActorIDs returns the ids of every actor currently resident in memory.
func (s *System) ActorIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.actors))
	for id := range s.actors {
		ids = append(ids, id)
	}
	return ids
}

// StopActor gracefully stops one resident actor (drain, flush, remove),
// e.g. when a topology change moved its ownership to another node.
func (s *System) StopActor(ctx context.Context, id string) bool {
	s.mu.Lock()
	a, ok := s.actors[id]
	if ok {
		delete(s.actors, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.stopActor(ctx, a)
	return true
}

// Count returns the number of actors currently resident in memory.
func (s *System) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

// Shutdown stops the background loops and drains every resident actor,
// flushing dirty state, up to DrainDeadline each.
func (s *System) Shutdown(ctx context.Context) {
	close(s.stop)
	s.wg.Wait()

	s.mu.Lock()
	actors := make([]*Actor, 0, len(s.actors))
	for id, a := range s.actors {
		actors = append(actors, a)
		delete(s.actors, id)
	}
	s.mu.Unlock()

	for _, a := range actors {
		s.stopActor(ctx, a)
	}
}

// run is the actor's single logical worker: it loads state once, then
// drains the mailbox until told to stop. All handler invocations for this
// actor happen on this goroutine — that is the single-writer guarantee.
func (s *System) run(a *Actor) {
	defer close(a.done)

	ctx := context.Background()
	if s.loader != nil {
		state, err := s.loader(ctx, s.Name, a.ID)
		if err != nil {
			s.log.Error("actor state load failed", "system", s.Name, "id", a.ID, "error", err)
		}
		a.mu.Lock()
		a.state = state
		a.loaded = true
		a.mu.Unlock()
	}
	s.runHook("on_pre_start", s.onPreStart, a)
	a.status.Store(int32(StatusRunning))

	for {
		select {
		case env := <-a.mailbox:
			s.process(a, env)
		case <-a.stopping:
			s.drainAndStop(a)
			return
		}
	}
}

// drainAndStop processes whatever is still queued, up to the drain
// deadline, then flushes dirty state and marks the actor Stopped. Runs on
// the actor's own worker goroutine so the single-writer invariant holds
// through shutdown.
func (s *System) drainAndStop(a *Actor) {
	deadline := time.Now().Add(s.drain)
drain:
	for time.Now().Before(deadline) {
		select {
		case env := <-a.mailbox:
			s.process(a, env)
		default:
			break drain
		}
	}

	a.mu.Lock()
	dirty := a.dirty
	state := a.state
	a.mu.Unlock()
	if dirty {
		s.flush(context.Background(), a, state)
	}
	a.status.Store(int32(StatusStopped))
	s.runHook("on_post_stop", s.onPostStop, a)
}

// runHook invokes a lifecycle hook, containing any panic so a broken hook
// never takes the actor down with it.
func (s *System) runHook(name string, hook Hook, a *Actor) {
	if hook == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("actor hook panic", "hook", name, "system", s.Name, "id", a.ID, "panic", rec)
		}
	}()
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	hook(s.Name, a.ID, state)
}

func (s *System) process(a *Actor, env envelope) {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("actor handler panic", "system", s.Name, "id", a.ID, "panic", rec)
			if env.result != nil {
				env.result <- response{err: fmt.Errorf("actor panic: %v", rec)}
			}
		}
	}()

	newState, result, dirty, err := s.handle(env.ctx, state, env.msg)

	a.mu.Lock()
	a.lastActive = time.Now()
	if err == nil {
		a.state = newState
	}
	if dirty {
		a.dirty = true
	}
	a.mu.Unlock()

	if env.result != nil {
		env.result <- response{value: result, err: err}
	}
}

func (s *System) idleSweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.idleTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

func (s *System) evictIdle() {
	now := time.Now()
	var idle []*Actor

	s.mu.Lock()
	for id, a := range s.actors {
		a.mu.Lock()
		past := now.Sub(a.lastActive) >= s.idleTTL
		a.mu.Unlock()
		if past {
			delete(s.actors, id)
			idle = append(idle, a)
		}
	}
	s.mu.Unlock()

	for _, a := range idle {
		s.stopActor(context.Background(), a)
	}
}

// stopActor signals the actor's worker to drain and stop, then waits for
// it to finish. The worker performs the drain and flush itself; this only
// coordinates.
func (s *System) stopActor(ctx context.Context, a *Actor) {
	a.status.Store(int32(StatusStopping))
	a.stopOnce.Do(func() { close(a.stopping) })

	select {
	case <-a.done:
	case <-time.After(s.drain + time.Second):
		s.log.Warn("actor did not stop within drain deadline", "system", s.Name, "id", a.ID)
	case <-ctx.Done():
	}
}

func (s *System) saveSweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.saveInt)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.flushDirty()
		}
	}
}

func (s *System) flushDirty() {
	now := time.Now()
	s.mu.Lock()
	var candidates []*Actor
	for _, a := range s.actors {
		a.mu.Lock()
		due := a.dirty && now.Sub(a.lastSave) >= s.saveInt
		a.mu.Unlock()
		if due {
			candidates = append(candidates, a)
		}
	}
	s.mu.Unlock()

	for _, a := range candidates {
		a.mu.Lock()
		state := a.state
		a.mu.Unlock()
		s.flush(context.Background(), a, state)
	}
}

// flush persists the actor's current state and clears the dirty flag. The
// state is re-read together with last_active under the actor lock; flush
// may run from the sweep goroutine, so a message processed while the save
// is in flight advances last_active and the flag is then left set for the
// next sweep. A failed save never clears the flag (early return below).
func (s *System) flush(ctx context.Context, a *Actor, state any) {
	if s.saver == nil {
		return
	}
	a.mu.Lock()
	state = a.state
	seen := a.lastActive
	a.mu.Unlock()
	err := s.saver(ctx, s.Name, a.ID, state)
	if err != nil {
		s.log.Error("actor save failed, dirty flag retained", "system", s.Name, "id", a.ID, "error", err)
		if s.metrics != nil {
			s.metrics.IncSaveFailure(s.Name)
		}
		s.escalateSaveError(a, err)
		return
	}
	a.mu.Lock()
	a.lastSave = time.Now()
	if !a.lastActive.After(seen) {
		a.dirty = false
	}
	a.mu.Unlock()
}

// escalateSaveError notifies the registered error sink of a persistent
// save failure, containing any panic the sink itself raises.
func (s *System) escalateSaveError(a *Actor, err error) {
	if s.onSaveError == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("error sink panic", "system", s.Name, "id", a.ID, "panic", rec)
		}
	}()
	s.onSaveError(s.Name, a.ID, err)
}

// Status returns the actor's current lifecycle stage.
func (a *Actor) Status() Status { return Status(a.status.Load()) }

// State returns a snapshot of the actor's currently loaded state.
func (a *Actor) State() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Dirty reports whether the actor has unsaved mutations.
func (a *Actor) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty
}
