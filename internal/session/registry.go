package session

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultReconnectGrace is how long a disconnected session may be resumed
// before sweepExpired purges it (config key session.reconnectGraceMs).
const DefaultReconnectGrace = 5 * time.Minute

// DefaultSweepInterval is the default cadence of the expiry sweep.
const DefaultSweepInterval = 30 * time.Second

// KickFunc is called synchronously when bindRole evicts an already-live
// session for the same role, so the caller can push a KICK frame to it
// before the eviction completes.
type KickFunc func(evicted *Session)

// Registry tracks every live and grace-period session on this node, indexed
// by roleID rather than account name, since role identity is the
// cross-node routing key.
type Registry struct {
	mu          sync.RWMutex
	byID        map[int64]*Session
	byRole      map[int64]*Session
	byToken     map[string]*Session // indexed for O(1) tryReconnect lookup; resolved token is still bcrypt-verified
	nextID      atomic.Int64
	grace       time.Duration
	pendingCap  int
}

// NewRegistry creates an empty registry. pendingCap <= 0 uses
// DefaultPendingQueueSize; grace <= 0 uses DefaultReconnectGrace.
func NewRegistry(pendingCap int, grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultReconnectGrace
	}
	return &Registry{
		byID:       make(map[int64]*Session),
		byRole:     make(map[int64]*Session),
		byToken:    make(map[string]*Session),
		grace:      grace,
		pendingCap: pendingCap,
	}
}

// CreateSession registers a freshly accepted connection and returns its
// Session, with a unique monotonically increasing session_id.
func (r *Registry) CreateSession(conn Conn) (*Session, error) {
	id := r.nextID.Add(1)
	s, err := newSession(id, conn, r.pendingCap)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.byID[id] = s
	r.byToken[tokenIndexKey(s.reconnectToken)] = s
	r.mu.Unlock()
	return s, nil
}

// BindRole associates session with roleID/roleName, authenticating it. If
// another session already holds roleID it is evicted: kick, if non-nil, is
// invoked with the evicted session once the role index points at s: a second
// successful authentication for the same role always evicts the first.
func (r *Registry) BindRole(s *Session, roleID int64, roleName string, kick KickFunc) {
	r.mu.Lock()
	evicted, had := r.byRole[roleID]
	if had && evicted != s {
		delete(r.byRole, roleID)
	}
	r.byRole[roleID] = s
	r.mu.Unlock()

	if had && evicted != s && kick != nil {
		kick(evicted)
	}

	s.mu.Lock()
	s.roleID = roleID
	s.roleName = roleName
	s.mu.Unlock()
	s.state.Store(int32(StateAuthenticated))
}

// UnbindRole clears session's role association without closing it (explicit
// logout to character-select, as opposed to disconnect).
func (r *Registry) UnbindRole(s *Session) {
	s.mu.Lock()
	roleID := s.roleID
	s.roleID = 0
	s.mu.Unlock()

	if roleID == 0 {
		return
	}
	r.mu.Lock()
	if r.byRole[roleID] == s {
		delete(r.byRole, roleID)
	}
	r.mu.Unlock()
}

// LookupByRole returns the live session bound to roleID, if any.
func (r *Registry) LookupByRole(roleID int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byRole[roleID]
	return s, ok
}

// LookupByID returns the session with the given session_id, live or in
// grace, if any.
func (r *Registry) LookupByID(id int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// MarkDisconnected transitions s into the grace period: its connection
// handle is cleared and subsequent Send calls buffer into the pending queue.
func (r *Registry) MarkDisconnected(s *Session) {
	s.mu.Lock()
	s.conn = nil
	s.disconnectAt = time.Now()
	s.mu.Unlock()
	s.state.Store(int32(StateDisconnected))
}

// TryReconnect resumes a disconnected session if token verifies against a
// session still within its grace window, rebinding it to newConn and
// flushing the buffered pending queue in enqueue order. Returns nil, false
// on any mismatch or expiry.
func (r *Registry) TryReconnect(token string, newConn Conn) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.byToken[tokenIndexKey(token)]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	s.mu.RLock()
	expired := !s.disconnectAt.IsZero() && time.Since(s.disconnectAt) >= r.grace
	live := State(s.state.Load()) != StateDisconnected
	hash := s.tokenHash
	s.mu.RUnlock()

	if live || expired {
		return nil, false
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
		return nil, false
	}

	s.mu.Lock()
	s.conn = newConn
	s.disconnectAt = time.Time{}
	backlog := s.drainPendingLocked()
	s.mu.Unlock()
	s.state.Store(int32(StateAuthenticated))

	for _, frame := range backlog {
		_ = newConn.Send(frame)
	}
	return s, true
}

// SweepExpired purges every disconnected session whose grace window has
// elapsed, together with its pending queue, and reports how many were
// purged. Intended to run on DefaultSweepInterval from a background ticker.
func (r *Registry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for id, s := range r.byID {
		s.mu.RLock()
		expired := State(s.state.Load()) == StateDisconnected &&
			!s.disconnectAt.IsZero() && now.Sub(s.disconnectAt) >= r.grace
		roleID := s.roleID
		token := s.reconnectToken
		s.mu.RUnlock()
		if !expired {
			continue
		}
		delete(r.byID, id)
		delete(r.byToken, tokenIndexKey(token))
		if roleID != 0 && r.byRole[roleID] == s {
			delete(r.byRole, roleID)
		}
		purged++
	}
	return purged
}

// Remove drops s from every index immediately, pending queue included.
// The gateway uses this to discard the placeholder session a connection
// was given when that connection resumes a prior session instead.
func (r *Registry) Remove(s *Session) {
	s.mu.RLock()
	roleID := s.roleID
	token := s.reconnectToken
	s.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, s.ID)
	delete(r.byToken, tokenIndexKey(token))
	if roleID != 0 && r.byRole[roleID] == s {
		delete(r.byRole, roleID)
	}
}

// Count returns the number of tracked sessions, live or in grace.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func tokenIndexKey(token string) string { return token }
