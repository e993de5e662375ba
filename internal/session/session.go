// Package session implements the front-door session registry:
// live-connection tracking, reconnection tokens, and bounded pending-message
// queues for disconnected sessions waiting out their grace window.
package session

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/google/uuid"
)

// DefaultPendingQueueSize bounds the pending-message queue buffered for a
// disconnected session (10 000 entries, drop oldest on overflow).
const DefaultPendingQueueSize = 10_000

// State is a session's coarse connection lifecycle state.
type State int32

const (
	StateConnected State = iota
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Conn is the minimal carrier contract a session binds to. Both the TCP and
// WebSocket gateway listeners implement it over their respective net.Conn /
// websocket.Conn types.
type Conn interface {
	Send(frame []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// Session is one client connection's server-side state.
type Session struct {
	ID             int64
	reconnectToken string
	tokenHash      []byte

	mu          sync.RWMutex
	conn        Conn
	state       atomic.Int32
	roleID      int64
	roleName    string
	serverID    int32
	lastActive  time.Time
	disconnectAt time.Time
	attrs       map[string]string

	pending    [][]byte
	pendingCap int
	seq        atomic.Uint32
}

func newSession(id int64, conn Conn, pendingCap int) (*Session, error) {
	if pendingCap <= 0 {
		pendingCap = DefaultPendingQueueSize
	}
	// Two UUIDs' worth of randomness, rendered as 64 hex chars — the
	// session_key handed to the client in the handshake response.
	token := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:             id,
		reconnectToken: token,
		tokenHash:      hash,
		conn:           conn,
		lastActive:     time.Now(),
		attrs:          make(map[string]string),
		pendingCap:     pendingCap,
	}
	s.state.Store(int32(StateConnected))
	return s, nil
}

// ReconnectToken returns the opaque token handed to the client in the
// handshake RESPONSE. The session keeps the plaintext token, and the
// registry uses it as its lookup key; TryReconnect also checks the
// presented token against the stored bcrypt hash.
func (s *Session) ReconnectToken() string { return s.reconnectToken }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// SessionID returns the session's unique id, satisfying dispatch.Session.
func (s *Session) SessionID() int64 { return s.ID }

// Authenticated reports whether a role has been bound via BindRole.
func (s *Session) Authenticated() bool { return s.State() == StateAuthenticated }

// RoleID returns the bound role id, or 0 if unauthenticated.
func (s *Session) RoleID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roleID
}

// NextSeq returns the next outbound sequence number for this session.
func (s *Session) NextSeq() uint32 {
	return s.seq.Add(1)
}

// SetAttr/Attr store small per-session metadata (selected character slot,
// negotiated client version, and similar handshake-derived facts).
func (s *Session) SetAttr(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = value
}

func (s *Session) Attr(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[key]
	return v, ok
}

// Touch refreshes last-active. The gateway calls it on every inbound
// frame.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Send writes frame to the live connection, or buffers it into the pending
// queue (dropping the oldest entry on overflow) when the session is
// currently disconnected and still within its grace window.
func (s *Session) Send(frame []byte) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && State(s.state.Load()) != StateDisconnected {
		if err := s.conn.Send(frame); err == nil {
			return false
		}
		// Write failed — fall through and buffer, the reader goroutine will
		// observe the broken connection and mark this session disconnected.
	}

	if len(s.pending) >= s.pendingCap {
		s.pending = s.pending[1:]
		dropped = true
	}
	s.pending = append(s.pending, frame)
	return dropped
}

func (s *Session) drainPendingLocked() [][]byte {
	out := s.pending
	s.pending = nil
	return out
}
