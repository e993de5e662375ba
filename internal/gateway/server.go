// Package gateway is the cluster's front door: TCP and WebSocket
// listeners speaking the length-prefixed binary protocol, session
// lifecycle around each connection, and dispatch of decoded frames into
// the handler registry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ludoforge/mmocore/internal/config"
	"github.com/ludoforge/mmocore/internal/dispatch"
	"github.com/ludoforge/mmocore/internal/framing"
	"github.com/ludoforge/mmocore/internal/metrics"
	"github.com/ludoforge/mmocore/internal/session"
)

// Server owns the listeners and the per-connection read loops.
type Server struct {
	cfg        config.GatewayConfig
	sessions   *session.Registry
	dispatcher *dispatch.Registry
	metrics    *metrics.Sink
	log        *slog.Logger

	flood *floodGuard

	mu       sync.Mutex
	listener net.Listener
	wsServer *wsListener
	closed   bool
	connWG   sync.WaitGroup
}

// New builds a Server. Call Run to start accepting.
func New(cfg config.GatewayConfig, sessions *session.Registry, dispatcher *dispatch.Registry, m *metrics.Sink, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		dispatcher: dispatcher,
		metrics:    m,
		log:        log,
		flood:      newFloodGuard(cfg),
	}
}

// Run starts the TCP listener (and the WebSocket listener when a WS port
// is configured) and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("gateway listening", "addr", addr)

	if s.cfg.WSPort > 0 {
		ws := newWSListener(s, fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.WSPort))
		s.mu.Lock()
		s.wsServer = ws
		s.mu.Unlock()
		go func() {
			if err := ws.run(); err != nil {
				s.log.Error("websocket listener failed", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		ip := remoteIP(conn.RemoteAddr())
		if !s.flood.allow(ip) {
			s.log.Warn("connection rejected by flood guard", "ip", ip)
			conn.Close()
			continue
		}

		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			defer s.flood.release(ip)
			s.serveTCP(conn)
		}()
	}
}

// Close stops the listeners and waits for per-connection goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.listener
	ws := s.wsServer
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if ws != nil {
		ws.close()
	}
	s.connWG.Wait()
}

// Addr returns the TCP listener's bound address (useful when Port is 0 in
// tests).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) serveTCP(raw net.Conn) {
	readTimeout := time.Duration(s.cfg.ReadTimeoutMs) * time.Millisecond
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	conn := newTCPConn(raw, s.cfg.SendQueueSize, time.Duration(s.cfg.WriteTimeoutMs)*time.Millisecond, s.log)
	defer conn.Close()

	sess, err := s.sessions.CreateSession(conn)
	if err != nil {
		s.log.Error("session create failed", "remote", raw.RemoteAddr(), "error", err)
		return
	}
	// A reconnect frame swaps holder.cur to the resumed session, so the
	// disconnect must be marked on whichever session the connection ends
	// up carrying.
	holder := &sessionHolder{cur: sess}
	defer func() { s.dropSession(holder.cur) }()

	decoder := framing.NewDecoder(s.cfg.MaxFrameLength)
	buf := make([]byte, 8192)

	for {
		if err := raw.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		n, err := raw.Read(buf)
		if err != nil {
			return
		}
		decoder.Feed(buf[:n])

		if closeConn := s.drainFrames(decoder, conn, holder); closeConn {
			return
		}
	}
}

// sessionHolder lets a reconnect frame swap the connection's session
// mid-stream: the resumed session replaces the freshly created one.
type sessionHolder struct {
	cur *session.Session
}

// drainFrames pulls every complete frame out of the decoder and
// dispatches it. Returns true when the connection must close (protocol
// errors are fatal to the connection per the error taxonomy).
func (s *Server) drainFrames(decoder *framing.Decoder, conn session.Conn, holder *sessionHolder) (closeConn bool) {
	for {
		msg, ok, err := decoder.Next()
		if err != nil {
			if errors.Is(err, framing.ErrFrameOverflow) {
				s.log.Warn("frame overflow, closing connection", "session", holder.cur.ID)
			} else {
				s.log.Warn("malformed frame, closing connection", "session", holder.cur.ID, "error", err)
			}
			return true
		}
		if !ok {
			return false
		}
		s.handleFrame(conn, holder, msg)
	}
}

func (s *Server) handleFrame(conn session.Conn, holder *sessionHolder, msg framing.GameMessage) {
	// Payloads alias the decoder's frame buffer; detach before any handler
	// can retain them.
	payload := make([]byte, len(msg.Payload))
	copy(payload, msg.Payload)
	msg.Payload = payload

	holder.cur.Touch()

	// Session resumption rebinds the transport under a prior session and
	// replays its pending queue, so it is handled here at the framing
	// layer rather than in the business registry.
	if msg.ProtocolID() == ProtocolReconnect {
		s.handleReconnect(conn, holder, msg)
		return
	}

	resp := s.dispatcher.Dispatch(context.Background(), holder.cur, msg)
	if resp == nil {
		return
	}
	s.sendMessage(holder.cur, *resp)
}

func (s *Server) sendMessage(sess *session.Session, msg framing.GameMessage) {
	frame, err := framing.Encode(msg, s.cfg.MaxFrameLength)
	if err != nil {
		s.log.Error("response encode failed", "session", sess.ID, "error", err)
		return
	}
	if sess.Send(frame) {
		s.metrics.IncPendingQueueDrop()
	}
}

func (s *Server) dropSession(sess *session.Session) {
	s.sessions.MarkDisconnected(sess)
}

func remoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// floodGuard enforces the per-IP connection cap and the "fast
// connection" rate limit on new accepts.
type floodGuard struct {
	enabled    bool
	maxPerIP   int
	fastLimit  int
	fastWindow time.Duration

	mu     sync.Mutex
	perIP  map[string]int
	recent map[string][]time.Time
}

func newFloodGuard(cfg config.GatewayConfig) *floodGuard {
	return &floodGuard{
		enabled:    cfg.FloodProtection,
		maxPerIP:   cfg.MaxConnectionPerIP,
		fastLimit:  cfg.FastConnectionLimit,
		fastWindow: time.Second,
		perIP:      make(map[string]int),
		recent:     make(map[string][]time.Time),
	}
}

func (g *floodGuard) allow(ip string) bool {
	if !g.enabled {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.maxPerIP > 0 && g.perIP[ip] >= g.maxPerIP {
		return false
	}

	now := time.Now()
	window := g.recent[ip]
	kept := window[:0]
	for _, t := range window {
		if now.Sub(t) < g.fastWindow {
			kept = append(kept, t)
		}
	}
	if g.fastLimit > 0 && len(kept) >= g.fastLimit {
		g.recent[ip] = kept
		return false
	}
	g.recent[ip] = append(kept, now)
	g.perIP[ip]++
	return true
}

func (g *floodGuard) release(ip string) {
	if !g.enabled {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.perIP[ip] > 1 {
		g.perIP[ip]--
	} else {
		delete(g.perIP, ip)
		delete(g.recent, ip)
	}
}
