package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ludoforge/mmocore/internal/framing"
)

// wsListener serves the WebSocket carrier: one binary WS message per
// frame, run through the same codec and dispatch path as TCP.
type wsListener struct {
	srv  *Server
	http *http.Server
}

func newWSListener(srv *Server, addr string) *wsListener {
	mux := http.NewServeMux()
	l := &wsListener{srv: srv}
	mux.HandleFunc("/ws", l.serveWS)
	l.http = &http.Server{Addr: addr, Handler: mux}
	return l
}

func (l *wsListener) run() error {
	l.srv.log.Info("gateway websocket listening", "addr", l.http.Addr)
	err := l.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (l *wsListener) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.http.Shutdown(ctx)
}

func (l *wsListener) serveWS(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(strAddr(r.RemoteAddr))
	if !l.srv.flood.allow(ip) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer l.srv.flood.release(ip)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The binary game protocol has its own auth; cross-origin browser
		// clients are expected.
		InsecureSkipVerify: true,
	})
	if err != nil {
		l.srv.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(int64(l.srv.cfg.MaxFrameLength))

	conn := &wsConn{ws: ws, remote: strAddr(r.RemoteAddr)}
	defer conn.Close()

	sess, err := l.srv.sessions.CreateSession(conn)
	if err != nil {
		l.srv.log.Error("session create failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	holder := &sessionHolder{cur: sess}
	defer func() { l.srv.dropSession(holder.cur) }()

	decoder := framing.NewDecoder(l.srv.cfg.MaxFrameLength)

	for {
		typ, data, err := ws.Read(r.Context())
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		decoder.Feed(data)
		if closeConn := l.srv.drainFrames(decoder, conn, holder); closeConn {
			ws.Close(websocket.StatusProtocolError, "bad frame")
			return
		}
	}
}

// wsConn adapts a websocket.Conn to the session.Conn carrier contract.
// Writes are serialized by a mutex — websocket.Conn allows one concurrent
// writer.
type wsConn struct {
	ws     *websocket.Conn
	remote net.Addr

	mu sync.Mutex
}

func (c *wsConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageBinary, frame)
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.remote
}

// strAddr wraps a host:port string as a net.Addr for the session layer.
type strAddr string

func (a strAddr) Network() string { return "tcp" }
func (a strAddr) String() string  { return string(a) }
