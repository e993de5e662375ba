package gateway

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ludoforge/mmocore/internal/config"
	"github.com/ludoforge/mmocore/internal/dispatch"
	"github.com/ludoforge/mmocore/internal/framing"
	"github.com/ludoforge/mmocore/internal/session"
)

func testConfig() config.GatewayConfig {
	cfg := config.Default().Gateway
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0 // ephemeral
	cfg.WSPort = 0
	cfg.FloodProtection = false
	return cfg
}

func startServer(t *testing.T) (*Server, context.CancelFunc) {
	t.Helper()
	sessions := session.NewRegistry(0, 5*time.Minute)
	registry := dispatch.New(EncodeJSON, 4, nil, nil, nil)
	srv := New(testConfig(), sessions, registry, nil, nil)
	srv.RegisterLoginFamily(func(ctx context.Context, account, token string) (int64, []int64, error) {
		if token != "valid" {
			return 0, nil, &AuthError{Msg: "bad credential"}
		}
		return 1000, []int64{7}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	waitForAddr(t, srv)
	t.Cleanup(func() { cancel(); srv.Close() })
	return srv, cancel
}

func waitForAddr(t *testing.T, srv *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Addr() != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not start")
}

// testClient is a minimal framing-speaking client.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	decoder *framing.Decoder
	buf     []byte
}

func dialClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, decoder: framing.NewDecoder(0), buf: make([]byte, 4096)}
}

func (c *testClient) request(protocolID uint16, seq uint32, payload any) {
	data, err := json.Marshal(payload)
	require.NoError(c.t, err)
	frame, err := framing.Encode(framing.GameMessage{
		Kind:    framing.KindRequest,
		Module:  protocolID >> 8,
		Method:  protocolID & 0xFF,
		SeqID:   seq,
		Payload: data,
	}, framing.DefaultMaxFrameLength)
	require.NoError(c.t, err)
	_, err = c.conn.Write(frame)
	require.NoError(c.t, err)
}

func (c *testClient) read() framing.GameMessage {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if msg, ok, err := c.decoder.Next(); err == nil && ok {
			return msg
		} else {
			require.NoError(c.t, err)
		}
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		n, err := c.conn.Read(c.buf)
		require.NoError(c.t, err)
		c.decoder.Feed(c.buf[:n])
	}
}

func (c *testClient) handshake(seq uint32) HandshakeResponse {
	c.t.Helper()
	c.request(ProtocolHandshake, seq, HandshakeRequest{
		ClientVersion: "1.0.0", Platform: "web", DeviceID: "d-1",
	})
	resp := c.read()
	require.Equal(c.t, framing.KindResponse, resp.Kind)
	require.Equal(c.t, seq, resp.SeqID)
	require.Zero(c.t, resp.ErrorCode)
	var hs HandshakeResponse
	require.NoError(c.t, json.Unmarshal(resp.Payload, &hs))
	return hs
}

func (c *testClient) login(seq uint32) {
	c.t.Helper()
	c.request(ProtocolLogin, seq, LoginRequest{Account: "acc-1", Token: "valid"})
	resp := c.read()
	require.Zero(c.t, resp.ErrorCode)
}

func (c *testClient) enterGame(seq uint32, roleID int64) {
	c.t.Helper()
	c.request(ProtocolEnterGame, seq, EnterGameRequest{RoleID: roleID, RoleName: "hero"})
	resp := c.read()
	require.Zero(c.t, resp.ErrorCode)
}

func TestHandshakeLoginEnterGame(t *testing.T) {
	srv, _ := startServer(t)
	c := dialClient(t, srv)

	hs := c.handshake(1)
	require.Len(t, hs.SessionKey, 64)
	require.InDelta(t, time.Now().UnixMilli(), hs.ServerTime, 5000)

	c.login(2)

	// Role is bound only after explicit enter_game.
	_, bound := srv.sessions.LookupByRole(7)
	require.False(t, bound)

	c.enterGame(3, 7)
	sess, bound := srv.sessions.LookupByRole(7)
	require.True(t, bound)
	require.True(t, sess.Authenticated())
}

func TestRequireLoginGate(t *testing.T) {
	srv, _ := startServer(t)
	srv.dispatcher.Register(dispatch.Route{
		ProtocolID:   0x0201,
		Description:  "guarded business op",
		RequireLogin: true,
		Parse:        JSONParser[struct{}](),
		Handle: func(ctx context.Context, ds dispatch.Session, payload any) (any, error) {
			return map[string]string{"ok": "yes"}, nil
		},
	})

	c := dialClient(t, srv)
	c.handshake(1)

	c.request(0x0201, 2, struct{}{})
	resp := c.read()
	require.Equal(t, uint16(dispatch.TokenInvalid), resp.ErrorCode)
}

func TestUnknownProtocol(t *testing.T) {
	srv, _ := startServer(t)
	c := dialClient(t, srv)
	c.handshake(1)

	c.request(0x0EFF, 2, struct{}{})
	resp := c.read()
	require.Equal(t, uint16(dispatch.IllegalOperation), resp.ErrorCode)
}

func TestHeartbeatEcho(t *testing.T) {
	srv, _ := startServer(t)
	c := dialClient(t, srv)
	c.handshake(1)

	c.request(ProtocolHeartbeat, 2, HeartbeatRequest{ClientTime: 123456})
	resp := c.read()
	require.Zero(t, resp.ErrorCode)
	var hb HeartbeatResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &hb))
	require.EqualValues(t, 123456, hb.ClientTime)
	require.InDelta(t, time.Now().UnixMilli(), hb.ServerTime, 5000)
}

func TestSecondLoginKicksFirst(t *testing.T) {
	srv, _ := startServer(t)

	c1 := dialClient(t, srv)
	c1.handshake(1)
	c1.login(2)
	c1.enterGame(3, 7)

	c2 := dialClient(t, srv)
	c2.handshake(1)
	c2.login(2)
	c2.enterGame(3, 7)

	// The displaced client receives a KICK push.
	kick := c1.read()
	require.Equal(t, framing.KindPush, kick.Kind)
	require.Equal(t, PushKick, kick.PushType)

	// The role now resolves to the second session.
	sess, ok := srv.sessions.LookupByRole(7)
	require.True(t, ok)
	require.True(t, sess.Authenticated())
}

func TestDisconnectReconnectFlushesPendingInOrder(t *testing.T) {
	srv, _ := startServer(t)

	c1 := dialClient(t, srv)
	hs := c1.handshake(1)
	c1.login(2)
	c1.enterGame(3, 7)

	// Drop the socket and wait for the server to notice.
	c1.conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, ok := srv.sessions.LookupByRole(7)
		if ok && sess.State() == session.StateDisconnected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Three pushes while disconnected buffer into the pending queue.
	for i := 1; i <= 3; i++ {
		require.True(t, srv.Push(7, PushMaintenanceNotice, map[string]int{"n": i}))
	}

	// Reconnect with the stored session key; the three pushes arrive first,
	// in send order, before the reconnect ack.
	c2 := dialClient(t, srv)
	c2.request(ProtocolReconnect, 9, ReconnectRequest{SessionKey: hs.SessionKey})

	for i := 1; i <= 3; i++ {
		msg := c2.read()
		require.Equal(t, framing.KindPush, msg.Kind)
		var body map[string]int
		require.NoError(t, json.Unmarshal(msg.Payload, &body))
		require.Equal(t, i, body["n"])
	}

	ack := c2.read()
	require.Equal(t, framing.KindResponse, ack.Kind)
	require.Equal(t, uint32(9), ack.SeqID)
	require.Zero(t, ack.ErrorCode)

	sess, ok := srv.sessions.LookupByRole(7)
	require.True(t, ok)
	require.Equal(t, session.StateAuthenticated, sess.State())
}

func TestReconnectWithBadKeyFails(t *testing.T) {
	srv, _ := startServer(t)
	c := dialClient(t, srv)
	c.handshake(1)

	c.request(ProtocolReconnect, 2, ReconnectRequest{SessionKey: "not-a-real-key"})
	resp := c.read()
	require.Equal(t, uint16(dispatch.TokenInvalid), resp.ErrorCode)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	srv, _ := startServer(t)
	c := dialClient(t, srv)
	c.handshake(1)

	// A declared length past the cap must close the connection.
	huge := make([]byte, 8)
	huge[0] = 0xFF
	huge[1] = 0xFF
	huge[2] = 0xFF
	huge[3] = 0xFF
	_, err := c.conn.Write(huge)
	require.NoError(t, err)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	_, err = c.conn.Read(buf)
	require.Error(t, err, "server must close the connection on frame overflow")
}

func TestFloodGuardPerIPCap(t *testing.T) {
	cfg := testConfig()
	cfg.FloodProtection = true
	cfg.MaxConnectionPerIP = 2
	cfg.FastConnectionLimit = 0
	g := newFloodGuard(cfg)

	require.True(t, g.allow("10.0.0.1"))
	require.True(t, g.allow("10.0.0.1"))
	require.False(t, g.allow("10.0.0.1"))
	require.True(t, g.allow("10.0.0.2"))

	g.release("10.0.0.1")
	require.True(t, g.allow("10.0.0.1"))
}

func TestFloodGuardFastConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.FloodProtection = true
	cfg.MaxConnectionPerIP = 0
	cfg.FastConnectionLimit = 3
	g := newFloodGuard(cfg)

	for i := 0; i < 3; i++ {
		require.True(t, g.allow("10.0.0.1"))
	}
	require.False(t, g.allow("10.0.0.1"), "4th connect within the window must be rejected")
}
