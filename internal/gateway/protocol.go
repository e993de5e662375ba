package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ludoforge/mmocore/internal/dispatch"
	"github.com/ludoforge/mmocore/internal/framing"
	"github.com/ludoforge/mmocore/internal/session"
	"github.com/ludoforge/mmocore/internal/validate"
)

// The login module occupies protocol module 0x01; pushes live above
// 0xF000 in the push-type space.
const (
	ProtocolHandshake uint16 = 0x0101
	ProtocolLogin     uint16 = 0x0102
	ProtocolHeartbeat uint16 = 0x0103
	ProtocolReconnect uint16 = 0x0104
	ProtocolEnterGame uint16 = 0x0105

	PushKick              uint16 = 0xF001
	PushMaintenanceNotice uint16 = 0xF002
)

// HandshakeRequest opens every client connection.
type HandshakeRequest struct {
	ClientVersion string `json:"client_version" validate:"required"`
	Platform      string `json:"platform" validate:"required"`
	DeviceID      string `json:"device_id" validate:"required"`
}

// HandshakeResponse hands the client its reconnection credential.
type HandshakeResponse struct {
	ServerTime int64  `json:"server_time"`
	SessionKey string `json:"session_key"`
	NeedUpdate bool   `json:"need_update,omitempty"`
}

// LoginRequest authenticates an account on an open session.
type LoginRequest struct {
	Account string `json:"account" validate:"required"`
	Token   string `json:"token" validate:"required"`
}

// LoginResponse returns the authenticated account, its role roster
// summary and the session credential; the client picks a role and sends
// EnterGame explicitly.
type LoginResponse struct {
	AccountID int64   `json:"account_id"`
	RoleIDs   []int64 `json:"role_ids"`
	Token     string  `json:"token"`
}

// EnterGameRequest binds a role to the session.
type EnterGameRequest struct {
	RoleID   int64  `json:"role_id" validate:"required"`
	RoleName string `json:"role_name"`
}

// EnterGameResponse acknowledges the binding.
type EnterGameResponse struct {
	RoleID int64 `json:"role_id"`
}

// HeartbeatRequest/Response echo client time plus server time.
type HeartbeatRequest struct {
	ClientTime int64 `json:"client_time"`
}

type HeartbeatResponse struct {
	ClientTime int64 `json:"client_time"`
	ServerTime int64 `json:"server_time"`
}

// ReconnectRequest carries the prior session's key on a new connection.
type ReconnectRequest struct {
	SessionKey string `json:"session_key" validate:"required"`
}

// ReconnectResponse acknowledges resumption; the buffered pending queue
// has already been flushed to the new connection when this is sent.
type ReconnectResponse struct {
	SessionID  int64 `json:"session_id"`
	ServerTime int64 `json:"server_time"`
}

// KickPayload explains an eviction to the displaced client.
type KickPayload struct {
	Reason string `json:"reason"`
}

// AccountAuth verifies an account credential and returns the account id
// and the roles it owns. Injected by the host — account storage is a
// collaborator, not part of the core.
type AccountAuth func(ctx context.Context, account, token string) (accountID int64, roleIDs []int64, err error)

// AuthError is the typed business error AccountAuth returns for a bad
// credential; it maps to TokenInvalid instead of SystemError.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string            { return e.Msg }
func (e *AuthError) Code() dispatch.ErrorCode { return dispatch.TokenInvalid }

// JSONParser returns a dispatch.Parser that unmarshals into T and runs the
// struct validator.
func JSONParser[T any]() dispatch.Parser {
	return func(raw []byte) (any, error) {
		var v T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("gateway: decode payload: %w", err)
			}
		}
		if err := validate.Struct(&v); err != nil {
			return nil, err
		}
		return &v, nil
	}
}

// EncodeJSON is the response Encoder the dispatcher is built with.
func EncodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// RegisterLoginFamily populates the dispatcher with the handshake, login,
// enter-game and heartbeat protocols. auth may be nil, in which case login
// always fails — useful in framing-only tests.
func (s *Server) RegisterLoginFamily(auth AccountAuth) {
	s.dispatcher.Register(dispatch.Route{
		ProtocolID:  ProtocolHandshake,
		Description: "connection handshake, returns server time and session key",
		LoginFamily: true,
		Parse:       JSONParser[HandshakeRequest](),
		Handle: func(ctx context.Context, ds dispatch.Session, payload any) (any, error) {
			sess, err := concreteSession(ds)
			if err != nil {
				return nil, err
			}
			req := payload.(*HandshakeRequest)
			sess.SetAttr("client_version", req.ClientVersion)
			sess.SetAttr("platform", req.Platform)
			sess.SetAttr("device_id", req.DeviceID)
			return &HandshakeResponse{
				ServerTime: time.Now().UnixMilli(),
				SessionKey: sess.ReconnectToken(),
			}, nil
		},
	})

	s.dispatcher.Register(dispatch.Route{
		ProtocolID:  ProtocolLogin,
		Description: "account authentication",
		LoginFamily: true,
		Parse:       JSONParser[LoginRequest](),
		Handle: func(ctx context.Context, ds dispatch.Session, payload any) (any, error) {
			sess, err := concreteSession(ds)
			if err != nil {
				return nil, err
			}
			if auth == nil {
				return nil, &AuthError{Msg: "authentication backend not configured"}
			}
			req := payload.(*LoginRequest)
			accountID, roleIDs, err := auth(ctx, req.Account, req.Token)
			if err != nil {
				return nil, err
			}
			sess.SetAttr("account", req.Account)
			sess.SetAttr("account_id", fmt.Sprintf("%d", accountID))
			return &LoginResponse{AccountID: accountID, RoleIDs: roleIDs, Token: sess.ReconnectToken()}, nil
		},
	})

	s.dispatcher.Register(dispatch.Route{
		ProtocolID:  ProtocolEnterGame,
		Description: "bind a role to the session, evicting any prior session for the role",
		LoginFamily: true,
		Parse:       JSONParser[EnterGameRequest](),
		Handle: func(ctx context.Context, ds dispatch.Session, payload any) (any, error) {
			sess, err := concreteSession(ds)
			if err != nil {
				return nil, err
			}
			if _, ok := sess.Attr("account"); !ok {
				return nil, &AuthError{Msg: "enter_game before login"}
			}
			req := payload.(*EnterGameRequest)
			s.sessions.BindRole(sess, req.RoleID, req.RoleName, s.kickEvicted)
			return &EnterGameResponse{RoleID: req.RoleID}, nil
		},
	})

	s.dispatcher.Register(dispatch.Route{
		ProtocolID:  ProtocolHeartbeat,
		Description: "liveness echo",
		LoginFamily: true,
		Parse:       JSONParser[HeartbeatRequest](),
		Handle: func(ctx context.Context, ds dispatch.Session, payload any) (any, error) {
			req := payload.(*HeartbeatRequest)
			return &HeartbeatResponse{
				ClientTime: req.ClientTime,
				ServerTime: time.Now().UnixMilli(),
			}, nil
		},
	})
}

// kickEvicted pushes a KICK frame to a session displaced by a second
// login for its role. It does not close the displaced session's
// connection.
func (s *Server) kickEvicted(evicted *session.Session) {
	payload, err := EncodeJSON(KickPayload{Reason: "logged in elsewhere"})
	if err != nil {
		return
	}
	s.sendMessage(evicted, framing.GameMessage{
		Kind:     framing.KindPush,
		Module:   PushKick >> 8,
		Method:   PushKick & 0xFF,
		PushType: PushKick,
		Payload:  payload,
	})
}

// Push sends a PUSH frame to the role's live session (or its pending
// queue while in grace). Reports whether a session for the role exists.
func (s *Server) Push(roleID int64, pushType uint16, payload any) bool {
	sess, ok := s.sessions.LookupByRole(roleID)
	if !ok {
		return false
	}
	data, err := EncodeJSON(payload)
	if err != nil {
		s.log.Error("push encode failed", "role_id", roleID, "error", err)
		return false
	}
	s.sendMessage(sess, framing.GameMessage{
		Kind:     framing.KindPush,
		Module:   pushType >> 8,
		Method:   pushType & 0xFF,
		SeqID:    sess.NextSeq(),
		PushType: pushType,
		Payload:  data,
	})
	return true
}

// handleReconnect rebinds the carrier under a prior session when its key
// verifies and the grace window is still open, discarding the placeholder
// session the connection was created with.
func (s *Server) handleReconnect(conn session.Conn, holder *sessionHolder, msg framing.GameMessage) {
	var req ReconnectRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.SessionKey == "" {
		s.sendMessage(holder.cur, framing.GameMessage{
			Kind:      framing.KindResponse,
			Module:    msg.Module,
			Method:    msg.Method,
			SeqID:     msg.SeqID,
			ErrorCode: uint16(dispatch.ParseError),
		})
		return
	}

	resumed, ok := s.sessions.TryReconnect(req.SessionKey, conn)
	if !ok {
		s.sendMessage(holder.cur, framing.GameMessage{
			Kind:      framing.KindResponse,
			Module:    msg.Module,
			Method:    msg.Method,
			SeqID:     msg.SeqID,
			ErrorCode: uint16(dispatch.TokenInvalid),
		})
		return
	}

	placeholder := holder.cur
	holder.cur = resumed
	if placeholder != resumed {
		s.sessions.Remove(placeholder)
	}

	ack, _ := EncodeJSON(ReconnectResponse{SessionID: resumed.ID, ServerTime: time.Now().UnixMilli()})
	s.sendMessage(resumed, framing.GameMessage{
		Kind:    framing.KindResponse,
		Module:  msg.Module,
		Method:  msg.Method,
		SeqID:   msg.SeqID,
		Payload: ack,
	})
}

// concreteSession recovers the *session.Session behind the dispatcher's
// narrow interface.
func concreteSession(ds dispatch.Session) (*session.Session, error) {
	sess, ok := ds.(*session.Session)
	if !ok {
		return nil, fmt.Errorf("gateway: unexpected session type %T", ds)
	}
	return sess, nil
}
