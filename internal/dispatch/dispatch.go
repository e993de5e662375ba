// Package dispatch is the explicit, no-reflection handler registry and
// dispatch pipeline: each protocol id maps to a statically
// registered description, auth requirement, sync/async mode, payload
// parser and handler function, populated once at boot.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ludoforge/mmocore/internal/framing"
	"github.com/ludoforge/mmocore/internal/metrics"
	"github.com/ludoforge/mmocore/internal/trace"
)

// ErrorCode is the RESPONSE error_code surface.
type ErrorCode uint16

const (
	Success ErrorCode = iota
	IllegalOperation
	TokenInvalid
	ParseError
	SystemError
)

// SlowHandlerThreshold is the elapsed-time warning threshold (
// step 5: "warn if > 100 ms").
const SlowHandlerThreshold = 100 * time.Millisecond

// Session is the subset of session.Session the dispatcher needs, kept
// narrow so this package does not import internal/session (avoiding an
// import cycle with the gateway, which depends on both).
type Session interface {
	SessionID() int64
	Authenticated() bool
}

// BusinessError is the interface a handler returns to surface a specific
// ErrorCode instead of a generic SystemError.
type BusinessError interface {
	error
	Code() ErrorCode
}

// Handler processes a parsed payload and returns either a response payload
// to wrap in a RESPONSE frame, or an error.
type Handler func(ctx context.Context, sess Session, payload any) (response any, err error)

// Parser decodes raw request bytes into the typed value a Handler expects,
// and is expected to run validate.Struct on the result.
type Parser func(raw []byte) (any, error)

// Encoder serializes a handler's response value back to wire bytes.
type Encoder func(v any) ([]byte, error)

// Route is one registered protocol's full dispatch description.
type Route struct {
	ProtocolID   uint16
	Description  string
	RequireLogin bool
	Async        bool
	LoginFamily  bool
	Parse        Parser
	Handle       Handler
}

// Registry is the static, boot-populated table of routes.
type Registry struct {
	routes  map[uint16]Route
	encode  Encoder
	workers chan func()

	metrics *metrics.Sink
	tracer  *trace.Tracer
	log     *slog.Logger
}

// New creates an empty Registry. encode serializes handler responses;
// workerPoolSize sizes the async handler pool ("hand off to a
// worker pool").
func New(encode Encoder, workerPoolSize int, m *metrics.Sink, tr *trace.Tracer, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if workerPoolSize <= 0 {
		workerPoolSize = 1
	}
	r := &Registry{
		routes:  make(map[uint16]Route),
		encode:  encode,
		workers: make(chan func(), 4096),
		metrics: m,
		tracer:  tr,
		log:     log,
	}
	for i := 0; i < workerPoolSize; i++ {
		go r.runWorker()
	}
	return r
}

func (r *Registry) runWorker() {
	for fn := range r.workers {
		fn()
	}
}

// Register adds route to the table. Intended to be called only during
// boot, before any dispatch traffic arrives — Registry performs no locking
// around the map for that reason.
func (r *Registry) Register(route Route) {
	r.routes[route.ProtocolID] = route
}

// Dispatch runs the full registration-to-response pipeline for one inbound frame and
// returns the RESPONSE frame to write back (nil if the route is async and
// the eventual response will be sent later as a PUSH or direct write).
func (r *Registry) Dispatch(ctx context.Context, sess Session, req framing.GameMessage) *framing.GameMessage {
	protocolID := req.ProtocolID()
	route, ok := r.routes[protocolID]
	if !ok {
		return r.errorResponse(req, IllegalOperation)
	}

	if route.RequireLogin && !route.LoginFamily && !sess.Authenticated() {
		return r.errorResponse(req, TokenInvalid)
	}

	payload, err := route.Parse(req.Payload)
	if err != nil {
		return r.errorResponse(req, ParseError)
	}

	run := func() *framing.GameMessage {
		start := time.Now()
		spanCtx, end := r.tracer.Start(ctx, "dispatch", map[string]string{"protocol_id": protocolIDLabel(protocolID)})
		resp, err := safeInvoke(route.Handle, spanCtx, sess, payload)
		end(err)
		elapsed := time.Since(start)
		r.metrics.ObserveDispatch(protocolIDLabel(protocolID), elapsed)
		if elapsed > SlowHandlerThreshold {
			r.log.Warn("slow handler", "protocol_id", protocolID, "elapsed", elapsed)
		}
		return r.buildResponse(req, resp, err)
	}

	if !route.Async {
		return run()
	}

	select {
	case r.workers <- func() { run() }:
	default:
		r.log.Warn("dispatch worker pool saturated, dropping async handler", "protocol_id", protocolID)
	}
	return nil
}

// safeInvoke recovers a panicking handler into a SystemError, mirroring
// "other exceptions are logged and become SystemError".
func safeInvoke(h Handler, ctx context.Context, sess Session, payload any) (resp any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = systemErrorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, sess, payload)
}

func (r *Registry) buildResponse(req framing.GameMessage, resp any, err error) *framing.GameMessage {
	if err != nil {
		code := SystemError
		if be, ok := err.(BusinessError); ok {
			code = be.Code()
		} else {
			r.log.Error("handler error", "protocol_id", req.ProtocolID(), "error", err)
		}
		return r.errorResponse(req, code)
	}

	var payload []byte
	if resp != nil && r.encode != nil {
		encoded, encErr := r.encode(resp)
		if encErr != nil {
			r.log.Error("response encode failed", "protocol_id", req.ProtocolID(), "error", encErr)
			return r.errorResponse(req, SystemError)
		}
		payload = encoded
	}
	return &framing.GameMessage{
		Kind:      framing.KindResponse,
		Module:    req.Module,
		Method:    req.Method,
		SeqID:     req.SeqID,
		ErrorCode: uint16(Success),
		Payload:   payload,
	}
}

func (r *Registry) errorResponse(req framing.GameMessage, code ErrorCode) *framing.GameMessage {
	if r.metrics != nil {
		r.metrics.IncDispatchError(protocolIDLabel(req.ProtocolID()), errorCodeLabel(code))
	}
	return &framing.GameMessage{
		Kind:      framing.KindResponse,
		Module:    req.Module,
		Method:    req.Method,
		SeqID:     req.SeqID,
		ErrorCode: uint16(code),
	}
}

type systemError string

func (e systemError) Error() string { return string(e) }

func systemErrorf(format string, args ...any) error {
	return systemError(fmt.Sprintf(format, args...))
}

func protocolIDLabel(id uint16) string {
	return fmt.Sprintf("%d.%d", id>>8, id&0xFF)
}

func errorCodeLabel(code ErrorCode) string {
	switch code {
	case Success:
		return "SUCCESS"
	case IllegalOperation:
		return "ILLEGAL_OPERATION"
	case TokenInvalid:
		return "TOKEN_INVALID"
	case ParseError:
		return "PARSE_ERROR"
	case SystemError:
		return "SYSTEM_ERROR"
	default:
		return fmt.Sprintf("CODE_%d", code)
	}
}
