// Package rpc is the remote actor RPC transport: a `remoteActor`
// service contract any node can call against any other node to tell/ask an
// actor regardless of location, plus the load-balancing policies callers
// select a target node with and a mock provider guaranteeing the
// dependency is never nil at bootstrap.
package rpc

import (
	"context"
	"errors"
	"time"
)

// ErrServiceUnavailable is returned by every call on the mock provider. The
// grpc client returns the transport's own error when an endpoint cannot be
// reached.
var ErrServiceUnavailable = errors.New("rpc: service unavailable")

// DefaultTimeout is the default per-call deadline (timeouts default
// to 3 s").
const DefaultTimeout = 3 * time.Second

// TellRequest/TellResponse, AskRequest/AskResponse etc. are the wire
// envelopes exchanged over the JSON-coded grpc transport (see jsoncodec.go)
// — plain structs rather than protoc-generated types, since no .pb.go
// generation runs in this build.
type TellRequest struct {
	System      string `json:"system"`
	ActorID     string `json:"actor_id"`
	MessageType string `json:"message_type"`
	PayloadJSON string `json:"payload_json"`
	TraceID     string `json:"trace_id,omitempty"`
	SpanID      string `json:"span_id,omitempty"`
}

type TellResponse struct {
	Delivered bool `json:"delivered"`
}

type AskRequest struct {
	System      string `json:"system"`
	ActorID     string `json:"actor_id"`
	MessageType string `json:"message_type"`
	PayloadJSON string `json:"payload_json"`
	TimeoutMs   int64  `json:"timeout_ms"`
	TraceID     string `json:"trace_id,omitempty"`
	SpanID      string `json:"span_id,omitempty"`
}

type AskResponse struct {
	ResultJSON string `json:"result_json"`
	Found      bool   `json:"found"`
}

type HasActorRequest struct {
	System  string `json:"system"`
	ActorID string `json:"actor_id"`
}

type HasActorResponse struct {
	Present bool `json:"present"`
}

type BatchTellRequest struct {
	System      string   `json:"system"`
	ActorIDs    []string `json:"actor_ids"`
	MessageType string   `json:"message_type"`
	PayloadJSON string   `json:"payload_json"`
}

type BatchTellResponse struct {
	Delivered int `json:"delivered"`
}

type ListSystemsResponse struct {
	Names []string `json:"names"`
}

// RemoteActor is the `remoteActor` service contract: `tell`/`ask`
// across nodes plus the introspection calls load-balancing policies need.
// Both the grpc client stub and the mock provider implement it, so callers
// depend only on this interface.
type RemoteActor interface {
	Tell(ctx context.Context, req TellRequest) (TellResponse, error)
	Ask(ctx context.Context, req AskRequest) (AskResponse, error)
	HasActor(ctx context.Context, req HasActorRequest) (HasActorResponse, error)
	BatchTell(ctx context.Context, req BatchTellRequest) (BatchTellResponse, error)
	ListSystems(ctx context.Context) (ListSystemsResponse, error)
}
