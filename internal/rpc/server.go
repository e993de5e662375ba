package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ludoforge/mmocore/internal/actor"
)

// MessageFactory decodes a remote Tell/Ask's message_type + JSON payload
// into the concrete Go value the target actor.System's Handler expects.
// Each actor System registers its own factory — this package has no
// built-in knowledge of business message shapes.
type MessageFactory func(messageType string, payloadJSON []byte) (any, error)

// Server bridges the grpc remoteActor contract to this node's in-memory
// actor.System instances, so a remote tell/ask lands on the actual
// single-writer mailbox rather than a network stub.
type Server struct {
	systems map[string]*actor.System
	decode  map[string]MessageFactory
}

// NewServer builds an empty Server; register each hosted system with
// RegisterSystem before starting the grpc listener.
func NewServer() *Server {
	return &Server{
		systems: make(map[string]*actor.System),
		decode:  make(map[string]MessageFactory),
	}
}

// RegisterSystem makes name's actors reachable over this server, using
// decode to turn incoming message_type/payload_json pairs into the
// concrete values sys.Handle expects.
func (s *Server) RegisterSystem(name string, sys *actor.System, decode MessageFactory) {
	s.systems[name] = sys
	s.decode[name] = decode
}

var _ RemoteActorServer = (*Server)(nil)

func (s *Server) Tell(ctx context.Context, req *TellRequest) (*TellResponse, error) {
	sys, decode, err := s.lookup(req.System)
	if err != nil {
		return nil, err
	}
	msg, err := decode(req.MessageType, []byte(req.PayloadJSON))
	if err != nil {
		return nil, fmt.Errorf("rpc: decode message: %w", err)
	}
	return &TellResponse{Delivered: sys.Tell(ctx, req.ActorID, msg)}, nil
}

func (s *Server) Ask(ctx context.Context, req *AskRequest) (*AskResponse, error) {
	sys, decode, err := s.lookup(req.System)
	if err != nil {
		return nil, err
	}
	msg, err := decode(req.MessageType, []byte(req.PayloadJSON))
	if err != nil {
		return nil, fmt.Errorf("rpc: decode message: %w", err)
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	result, err := sys.Ask(ctx, req.ActorID, msg, timeout)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &AskResponse{Found: true}, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode result: %w", err)
	}
	return &AskResponse{ResultJSON: string(encoded), Found: true}, nil
}

func (s *Server) HasActor(ctx context.Context, req *HasActorRequest) (*HasActorResponse, error) {
	sys, ok := s.systems[req.System]
	if !ok {
		return &HasActorResponse{Present: false}, nil
	}
	_, present := sys.GetActorIfPresent(req.ActorID)
	return &HasActorResponse{Present: present}, nil
}

func (s *Server) BatchTell(ctx context.Context, req *BatchTellRequest) (*BatchTellResponse, error) {
	sys, decode, err := s.lookup(req.System)
	if err != nil {
		return nil, err
	}
	msg, err := decode(req.MessageType, []byte(req.PayloadJSON))
	if err != nil {
		return nil, fmt.Errorf("rpc: decode message: %w", err)
	}
	delivered := 0
	for _, id := range req.ActorIDs {
		if sys.Tell(ctx, id, msg) {
			delivered++
		}
	}
	return &BatchTellResponse{Delivered: delivered}, nil
}

func (s *Server) ListSystems(ctx context.Context, _ *struct{}) (*ListSystemsResponse, error) {
	names := make([]string, 0, len(s.systems))
	for name := range s.systems {
		names = append(names, name)
	}
	return &ListSystemsResponse{Names: names}, nil
}

func (s *Server) lookup(system string) (*actor.System, MessageFactory, error) {
	sys, ok := s.systems[system]
	if !ok {
		return nil, nil, fmt.Errorf("rpc: unknown actor system %q", system)
	}
	return sys, s.decode[system], nil
}
