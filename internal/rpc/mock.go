package rpc

import "context"

// MockProvider stands in for every contract at bootstrap until a real
// remote endpoint is discovered, so callers never hold a nil dependency.
// Every call fails with ErrServiceUnavailable rather than the caller
// needing a nil check.
type MockProvider struct{}

var _ RemoteActor = MockProvider{}

func (MockProvider) Tell(context.Context, TellRequest) (TellResponse, error) {
	return TellResponse{}, ErrServiceUnavailable
}

func (MockProvider) Ask(context.Context, AskRequest) (AskResponse, error) {
	return AskResponse{}, ErrServiceUnavailable
}

func (MockProvider) HasActor(context.Context, HasActorRequest) (HasActorResponse, error) {
	return HasActorResponse{}, ErrServiceUnavailable
}

func (MockProvider) BatchTell(context.Context, BatchTellRequest) (BatchTellResponse, error) {
	return BatchTellResponse{}, ErrServiceUnavailable
}

func (MockProvider) ListSystems(context.Context) (ListSystemsResponse, error) {
	return ListSystemsResponse{}, ErrServiceUnavailable
}
