package rpc

import "context"

// localAdapter lets a Server satisfy the value-typed RemoteActor contract
// so a caller whose target actor happens to live on this node can skip the
// network hop entirely while using the exact same call shape as a remote
// invocation.
type localAdapter struct {
	srv *Server
}

// Local wraps srv as a RemoteActor for same-node calls.
func Local(srv *Server) RemoteActor {
	return &localAdapter{srv: srv}
}

func (l *localAdapter) Tell(ctx context.Context, req TellRequest) (TellResponse, error) {
	resp, err := l.srv.Tell(ctx, &req)
	if err != nil {
		return TellResponse{}, err
	}
	return *resp, nil
}

func (l *localAdapter) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	resp, err := l.srv.Ask(ctx, &req)
	if err != nil {
		return AskResponse{}, err
	}
	return *resp, nil
}

func (l *localAdapter) HasActor(ctx context.Context, req HasActorRequest) (HasActorResponse, error) {
	resp, err := l.srv.HasActor(ctx, &req)
	if err != nil {
		return HasActorResponse{}, err
	}
	return *resp, nil
}

func (l *localAdapter) BatchTell(ctx context.Context, req BatchTellRequest) (BatchTellResponse, error) {
	resp, err := l.srv.BatchTell(ctx, &req)
	if err != nil {
		return BatchTellResponse{}, err
	}
	return *resp, nil
}

func (l *localAdapter) ListSystems(ctx context.Context) (ListSystemsResponse, error) {
	resp, err := l.srv.ListSystems(ctx, &struct{}{})
	if err != nil {
		return ListSystemsResponse{}, err
	}
	return *resp, nil
}
