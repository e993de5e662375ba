package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the grpc full service path. No .pb.go is generated for
// this build (see jsoncodec.go); the ServiceDesc below is hand-written the
// way protoc-gen-go-grpc would emit it, over JSON-coded messages instead of
// protobuf wire format.
const serviceName = "mmocore.rpc.RemoteActor"

// RemoteActorServer is the grpc server-side contract, registered against a
// *grpc.Server with RegisterRemoteActorServer.
type RemoteActorServer interface {
	Tell(ctx context.Context, req *TellRequest) (*TellResponse, error)
	Ask(ctx context.Context, req *AskRequest) (*AskResponse, error)
	HasActor(ctx context.Context, req *HasActorRequest) (*HasActorResponse, error)
	BatchTell(ctx context.Context, req *BatchTellRequest) (*BatchTellResponse, error)
	ListSystems(ctx context.Context, req *struct{}) (*ListSystemsResponse, error)
}

var remoteActorServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RemoteActorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Tell", Handler: tellHandler},
		{MethodName: "Ask", Handler: askHandler},
		{MethodName: "HasActor", Handler: hasActorHandler},
		{MethodName: "BatchTell", Handler: batchTellHandler},
		{MethodName: "ListSystems", Handler: listSystemsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mmocore/rpc.proto",
}

// RegisterRemoteActorServer publishes srv on s under the remoteActor
// service contract.
func RegisterRemoteActorServer(s *grpc.Server, srv RemoteActorServer) {
	s.RegisterService(&remoteActorServiceDesc, srv)
}

func tellHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TellRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RemoteActorServer).Tell(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Tell"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RemoteActorServer).Tell(ctx, req.(*TellRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func askHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RemoteActorServer).Ask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Ask"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RemoteActorServer).Ask(ctx, req.(*AskRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func hasActorHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HasActorRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RemoteActorServer).HasActor(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/HasActor"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RemoteActorServer).HasActor(ctx, req.(*HasActorRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func batchTellHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BatchTellRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RemoteActorServer).BatchTell(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/BatchTell"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RemoteActorServer).BatchTell(ctx, req.(*BatchTellRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listSystemsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(struct{})
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RemoteActorServer).ListSystems(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/ListSystems"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RemoteActorServer).ListSystems(ctx, req.(*struct{}))
	}
	return interceptor(ctx, in, info, handler)
}

// client adapts a *grpc.ClientConn to the value-typed RemoteActor contract
// callers depend on.
type client struct {
	cc *grpc.ClientConn
}

// NewClient wraps cc (dialed with grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName))
// by the caller, or via Dial below) as a RemoteActor.
func NewClient(cc *grpc.ClientConn) RemoteActor {
	return &client{cc: cc}
}

// Dial connects to target over an insecure JSON-coded grpc channel, the
// shape the nano-style hand-rolled cluster transport in this build uses
// between core nodes (no mTLS setup is in scope for the core runtime).
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	}, opts...)
	return grpc.NewClient(target, opts...)
}

func (c *client) Tell(ctx context.Context, req TellRequest) (TellResponse, error) {
	out := new(TellResponse)
	err := c.cc.Invoke(ctx, serviceName+"/Tell", &req, out)
	if err != nil {
		return TellResponse{}, err
	}
	return *out, nil
}

func (c *client) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	out := new(AskResponse)
	err := c.cc.Invoke(ctx, serviceName+"/Ask", &req, out)
	if err != nil {
		return AskResponse{}, err
	}
	return *out, nil
}

func (c *client) HasActor(ctx context.Context, req HasActorRequest) (HasActorResponse, error) {
	out := new(HasActorResponse)
	err := c.cc.Invoke(ctx, serviceName+"/HasActor", &req, out)
	if err != nil {
		return HasActorResponse{}, err
	}
	return *out, nil
}

func (c *client) BatchTell(ctx context.Context, req BatchTellRequest) (BatchTellResponse, error) {
	out := new(BatchTellResponse)
	err := c.cc.Invoke(ctx, serviceName+"/BatchTell", &req, out)
	if err != nil {
		return BatchTellResponse{}, err
	}
	return *out, nil
}

func (c *client) ListSystems(ctx context.Context) (ListSystemsResponse, error) {
	out := new(ListSystemsResponse)
	err := c.cc.Invoke(ctx, serviceName+"/ListSystems", &struct{}{}, out)
	if err != nil {
		return ListSystemsResponse{}, err
	}
	return *out, nil
}
