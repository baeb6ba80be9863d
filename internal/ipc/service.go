package ipc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"

	"escape-vpn/internal/core"
)

const (
	ServiceName = "escapevpn.Control"

	attachMethod = "/" + ServiceName + "/Attach"
	detachMethod = "/" + ServiceName + "/Detach"
	purgeMethod  = "/" + ServiceName + "/Purge"
	listMethod   = "/" + ServiceName + "/List"
)

// ControlServer is implemented by the daemon.
type ControlServer interface {
	// Attach starts monitoring and sends exactly one AttachResponse. The
	// stream stays open while the monitoring task runs.
	Attach(req *AttachRequest, stream AttachStream) error
	Detach(ctx context.Context, req *DetachRequest) (*DetachResponse, error)
	Purge(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error)
	List(ctx context.Context, req *ListRequest) (*ListResponse, error)
}

// AttachStream is the server side of an Attach call.
type AttachStream interface {
	Send(*AttachResponse) error
	Context() context.Context
}

type attachServerStream struct {
	grpc.ServerStream
}

func (s *attachServerStream) Send(m *AttachResponse) error {
	return s.ServerStream.SendMsg(m)
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detach", Handler: detachHandler},
		{MethodName: "Purge", Handler: purgeHandler},
		{MethodName: "List", Handler: listHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Attach", Handler: attachHandler, ServerStreams: true},
	},
	Metadata: "escape-vpn control",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func protocolError(method string, err error) error {
	core.Log.Warnf("IPC", "%s: rejected malformed request: %v", method, err)
	return status.Error(codes.InvalidArgument, err.Error())
}

// decodeRequest reads a raw body and decodes it into m.
func decodeRequest(method string, dec func(any) error, m Message) error {
	in := new(Frame)
	if err := dec(in); err != nil {
		return err
	}
	if err := m.UnmarshalWire(in.Data); err != nil {
		return protocolError(method, err)
	}
	return nil
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	req := new(AttachRequest)
	if err := decodeRequest("Attach", stream.RecvMsg, req); err != nil {
		return err
	}
	return srv.(ControlServer).Attach(req, &attachServerStream{stream})
}

func detachHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(DetachRequest)
	if err := decodeRequest("Detach", dec, req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Detach(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: detachMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).Detach(ctx, req.(*DetachRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func purgeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	req := new(emptypb.Empty)
	if err := proto.Unmarshal(in.Data, req); err != nil {
		return nil, protocolError("Purge", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	// Empty has no fields, so anything decoded is another message's body.
	if len(req.ProtoReflect().GetUnknown()) > 0 {
		return nil, protocolError("Purge", fmt.Errorf("%w: unexpected fields in purge request", ErrProtocol))
	}
	if interceptor == nil {
		return srv.(ControlServer).Purge(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: purgeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).Purge(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, req, info, handler)
}

func listHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ListRequest)
	if err := decodeRequest("List", dec, req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).List(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).List(ctx, req.(*ListRequest))
	}
	return interceptor(ctx, req, info, handler)
}
