package ipc

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"escape-vpn/internal/core"
)

// ConnTracker counts in-flight control RPCs. Long-lived Attach streams count
// for as long as the client keeps them open.
//
// maxUnary caps concurrent unary calls only. Attach streams are never refused
// here, so held sessions cannot lock out Detach or Purge.
type ConnTracker struct {
	active   atomic.Int64
	unary    atomic.Int64
	maxUnary int64
	onChange func(active int64) // may be nil
}

// NewConnTracker creates a tracker. maxUnary <= 0 means no cap. onChange is
// called synchronously with the new count after every change.
func NewConnTracker(maxUnary int, onChange func(active int64)) *ConnTracker {
	return &ConnTracker{maxUnary: int64(maxUnary), onChange: onChange}
}

// ActiveCount returns the current number of active RPCs.
func (ct *ConnTracker) ActiveCount() int64 {
	return ct.active.Load()
}

func (ct *ConnTracker) inc(method string) {
	n := ct.active.Add(1)
	core.Log.Debugf("IPC", "%s started (%d active)", method, n)
	if ct.onChange != nil {
		ct.onChange(n)
	}
}

func (ct *ConnTracker) dec(method string) {
	n := ct.active.Add(-1)
	core.Log.Debugf("IPC", "%s finished (%d active)", method, n)
	if ct.onChange != nil {
		ct.onChange(n)
	}
}

// UnaryInterceptor returns a gRPC unary server interceptor that tracks active RPCs.
func (ct *ConnTracker) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		n := ct.unary.Add(1)
		defer ct.unary.Add(-1)
		if ct.maxUnary > 0 && n > ct.maxUnary {
			core.Log.Warnf("IPC", "%s refused: %d concurrent requests (max %d)", info.FullMethod, n-1, ct.maxUnary)
			return nil, status.Errorf(codes.ResourceExhausted, "too many concurrent requests (max %d)", ct.maxUnary)
		}
		ct.inc(info.FullMethod)
		defer ct.dec(info.FullMethod)
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream server interceptor that tracks active streams.
func (ct *ConnTracker) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ct.inc(info.FullMethod)
		defer ct.dec(info.FullMethod)
		return handler(srv, ss)
	}
}
