package ipc

import (
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"

	"escape-vpn/internal/core"
)

const stopTimeout = 5 * time.Second

// Server wraps a gRPC server listening on TCP.
type Server struct {
	grpc    *grpc.Server
	tracker *ConnTracker
}

// NewServer creates a control server for svc. tracker may be nil.
func NewServer(svc ControlServer, tracker *ConnTracker, opts ...grpc.ServerOption) *Server {
	base := []grpc.ServerOption{grpc.ForceServerCodec(wireCodec{})}
	if tracker != nil {
		base = append(base,
			grpc.ChainUnaryInterceptor(tracker.UnaryInterceptor()),
			grpc.ChainStreamInterceptor(tracker.StreamInterceptor()),
		)
	}
	gs := grpc.NewServer(append(base, opts...)...)
	RegisterControlServer(gs, svc)
	return &Server{grpc: gs, tracker: tracker}
}

// Listen opens a TCP listener on address. Connections are not capped: every
// attach session holds one open for as long as it runs.
func Listen(address string) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("[IPC] listen %s: %w", address, err)
	}
	return ln, nil
}

// Serve accepts control connections on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	core.Log.Infof("IPC", "Control server listening on %s", ln.Addr())
	err := s.grpc.Serve(ln)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop drains in-flight calls, then forces the server down if they have not
// finished within a few seconds.
func (s *Server) Stop() {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		core.Log.Warnf("IPC", "Graceful stop timed out after %s, forcing", stopTimeout)
		s.grpc.Stop()
		<-done
	}
}

// GRPCServer returns the underlying grpc.Server.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpc
}
