package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
)

const defaultDialTimeout = 5 * time.Second

// Client is a control channel connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon at address (host:port). Extra options are
// appended after the defaults, which is how tests inject a bufconn dialer.
func Dial(address string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	conn, err := grpc.NewClient("passthrough:///"+address, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("[IPC] dial %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

// DialAddressFile reads the daemon address from path and connects to it.
func DialAddressFile(path string, opts ...grpc.DialOption) (*Client, error) {
	addr, err := ReadAddress(path)
	if err != nil {
		return nil, err
	}
	return Dial(addr, opts...)
}

// Close shuts down the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultDialTimeout)
}

func (c *Client) invoke(ctx context.Context, method string, req any, resp Message) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	in := new(Frame)
	if err := c.conn.Invoke(ctx, method, req, in); err != nil {
		return err
	}
	if err := resp.UnmarshalWire(in.Data); err != nil {
		return fmt.Errorf("[IPC] %s: %w", method, err)
	}
	return nil
}

// Detach asks the daemon to stop monitoring pid.
func (c *Client) Detach(ctx context.Context, pid uint32) (DetachResult, error) {
	resp := new(DetachResponse)
	if err := c.invoke(ctx, detachMethod, &DetachRequest{PID: pid}, resp); err != nil {
		return DetachUnknownError, err
	}
	return resp.Result, nil
}

// Purge removes every route the daemon installed and clears its registry.
func (c *Client) Purge(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	in := new(Frame)
	if err := c.conn.Invoke(ctx, purgeMethod, &emptypb.Empty{}, in); err != nil {
		return err
	}
	if err := proto.Unmarshal(in.Data, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("[IPC] %s: %w: %v", purgeMethod, ErrProtocol, err)
	}
	return nil
}

// List returns the daemon's registry and attached processes.
func (c *Client) List(ctx context.Context) (*ListResponse, error) {
	resp := new(ListResponse)
	if err := c.invoke(ctx, listMethod, &ListRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AttachSession is an open Attach call.
type AttachSession struct {
	Result AttachResult
	stream grpc.ClientStream
}

// Attach asks the daemon to monitor the process described by req and waits
// for its answer. On AttachOK the returned session stays open until the
// daemon ends monitoring or ctx is cancelled.
func (c *Client) Attach(ctx context.Context, req *AttachRequest) (*AttachSession, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], attachMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	in := new(Frame)
	if err := stream.RecvMsg(in); err != nil {
		return nil, err
	}
	resp := new(AttachResponse)
	if err := resp.UnmarshalWire(in.Data); err != nil {
		return nil, fmt.Errorf("[IPC] %s: %w", attachMethod, err)
	}
	return &AttachSession{Result: resp.Result, stream: stream}, nil
}

// Wait blocks until the daemon closes the session. It returns nil when
// monitoring ended on the daemon side.
func (s *AttachSession) Wait() error {
	err := s.stream.RecvMsg(new(Frame))
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("[IPC] %s: %w: unexpected second response", attachMethod, ErrProtocol)
	}
	return err
}
