package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"escape-vpn/internal/connections"
	"escape-vpn/internal/core"
	"escape-vpn/internal/ipc"
	"escape-vpn/internal/monitor"
	"escape-vpn/internal/route"
)

// Service implements ipc.ControlServer on top of the registry, the
// supervisor and the monitoring engine.
type Service struct {
	base     context.Context // parent of every monitoring task
	cfg      *core.ConfigManager
	registry *connections.Registry
	procs    *monitor.Supervisor
	engine   *monitor.Engine
	routes   route.Manager
	bus      *core.EventBus
	now      func() time.Time
}

// ServiceConfig holds parameters for creating a Service.
type ServiceConfig struct {
	Context    context.Context
	Config     *core.ConfigManager
	Registry   *connections.Registry
	Supervisor *monitor.Supervisor
	Engine     *monitor.Engine
	Routes     route.Manager
	EventBus   *core.EventBus
}

// NewService creates the control service.
func NewService(c ServiceConfig) *Service {
	base := c.Context
	if base == nil {
		base = context.Background()
	}
	return &Service{
		base:     base,
		cfg:      c.Config,
		registry: c.Registry,
		procs:    c.Supervisor,
		engine:   c.Engine,
		routes:   c.Routes,
		bus:      c.EventBus,
		now:      time.Now,
	}
}

// attachReply guards the single AttachResponse so the task never writes to a
// stream whose handler has already returned.
type attachReply struct {
	mu     sync.Mutex
	stream ipc.AttachStream
	sent   bool
	closed bool
}

func (r *attachReply) send(result ipc.AttachResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent || r.closed {
		return
	}
	r.sent = true
	if err := r.stream.Send(&ipc.AttachResponse{Result: result}); err != nil {
		core.Log.Debugf("Service", "Attach reply (%s) not delivered: %v", result, err)
	}
}

func (r *attachReply) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Attach starts a monitoring task for req.PID. The response is sent by the
// task after its first poll; the call then stays open until the task ends
// or the client goes away.
func (s *Service) Attach(req *ipc.AttachRequest, stream ipc.AttachStream) error {
	cfg := s.cfg.Get()
	delay := time.Duration(req.DelayMS) * time.Millisecond
	if req.DefaultDelay {
		delay = cfg.DefaultDelay.Std()
	}

	task := monitor.Task{
		PID:          req.PID,
		Session:      uuid.NewString(),
		Delay:        delay,
		PollInterval: cfg.PollInterval.Std(),
	}

	reply := &attachReply{stream: stream}
	defer reply.close()

	ack := func(err error) {
		if err != nil {
			reply.send(ipc.AttachProcessNotFound)
			return
		}
		reply.send(ipc.AttachOK)
	}

	info := monitor.ProcessInfo{PID: task.PID, Session: task.Session, Delay: task.Delay, Started: s.now()}
	proc, err := s.procs.Spawn(s.base, info, func(ctx context.Context) {
		_ = s.engine.Run(ctx, task, ack)
	})
	switch {
	case errors.Is(err, monitor.ErrAlreadyAttached):
		core.Log.Warnf("Service", "Attach pid %d refused: already attached", req.PID)
		reply.send(ipc.AttachAlreadyAttached)
		return nil
	case errors.Is(err, monitor.ErrTooManyProcesses):
		core.Log.Warnf("Service", "Attach pid %d refused: %v", req.PID, err)
		return status.Error(codes.ResourceExhausted, err.Error())
	case err != nil:
		return status.Error(codes.Internal, err.Error())
	}

	select {
	case <-proc.Done():
	case <-stream.Context().Done():
		core.Log.Debugf("Service", "Attach client for pid %d went away; monitoring continues", req.PID)
	}
	return nil
}

// Detach stops the task for req.PID and waits for it to exit.
func (s *Service) Detach(_ context.Context, req *ipc.DetachRequest) (*ipc.DetachResponse, error) {
	found, err := s.procs.CancelAndJoin(req.PID)
	switch {
	case err != nil:
		core.Log.Errorf("Service", "Detach pid %d: %v", req.PID, err)
		return &ipc.DetachResponse{Result: ipc.DetachUnknownError}, nil
	case !found:
		core.Log.Infof("Service", "Detach pid %d: not attached", req.PID)
		return &ipc.DetachResponse{Result: ipc.DetachProcessNotFound}, nil
	default:
		return &ipc.DetachResponse{Result: ipc.DetachOK}, nil
	}
}

// Purge removes the host route of every tracked address and empties the
// registry.
func (s *Service) Purge(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	removed := s.purge()
	core.Log.Infof("Service", "Purged %d entries", removed)
	return &emptypb.Empty{}, nil
}

// purge runs under the registry lock so no task can re-add an entry halfway
// through. Removal failures are logged and do not stop the purge.
func (s *Service) purge() int {
	var removed []core.RoutePayload
	s.registry.Update(func(tx connections.Txn) {
		for _, c := range tx.All() {
			if err := s.routes.RemoveHostRoute(c.Address); err != nil {
				core.Log.Warnf("Service", "Remove route for %s (%s): %v", c.Address, c.State, err)
				continue
			}
			removed = append(removed, core.RoutePayload{Address: c.Address})
		}
		tx.Clear()
	})

	for _, p := range removed {
		s.bus.Publish(core.Event{Type: core.EventRouteRemoved, Payload: p})
	}
	return len(removed)
}

// List reports the registry and the attached processes.
func (s *Service) List(context.Context, *ipc.ListRequest) (*ipc.ListResponse, error) {
	now := s.now()
	resp := &ipc.ListResponse{}
	for _, c := range s.registry.All() {
		info := ipc.ConnectionInfo{Address: c.Address, Routed: c.State == connections.StateRouted}
		if c.State == connections.StatePending {
			info.PendingMS = uint64(c.PendingFor(now).Milliseconds())
		}
		resp.Connections = append(resp.Connections, info)
	}
	for _, p := range s.procs.Snapshot() {
		resp.Processes = append(resp.Processes, ipc.ProcessInfo{
			PID:      p.PID,
			Session:  p.Session,
			DelayMS:  uint32(p.Delay.Milliseconds()),
			UptimeMS: uint64(now.Sub(p.Started).Milliseconds()),
		})
	}
	return resp, nil
}
