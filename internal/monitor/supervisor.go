package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"escape-vpn/internal/core"
)

var (
	// ErrAlreadyAttached is returned when a pid already has a running task.
	ErrAlreadyAttached = errors.New("process already attached")
	// ErrTooManyProcesses is returned when the attach cap is reached.
	ErrTooManyProcesses = errors.New("too many attached processes")
	// ErrJoinHandleConsumed means another caller is already waiting for the
	// task to stop.
	ErrJoinHandleConsumed = errors.New("task join handle already consumed")
)

// Process is a running monitoring task.
type Process struct {
	PID     uint32
	Session string
	Delay   time.Duration
	Started time.Time

	cancel context.CancelFunc
	done   chan struct{}
	join   <-chan struct{} // nil once a caller has claimed the join
}

// Done is closed when the task has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ProcessInfo is a read-only view of an attached process.
type ProcessInfo struct {
	PID     uint32
	Session string
	Delay   time.Duration
	Started time.Time
}

// Supervisor maps attached pids to their running task.
type Supervisor struct {
	mu    sync.Mutex
	procs map[uint32]*Process
	max   int
	bus   *core.EventBus
}

// NewSupervisor creates a supervisor. max <= 0 means no cap.
func NewSupervisor(max int, bus *core.EventBus) *Supervisor {
	return &Supervisor{
		procs: make(map[uint32]*Process),
		max:   max,
		bus:   bus,
	}
}

// Spawn registers a task for pid and starts run on its own goroutine with a
// context derived from parent. The entry is dropped before Done is closed, so
// a finished pid can be attached again as soon as Done fires.
func (s *Supervisor) Spawn(parent context.Context, info ProcessInfo, run func(ctx context.Context)) (*Process, error) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	p := &Process{
		PID:     info.PID,
		Session: info.Session,
		Delay:   info.Delay,
		Started: info.Started,
		cancel:  cancel,
		done:    done,
		join:    done,
	}
	if p.Started.IsZero() {
		p.Started = time.Now()
	}

	if err := s.register(p); err != nil {
		cancel()
		return nil, err
	}

	go func() {
		defer func() {
			cancel()
			s.forget(p)
			close(done)
		}()
		run(ctx)
	}()
	return p, nil
}

// register records p. A pid that is already attached is rejected.
func (s *Supervisor) register(p *Process) error {
	s.mu.Lock()
	if _, exists := s.procs[p.PID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("[Supervisor] pid %d: %w", p.PID, ErrAlreadyAttached)
	}
	if s.max > 0 && len(s.procs) >= s.max {
		s.mu.Unlock()
		return fmt.Errorf("[Supervisor] pid %d: %w (max %d)", p.PID, ErrTooManyProcesses, s.max)
	}
	s.procs[p.PID] = p
	s.mu.Unlock()

	core.Log.Infof("Supervisor", "Attached pid %d (session=%s)", p.PID, p.Session)
	s.bus.Publish(core.Event{Type: core.EventProcessAttached, Payload: core.ProcessPayload{PID: p.PID, Session: p.Session}})
	return nil
}

// CancelAndJoin cancels the task for pid and blocks until it has exited.
// found is false when pid is not attached.
func (s *Supervisor) CancelAndJoin(pid uint32) (found bool, err error) {
	s.mu.Lock()
	p, ok := s.procs[pid]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	join := p.join
	p.join = nil
	s.mu.Unlock()

	if join == nil {
		return true, fmt.Errorf("[Supervisor] pid %d: %w", pid, ErrJoinHandleConsumed)
	}

	p.cancel()
	<-join
	s.forget(p)
	return true, nil
}

// forget drops p if it is still the registered task for its pid.
func (s *Supervisor) forget(p *Process) {
	s.mu.Lock()
	cur, ok := s.procs[p.PID]
	if !ok || cur != p {
		s.mu.Unlock()
		return
	}
	delete(s.procs, p.PID)
	s.mu.Unlock()

	core.Log.Infof("Supervisor", "Detached pid %d (session=%s)", p.PID, p.Session)
	s.bus.Publish(core.Event{Type: core.EventProcessDetached, Payload: core.ProcessPayload{PID: p.PID, Session: p.Session}})
}

// Snapshot lists attached processes ordered by pid.
func (s *Supervisor) Snapshot() []ProcessInfo {
	s.mu.Lock()
	out := make([]ProcessInfo, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, ProcessInfo{PID: p.PID, Session: p.Session, Delay: p.Delay, Started: p.Started})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Len returns the number of attached processes.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// StopAll cancels every task and waits for all of them to exit.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		p.cancel()
	}
	for _, p := range procs {
		<-p.done
	}
	core.Log.Infof("Supervisor", "Stopped %d monitoring tasks", len(procs))
}
