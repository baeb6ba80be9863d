package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escape-vpn/internal/core"
)

func blockUntilCancel(ctx context.Context) { <-ctx.Done() }

func TestSpawnAndCancelAndJoin(t *testing.T) {
	s := NewSupervisor(0, core.NewEventBus())

	var stopped sync.WaitGroup
	stopped.Add(1)
	p, err := s.Spawn(context.Background(), ProcessInfo{PID: 10, Session: "a"}, func(ctx context.Context) {
		defer stopped.Done()
		<-ctx.Done()
	})
	require.NoError(t, err)
	assert.False(t, p.Started.IsZero())
	assert.Equal(t, 1, s.Len())

	found, err := s.CancelAndJoin(10)
	require.NoError(t, err)
	assert.True(t, found)
	stopped.Wait()
	assert.Zero(t, s.Len())

	select {
	case <-p.Done():
	default:
		t.Fatal("Done must be closed after CancelAndJoin")
	}
}

func TestCancelAndJoinUnknownPID(t *testing.T) {
	s := NewSupervisor(0, nil)
	found, err := s.CancelAndJoin(42)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestDuplicateSpawnRejected(t *testing.T) {
	s := NewSupervisor(0, nil)
	_, err := s.Spawn(context.Background(), ProcessInfo{PID: 10, Session: "first"}, blockUntilCancel)
	require.NoError(t, err)

	ran := false
	_, err = s.Spawn(context.Background(), ProcessInfo{PID: 10, Session: "second"}, func(context.Context) { ran = true })
	assert.ErrorIs(t, err, ErrAlreadyAttached)
	assert.False(t, ran)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "first", snap[0].Session, "existing task is unaffected")

	s.StopAll()
}

func TestSupervisorCap(t *testing.T) {
	s := NewSupervisor(1, nil)
	_, err := s.Spawn(context.Background(), ProcessInfo{PID: 1}, blockUntilCancel)
	require.NoError(t, err)
	_, err = s.Spawn(context.Background(), ProcessInfo{PID: 2}, blockUntilCancel)
	assert.ErrorIs(t, err, ErrTooManyProcesses)
	s.StopAll()
	assert.Zero(t, s.Len())
}

func TestFinishedTaskIsForgotten(t *testing.T) {
	bus := core.NewEventBus()
	var mu sync.Mutex
	var detached []uint32
	bus.Subscribe(func(e core.Event) {
		mu.Lock()
		detached = append(detached, e.Payload.(core.ProcessPayload).PID)
		mu.Unlock()
	}, core.EventProcessDetached)

	s := NewSupervisor(0, bus)
	p, err := s.Spawn(context.Background(), ProcessInfo{PID: 7}, func(context.Context) {})
	require.NoError(t, err)
	<-p.Done()

	assert.Zero(t, s.Len(), "entry is dropped before Done closes")
	found, err := s.CancelAndJoin(7)
	assert.NoError(t, err)
	assert.False(t, found)

	_, err = s.Spawn(context.Background(), ProcessInfo{PID: 7}, blockUntilCancel)
	require.NoError(t, err, "pid can be attached again")
	s.StopAll()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint32{7, 7}, detached)
}

func TestConcurrentJoinReportsConsumedHandle(t *testing.T) {
	s := NewSupervisor(0, nil)
	release := make(chan struct{})
	_, err := s.Spawn(context.Background(), ProcessInfo{PID: 5}, func(context.Context) {
		<-release // ignores cancellation until released
	})
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := s.CancelAndJoin(5)
		first <- err
	}()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		p, ok := s.procs[5]
		return ok && p.join == nil
	}, 2*time.Second, time.Millisecond)

	found, err := s.CancelAndJoin(5)
	assert.True(t, found)
	assert.ErrorIs(t, err, ErrJoinHandleConsumed)

	close(release)
	assert.NoError(t, <-first)
	assert.Zero(t, s.Len())
}

func TestSnapshotSortedByPID(t *testing.T) {
	s := NewSupervisor(0, nil)
	for _, pid := range []uint32{30, 10, 20} {
		_, err := s.Spawn(context.Background(), ProcessInfo{PID: pid, Delay: time.Second}, blockUntilCancel)
		require.NoError(t, err)
	}
	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []uint32{10, 20, 30}, []uint32{snap[0].PID, snap[1].PID, snap[2].PID})
	s.StopAll()
	assert.Zero(t, s.Len())
}
