package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"fleetd/internal/eventbus"
	logx "fleetd/pkg/logx"
)

func started(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestRunsTaskAndCallsOnDone(t *testing.T) {
	t.Parallel()
	s := started(t, Config{Workers: 2, QueueSize: 4})
	done := make(chan error, 1)
	err := s.Enqueue(Task{
		Name:   "ok",
		Run:    func(context.Context) error { return nil },
		OnDone: func(err error) { done <- err },
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("OnDone err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := started(t, Config{Workers: 1, QueueSize: 1})
	done := make(chan error, 1)
	_ = s.Enqueue(Task{
		Name:   "boom",
		Run:    func(context.Context) error { panic("bad module") },
		OnDone: func(err error) { done <- err },
	})
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected panic error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
	if s.Snapshot().Failed != 1 {
		t.Fatalf("failed counter not bumped")
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()
	s := started(t, Config{Workers: 1, QueueSize: 4})
	release := make(chan struct{})
	task := Task{
		Name:    "batch",
		Key:     "dep-1",
		Overlap: OverlapSkipIfRunning,
		Run: func(ctx context.Context) error {
			<-release
			return nil
		},
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err = %v", err)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Keys != 0 {
		if time.Now().After(deadline) {
			t.Fatal("overlap key not released")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("enqueue after completion: %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	s := started(t, Config{Workers: 1, MaxWorkers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	running := make(chan struct{})
	_ = s.Enqueue(Task{Name: "hold", Run: func(context.Context) error {
		close(running)
		<-block
		return nil
	}})
	<-running
	if err := s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("queued: %v", err)
	}
	if err := s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("overflow err = %v", err)
	}
}

func TestStopCancelsAndDrains(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, MaxWorkers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	running := make(chan struct{})
	var results atomic.Int32
	var stoppedBeforeRun atomic.Int32
	_ = s.Enqueue(Task{
		Name: "long",
		Run: func(ctx context.Context) error {
			close(running)
			<-ctx.Done()
			return ctx.Err()
		},
		OnDone: func(error) { results.Add(1) },
	})
	<-running
	_ = s.Enqueue(Task{
		Name: "never",
		Run:  func(context.Context) error { return nil },
		OnDone: func(err error) {
			if errors.Is(err, ErrStopped) {
				stoppedBeforeRun.Add(1)
			}
			results.Add(1)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if results.Load() != 2 || stoppedBeforeRun.Load() != 1 {
		t.Fatalf("OnDone calls=%d stopped=%d", results.Load(), stoppedBeforeRun.Load())
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue after stop err = %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSpareWorkersRunBlockedTasksConcurrently(t *testing.T) {
	t.Parallel()
	s := started(t, Config{Workers: 2, QueueSize: 64, IdleTimeout: 50 * time.Millisecond})
	release := make(chan struct{})
	var running atomic.Int32
	const n = 20
	for i := 0; i < n; i++ {
		err := s.Enqueue(Task{Name: "hold", Run: func(context.Context) error {
			running.Add(1)
			<-release
			return nil
		}})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	waitFor(t, "all tasks running", func() bool { return running.Load() == n })
	if snap := s.Snapshot(); snap.InFlight != n || snap.QueueLen != 0 {
		t.Fatalf("in flight=%d queued=%d", snap.InFlight, snap.QueueLen)
	}

	close(release)
	waitFor(t, "spare workers to exit", func() bool { return s.Snapshot().Spares == 0 })
}

func TestMaxWorkersCapsConcurrency(t *testing.T) {
	t.Parallel()
	s := started(t, Config{Workers: 1, MaxWorkers: 3, QueueSize: 16})
	release := make(chan struct{})
	defer close(release)
	var running atomic.Int32
	for i := 0; i < 5; i++ {
		_ = s.Enqueue(Task{Name: "hold", Run: func(context.Context) error {
			running.Add(1)
			<-release
			return nil
		}})
	}
	waitFor(t, "three tasks running", func() bool { return running.Load() == 3 })
	time.Sleep(50 * time.Millisecond)
	if got := running.Load(); got != 3 {
		t.Fatalf("running = %d, want 3", got)
	}
	if snap := s.Snapshot(); snap.QueueLen != 2 || snap.Spares != 2 {
		t.Fatalf("queued=%d spares=%d", snap.QueueLen, snap.Spares)
	}
}
