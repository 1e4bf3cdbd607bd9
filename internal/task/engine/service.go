package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fleetd/internal/eventbus"
	rtsup "fleetd/internal/runtime/supervisor"
	logx "fleetd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is the worker pool. Batch runs, event processing and system
// messages all execute here so shutdown can cancel and wait for them in one
// place. Queued tasks never wait for a busy worker while MaxWorkers allows
// another one.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu       sync.Mutex
	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	overlap  overlapSet
	inFlight atomic.Int32
	idle     atomic.Int32
	spares   atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	idSeq atomic.Uint64

	droppedFull  atomic.Uint64
	droppedStale atomic.Uint64
	failed       atomic.Uint64

	lastFullWarn  atomic.Int64
	lastStaleWarn atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	tracked    bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "engine")), bus: bus}
}

func (s *Service) Config() Config { return s.cfg }

// Supervisor returns the worker supervisor (nil before Start).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the workers. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.q = make(chan queuedTask, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	queue, stopCh := s.q, s.stopCh
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishErrors(true))
	}
	s.log.Info("task engine started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("max_workers", s.cfg.MaxWorkers),
		logx.Int("queue", s.cfg.QueueSize),
	)
}

// Stop rejects new tasks, cancels running ones and waits for the workers
// (bounded by ctx). Tasks still queued are completed with ErrStopped.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	err := sup.Stop(ctx)

	for drained := false; !drained; {
		select {
		case qt := <-queue:
			s.finish(qt, ErrStopped)
		default:
			drained = true
		}
	}

	s.mu.Lock()
	s.stopCh, s.q, s.sup = nil, nil, nil
	s.mu.Unlock()

	if err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		return err
	}
	s.log.Info("task engine stopped")
	return nil
}

// Enqueue adds a task without blocking. A full queue rejects it.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is accepted, ctx ends, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	q, stopCh, stopping := s.q, s.stopCh, s.stopping
	s.mu.Unlock()
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout}
	if t.Overlap == OverlapSkipIfRunning {
		if !s.overlap.tryAcquire(t.key()) {
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("key", t.key()))
			return ErrOverlapSkip
		}
		qt.tracked = true
	}

	if !block {
		select {
		case q <- qt:
			s.grow(q)
			return nil
		default:
			s.release(qt)
			s.onQueueFull(now, t, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		s.grow(q)
		return nil
	case <-ctx.Done():
		s.release(qt)
		return ctx.Err()
	case <-stopCh:
		s.release(qt)
		return ErrStopping
	}
}

// grow starts a spare worker when more tasks are queued than workers are
// idle.
func (s *Service) grow(q chan queuedTask) {
	if len(q) <= int(s.idle.Load()) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.sup == nil || s.q != q {
		return
	}
	if m := s.cfg.MaxWorkers; m > 0 && s.cfg.Workers+int(s.spares.Load()) >= m {
		return
	}
	s.spares.Add(1)
	stopCh := s.stopCh
	s.sup.Go("worker.spare", func(c context.Context) error {
		defer s.spares.Add(-1)
		s.spare(c, stopCh, q)
		return nil
	})
}

func (s *Service) release(qt queuedTask) {
	if qt.tracked {
		s.overlap.release(qt.task.key())
	}
}

// finish releases overlap state, records history and calls OnDone.
func (s *Service) finish(qt queuedTask, err error) {
	s.release(qt)
	if qt.task.OnDone != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("task OnDone panic", logx.String("task", qt.task.Name), logx.Any("panic", r))
				}
			}()
			qt.task.OnDone(err)
		}()
	}
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	q, running := s.q, s.stopCh != nil && !s.stopping
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	snap := Snapshot{
		Running:  running,
		Workers:  s.cfg.Workers,
		Spares:   int(s.spares.Load()),
		Idle:     int(s.idle.Load()),
		InFlight: int(s.inFlight.Load()),
		Keys:     s.overlap.len(),
		Full:     s.droppedFull.Load(),
		Stale:    s.droppedStale.Load(),
		Failed:   s.failed.Load(),
		History:  h,
	}
	snap.Dropped = snap.Full + snap.Stale
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) publish(typ string, now time.Time, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
	}
}

func (s *Service) onQueueFull(now time.Time, t Task, q chan queuedTask) {
	n := s.droppedFull.Add(1)
	s.publish(eventbus.TypeTaskDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Error: "queue_full"})
	if shouldWarn(&s.lastFullWarn, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", n),
		)
	}
}

func (s *Service) onStale(now time.Time, qt queuedTask, delay time.Duration) {
	n := s.droppedStale.Add(1)
	s.publish(eventbus.TypeTaskDropped, now, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, QueueDelay: delay, Error: "stale_queue_delay"})
	s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: now, QueueDelay: delay, Error: "stale_queue_delay"})
	if shouldWarn(&s.lastStaleWarn, now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", qt.task.Name),
			logx.Duration("queue_delay", delay),
			logx.Uint64("dropped_stale", n),
		)
	}
	s.finish(qt, ErrStale)
}
