package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "fleetd/pkg/logx"
)

var ErrUnknownTick = errors.New("unknown tick")

type Service struct {
	log logx.Logger

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	ticks  map[string]*tick
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log.With(logx.String("comp", "scheduler")), ticks: map[string]*tick{}}
}

// AddInterval registers (or replaces) a tick. Ticks added after Start are
// scheduled immediately.
func (s *Service) AddInterval(name string, every time.Duration, opt Options, fn TickFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	if fn == nil {
		return errors.New("tick func is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.ticks[name]; old != nil && s.c != nil {
		s.c.Remove(old.entryID)
	}
	t := &tick{name: name, every: every, opt: opt, fn: fn}
	s.ticks[name] = t
	if s.c != nil {
		s.scheduleLocked(t)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cl := cronLogger{log: s.log}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, t := range s.ticks {
		s.scheduleLocked(t)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("ticks", len(s.ticks)))
}

// Stop halts triggering and waits for running ticks (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// Trigger runs a tick now, through the same skip-if-running and recover
// wrappers as scheduled runs. It returns once the run is over.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	t := s.ticks[name]
	var job cron.Job
	if t != nil && s.c != nil {
		job = s.c.Entry(t.entryID).WrappedJob
	}
	s.mu.Unlock()
	if t == nil {
		return ErrUnknownTick
	}
	if job == nil {
		return errors.New("scheduler not started")
	}
	job.Run()
	return nil
}

func (s *Service) scheduleLocked(t *tick) {
	sched := cron.Schedule(cron.Every(t.every))
	var jitter time.Duration
	if t.opt.Spread {
		sched, jitter = everyWithSpread(t.every, time.Now(), t.name)
	}
	ctx := s.ctx
	t.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.run(ctx, t) }))
	s.log.Debug("tick registered",
		logx.String("name", t.name),
		logx.Duration("every", t.every),
		logx.Duration("first_delay", jitter),
	)
}

func (s *Service) run(ctx context.Context, t *tick) {
	if ctx.Err() != nil {
		return
	}
	runCtx := ctx
	if t.opt.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.opt.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := t.fn(runCtx)
	dur := time.Since(start)

	s.mu.Lock()
	t.runs++
	t.lastRun, t.lastDur = start, dur
	t.lastErr = ""
	if err != nil {
		t.failures++
		t.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.log.Warn("tick failed", logx.String("tick", t.name), logx.Err(err), logx.Duration("dur", dur))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{Running: s.c != nil, Ticks: make([]TickInfo, 0, len(s.ticks))}
	for _, t := range s.ticks {
		ti := TickInfo{
			Name:     t.name,
			Every:    t.every,
			Runs:     t.runs,
			Failures: t.failures,
			LastDur:  t.lastDur,
			LastErr:  t.lastErr,
			Prev:     t.lastRun,
		}
		if s.c != nil {
			ti.Next = s.c.Entry(t.entryID).Next
		}
		out.Ticks = append(out.Ticks, ti)
	}
	sort.Slice(out.Ticks, func(i, j int) bool { return out.Ticks[i].Name < out.Ticks[j].Name })
	return out
}
