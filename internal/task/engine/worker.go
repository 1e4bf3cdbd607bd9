package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"fleetd/internal/eventbus"
	logx "fleetd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		s.idle.Add(1)
		select {
		case <-ctx.Done():
			s.idle.Add(-1)
			return
		case <-stopCh:
			s.idle.Add(-1)
			return
		case qt := <-queue:
			s.idle.Add(-1)
			s.exec(ctx, qt)
		}
	}
}

// spare serves the queue like worker and returns once it has been idle for
// IdleTimeout.
func (s *Service) spare(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	t := time.NewTimer(s.cfg.IdleTimeout)
	defer t.Stop()
	for {
		s.idle.Add(1)
		select {
		case <-ctx.Done():
			s.idle.Add(-1)
			return
		case <-stopCh:
			s.idle.Add(-1)
			return
		case qt := <-queue:
			s.idle.Add(-1)
			s.exec(ctx, qt)
		case <-t.C:
			s.idle.Add(-1)
			// A task queued while this worker still counted as idle must
			// not be left behind.
			select {
			case qt := <-queue:
				s.exec(ctx, qt)
			default:
				return
			}
		}
		t.Reset(s.cfg.IdleTimeout)
	}
}

func (s *Service) exec(ctx context.Context, qt queuedTask) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	s.execOne(ctx, qt)
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	delay := max(start.Sub(qt.enqueuedAt), 0)
	if s.cfg.MaxQueueDelay > 0 && delay > s.cfg.MaxQueueDelay {
		s.onStale(start, qt, delay)
		return
	}

	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", delay))
	err := s.runGuarded(runCtx, qt.task)
	dur := time.Since(start)

	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: delay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur))
		s.publish(eventbus.TypeTaskFailed, time.Now(), TaskEvent{ID: qt.task.ID, Name: qt.task.Name, QueueDelay: delay, Duration: dur, Error: item.Error})
	} else {
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur))
	}
	s.record(item)
	s.finish(qt, err)
}

// runGuarded converts a panic in Run into an error so a bad module cannot
// kill a worker.
func (s *Service) runGuarded(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}
