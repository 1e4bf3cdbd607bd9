package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "fleetd/pkg/logx"
)

func TestTriggerRecordsRuns(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	var n atomic.Int32
	if err := s.AddInterval("watchdog", time.Hour, Options{}, func(context.Context) error {
		if n.Add(1) == 2 {
			return errors.New("second run fails")
		}
		return nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Trigger("watchdog"); err == nil {
		t.Fatal("trigger before start should fail")
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.Trigger("watchdog")
	_ = s.Trigger("watchdog")
	if err := s.Trigger("missing"); !errors.Is(err, ErrUnknownTick) {
		t.Fatalf("unknown tick err = %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Ticks) != 1 {
		t.Fatalf("ticks %+v", snap.Ticks)
	}
	ti := snap.Ticks[0]
	if ti.Runs != 2 || ti.Failures != 1 || ti.LastErr == "" {
		t.Fatalf("tick info %+v", ti)
	}
	if ti.Next.IsZero() {
		t.Fatal("next run not computed")
	}
}

func TestPanickingTickIsRecovered(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	_ = s.AddInterval("bad", time.Hour, Options{}, func(context.Context) error { panic("boom") })
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if err := s.Trigger("bad"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
}

func TestIntervalFires(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	fired := make(chan struct{}, 4)
	_ = s.AddInterval("batch", time.Second, Options{Timeout: time.Second}, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("timeout not applied")
		}
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})
	s.Start(context.Background())
	defer s.Stop(context.Background())
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("interval tick never fired")
	}
}

func TestSpreadDelaysFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := everyWithSpread(10*time.Second, now, "fixed")
	if jitter < 0 || jitter >= 10*time.Second {
		t.Fatalf("jitter %v out of range", jitter)
	}
	first := sched.Next(now)
	if first != now.Add(10*time.Second+jitter) {
		t.Fatalf("first %v", first)
	}
	// cron.Every truncates to whole seconds.
	if gap := sched.Next(first).Sub(first); gap <= 9*time.Second || gap > 10*time.Second {
		t.Fatalf("steady interval %v", gap)
	}
}
