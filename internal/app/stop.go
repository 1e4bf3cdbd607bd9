package app

import (
	"context"
	"fmt"
	"time"

	logx "fleetd/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// Stop shuts the app down with StopAppStop.
func (a *App) Stop(ctx context.Context) error { return a.StopFor(ctx, StopAppStop) }

// StopFor leaves the fleet in dependency order: no new work is scheduled,
// running work is canceled and drained, then modules and collaborators are
// closed. Every step is bounded so one component cannot stall the rest.
func (a *App) StopFor(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	fixedMax := a.settings.FixedStopTimeout + time.Second

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("fixed", fixedMax, a.fixed.Stop)
	step("listener", 5*time.Second, a.listener.Stop)
	step("engine", 5*time.Second, a.engine.Stop)
	step("modules", 4*time.Second, a.catalog.StopAll)
	step("activity", 1*time.Second, a.dir.PublishActivity)
	if a.debug != nil {
		step("debug", 1*time.Second, a.debug.Stop)
	}

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)

	step("storage", 1*time.Second, func(context.Context) error {
		if a.ownStores {
			return a.stores.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Duration("uptime", time.Since(a.startedAt)))
	a.closeLogs()
}
