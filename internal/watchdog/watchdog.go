// Package watchdog keeps this instance's liveness record fresh and reclaims
// instances that stopped heart-beating.
//
// Reclaim is idempotent: racing watchdogs on different instances may delete
// the same dead instance, and an already-deleted queue or record counts as
// success.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"

	"fleetd/internal/cluster"
	"fleetd/internal/eventbus"
	"fleetd/internal/observability/metrics"
	"fleetd/internal/storage"
	logx "fleetd/pkg/logx"
)

type Phase string

const (
	PhaseStarting Phase = "STARTING"
	PhaseAlive    Phase = "ALIVE"
)

// State is the watchdog's view of its own instance.
type State struct {
	Phase         Phase         `json:"phase"`
	LastBeat      time.Time     `json:"last_beat,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	Failures      int           `json:"consecutive_failures"`
	Heartbeats    uint64        `json:"heartbeats"`
	Reclaimed     uint64        `json:"reclaimed"`
	Reregistered  uint64        `json:"reregistered"`
	LastReclaimID string        `json:"last_reclaimed_id,omitempty"`
	LastTickTook  time.Duration `json:"last_tick_took"`
}

// Healthy reports whether the last heartbeat succeeded.
func (s State) Healthy() bool { return s.Phase == PhaseAlive && s.Failures == 0 }

type Deps struct {
	Directory *cluster.Directory
	Queue     storage.Queue
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

type Watchdog struct {
	dir     *cluster.Directory
	queue   storage.Queue
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	mu    sync.Mutex
	state State
}

func New(deps Deps) *Watchdog {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watchdog{
		dir:     deps.Directory,
		queue:   deps.Queue,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		log:     log.With(logx.String("comp", "watchdog")),
		state:   State{Phase: PhaseStarting},
	}
}

func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Tick writes the heartbeat and sweeps stale instances. Errors are logged
// and returned for the scheduler's bookkeeping; the next tick retries.
func (w *Watchdog) Tick(ctx context.Context) error {
	start := time.Now()
	err := w.tick(ctx)

	w.mu.Lock()
	w.state.LastTickTook = time.Since(start)
	if err != nil {
		w.state.Failures++
		w.state.LastError = err.Error()
	} else {
		w.state.Failures = 0
		w.state.LastError = ""
	}
	w.mu.Unlock()

	if err != nil {
		w.metrics.WatchdogError()
		w.log.Error("watchdog tick failed", logx.Err(err))
	}
	return err
}

func (w *Watchdog) tick(ctx context.Context) error {
	all, listErr := w.dir.Instances(ctx)

	if err := w.dir.Heartbeat(ctx); err != nil {
		return multierr.Append(listErr, err)
	}
	w.mu.Lock()
	wasAlive := w.state.Phase == PhaseAlive
	w.state.Phase = PhaseAlive
	w.state.LastBeat = w.dir.Now()
	w.state.Heartbeats++
	w.mu.Unlock()

	if listErr != nil {
		return listErr
	}

	self := w.dir.Self()
	if wasAlive && !containsID(all, self.ID) {
		// A peer reclaimed us while we were unreachable.
		if err := w.reregister(ctx); err != nil {
			return err
		}
	}

	var errs error
	for _, inst := range all {
		if inst.ID == self.ID || !w.dir.IsStale(inst) {
			continue
		}
		errs = multierr.Append(errs, w.Reclaim(ctx, inst))
	}
	return errs
}

// Reclaim deletes a dead instance's queue and shared records.
func (w *Watchdog) Reclaim(ctx context.Context, inst cluster.Instance) error {
	if inst.ID == w.dir.Self().ID {
		return errors.New("refusing to reclaim self")
	}
	if inst.QueueID != "" {
		if err := w.queue.Delete(ctx, inst.QueueID); err != nil && !errors.Is(err, storage.ErrQueueNotFound) {
			return err
		}
	}
	if err := w.dir.RemoveInstance(ctx, inst.ID); err != nil {
		return err
	}

	w.mu.Lock()
	w.state.Reclaimed++
	w.state.LastReclaimID = inst.ID
	w.mu.Unlock()
	w.metrics.InstanceReclaimed()
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeInstanceReclaimed, Time: w.dir.Now(), Data: inst})
	}
	w.log.Info("instance reclaimed",
		logx.String("instance", inst.ID),
		logx.String("location", inst.Location),
		logx.Time("last_seen", inst.LastSeenTime()),
	)
	return nil
}

// reregister restores the queue and published records a peer deleted.
func (w *Watchdog) reregister(ctx context.Context) error {
	self := w.dir.Self()
	if _, err := w.queue.Create(ctx, w.queue.NameOf(self.QueueID)); err != nil {
		return err
	}
	err := multierr.Combine(w.dir.PublishModules(ctx), w.dir.PublishActivity(ctx))
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.state.Reregistered++
	w.mu.Unlock()
	w.log.Warn("instance records were reclaimed by a peer; re-registered", logx.String("queue", self.QueueID))
	return nil
}

func containsID(insts []cluster.Instance, id string) bool {
	for _, i := range insts {
		if i.ID == id {
			return true
		}
	}
	return false
}
