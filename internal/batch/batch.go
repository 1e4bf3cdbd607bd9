// Package batch launches periodic batch executions under each deployment's
// admission policy.
//
// Every instance evaluates every hosted batch deployment on each tick. There
// is no coordinator: the decision reads a shared last-run marker and the
// published running counts, then writes the marker before launching. Two
// instances racing through the same tick can overshoot a quantity limit by
// one; the next tick sees the overshoot and launches nothing until the count
// drops.
package batch

import (
	"context"
	"errors"
	"time"

	"fleetd/internal/cluster"
	"fleetd/internal/eventbus"
	"fleetd/internal/limit"
	"fleetd/internal/module"
	"fleetd/internal/observability/metrics"
	"fleetd/internal/registry"
	"fleetd/internal/task/engine"
	logx "fleetd/pkg/logx"
)

const DefaultTimeout = 6 * time.Hour

// Skip reasons.
const (
	ReasonLaunch    = "launch"
	ReasonLocation  = "location_not_allowed"
	ReasonFrequency = "frequency"
	ReasonLimit     = "limit_reached"
	ReasonError     = "error"
)

type Config struct {
	// Timeout bounds one batch run.
	Timeout time.Duration
}

type Deps struct {
	Directory *cluster.Directory
	Catalog   *module.Catalog
	Registry  *registry.Registry
	Engine    *engine.Service
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

// Decision is the outcome of evaluating one deployment.
type Decision struct {
	Deployment module.Deployment
	Launch     bool
	Reason     string
	Tier       limit.Tier
	Max        int
	Running    int
	Marker     string
	Err        error
}

// ExecutionEvent is the bus payload for batch start/finish.
type ExecutionEvent struct {
	ExecutionID string            `json:"execution_id"`
	Deployment  module.Deployment `json:"deployment"`
	Kind        registry.Kind     `json:"kind"`
	Location    string            `json:"location"`
	Error       string            `json:"error,omitempty"`
}

type Scheduler struct {
	cfg     Config
	dir     *cluster.Directory
	catalog *module.Catalog
	reg     *registry.Registry
	engine  *engine.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
}

func New(cfg Config, deps Deps) *Scheduler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:     cfg,
		dir:     deps.Directory,
		catalog: deps.Catalog,
		reg:     deps.Registry,
		engine:  deps.Engine,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		log:     log.With(logx.String("comp", "batch")),
	}
}

// MarkerKey names the shared last-run marker of dep for an admission tier.
// GSM-tier and unrestricted deployments share one fleet-wide marker. Location
// and instance tiers get one marker per location or per instance instead of
// a single fleet-wide one, so a launch in location A does not hold back the
// frequency window of location B. With a fleet-wide marker, locations would
// take turns each window until all were filled; the steady state is the same.
func MarkerKey(dep module.Deployment, tier limit.Tier, self cluster.Self) string {
	k := "batch:" + dep.Key()
	switch tier {
	case limit.TierLocation:
		return k + "@" + self.Location
	case limit.TierInstance:
		return k + "#" + self.ID
	default:
		return k
	}
}

// OverlapKey is the engine key that keeps a single-share deployment from
// running twice on one instance.
func OverlapKey(dep module.Deployment) string { return "batch:" + dep.Key() }

// Tick evaluates every hosted batch deployment and launches at most one run
// of each.
func (s *Scheduler) Tick(ctx context.Context) error {
	for _, e := range s.catalog.WithBatch() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d := s.Evaluate(ctx, e)
		switch {
		case d.Err != nil:
			s.log.Warn("batch evaluation failed", logx.String("deployment", e.Deployment.String()), logx.Err(d.Err))
		case d.Launch:
			if err := s.launch(ctx, e, d); err != nil {
				s.log.Warn("batch launch failed", logx.String("deployment", e.Deployment.String()), logx.Err(err))
			}
		default:
			s.log.Trace("batch skipped",
				logx.String("deployment", e.Deployment.String()),
				logx.String("reason", d.Reason),
				logx.Int("running", d.Running),
				logx.Int("max", d.Max),
			)
		}
	}
	return nil
}

// Evaluate decides whether this instance should launch e now. It has no
// side effects.
func (s *Scheduler) Evaluate(ctx context.Context, e module.Entry) Decision {
	self := s.dir.Self()
	lim := e.Limit
	tier, maxActive := lim.BatchTier()
	d := Decision{
		Deployment: e.Deployment,
		Tier:       tier,
		Max:        maxActive,
		Marker:     MarkerKey(e.Deployment, tier, self),
	}

	if !lim.IsAllowedForBatch(self.Location) {
		d.Reason = ReasonLocation
		return d
	}

	if freq := lim.BatchFrequency(); freq > 0 {
		last, ok, err := s.dir.LastRun(ctx, d.Marker)
		if err != nil {
			d.Reason, d.Err = ReasonError, err
			return d
		}
		if ok && s.dir.Now().Sub(last) < freq {
			d.Reason = ReasonFrequency
			return d
		}
	}

	if tier == limit.TierNone {
		d.Launch, d.Reason = true, ReasonLaunch
		return d
	}

	counts, err := s.dir.Count(ctx, e.Deployment, registry.KindBatch)
	if err != nil {
		d.Reason, d.Err = ReasonError, err
		return d
	}
	switch tier {
	case limit.TierGSM:
		d.Running = counts.GSM
	case limit.TierLocation:
		d.Running = counts.AtLocation(self.Location)
	case limit.TierInstance:
		d.Running = counts.OfInstance(self.ID)
	}
	if d.Running >= maxActive {
		d.Reason = ReasonLimit
		return d
	}
	d.Launch, d.Reason = true, ReasonLaunch
	return d
}

func (s *Scheduler) launch(ctx context.Context, e module.Entry, d Decision) error {
	self := s.dir.Self()
	bp, ok := e.Module.(module.BatchProcessor)
	if !ok {
		return nil
	}

	if err := s.dir.MarkRun(ctx, d.Marker, s.dir.Now()); err != nil {
		return err
	}
	execID := s.reg.Register(e.Deployment, registry.KindBatch, self.ID, self.Location)
	s.publishActivity(ctx)

	ev := ExecutionEvent{ExecutionID: execID, Deployment: e.Deployment, Kind: registry.KindBatch, Location: self.Location}

	dep := e.Deployment
	task := engine.Task{
		ID:      execID,
		Name:    "batch " + dep.String(),
		Timeout: s.cfg.Timeout,
		Run: func(ctx context.Context) error {
			s.emit(eventbus.TypeExecutionStarted, ev)
			return bp.ProcessBatch(module.WithCurrent(ctx, dep), self.Location)
		},
		OnDone: func(err error) {
			s.finish(execID, ev, err)
		},
	}
	if d.Max == 1 {
		// A share of one never needs a second local run; published counts
		// that lag behind the registry must not start one.
		task.Key, task.Overlap = OverlapKey(dep), engine.OverlapSkipIfRunning
	}
	err := s.engine.Enqueue(task)
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.reg.Unregister(execID)
		s.publishActivity(ctx)
		s.log.Debug("batch skipped: already running here", logx.String("deployment", dep.String()))
		return nil
	}
	if err != nil {
		s.finish(execID, ev, err)
		return err
	}
	s.log.Debug("batch launched",
		logx.String("deployment", dep.String()),
		logx.String("tier", d.Tier.String()),
		logx.Int("running", d.Running),
		logx.Int("max", d.Max),
	)
	return nil
}

func (s *Scheduler) finish(execID string, ev ExecutionEvent, err error) {
	s.reg.Unregister(execID)
	s.publishActivity(context.Background())
	s.metrics.Execution(string(registry.KindBatch), err)
	if err != nil {
		ev.Error = err.Error()
		s.log.Warn("batch run failed", logx.String("deployment", ev.Deployment.String()), logx.Err(err))
	}
	s.emit(eventbus.TypeExecutionFinished, ev)
}

func (s *Scheduler) publishActivity(ctx context.Context) {
	if err := s.dir.PublishActivity(ctx); err != nil {
		s.log.Warn("publish activity failed", logx.Err(err))
	}
}

func (s *Scheduler) emit(typ string, ev ExecutionEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.dir.Now(), Data: ev})
	}
}
