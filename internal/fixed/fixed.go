// Package fixed keeps long-lived module processes running at their target
// replica count across the fleet.
//
// Each tick every instance recomputes its own share of the target from the
// live, eligible hosts and starts one more local copy when it is below its
// share and the tier count is below the limit. When a host dies its
// executions disappear from the live counts, so the next tick on a survivor
// starts a replacement. There is no handoff.
package fixed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"fleetd/internal/cluster"
	"fleetd/internal/eventbus"
	"fleetd/internal/limit"
	"fleetd/internal/module"
	"fleetd/internal/observability/metrics"
	"fleetd/internal/registry"
	rtsup "fleetd/internal/runtime/supervisor"
	logx "fleetd/pkg/logx"
)

const DefaultStopTimeout = 30 * time.Second

var ErrNotStarted = errors.New("fixed supervisor not started")

type Config struct {
	// StopTimeout bounds the wait for processes to return on Stop.
	StopTimeout time.Duration
}

type Deps struct {
	Directory *cluster.Directory
	Catalog   *module.Catalog
	Registry  *registry.Registry
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

// Process describes one running local copy.
type Process struct {
	ExecutionID string            `json:"execution_id"`
	Deployment  module.Deployment `json:"deployment"`
	StartedAt   time.Time         `json:"started_at"`
}

type proc struct {
	Process
	cancel context.CancelFunc
	done   chan struct{}
}

type Supervisor struct {
	cfg     Config
	dir     *cluster.Directory
	catalog *module.Catalog
	reg     *registry.Registry
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	procs map[string][]*proc // by deployment key
}

func New(cfg Config, deps Deps) *Supervisor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{
		cfg:     cfg,
		dir:     deps.Directory,
		catalog: deps.Catalog,
		reg:     deps.Registry,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		log:     log.With(logx.String("comp", "fixed")),
		procs:   map[string][]*proc{},
	}
}

// Start prepares the goroutine supervisor that owns the processes.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	}
}

// Share is the number of copies instance self should run. eligible must be
// the live hosts in the tier's scope; extra copies of an uneven split go to
// the lowest instance ids.
func Share(tier limit.Tier, maxActive int, self string, eligible []cluster.Instance) int {
	switch tier {
	case limit.TierNone:
		return 1
	case limit.TierInstance:
		return maxActive
	}
	ids := make([]string, 0, len(eligible))
	for _, i := range eligible {
		ids = append(ids, i.ID)
	}
	sort.Strings(ids)
	idx := sort.SearchStrings(ids, self)
	if idx == len(ids) || ids[idx] != self || maxActive <= 0 {
		return 0
	}
	n := len(ids)
	share := maxActive / n
	if idx < maxActive%n {
		share++
	}
	return share
}

// Tick reconciles every hosted fixed deployment, starting at most one copy
// of each.
func (s *Supervisor) Tick(ctx context.Context) error {
	s.mu.Lock()
	started := s.sup != nil
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	var errs error
	for _, e := range s.catalog.WithFixed() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.reconcile(ctx, e); err != nil {
			s.log.Warn("fixed reconcile failed", logx.String("deployment", e.Deployment.String()), logx.Err(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (s *Supervisor) reconcile(ctx context.Context, e module.Entry) error {
	self := s.dir.Self()
	lim := e.Limit
	if !lim.IsAllowedForFixed(self.Location) {
		return nil
	}
	tier, maxActive := lim.FixedTier()
	local := s.localCount(e.Deployment)

	var target int
	switch tier {
	case limit.TierNone:
		target = 1
	case limit.TierInstance:
		target = maxActive
	default:
		live, err := s.dir.LiveInstances(ctx)
		if err != nil {
			return err
		}
		counts, err := s.dir.CountAmong(ctx, live, e.Deployment, registry.KindFixed)
		if err != nil {
			return err
		}
		running := counts.GSM
		if tier == limit.TierLocation {
			running = counts.AtLocation(self.Location)
		}
		if running >= maxActive {
			return nil
		}
		eligible, err := s.eligible(ctx, live, e, tier)
		if err != nil {
			return err
		}
		target = Share(tier, maxActive, self.ID, eligible)
	}
	if local >= target {
		return nil
	}
	return s.launch(e)
}

// eligible returns live hosts of e with fixed capability in an allowed
// location (and in self's location for the location tier). Self is always
// included.
func (s *Supervisor) eligible(ctx context.Context, live []cluster.Instance, e module.Entry, tier limit.Tier) ([]cluster.Instance, error) {
	self := s.dir.Self()
	hosting, err := s.dir.Hosting(ctx, live, e.Deployment, func(c module.Capabilities) bool { return c.Fixed })
	if err != nil {
		return nil, err
	}
	out := make([]cluster.Instance, 0, len(hosting)+1)
	sawSelf := false
	for _, i := range hosting {
		if !e.Limit.IsAllowedForFixed(i.Location) {
			continue
		}
		if tier == limit.TierLocation && i.Location != self.Location {
			continue
		}
		sawSelf = sawSelf || i.ID == self.ID
		out = append(out, i)
	}
	if !sawSelf {
		out = append(out, cluster.Instance{ID: self.ID, Location: self.Location, QueueID: self.QueueID})
	}
	return out, nil
}

func (s *Supervisor) localCount(dep module.Deployment) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs[dep.Key()])
}

func (s *Supervisor) launch(e module.Entry) error {
	fp, ok := e.Module.(module.FixedProcessor)
	if !ok {
		return nil
	}
	self := s.dir.Self()
	dep := e.Deployment

	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	execID := s.reg.Register(dep, registry.KindFixed, self.ID, self.Location)
	pctx, cancel := context.WithCancel(module.WithCurrent(sup.Context(), dep))
	p := &proc{
		Process: Process{ExecutionID: execID, Deployment: dep, StartedAt: s.dir.Now()},
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.procs[dep.Key()] = append(s.procs[dep.Key()], p)
	s.mu.Unlock()

	if err := s.dir.PublishActivity(pctx); err != nil {
		s.log.Warn("publish activity failed", logx.Err(err))
	}
	s.emit(eventbus.TypeExecutionStarted, p.Process, nil)
	s.log.Info("fixed process started", logx.String("deployment", dep.String()), logx.String("execution", execID))

	sup.Go("fixed."+execID, func(context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
			s.exited(p, err)
		}()
		return fp.ProcessFixed(pctx, self.Location, self.ID)
	})
	return nil
}

// exited runs once per process, after it returns or panics.
func (s *Supervisor) exited(p *proc, err error) {
	p.cancel()
	key := p.Deployment.Key()
	s.mu.Lock()
	list := s.procs[key]
	for i, q := range list {
		if q == p {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.procs, key)
	} else {
		s.procs[key] = list
	}
	s.mu.Unlock()

	s.reg.Unregister(p.ExecutionID)
	if perr := s.dir.PublishActivity(context.Background()); perr != nil {
		s.log.Warn("publish activity failed", logx.Err(perr))
	}
	s.metrics.Execution(string(registry.KindFixed), err)
	s.emit(eventbus.TypeExecutionFinished, p.Process, err)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("fixed process exited", logx.String("deployment", p.Deployment.String()), logx.Err(err))
	} else {
		s.log.Info("fixed process exited", logx.String("deployment", p.Deployment.String()))
	}
	close(p.done)
}

// Running lists local processes, oldest first.
func (s *Supervisor) Running() []Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Process
	for _, list := range s.procs {
		for _, p := range list {
			out = append(out, p.Process)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	return out
}

// Stop cancels every process, calls Stop on modules with running copies and
// waits up to StopTimeout (or ctx) for the processes to return. Stragglers
// are logged and abandoned.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	var procs []*proc
	deps := map[string]module.Deployment{}
	for _, list := range s.procs {
		for _, p := range list {
			procs = append(procs, p)
			deps[p.Deployment.Key()] = p.Deployment
		}
	}
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	for _, p := range procs {
		p.cancel()
	}
	var errs error
	for _, d := range deps {
		if err := s.catalog.Stop(ctx, d); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancel()
	for _, p := range procs {
		select {
		case <-p.done:
		case <-wctx.Done():
			s.log.Warn("fixed process did not stop in time; abandoning",
				logx.String("deployment", p.Deployment.String()),
				logx.String("execution", p.ExecutionID),
			)
		}
	}
	sup.Cancel()

	s.mu.Lock()
	s.sup = nil
	s.mu.Unlock()
	return errs
}

func (s *Supervisor) emit(typ string, p Process, err error) {
	if s.bus == nil {
		return
	}
	ev := map[string]any{"execution_id": p.ExecutionID, "deployment": p.Deployment, "kind": registry.KindFixed}
	if err != nil {
		ev["error"] = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.dir.Now(), Data: ev})
}
