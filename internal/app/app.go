package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fleetd/internal/batch"
	"fleetd/internal/cluster"
	"fleetd/internal/config"
	"fleetd/internal/eventbus"
	"fleetd/internal/fixed"
	"fleetd/internal/module"
	"fleetd/internal/observability/debug"
	"fleetd/internal/observability/metrics"
	"fleetd/internal/registry"
	"fleetd/internal/router"
	rtsup "fleetd/internal/runtime/supervisor"
	"fleetd/internal/storage"
	"fleetd/internal/task/engine"
	"fleetd/internal/task/scheduler"
	"fleetd/internal/watchdog"
	"fleetd/modules/echo"
	"fleetd/modules/system"
	"fleetd/modules/unitguard"
	logx "fleetd/pkg/logx"
)

const bootstrapTimeout = 30 * time.Second

type App struct {
	settings *config.Settings

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics

	stores    *storage.Stores
	ownStores bool
	naming    cluster.Naming
	queues    []string

	registry *registry.Registry
	catalog  *module.Catalog
	dir      *cluster.Directory

	engine   *engine.Service
	sched    *scheduler.Service
	batch    *batch.Scheduler
	fixed    *fixed.Supervisor
	watchdog *watchdog.Watchdog
	router   *router.Router
	listener *router.Listener
	debug    *debug.Server

	startedAt time.Time
	stopOnce  sync.Once
}

type Option func(*App)

// WithStores uses already opened collaborators instead of opening the
// configured ones. The caller keeps ownership and closes them.
func WithStores(s *storage.Stores) Option {
	return func(a *App) { a.stores = s }
}

// WithLogger replaces the logger built from the logging section.
func WithLogger(log logx.Logger) Option {
	return func(a *App) { a.log = log }
}

func withConfigManager(m *config.ConfigManager) Option {
	return func(a *App) { a.cfgm = m }
}

// NewApp loads and resolves the config at cfgPath and builds the app. The
// file is watched for changes once the app is started.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	return New(settings, withConfigManager(cfgm))
}

// New wires every component for settings. Collaborators are opened and the
// instance's queues are created; nothing runs until Start.
func New(settings *config.Settings, opts ...Option) (*App, error) {
	if settings == nil {
		return nil, errors.New("settings are nil")
	}
	a := &App{settings: settings}
	for _, o := range opts {
		o(a)
	}
	if a.log.IsZero() {
		a.logs, a.log = logx.New(settings.Logging)
	}
	log := a.log
	a.log = log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()
	a.metrics = metrics.New()
	a.naming = cluster.Naming{Prefix: settings.QueuePrefix}

	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()

	if a.stores == nil {
		st, err := storage.Open(ctx, settings.Storage, log.With(logx.String("comp", "storage")))
		if err != nil {
			a.closeLogs()
			return nil, err
		}
		a.stores, a.ownStores = st, true
	}

	qid, err := a.createQueues(ctx)
	if err != nil {
		a.closeStores()
		a.closeLogs()
		return nil, err
	}

	self := cluster.Self{
		ID:        settings.InstanceID,
		Location:  settings.Location,
		QueueID:   qid,
		StartedAt: time.Now(),
	}
	a.registry = registry.New()
	a.catalog = module.NewCatalog(log)
	a.dir = cluster.NewDirectory(cluster.Config{
		ActiveWindow: settings.Cluster.ActiveWindow,
		InstanceTTL:  settings.Cluster.InstanceTTL,
		CacheTTL:     settings.Cluster.CacheTTL,
		Fanout:       settings.Router.FanoutWorkers,
	}, self, cluster.Deps{KV: a.stores.KV, Registry: a.registry, Catalog: a.catalog, Log: log})

	a.engine = engine.New(engine.Config{
		Workers:        settings.Engine.Workers,
		MaxWorkers:     settings.Engine.MaxWorkers,
		IdleTimeout:    settings.Engine.IdleTimeout,
		QueueSize:      settings.Engine.QueueSize,
		DefaultTimeout: settings.Engine.DefaultTimeout,
		MaxQueueDelay:  settings.Engine.MaxQueueDelay,
		HistorySize:    settings.Engine.HistorySize,
	}, log, a.bus)
	a.sched = scheduler.New(log)

	a.batch = batch.New(batch.Config{Timeout: settings.Scheduler.BatchTimeout}, batch.Deps{
		Directory: a.dir, Catalog: a.catalog, Registry: a.registry, Engine: a.engine,
		Bus: a.bus, Metrics: a.metrics, Log: log,
	})
	a.fixed = fixed.New(fixed.Config{StopTimeout: settings.FixedStopTimeout}, fixed.Deps{
		Directory: a.dir, Catalog: a.catalog, Registry: a.registry,
		Bus: a.bus, Metrics: a.metrics, Log: log,
	})
	a.watchdog = watchdog.New(watchdog.Deps{
		Directory: a.dir, Queue: a.stores.Queue, Bus: a.bus, Metrics: a.metrics, Log: log,
	})

	rs := settings.Router
	a.router = router.New(router.Config{
		OffloadThreshold:    rs.OffloadThreshold,
		BlobCategory:        rs.BlobCategory,
		FanoutWorkers:       rs.FanoutWorkers,
		BroadcastRatePerSec: rs.BroadcastRatePerSec,
		CloudLocations:      settings.CloudLocations,
	}, router.Deps{
		Directory: a.dir, Catalog: a.catalog, Queue: a.stores.Queue, Blobs: a.stores.Blobs,
		Naming: a.naming, Bus: a.bus, Metrics: a.metrics, Log: log,
	})
	a.listener = router.NewListener(router.ListenerConfig{
		PollWait:      rs.PollWait,
		PollBatch:     rs.PollBatch,
		AdmissionPoll: rs.AdmissionPoll,
		EventTimeout:  rs.EventTimeout,
		SystemTimeout: rs.SystemTimeout,
		BlobCategory:  rs.BlobCategory,
	}, a.router, router.ListenerDeps{
		Directory: a.dir, Catalog: a.catalog, Registry: a.registry, Engine: a.engine,
		Queue: a.stores.Queue, Blobs: a.stores.Blobs, Bus: a.bus, Metrics: a.metrics, Log: log,
	})
	for _, q := range a.queues {
		a.listener.Subscribe(q)
	}

	if settings.Debug.Enabled {
		a.debug = debug.New(debug.Config{
			Enabled:              true,
			Addr:                 settings.Debug.Addr,
			Token:                settings.Debug.Token,
			AllowInsecure:        settings.Debug.AllowInsecure,
			MutexProfileFraction: settings.Debug.MutexProfileFraction,
			BlockProfileRate:     settings.Debug.BlockProfileRate,
		}, debug.Sources{
			Health:  a.health,
			Status:  func() any { return a.Status() },
			Metrics: a.metrics.Handler(),
			Trigger: a.sched.Trigger,
		}, log)
	}

	if err := a.registerBuiltins(log); err != nil {
		a.closeStores()
		a.closeLogs()
		return nil, err
	}
	return a, nil
}

// createQueues makes sure the instance queue, the location work queue and
// the global queue exist, and returns the instance queue id.
func (a *App) createQueues(ctx context.Context) (string, error) {
	s := a.settings
	names := []string{
		a.naming.InstanceQueue(s.Location, s.InstanceID),
		a.naming.WorkQueue(s.Location),
		a.naming.GlobalQueue(),
	}
	a.queues = a.queues[:0]
	for _, n := range names {
		id, err := a.stores.Queue.Create(ctx, n)
		if err != nil {
			return "", fmt.Errorf("create queue %s: %w", n, err)
		}
		a.queues = append(a.queues, id)
	}
	return a.queues[0], nil
}

func (a *App) registerBuiltins(log logx.Logger) error {
	b := a.settings.Builtin
	if b.Echo {
		if err := a.catalog.Register(echo.Deployment, echo.New(echo.Config{Prefix: b.EchoPrefix}, log)); err != nil {
			return err
		}
	}
	if b.System {
		if err := a.catalog.Register(system.Deployment, system.New(b.SystemInterval, log)); err != nil {
			return err
		}
	}
	if b.UnitGuard {
		g := unitguard.New(unitguard.Config{
			Units:       b.UnitGuardUnits,
			Locations:   b.UnitGuardLocations,
			Interval:    b.UnitGuardInterval,
			MinDown:     b.UnitGuardMinDown,
			BackoffBase: b.UnitGuardBackoffBase,
			BackoffMax:  b.UnitGuardBackoffMax,
			AlertStreak: b.UnitGuardAlertStreak,
		}, log)
		if err := a.catalog.Register(unitguard.Deployment, g); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Settings() *config.Settings    { return a.settings }
func (a *App) Catalog() *module.Catalog      { return a.catalog }
func (a *App) Router() *router.Router        { return a.router }
func (a *App) Directory() *cluster.Directory { return a.dir }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Metrics() *metrics.Metrics     { return a.metrics }
func (a *App) Logs() *logx.Service           { return a.logs }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start joins the fleet: it publishes this instance, starts the modules and
// then the loops that drive them.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()
	run := a.sup.Context()

	if err := a.dir.EnsureTables(ctx); err != nil {
		return err
	}
	if err := a.dir.Heartbeat(ctx); err != nil {
		return err
	}
	if err := a.catalog.StartAll(run); err != nil {
		return err
	}
	if err := a.dir.PublishModules(ctx); err != nil {
		return err
	}
	if err := a.dir.PublishActivity(ctx); err != nil {
		return err
	}

	a.engine.Start(run)
	a.listener.Start(run)
	a.fixed.Start(run)

	st := a.settings.Scheduler
	ticks := []struct {
		name  string
		every time.Duration
		opt   scheduler.Options
		fn    scheduler.TickFunc
	}{
		{"watchdog", st.WatchdogTick, scheduler.Options{Spread: true, Timeout: st.WatchdogTick}, a.watchdog.Tick},
		{"batch", st.BatchTick, scheduler.Options{}, a.batch.Tick},
		{"fixed", st.FixedTick, scheduler.Options{Spread: true}, a.fixed.Tick},
	}
	for _, t := range ticks {
		if err := a.sched.AddInterval(t.name, t.every, t.opt, t.fn); err != nil {
			return err
		}
	}
	a.sched.Start(run)

	if a.debug != nil {
		if err := a.debug.Start(run); err != nil {
			return err
		}
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		a.watchConfig()
	}

	a.log.Info("app started",
		logx.String("instance", a.settings.InstanceID),
		logx.String("location", a.settings.Location),
		logx.Strings("queues", a.queues),
		logx.Int("modules", len(a.catalog.List())),
	)
	return nil
}

// watchConfig applies live-reloadable sections and reports the rest.
func (a *App) watchConfig() {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })

	sub := a.cfgm.Subscribe(1)
	prev := a.cfgm.Get()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(prev, newCfg)
				prev = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

func (a *App) applyConfig(prev, next *config.Config) {
	ch := config.SummarizeConfigChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	s, err := config.Resolve(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	if a.logs != nil {
		a.logs.Apply(s.Logging)
	}
	a.router.SetBroadcastRate(s.Router.BroadcastRatePerSec)

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
	if len(ch.Restart) > 0 {
		a.log.Warn("config sections need a restart to apply", logx.Strings("sections", ch.Restart))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: ch.Sections})
}

func (a *App) health() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Context().Err(); err != nil {
		return err
	}
	st := a.watchdog.State()
	if st.Phase == watchdog.PhaseStarting {
		return nil
	}
	if !st.Healthy() {
		return fmt.Errorf("watchdog: %s", st.LastError)
	}
	return nil
}

func (a *App) closeStores() {
	if a.ownStores && a.stores != nil {
		if err := a.stores.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
}

func (a *App) closeLogs() {
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
