package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"fleetd/internal/cluster"
	"fleetd/internal/eventbus"
	"fleetd/internal/limit"
	"fleetd/internal/message"
	"fleetd/internal/module"
	"fleetd/internal/observability/metrics"
	"fleetd/internal/registry"
	rtsup "fleetd/internal/runtime/supervisor"
	"fleetd/internal/storage"
	"fleetd/internal/task/engine"
	logx "fleetd/pkg/logx"
)

var ErrListenerStopped = errors.New("listener not running")

// System commands.
const (
	CommandPing    = "ping"
	CommandPong    = "pong"
	CommandRefresh = "refresh"
)

type ListenerConfig struct {
	PollWait      time.Duration
	PollBatch     int
	AdmissionPoll time.Duration
	EventTimeout  time.Duration
	SystemTimeout time.Duration
	BlobCategory  string
	// MaxPending bounds messages being admitted or executed at once.
	MaxPending int
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	if c.PollWait <= 0 {
		c.PollWait = 5 * time.Second
	}
	if c.PollBatch <= 0 {
		c.PollBatch = 10
	}
	if c.AdmissionPoll <= 0 {
		c.AdmissionPoll = 250 * time.Millisecond
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = 30 * time.Minute
	}
	if c.SystemTimeout <= 0 {
		c.SystemTimeout = 300 * time.Second
	}
	if c.BlobCategory == "" {
		c.BlobCategory = DefaultBlobCategory
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 1024
	}
	return c
}

type ListenerDeps struct {
	Directory *cluster.Directory
	Catalog   *module.Catalog
	Registry  *registry.Registry
	Engine    *engine.Service
	Queue     storage.Queue
	Blobs     storage.BlobStore
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

// Listener receives messages from subscribed queues and from local sends,
// admits them against the target's event limits and runs them on the engine.
type Listener struct {
	cfg     ListenerConfig
	router  *Router
	dir     *cluster.Directory
	catalog *module.Catalog
	reg     *registry.Registry
	engine  *engine.Service
	queue   storage.Queue
	blobs   storage.BlobStore
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	pending *semaphore.Weighted
	wg      sync.WaitGroup

	mu     sync.Mutex
	sup    *rtsup.Supervisor
	queues []string
	gates  map[string]*gate
}

// gate serializes admission of one deployment on this instance.
type gate struct {
	mu   sync.Mutex
	freq *rate.Limiter

	// Counts published by other instances, reused for one AdmissionPoll by
	// every message waiting on this gate.
	remoteGSM int
	remoteLoc int
	remoteAt  time.Time
}

// NewListener creates a listener and installs it as r's local dispatcher.
func NewListener(cfg ListenerConfig, r *Router, deps ListenerDeps) *Listener {
	cfg = cfg.withDefaults()
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Listener{
		cfg:     cfg,
		router:  r,
		dir:     deps.Directory,
		catalog: deps.Catalog,
		reg:     deps.Registry,
		engine:  deps.Engine,
		queue:   deps.Queue,
		blobs:   deps.Blobs,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		log:     log.With(logx.String("comp", "listener")),
		pending: semaphore.NewWeighted(int64(cfg.MaxPending)),
		gates:   map[string]*gate{},
	}
	r.SetLocal(l)
	return l
}

// Subscribe polls queueID once started (immediately when already running).
func (l *Listener) Subscribe(queueID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, q := range l.queues {
		if q == queueID {
			return
		}
	}
	l.queues = append(l.queues, queueID)
	if l.sup != nil {
		l.startPoller(l.sup, queueID)
	}
}

func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sup != nil {
		return
	}
	l.sup = rtsup.New(ctx, rtsup.WithLogger(l.log), rtsup.WithCancelOnError(false))
	for _, q := range l.queues {
		l.startPoller(l.sup, q)
	}
	l.log.Info("listener started", logx.Int("queues", len(l.queues)))
}

func (l *Listener) startPoller(sup *rtsup.Supervisor, queueID string) {
	name := "poll." + l.queue.NameOf(queueID)
	sup.GoRestart(name, func(ctx context.Context) error {
		return l.poll(ctx, queueID)
	}, rtsup.WithRestartBackoff(time.Second, time.Minute))
}

// Stop ends polling and waits (bounded by ctx) for in-flight messages.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	sup := l.sup
	l.sup = nil
	l.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	err := sup.Wait(ctx)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		l.log.Warn("listener stop timed out with messages in flight")
		return ctx.Err()
	}
	l.log.Info("listener stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (l *Listener) poll(ctx context.Context, queueID string) error {
	for ctx.Err() == nil {
		ds, err := l.queue.Poll(ctx, queueID, l.cfg.PollBatch, l.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, storage.ErrQueueNotFound) {
				l.log.Warn("subscribed queue missing", logx.String("queue", queueID))
			} else {
				l.log.Warn("poll failed", logx.String("queue", queueID), logx.Err(err))
			}
			if !sleepCtx(ctx, l.cfg.PollWait) {
				return nil
			}
			continue
		}
		for _, d := range ds {
			if err := l.queue.Ack(ctx, queueID, d.Receipt); err != nil {
				l.log.Warn("ack failed", logx.String("queue", queueID), logx.Err(err))
			}
			msg, err := l.decode(ctx, d.Body)
			if err != nil {
				l.metrics.MessageDropped(metrics.DropDecode)
				l.log.Warn("undecodable message dropped", logx.String("queue", queueID), logx.String("delivery", d.ID), logx.Err(err))
				continue
			}
			if err := l.Dispatch(ctx, msg); err != nil {
				return nil
			}
		}
	}
	return nil
}

// decode reads an inline envelope, or fetches and deletes an offloaded one.
func (l *Listener) decode(ctx context.Context, body string) (*message.Message, error) {
	if message.IsInline(body) {
		return message.Decode(body)
	}
	if l.blobs == nil {
		return nil, storage.ErrDisabled
	}
	data, ok, err := l.blobs.Get(ctx, l.cfg.BlobCategory, body)
	if err != nil {
		return nil, fmt.Errorf("fetch offloaded message %s: %w", body, err)
	}
	if !ok {
		return nil, fmt.Errorf("offloaded message %s: %w", body, storage.ErrNotFound)
	}
	if err := l.blobs.Delete(ctx, l.cfg.BlobCategory, body); err != nil {
		l.log.Warn("delete offloaded message failed", logx.String("key", body), logx.Err(err))
	}
	return message.Decode(string(data))
}

// Dispatch hands msg to a handler goroutine. It blocks while MaxPending
// messages are already in flight.
func (l *Listener) Dispatch(ctx context.Context, msg *message.Message) error {
	l.mu.Lock()
	sup := l.sup
	l.mu.Unlock()
	if sup == nil {
		return ErrListenerStopped
	}
	if err := l.pending.Acquire(ctx, 1); err != nil {
		return err
	}
	runCtx := sup.Context()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.pending.Release(1)
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("message handler panic", logx.String("message", msg.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		l.handle(runCtx, msg)
	}()
	return nil
}

func (l *Listener) handle(ctx context.Context, msg *message.Message) {
	self := l.dir.Self()
	msg.CurrentLocation, msg.CurrentInstance = self.Location, self.ID
	if msg.IsSystem() {
		l.submit(ctx, "system "+msg.Attributes.String("command"), l.cfg.SystemTimeout, func(c context.Context) error {
			return l.handleSystem(c, msg)
		}, nil)
		return
	}

	e, ok := l.entryFor(msg)
	if !ok {
		l.router.drop(msg, self.QueueID, metrics.DropNoModule, nil)
		return
	}
	ep := e.Module.(module.EventProcessor)
	if !e.Limit.IsAllowedForEvent(self.Location) {
		l.router.drop(msg, self.QueueID, metrics.DropLocation, nil)
		return
	}

	execID, err := l.admit(ctx, e)
	if err != nil {
		l.log.Debug("admission abandoned", logx.String("message", msg.ID), logx.Err(err))
		return
	}
	dep := e.Deployment
	l.publishActivity()
	l.emit(eventbus.TypeExecutionStarted, execID, dep, msg.ID, nil)

	l.submit(ctx, "event "+dep.String(), l.cfg.EventTimeout, func(c context.Context) error {
		return l.process(c, ep, dep, msg)
	}, func(err error) {
		l.reg.Unregister(execID)
		l.publishActivity()
		l.metrics.Execution(string(registry.KindEvent), err)
		l.emit(eventbus.TypeExecutionFinished, execID, dep, msg.ID, err)
	})
}

// entryFor finds the local event deployment for msg; version 0 means the
// highest local version.
func (l *Listener) entryFor(msg *message.Message) (module.Entry, bool) {
	var (
		e  module.Entry
		ok bool
	)
	if msg.PluginVersion == 0 {
		e, ok = l.catalog.Find(msg.PluginID, msg.ModuleClass)
	} else {
		e, ok = l.catalog.Get(module.TargetOf(msg))
	}
	if !ok || !e.Capabilities.Event {
		return module.Entry{}, false
	}
	return e, true
}

// submit runs fn on the engine. onDone, when set, sees the final error
// whether or not the engine accepted the task.
func (l *Listener) submit(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error, onDone func(error)) {
	err := l.engine.Submit(ctx, engine.Task{Name: name, Timeout: timeout, Run: fn, OnDone: onDone})
	if err != nil {
		l.log.Warn("message execution rejected", logx.String("task", name), logx.Err(err))
		if onDone != nil {
			onDone(err)
		}
	}
}

// admit waits until the deployment's frequency and quantity limits allow one
// more execution here, then registers it.
func (l *Listener) admit(ctx context.Context, e module.Entry) (string, error) {
	g := l.gate(e)
	if g.freq != nil {
		if err := g.freq.Wait(ctx); err != nil {
			return "", err
		}
	}
	self := l.dir.Self()
	tier, maxActive := e.Limit.EventTier()
	for {
		g.mu.Lock()
		ok, err := l.below(ctx, g, e.Deployment, tier, maxActive)
		if err == nil && ok {
			id := l.reg.Register(e.Deployment, registry.KindEvent, self.ID, self.Location)
			g.mu.Unlock()
			return id, nil
		}
		g.mu.Unlock()
		if err != nil {
			l.log.Warn("admission count failed", logx.String("deployment", e.Deployment.String()), logx.Err(err))
		}
		if !sleepCtx(ctx, l.cfg.AdmissionPoll) {
			return "", ctx.Err()
		}
	}
}

// below reports whether one more execution fits the tier limit. g.mu must
// be held.
func (l *Listener) below(ctx context.Context, g *gate, dep module.Deployment, tier limit.Tier, maxActive int) (bool, error) {
	switch tier {
	case limit.TierGSM, limit.TierLocation:
	default:
		return true, nil
	}
	if g.remoteAt.IsZero() || time.Since(g.remoteAt) >= l.cfg.AdmissionPoll {
		c, err := l.dir.Count(ctx, dep, registry.KindEvent)
		if err != nil {
			return false, err
		}
		self := l.dir.Self()
		own := c.OfInstance(self.ID)
		g.remoteGSM, g.remoteLoc = c.GSM-own, c.AtLocation(self.Location)-own
		g.remoteAt = time.Now()
	}
	local := l.reg.LocalCountOf(dep, registry.KindEvent)
	if tier == limit.TierGSM {
		return g.remoteGSM+local < maxActive, nil
	}
	return g.remoteLoc+local < maxActive, nil
}

func (l *Listener) gate(e module.Entry) *gate {
	key := e.Deployment.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[key]
	if !ok {
		g = &gate{}
		if f := e.Limit.EventFrequency(); f > 0 {
			g.freq = rate.NewLimiter(rate.Every(f), 1)
		}
		l.gates[key] = g
	}
	return g
}

// process runs the module and routes a reply back to the sender.
func (l *Listener) process(ctx context.Context, ep module.EventProcessor, dep module.Deployment, msg *message.Message) error {
	msg.ExecutionCount++
	ctx = module.WithCurrent(ctx, dep)
	reply, err := ep.Process(ctx, msg)
	if err != nil {
		msg.LastError = err.Error()
		return err
	}
	if reply == nil {
		return nil
	}
	reply.ReplyTo(msg)
	if msg.SourceInstance == "" {
		l.log.Warn("reply dropped: request has no source instance", logx.String("message", msg.ID))
		return nil
	}
	return l.router.Send(ctx, msg.SourceInstance, reply)
}

func (l *Listener) handleSystem(ctx context.Context, msg *message.Message) error {
	cmd := msg.Attributes.String("command")
	switch cmd {
	case CommandPing:
		if msg.SourceInstance == "" {
			return nil
		}
		pong := message.System(CommandPong)
		pong.Attributes.Set("ping", msg.ID)
		return l.router.Send(ctx, msg.SourceInstance, pong)
	case CommandPong:
		l.log.Info("pong", logx.String("from", msg.SourceInstance), logx.String("ping", msg.Attributes.String("ping")))
		return nil
	case CommandRefresh:
		l.dir.Purge()
		if err := l.dir.PublishModules(ctx); err != nil {
			return err
		}
		return l.dir.PublishActivity(ctx)
	default:
		l.log.Warn("unknown system command", logx.String("command", cmd), logx.String("from", msg.SourceInstance))
		return nil
	}
}

func (l *Listener) publishActivity() {
	if err := l.dir.PublishActivity(context.Background()); err != nil {
		l.log.Warn("publish activity failed", logx.Err(err))
	}
}

// ExecutionEvent is published when an event execution starts or finishes.
type ExecutionEvent struct {
	ExecutionID string            `json:"execution_id"`
	Deployment  module.Deployment `json:"deployment"`
	MessageID   string            `json:"message_id"`
	Error       string            `json:"error,omitempty"`
}

func (l *Listener) emit(typ, execID string, dep module.Deployment, msgID string, err error) {
	if l.bus == nil {
		return
	}
	ev := ExecutionEvent{ExecutionID: execID, Deployment: dep, MessageID: msgID}
	if err != nil {
		ev.Error = err.Error()
	}
	l.bus.Publish(eventbus.Event{Type: typ, Time: l.dir.Now(), Data: ev})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
