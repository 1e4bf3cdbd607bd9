// Package router moves messages between modules across the fleet.
//
// Send resolves a target keyword, location or instance to a queue, places
// event messages on the least busy live host, drops messages the destination
// cannot legally run, and delivers in-process when the destination is this
// instance. Delivery is best effort: drops and lost messages are visible in
// logs, metrics and the event bus, not as errors to the sender.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"fleetd/internal/cluster"
	"fleetd/internal/eventbus"
	"fleetd/internal/limit"
	"fleetd/internal/message"
	"fleetd/internal/module"
	"fleetd/internal/observability/metrics"
	"fleetd/internal/registry"
	"fleetd/internal/storage"
	logx "fleetd/pkg/logx"
)

// Target keywords.
const (
	Anywhere = "ANYWHERE"
	Locally  = "LOCALLY"
	This     = "THIS"
	Cloud    = "CLOUD" // broadcast scope only
)

const (
	DefaultOffloadThreshold = 250000
	DefaultBlobCategory     = "fleet-messages"
)

var ErrNilMessage = errors.New("nil message")

type Config struct {
	// OffloadThreshold is the largest inline body; bigger ones go through the blob store.
	OffloadThreshold    int
	BlobCategory        string
	FanoutWorkers       int
	BroadcastRatePerSec int // 0 means unlimited
	CloudLocations      []string
}

type Deps struct {
	Directory *cluster.Directory
	Catalog   *module.Catalog
	Queue     storage.Queue
	Blobs     storage.BlobStore
	Naming    cluster.Naming
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

// Dispatcher executes a message on this instance without a queue round trip.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *message.Message) error
}

type Router struct {
	cfg     Config
	dir     *cluster.Directory
	catalog *module.Catalog
	queue   storage.Queue
	blobs   storage.BlobStore
	naming  cluster.Naming
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	mu      sync.RWMutex
	local   Dispatcher
	limiter *rate.Limiter
}

func New(cfg Config, deps Deps) *Router {
	if cfg.OffloadThreshold <= 0 {
		cfg.OffloadThreshold = DefaultOffloadThreshold
	}
	if strings.TrimSpace(cfg.BlobCategory) == "" {
		cfg.BlobCategory = DefaultBlobCategory
	}
	if cfg.FanoutWorkers <= 0 {
		cfg.FanoutWorkers = 8
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cfg:     cfg,
		dir:     deps.Directory,
		catalog: deps.Catalog,
		queue:   deps.Queue,
		blobs:   deps.Blobs,
		naming:  deps.Naming,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		log:     log.With(logx.String("comp", "router")),
	}
	r.limiter = newBroadcastLimiter(cfg.BroadcastRatePerSec)
	return r
}

// SetLocal installs the in-process dispatcher used for messages addressed to
// this instance. Without one they go through the instance queue.
func (r *Router) SetLocal(d Dispatcher) {
	r.mu.Lock()
	r.local = d
	r.mu.Unlock()
}

// destination is a resolved queue. instance is set for private queues.
type destination struct {
	queueID  string
	location string
	instance *cluster.Instance
}

func (d destination) private() bool { return d.instance != nil }

// Send routes msg to target: a keyword (ANYWHERE, LOCALLY, THIS), a location,
// an instance id or a queue id. msg is not modified; a prepared copy is sent.
func (r *Router) Send(ctx context.Context, target string, msg *message.Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	m := r.prepare(ctx, msg)
	if !m.IsSystem() && m.PluginVersion == 0 {
		if v, ok, err := r.dir.LatestEventVersion(ctx, m.PluginID, m.ModuleClass); err != nil {
			r.log.Warn("version lookup failed", logx.Int("plugin", m.PluginID), logx.String("class", m.ModuleClass), logx.Err(err))
		} else if ok {
			m.PluginVersion = v
		}
	}

	dest, err := r.resolve(ctx, target)
	if err != nil {
		if errors.Is(err, storage.ErrQueueNotFound) {
			r.drop(m, target, metrics.DropQueueMissing, err)
			return nil
		}
		return err
	}
	if !m.IsSystem() && !dest.private() {
		dest = r.balance(ctx, module.TargetOf(m), dest)
	}
	return r.transmit(ctx, dest, m)
}

// prepare copies msg and stamps the sender: this instance, and the current
// module from ctx when the message does not name one.
func (r *Router) prepare(ctx context.Context, msg *message.Message) *message.Message {
	m := msg.Clone()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.SourceInstance = r.dir.Self().ID
	if cur, ok := module.CurrentFrom(ctx); ok {
		if m.SourcePluginID == 0 && m.SourceModuleClass == "" {
			module.SetSource(m, cur)
		}
		if m.PluginID == cur.PluginID && m.PluginID != 0 && m.ModuleClass == "" {
			m.ModuleClass = cur.Class
		}
	}
	return m
}

// resolve maps a target to a queue.
func (r *Router) resolve(ctx context.Context, target string) (destination, error) {
	self := r.dir.Self()
	target = strings.TrimSpace(target)
	switch strings.ToUpper(target) {
	case Anywhere:
		return r.workQueue(ctx, cluster.GlobalLocation, r.naming.GlobalQueue())
	case Locally:
		return r.workQueue(ctx, self.Location, r.naming.WorkQueue(self.Location))
	case This, "":
		return destination{queueID: self.QueueID, location: self.Location, instance: r.selfInstance()}, nil
	}

	if strings.Contains(target, "://") {
		return r.privateQueue(ctx, target)
	}
	insts, err := r.dir.Instances(ctx)
	if err != nil {
		return destination{}, err
	}
	for i := range insts {
		if insts[i].ID == target {
			return destination{queueID: insts[i].QueueID, location: insts[i].Location, instance: &insts[i]}, nil
		}
	}
	if endsWithUUID(target) {
		id, err := r.queue.Lookup(ctx, target)
		if err != nil {
			return destination{}, err
		}
		return r.privateQueue(ctx, id)
	}
	return r.workQueue(ctx, target, r.naming.WorkQueue(target))
}

func (r *Router) workQueue(ctx context.Context, location, name string) (destination, error) {
	id, err := r.queue.Lookup(ctx, name)
	if err != nil {
		return destination{}, err
	}
	return destination{queueID: id, location: location}, nil
}

// privateQueue resolves a queue id to its owning instance when one is known.
func (r *Router) privateQueue(ctx context.Context, queueID string) (destination, error) {
	name := r.queue.NameOf(queueID)
	d := destination{queueID: queueID, location: r.naming.LocationOf(name)}
	if cluster.IsWorkQueue(name) {
		return d, nil
	}
	insts, err := r.dir.Instances(ctx)
	if err != nil {
		return destination{}, err
	}
	for i := range insts {
		if insts[i].QueueID == queueID {
			d.instance, d.location = &insts[i], insts[i].Location
			return d, nil
		}
	}
	// Unknown owner: keep it addressable, compliance treats it as not hosting.
	d.instance = &cluster.Instance{QueueID: queueID, Location: d.location}
	return d, nil
}

func (r *Router) selfInstance() *cluster.Instance {
	s := r.dir.Self()
	return &cluster.Instance{ID: s.ID, Location: s.Location, QueueID: s.QueueID}
}

func endsWithUUID(s string) bool {
	const n = 36
	return len(s) > n && s[len(s)-n-1] == '-' && uuid.Validate(s[len(s)-n:]) == nil
}

// balance re-targets a work-queue destination to the private queue of the
// live host running the fewest executions of dep. Without candidates the
// destination is kept.
func (r *Router) balance(ctx context.Context, dep module.Deployment, dest destination) destination {
	live, err := r.dir.LiveInstances(ctx)
	if err != nil {
		r.log.Warn("balance: list instances failed", logx.Err(err))
		return dest
	}
	scoped := live[:0:0]
	for _, i := range live {
		if dest.location == cluster.GlobalLocation || i.Location == dest.location {
			scoped = append(scoped, i)
		}
	}
	candidates, err := r.dir.Hosting(ctx, scoped, dep, func(c module.Capabilities) bool { return c.Event })
	if err != nil || len(candidates) == 0 {
		return dest
	}
	if desc, ok, _ := r.dir.Describe(ctx, dep); ok {
		allowed := candidates[:0:0]
		for _, c := range candidates {
			if desc.Limit.IsAllowedForEvent(c.Location) {
				allowed = append(allowed, c)
			}
		}
		if len(allowed) == 0 {
			return dest
		}
		candidates = allowed
	}
	counts, err := r.dir.CountAmong(ctx, candidates, dep, registry.KindEvent)
	if err != nil {
		r.log.Warn("balance: count failed", logx.Err(err))
		return dest
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if counts.OfInstance(c.ID) < counts.OfInstance(best.ID) {
			best = c
		}
	}
	return destination{queueID: best.QueueID, location: best.Location, instance: &best}
}

// compliant reports why m may not be delivered to dest, or "" when it may.
func (r *Router) compliant(ctx context.Context, dest destination, m *message.Message) string {
	if m.IsSystem() {
		return ""
	}
	dep := module.TargetOf(m)
	lim := limit.Default()
	if desc, ok, err := r.dir.Describe(ctx, dep); err == nil && ok {
		lim = desc.Limit
	}
	if lim.EventPinned() && !lim.IsAllowedForEvent(dest.location) {
		return metrics.DropCompliance
	}
	if dest.private() {
		if dest.instance.ID == "" {
			return metrics.DropNoModule
		}
		ok, err := r.dir.Hosts(ctx, dest.instance.ID, dep, func(c module.Capabilities) bool { return c.Event })
		if err != nil || !ok {
			return metrics.DropNoModule
		}
	}
	return ""
}

// transmit checks compliance and delivers m to dest.
func (r *Router) transmit(ctx context.Context, dest destination, m *message.Message) error {
	if reason := r.compliant(ctx, dest, m); reason != "" {
		r.drop(m, dest.queueID, reason, nil)
		return nil
	}
	if dest.queueID == r.dir.Self().QueueID {
		r.mu.RLock()
		local := r.local
		r.mu.RUnlock()
		if local != nil {
			err := local.Dispatch(ctx, m)
			if err == nil {
				r.metrics.MessageSent(metrics.RouteLocal)
				return nil
			}
			r.log.Debug("local dispatch unavailable, using queue", logx.Err(err))
		}
	}
	return r.deliver(ctx, dest.queueID, m)
}

// deliver serializes m onto a queue, offloading large bodies to the blob store.
func (r *Router) deliver(ctx context.Context, queueID string, m *message.Message) error {
	body, err := message.Encode(m)
	if err != nil {
		r.drop(m, queueID, metrics.DropSendFailed, err)
		return fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	route, blobKey := metrics.RouteQueue, ""
	if len(body) > r.cfg.OffloadThreshold {
		if r.blobs == nil {
			r.drop(m, queueID, metrics.DropSendFailed, storage.ErrDisabled)
			return nil
		}
		blobKey = uuid.NewString()
		if err := r.blobs.Put(ctx, r.cfg.BlobCategory, blobKey, []byte(body)); err != nil {
			r.drop(m, queueID, metrics.DropSendFailed, err)
			return fmt.Errorf("offload message %s: %w", m.ID, err)
		}
		body, route = blobKey, metrics.RouteOffload
	}

	if _, err := r.queue.Send(ctx, queueID, body); err != nil {
		if blobKey != "" {
			_ = r.blobs.Delete(context.WithoutCancel(ctx), r.cfg.BlobCategory, blobKey)
		}
		if errors.Is(err, storage.ErrQueueNotFound) {
			r.drop(m, queueID, metrics.DropQueueMissing, err)
			return nil
		}
		r.drop(m, queueID, metrics.DropSendFailed, err)
		return fmt.Errorf("send message %s: %w", m.ID, err)
	}
	r.metrics.MessageSent(route)
	return nil
}

// DroppedEvent is published on the bus for every dropped message.
type DroppedEvent struct {
	MessageID  string            `json:"message_id"`
	Deployment module.Deployment `json:"deployment"`
	Target     string            `json:"target"`
	Reason     string            `json:"reason"`
	Error      string            `json:"error,omitempty"`
}

func (r *Router) drop(m *message.Message, target, reason string, err error) {
	r.metrics.MessageDropped(reason)
	fields := []logx.Field{
		logx.String("message", m.ID),
		logx.String("deployment", module.TargetOf(m).String()),
		logx.String("target", target),
		logx.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, logx.Err(err))
	}
	if reason == metrics.DropQueueMissing || reason == metrics.DropSendFailed {
		r.log.Warn("message lost", fields...)
	} else {
		r.log.Info("message dropped", fields...)
	}
	if r.bus != nil {
		ev := DroppedEvent{MessageID: m.ID, Deployment: module.TargetOf(m), Target: target, Reason: reason}
		if err != nil {
			ev.Error = err.Error()
		}
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeMessageDropped, Time: r.dir.Now(), Data: ev})
	}
}
