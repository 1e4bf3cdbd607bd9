package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"fleetd/internal/module"
	"fleetd/internal/registry"
	"fleetd/internal/storage"
	logx "fleetd/pkg/logx"
)

// Shared tables.
const (
	TableInstances = "fleet_instances"
	TableModules   = "fleet_modules"
	TableActivity  = "fleet_activity"
	TableMarkers   = "fleet_markers"
)

var tables = []string{TableInstances, TableModules, TableActivity, TableMarkers}

const (
	DefaultActiveWindow = 5 * time.Minute
	DefaultInstanceTTL  = 2 * time.Hour
)

// Self is this instance's identity.
type Self struct {
	ID        string
	Location  string
	QueueID   string
	StartedAt time.Time
}

// Instance is the shared liveness record of a fleet member.
type Instance struct {
	ID        string `json:"id"`
	Location  string `json:"location"`
	QueueID   string `json:"queue_id"`
	LastSeen  int64  `json:"last_seen"` // unix ms
	StartedAt int64  `json:"started_at"`
}

func (i Instance) LastSeenTime() time.Time { return time.UnixMilli(i.LastSeen) }

// ModuleList is the published catalog of one instance.
type ModuleList struct {
	InstanceID string              `json:"instance_id"`
	Location   string              `json:"location"`
	Modules    []module.Descriptor `json:"modules"`
}

// Activity is the published registry snapshot of one instance.
type Activity struct {
	InstanceID string            `json:"instance_id"`
	Location   string            `json:"location"`
	UpdatedAt  int64             `json:"updated_at"`
	Snapshot   registry.Snapshot `json:"snapshot"`
}

type marker struct {
	Key string `json:"key"`
	At  int64  `json:"at"`
	By  string `json:"by"`
}

type Config struct {
	ActiveWindow time.Duration
	InstanceTTL  time.Duration
	CacheTTL     time.Duration // 0 disables the remote module-list cache
	Fanout       int
}

type Deps struct {
	KV       storage.KeyValue
	Registry *registry.Registry
	Catalog  *module.Catalog
	Log      logx.Logger
	Now      func() time.Time
}

// Directory is this instance's view of the fleet, backed by the shared KeyValue store.
type Directory struct {
	cfg     Config
	self    Self
	kv      storage.KeyValue
	reg     *registry.Registry
	catalog *module.Catalog
	log     logx.Logger
	now     func() time.Time

	modules *expirable.LRU[string, []module.Descriptor]

	pubMu sync.Mutex
}

func NewDirectory(cfg Config, self Self, deps Deps) *Directory {
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = DefaultActiveWindow
	}
	if cfg.InstanceTTL <= 0 {
		cfg.InstanceTTL = DefaultInstanceTTL
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = 8
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	d := &Directory{
		cfg:     cfg,
		self:    self,
		kv:      deps.KV,
		reg:     deps.Registry,
		catalog: deps.Catalog,
		log:     deps.Log,
		now:     deps.Now,
	}
	if cfg.CacheTTL > 0 {
		d.modules = expirable.NewLRU[string, []module.Descriptor](1024, nil, cfg.CacheTTL)
	}
	return d
}

func (d *Directory) Self() Self                  { return d.self }
func (d *Directory) Now() time.Time              { return d.now() }
func (d *Directory) ActiveWindow() time.Duration { return d.cfg.ActiveWindow }
func (d *Directory) InstanceTTL() time.Duration  { return d.cfg.InstanceTTL }

// EnsureTables creates the shared tables when missing.
func (d *Directory) EnsureTables(ctx context.Context) error {
	for _, t := range tables {
		ok, err := d.kv.HasTable(ctx, t)
		if err != nil {
			return fmt.Errorf("has table %s: %w", t, err)
		}
		if ok {
			continue
		}
		if err := d.kv.CreateTable(ctx, t); err != nil {
			return fmt.Errorf("create table %s: %w", t, err)
		}
	}
	return nil
}

func (d *Directory) selfRecord() Instance {
	return Instance{
		ID:        d.self.ID,
		Location:  d.self.Location,
		QueueID:   d.self.QueueID,
		LastSeen:  d.now().UnixMilli(),
		StartedAt: d.self.StartedAt.UnixMilli(),
	}
}

// Heartbeat upserts this instance's record with the current time.
func (d *Directory) Heartbeat(ctx context.Context) error {
	return storage.PutJSON(ctx, d.kv, TableInstances, d.self.ID, d.selfRecord())
}

// Instances returns every instance record, ordered by id.
func (d *Directory) Instances(ctx context.Context) ([]Instance, error) {
	all, err := storage.ListJSON[Instance](ctx, d.kv, TableInstances)
	if err != nil && all == nil {
		return nil, err
	}
	if err != nil {
		d.log.Warn("skipping unreadable instance records", logx.Err(err))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

func (d *Directory) IsLive(i Instance) bool {
	return d.now().Sub(i.LastSeenTime()) <= d.cfg.ActiveWindow
}

func (d *Directory) IsStale(i Instance) bool {
	return d.now().Sub(i.LastSeenTime()) > d.cfg.InstanceTTL
}

// LiveInstances returns instances seen within the active window. Self is
// always included.
func (d *Directory) LiveInstances(ctx context.Context) ([]Instance, error) {
	all, err := d.Instances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Instance, 0, len(all)+1)
	sawSelf := false
	for _, i := range all {
		if i.ID == d.self.ID {
			sawSelf = true
			out = append(out, i)
			continue
		}
		if d.IsLive(i) {
			out = append(out, i)
		}
	}
	if !sawSelf {
		out = append(out, d.selfRecord())
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	return out, nil
}

// StaleInstances returns other instances not seen within the TTL.
func (d *Directory) StaleInstances(ctx context.Context) ([]Instance, error) {
	all, err := d.Instances(ctx)
	if err != nil {
		return nil, err
	}
	var out []Instance
	for _, i := range all {
		if i.ID != d.self.ID && d.IsStale(i) {
			out = append(out, i)
		}
	}
	return out, nil
}

// RemoveInstance deletes every shared record of an instance. Absent records are not an error.
func (d *Directory) RemoveInstance(ctx context.Context, id string) error {
	for _, t := range []string{TableInstances, TableModules, TableActivity} {
		if err := d.kv.Delete(ctx, t, id); err != nil {
			return fmt.Errorf("delete %s/%s: %w", t, id, err)
		}
	}
	if d.modules != nil {
		d.modules.Remove(id)
	}
	return nil
}

// PublishModules writes the local catalog to the shared table.
func (d *Directory) PublishModules(ctx context.Context) error {
	return storage.PutJSON(ctx, d.kv, TableModules, d.self.ID, ModuleList{
		InstanceID: d.self.ID,
		Location:   d.self.Location,
		Modules:    d.catalog.Descriptors(),
	})
}

// ModulesOf returns the deployments hosted by an instance. Remote lists are
// cached for CacheTTL.
func (d *Directory) ModulesOf(ctx context.Context, instanceID string) ([]module.Descriptor, error) {
	if instanceID == d.self.ID {
		return d.catalog.Descriptors(), nil
	}
	if d.modules != nil {
		if v, ok := d.modules.Get(instanceID); ok {
			return v, nil
		}
	}
	ml, ok, err := storage.GetJSON[ModuleList](ctx, d.kv, TableModules, instanceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if d.modules != nil {
		d.modules.Add(instanceID, ml.Modules)
	}
	return ml.Modules, nil
}

// Hosting filters instances down to those hosting dep with the given capability.
// Module lists are fetched in parallel; an unreadable list excludes that instance.
func (d *Directory) Hosting(ctx context.Context, insts []Instance, dep module.Deployment, capable func(module.Capabilities) bool) ([]Instance, error) {
	keep := make([]bool, len(insts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Fanout)
	for idx, inst := range insts {
		g.Go(func() error {
			descs, err := d.ModulesOf(gctx, inst.ID)
			if err != nil {
				d.log.Debug("module list unavailable", logx.String("instance", inst.ID), logx.Err(err))
				return nil
			}
			keep[idx] = hosts(descs, dep, capable)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []Instance
	for idx, inst := range insts {
		if keep[idx] {
			out = append(out, inst)
		}
	}
	return out, nil
}

func hosts(descs []module.Descriptor, dep module.Deployment, capable func(module.Capabilities) bool) bool {
	for _, ds := range descs {
		if ds.Deployment == dep && (capable == nil || capable(ds.Capabilities)) {
			return true
		}
	}
	return false
}

// Hosts reports whether one instance hosts dep with the given capability.
func (d *Directory) Hosts(ctx context.Context, instanceID string, dep module.Deployment, capable func(module.Capabilities) bool) (bool, error) {
	descs, err := d.ModulesOf(ctx, instanceID)
	if err != nil {
		return false, err
	}
	return hosts(descs, dep, capable), nil
}

// Describe finds the published descriptor of dep on any live instance.
func (d *Directory) Describe(ctx context.Context, dep module.Deployment) (module.Descriptor, bool, error) {
	if e, ok := d.catalog.Get(dep); ok {
		return e.Descriptor(), true, nil
	}
	live, err := d.LiveInstances(ctx)
	if err != nil {
		return module.Descriptor{}, false, err
	}
	for _, inst := range live {
		descs, err := d.ModulesOf(ctx, inst.ID)
		if err != nil {
			continue
		}
		for _, ds := range descs {
			if ds.Deployment == dep {
				return ds, true, nil
			}
		}
	}
	return module.Descriptor{}, false, nil
}

// LatestEventVersion returns the highest deployed version of (pluginID, class)
// implementing event processing, across live instances.
func (d *Directory) LatestEventVersion(ctx context.Context, pluginID int, class string) (float64, bool, error) {
	live, err := d.LiveInstances(ctx)
	if err != nil {
		return 0, false, err
	}
	best, found := 0.0, false
	for _, inst := range live {
		descs, err := d.ModulesOf(ctx, inst.ID)
		if err != nil {
			continue
		}
		for _, ds := range descs {
			if ds.Deployment.PluginID != pluginID || ds.Deployment.Class != class || !ds.Capabilities.Event {
				continue
			}
			if !found || ds.Deployment.Version > best {
				best, found = ds.Deployment.Version, true
			}
		}
	}
	return best, found, nil
}

// PublishActivity writes the current registry snapshot. Concurrent callers
// are serialized and each write carries the snapshot taken under the lock,
// so the last write is never older than the registry state it follows.
func (d *Directory) PublishActivity(ctx context.Context) error {
	d.pubMu.Lock()
	defer d.pubMu.Unlock()
	return storage.PutJSON(ctx, d.kv, TableActivity, d.self.ID, Activity{
		InstanceID: d.self.ID,
		Location:   d.self.Location,
		UpdatedAt:  d.now().UnixMilli(),
		Snapshot:   d.reg.Snapshot(),
	})
}

// Purge drops cached remote module lists.
func (d *Directory) Purge() {
	if d.modules != nil {
		d.modules.Purge()
	}
}

// Counts aggregates running executions of one deployment over live instances.
type Counts struct {
	GSM        int
	ByLocation map[string]int
	ByInstance map[string]int
}

func (c Counts) AtLocation(loc string) int { return c.ByLocation[loc] }
func (c Counts) OfInstance(id string) int  { return c.ByInstance[id] }

// Count returns the count of kind (or every kind when kind is empty).
// Remote counts come from published snapshots; this instance's own count is
// read from the local registry.
func (d *Directory) Count(ctx context.Context, dep module.Deployment, kind registry.Kind) (Counts, error) {
	live, err := d.LiveInstances(ctx)
	if err != nil {
		return Counts{}, err
	}
	return d.CountAmong(ctx, live, dep, kind)
}

func (d *Directory) CountAmong(ctx context.Context, insts []Instance, dep module.Deployment, kind registry.Kind) (Counts, error) {
	c := Counts{ByLocation: map[string]int{}, ByInstance: map[string]int{}}
	ids := make([]string, 0, len(insts))
	locs := make(map[string]string, len(insts))
	for _, i := range insts {
		locs[i.ID] = i.Location
		if i.ID != d.self.ID {
			ids = append(ids, i.ID)
		}
	}

	if len(ids) > 0 {
		acts, err := storage.QueryJSON[Activity](ctx, d.kv, TableActivity, ids)
		if err != nil {
			if acts == nil {
				return c, fmt.Errorf("query activity: %w", err)
			}
			d.log.Warn("skipping unreadable activity records", logx.Err(err))
		}
		for _, a := range acts {
			c.add(a.InstanceID, locs[a.InstanceID], pick(a.Snapshot.Counts[dep.Key()], kind))
		}
	}

	if _, ok := locs[d.self.ID]; ok {
		var n int
		if kind == "" {
			n = d.reg.LocalCount(dep)
		} else {
			n = d.reg.LocalCountOf(dep, kind)
		}
		c.add(d.self.ID, d.self.Location, n)
	}
	return c, nil
}

func pick(k registry.KindCounts, kind registry.Kind) int {
	if kind == "" {
		return k.Total()
	}
	return k.Of(kind)
}

func (c *Counts) add(instance, location string, n int) {
	c.GSM += n
	c.ByLocation[location] += n
	c.ByInstance[instance] += n
}

// LastRun reads a shared last-run marker.
func (d *Directory) LastRun(ctx context.Context, key string) (time.Time, bool, error) {
	m, ok, err := storage.GetJSON[marker](ctx, d.kv, TableMarkers, key)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	return time.UnixMilli(m.At), true, nil
}

// MarkRun upserts a shared last-run marker.
func (d *Directory) MarkRun(ctx context.Context, key string, at time.Time) error {
	return storage.PutJSON(ctx, d.kv, TableMarkers, key, marker{Key: key, At: at.UnixMilli(), By: d.self.ID})
}
