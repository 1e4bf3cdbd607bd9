package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"fleetd/internal/module"
	"fleetd/internal/registry"
	"fleetd/internal/storage"
	logx "fleetd/pkg/logx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventer struct{ module.Base }

func (eventer) ProcessBatch(context.Context, string) error { return nil }

var dep = module.Deployment{PluginID: 9, Version: 1, Class: "Ev"}

func newDir(t *testing.T, kv storage.KeyValue, clk *clock, id, loc string) (*Directory, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.WithClock(clk.Now))
	cat := module.NewCatalog(logx.Nop())
	if err := cat.Register(dep, eventer{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	n := Naming{}
	d := NewDirectory(Config{}, Self{ID: id, Location: loc, QueueID: "mem://" + n.InstanceQueue(loc, id), StartedAt: clk.Now()}, Deps{
		KV: kv, Registry: reg, Catalog: cat, Log: logx.Nop(), Now: clk.Now,
	})
	if err := d.EnsureTables(context.Background()); err != nil {
		t.Fatalf("ensure tables: %v", err)
	}
	return d, reg
}

func TestNamingRoundTrip(t *testing.T) {
	t.Parallel()
	n := Naming{Prefix: "FLEET"}
	id := uuid.NewString()
	tests := []struct {
		name string
		loc  string
	}{
		{n.InstanceQueue("eu-west", id), "eu-west"},
		{n.InstanceQueue("AZURE", id), "AZURE"},
		{n.WorkQueue("eu-west"), "eu-west"},
		{n.GlobalQueue(), GlobalLocation},
		{n.InstanceQueue("A", "node7"), "A"},
		{"OTHER-A-x", ""},
	}
	for _, tt := range tests {
		if got := n.LocationOf(tt.name); got != tt.loc {
			t.Fatalf("LocationOf(%q)=%q, want %q", tt.name, got, tt.loc)
		}
	}
	if !IsWorkQueue(n.GlobalQueue()) || IsWorkQueue(n.InstanceQueue("A", id)) {
		t.Fatalf("work queue detection wrong")
	}
	if (Naming{}).GlobalQueue() != "FLEET-GLOBAL-WORK-QUEUE" {
		t.Fatalf("default prefix not applied")
	}
}

func TestLiveAndStaleClassification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}

	self, _ := newDir(t, kv, clk, "i-self", "A")
	peer, _ := newDir(t, kv, clk, "i-peer", "A")
	old, _ := newDir(t, kv, clk, "i-old", "B")
	for _, d := range []*Directory{self, peer, old} {
		if err := d.Heartbeat(ctx); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}

	clk.Advance(10 * time.Minute)
	_ = self.Heartbeat(ctx)

	live, err := self.LiveInstances(ctx)
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	if len(live) != 1 || live[0].ID != "i-self" {
		t.Fatalf("live = %+v", live)
	}
	stale, _ := self.StaleInstances(ctx)
	if len(stale) != 0 {
		t.Fatalf("nothing should be stale yet: %+v", stale)
	}

	_ = peer.Heartbeat(ctx)
	clk.Advance(2*time.Hour + time.Minute)
	_ = self.Heartbeat(ctx)
	stale, _ = self.StaleInstances(ctx)
	if len(stale) != 2 {
		t.Fatalf("stale = %+v", stale)
	}
}

func TestCountsReadOwnWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}

	a, regA := newDir(t, kv, clk, "i-a", "L1")
	b, regB := newDir(t, kv, clk, "i-b", "L2")
	_ = a.Heartbeat(ctx)
	_ = b.Heartbeat(ctx)

	regB.Register(dep, registry.KindBatch, "i-b", "L2")
	regB.Register(dep, registry.KindEvent, "i-b", "L2")
	if err := b.PublishActivity(ctx); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Not published: must still be visible to a.
	regA.Register(dep, registry.KindBatch, "i-a", "L1")

	c, err := a.Count(ctx, dep, registry.KindBatch)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if c.GSM != 2 || c.AtLocation("L1") != 1 || c.AtLocation("L2") != 1 || c.OfInstance("i-a") != 1 {
		t.Fatalf("batch counts %+v", c)
	}
	all, _ := a.Count(ctx, dep, "")
	if all.GSM != 3 || all.OfInstance("i-b") != 2 {
		t.Fatalf("total counts %+v", all)
	}
}

func TestModulesAndMarkers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	a, _ := newDir(t, kv, clk, "i-a", "L1")
	b, _ := newDir(t, kv, clk, "i-b", "L1")
	_ = a.Heartbeat(ctx)
	_ = b.Heartbeat(ctx)
	if err := b.PublishModules(ctx); err != nil {
		t.Fatalf("publish modules: %v", err)
	}

	ok, err := a.Hosts(ctx, "i-b", dep, func(c module.Capabilities) bool { return c.Batch })
	if err != nil || !ok {
		t.Fatalf("hosts: %v %v", ok, err)
	}
	live, _ := a.LiveInstances(ctx)
	hosting, _ := a.Hosting(ctx, live, dep, func(c module.Capabilities) bool { return c.Event })
	if len(hosting) != 0 {
		t.Fatalf("no instance hosts an event-capable module: %+v", hosting)
	}

	if _, ok, _ := a.LastRun(ctx, "k"); ok {
		t.Fatalf("marker should be absent")
	}
	at := clk.Now()
	_ = b.MarkRun(ctx, "k", at)
	got, ok, err := a.LastRun(ctx, "k")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("last run %v %v %v", got, ok, err)
	}

	if err := a.RemoveInstance(ctx, "i-b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := a.RemoveInstance(ctx, "i-b"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if descs, _ := a.ModulesOf(ctx, "i-b"); len(descs) != 0 {
		t.Fatalf("module list survived removal")
	}
}
