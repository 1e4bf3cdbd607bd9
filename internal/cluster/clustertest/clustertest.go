// Package clustertest builds simulated multi-instance fleets over in-memory
// storage for tests.
package clustertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"fleetd/internal/cluster"
	"fleetd/internal/module"
	"fleetd/internal/registry"
	"fleetd/internal/storage"
	logx "fleetd/pkg/logx"
)

type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock { return &Clock{now: time.Unix(1_700_000_000, 0)} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Fleet is the shared storage every simulated instance talks to.
type Fleet struct {
	KV     *storage.MemoryKV
	Queue  *storage.MemoryQueue
	Blobs  *storage.MemoryBlobs
	Clock  *Clock
	Naming cluster.Naming
}

func NewFleet() *Fleet {
	return &Fleet{
		KV:    storage.NewMemoryKV(),
		Queue: storage.NewMemoryQueue(),
		Blobs: storage.NewMemoryBlobs(),
		Clock: NewClock(),
	}
}

type Node struct {
	ID        string
	Location  string
	QueueID   string
	Registry  *registry.Registry
	Catalog   *module.Catalog
	Directory *cluster.Directory
}

// Node registers an instance hosting mods: its queues exist, and its
// instance record, module list and activity are published.
func (f *Fleet) Node(t testing.TB, id, location string, mods map[module.Deployment]module.Module) *Node {
	t.Helper()
	ctx := context.Background()
	qid, err := f.Queue.Create(ctx, f.Naming.InstanceQueue(location, id))
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	for _, name := range []string{f.Naming.WorkQueue(location), f.Naming.GlobalQueue()} {
		if _, err := f.Queue.Create(ctx, name); err != nil {
			t.Fatalf("create queue: %v", err)
		}
	}
	reg := registry.New(registry.WithClock(f.Clock.Now))
	cat := module.NewCatalog(logx.Nop())
	for d, m := range mods {
		if err := cat.Register(d, m); err != nil {
			t.Fatalf("register %s: %v", d, err)
		}
	}
	dir := cluster.NewDirectory(cluster.Config{}, cluster.Self{
		ID: id, Location: location, QueueID: qid, StartedAt: f.Clock.Now(),
	}, cluster.Deps{KV: f.KV, Registry: reg, Catalog: cat, Log: logx.Nop(), Now: f.Clock.Now})
	if err := dir.EnsureTables(ctx); err != nil {
		t.Fatalf("tables: %v", err)
	}
	for _, step := range []func(context.Context) error{dir.Heartbeat, dir.PublishModules, dir.PublishActivity} {
		if err := step(ctx); err != nil {
			t.Fatalf("bootstrap %s: %v", id, err)
		}
	}
	return &Node{ID: id, Location: location, QueueID: qid, Registry: reg, Catalog: cat, Directory: dir}
}

// Running sums the registered executions of dep and kind across nodes.
func Running(nodes []*Node, dep module.Deployment, kind registry.Kind) (total int, byNode map[string]int) {
	byNode = map[string]int{}
	for _, n := range nodes {
		c := n.Registry.LocalCountOf(dep, kind)
		byNode[n.ID] = c
		total += c
	}
	return total, byNode
}
