package batch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"fleetd/internal/cluster/clustertest"
	"fleetd/internal/limit"
	"fleetd/internal/module"
	"fleetd/internal/registry"
	"fleetd/internal/task/engine"
	logx "fleetd/pkg/logx"
)

var dep = module.Deployment{PluginID: 42, Version: 1, Class: "Report"}

// blocking runs until its context ends, so executions stay registered while
// the test samples counts.
type blocking struct {
	module.Base
	lim *limit.ModuleLimit
}

func (b blocking) Limits() limit.ModuleLimit {
	if b.lim == nil {
		return limit.Default()
	}
	return *b.lim
}

func (blocking) ProcessBatch(ctx context.Context, _ string) error {
	<-ctx.Done()
	return nil
}

type member struct {
	node  *clustertest.Node
	sched *Scheduler
}

type sim struct {
	fleet   *clustertest.Fleet
	members []member
	nodes   []*clustertest.Node
}

func newSim(t *testing.T, lim *limit.ModuleLimit, locations ...string) *sim {
	t.Helper()
	s := &sim{fleet: clustertest.NewFleet()}
	for i, loc := range locations {
		n := s.fleet.Node(t, fmt.Sprintf("i-%02d", i), loc, map[module.Deployment]module.Module{dep: blocking{lim: lim}})
		eng := engine.New(engine.Config{}, logx.Nop(), nil)
		eng.Start(context.Background())
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = eng.Stop(ctx)
		})
		sc := New(Config{}, Deps{Directory: n.Directory, Catalog: n.Catalog, Registry: n.Registry, Engine: eng})
		s.members = append(s.members, member{node: n, sched: sc})
		s.nodes = append(s.nodes, n)
	}
	return s
}

// round ticks every instance once, in order, then advances the clock.
func (s *sim) round(t *testing.T, advance time.Duration) {
	t.Helper()
	for _, m := range s.members {
		if err := m.sched.Tick(context.Background()); err != nil {
			t.Fatalf("tick %s: %v", m.node.ID, err)
		}
	}
	s.fleet.Clock.Advance(advance)
}

func (s *sim) running() (int, map[string]int) {
	return clustertest.Running(s.nodes, dep, registry.KindBatch)
}

func build(b *limit.Builder) *limit.ModuleLimit {
	l := b.Build()
	return &l
}

func TestDefaultRunsOncePerLocation(t *testing.T) {
	t.Parallel()
	s := newSim(t, nil, "A", "B", "A", "B")
	for i := 0; i < 5; i++ {
		s.round(t, time.Second)
	}
	total, by := s.running()
	if total != 2 {
		t.Fatalf("active = %d (%v), want one per location", total, by)
	}
	perLoc := map[string]int{}
	for _, n := range s.nodes {
		perLoc[n.Location] += by[n.ID]
	}
	if perLoc["A"] != 1 || perLoc["B"] != 1 {
		t.Fatalf("per location %v", perLoc)
	}
}

func TestGSMCapOfOne(t *testing.T) {
	t.Parallel()
	s := newSim(t, build(limit.NewBuilder().MaxActiveBatchesPerGSM(1)), "A", "A", "B")
	for i := 0; i < 6; i++ {
		s.round(t, time.Second)
		if total, by := s.running(); total > 1 {
			t.Fatalf("round %d: active = %d (%v)", i, total, by)
		}
	}
	if total, _ := s.running(); total != 1 {
		t.Fatalf("steady state active = %d, want 1", total)
	}
}

func TestPerInstanceCap(t *testing.T) {
	t.Parallel()
	s := newSim(t, build(limit.NewBuilder().MaxActiveBatchesPerInstance(1)), "A", "A", "B")
	for i := 0; i < 4; i++ {
		s.round(t, time.Second)
	}
	total, by := s.running()
	if total != len(s.nodes) {
		t.Fatalf("active = %d (%v), want one per instance", total, by)
	}
	for id, n := range by {
		if n != 1 {
			t.Fatalf("instance %s runs %d", id, n)
		}
	}
}

func TestBoundedRamp(t *testing.T) {
	t.Parallel()
	lim := build(limit.NewBuilder().MaxActiveBatchesPerGSM(2).BatchFrequency(time.Second))
	s := newSim(t, lim, "A", "A", "B")
	want := []int{1, 2, 2, 2}
	for i, w := range want {
		s.round(t, time.Second)
		if total, by := s.running(); total != w {
			t.Fatalf("after round %d active = %d (%v), want %d", i+1, total, by, w)
		}
	}
}

func TestLocationAllowList(t *testing.T) {
	t.Parallel()
	s := newSim(t, build(limit.NewBuilder().MaxActiveBatchesPerInstance(1).BatchLocations("A")), "A", "B", "B")
	for i := 0; i < 3; i++ {
		s.round(t, time.Second)
	}
	_, by := s.running()
	for _, n := range s.nodes {
		if n.Location != "A" && by[n.ID] != 0 {
			t.Fatalf("instance %s in %s runs %d", n.ID, n.Location, by[n.ID])
		}
	}
	if by[s.nodes[0].ID] != 1 {
		t.Fatalf("allowed instance did not run: %v", by)
	}

	nowhere := newSim(t, build(limit.NewBuilder().BatchLocations("Z")), "A", "B")
	for i := 0; i < 3; i++ {
		nowhere.round(t, time.Second)
	}
	if total, _ := nowhere.running(); total != 0 {
		t.Fatalf("module pinned to a missing location ran %d times", total)
	}
}

func TestEvaluateReasons(t *testing.T) {
	t.Parallel()
	lim := build(limit.NewBuilder().MaxActiveBatchesPerGSM(1).BatchFrequency(time.Minute))
	s := newSim(t, lim, "A")
	m := s.members[0]
	e, _ := m.node.Catalog.Get(dep)

	d := m.sched.Evaluate(context.Background(), e)
	if !d.Launch || d.Tier != limit.TierGSM || d.Marker != "batch:"+dep.Key() {
		t.Fatalf("first decision %+v", d)
	}
	s.round(t, 10*time.Second)
	if d := m.sched.Evaluate(context.Background(), e); d.Launch || d.Reason != ReasonFrequency {
		t.Fatalf("within frequency %+v", d)
	}
	s.fleet.Clock.Advance(time.Minute)
	if d := m.sched.Evaluate(context.Background(), e); d.Launch || d.Reason != ReasonLimit || d.Running != 1 {
		t.Fatalf("at limit %+v", d)
	}
}

func TestMarkerScopes(t *testing.T) {
	t.Parallel()
	s := newSim(t, nil, "A")
	self := s.nodes[0].Directory.Self()
	if got := MarkerKey(dep, limit.TierLocation, self); got != "batch:"+dep.Key()+"@A" {
		t.Fatalf("location marker %q", got)
	}
	if got := MarkerKey(dep, limit.TierInstance, self); got != "batch:"+dep.Key()+"#"+self.ID {
		t.Fatalf("instance marker %q", got)
	}
	if MarkerKey(dep, limit.TierNone, self) != MarkerKey(dep, limit.TierGSM, self) {
		t.Fatal("unrestricted and gsm markers differ")
	}
}

func TestLocalOverlapOnlyForSingleShare(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		lim  *limit.ModuleLimit
		want int
	}{
		{"one per instance", build(limit.NewBuilder().MaxActiveBatchesPerInstance(1)), 1},
		{"default one per location", nil, 1},
		{"two per gsm", build(limit.NewBuilder().MaxActiveBatchesPerGSM(2)), 2},
	}
	for _, tt := range tests {
		s := newSim(t, tt.lim, "A")
		m := s.members[0]
		e, _ := m.node.Catalog.Get(dep)
		ctx := context.Background()
		d := m.sched.Evaluate(ctx, e)
		if !d.Launch {
			t.Fatalf("%s: first decision %+v", tt.name, d)
		}
		// The same decision twice, as when a published count lags behind.
		for i := 0; i < 2; i++ {
			if err := m.sched.launch(ctx, e, d); err != nil {
				t.Fatalf("%s: launch %d: %v", tt.name, i, err)
			}
		}
		if n := m.node.Registry.LocalCountOf(dep, registry.KindBatch); n != tt.want {
			t.Fatalf("%s: local runs = %d, want %d", tt.name, n, tt.want)
		}
	}
}
