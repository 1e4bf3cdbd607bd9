package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleetd/internal/cluster/clustertest"
	"fleetd/internal/eventbus"
	"fleetd/internal/limit"
	"fleetd/internal/message"
	"fleetd/internal/module"
	"fleetd/internal/observability/metrics"
	"fleetd/internal/registry"
	"fleetd/internal/storage"
	"fleetd/internal/task/engine"
	logx "fleetd/pkg/logx"
)

var (
	workerDep = module.Deployment{PluginID: 9, Version: 1, Class: "Resize"}
	callerDep = module.Deployment{PluginID: 3, Version: 1, Class: "Caller"}
)

// recorder is an event module that records what it processed.
type recorder struct {
	module.Base
	lim   limit.ModuleLimit
	reply func(*message.Message) *message.Message
	hold  chan struct{} // when set, Process blocks until closed

	mu   sync.Mutex
	got  []*message.Message
	seen chan *message.Message

	cur, peak atomic.Int32
}

func newRecorder(lim limit.ModuleLimit) *recorder {
	return &recorder{lim: lim, seen: make(chan *message.Message, 256)}
}

func (r *recorder) Limits() limit.ModuleLimit { return r.lim }

func (r *recorder) Process(ctx context.Context, msg *message.Message) (*message.Message, error) {
	n := r.cur.Add(1)
	defer r.cur.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if r.hold != nil {
		select {
		case <-r.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	r.got = append(r.got, msg)
	r.mu.Unlock()
	r.seen <- msg
	if r.reply != nil {
		return r.reply(msg), nil
	}
	return nil, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recorder) wait(t *testing.T) *message.Message {
	t.Helper()
	select {
	case m := <-r.seen:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("message not processed")
		return nil
	}
}

type node struct {
	*clustertest.Node
	router   *Router
	listener *Listener
}

type harness struct {
	fleet *clustertest.Fleet
	bus   eventbus.Bus
	cloud []string
}

func newHarness() *harness {
	return &harness{fleet: clustertest.NewFleet(), bus: eventbus.New()}
}

func (h *harness) node(t *testing.T, id, loc string, mods map[module.Deployment]module.Module) *node {
	t.Helper()
	n := h.fleet.Node(t, id, loc, mods)
	r := New(Config{CloudLocations: h.cloud}, Deps{
		Directory: n.Directory,
		Catalog:   n.Catalog,
		Queue:     h.fleet.Queue,
		Blobs:     h.fleet.Blobs,
		Naming:    h.fleet.Naming,
		Bus:       h.bus,
	})
	eng := engine.New(engine.Config{}, logx.Nop(), nil)
	eng.Start(context.Background())
	l := NewListener(ListenerConfig{PollWait: 20 * time.Millisecond, AdmissionPoll: 10 * time.Millisecond}, r, ListenerDeps{
		Directory: n.Directory,
		Catalog:   n.Catalog,
		Registry:  n.Registry,
		Engine:    eng,
		Queue:     h.fleet.Queue,
		Blobs:     h.fleet.Blobs,
		Bus:       h.bus,
	})
	l.Subscribe(n.QueueID)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Stop(ctx)
		_ = eng.Stop(ctx)
	})
	return &node{Node: n, router: r, listener: l}
}

func (n *node) start() { n.listener.Start(context.Background()) }

func (h *harness) drops(t *testing.T) <-chan eventbus.Event {
	t.Helper()
	ch, unsub := h.bus.Subscribe(64, eventbus.TypeMessageDropped)
	t.Cleanup(unsub)
	return ch
}

func expectDrop(t *testing.T, ch <-chan eventbus.Event, reason string) {
	t.Helper()
	select {
	case ev := <-ch:
		if d := ev.Data.(DroppedEvent); d.Reason != reason {
			t.Fatalf("drop reason = %q, want %q", d.Reason, reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s drop", reason)
	}
}

func toWorker() *message.Message {
	return message.New(workerDep.PluginID, workerDep.Version, workerDep.Class)
}

func mods(pairs ...any) map[module.Deployment]module.Module {
	out := map[module.Deployment]module.Module{}
	for i := 0; i+1 < len(pairs); i += 2 {
		out[pairs[i].(module.Deployment)] = pairs[i+1].(module.Module)
	}
	return out
}

func TestResolveTargets(t *testing.T) {
	t.Parallel()
	h := newHarness()
	a := h.node(t, "n0", "A", nil)
	b := h.node(t, "n1", "B", nil)
	ctx := context.Background()

	tests := []struct {
		target string
		queue  string
	}{
		{Anywhere, "mem://FLEET-GLOBAL-WORK-QUEUE"},
		{"locally", "mem://FLEET-A-WORK-QUEUE"},
		{This, a.QueueID},
		{"n1", b.QueueID},
		{b.QueueID, b.QueueID},
		{"B", "mem://FLEET-B-WORK-QUEUE"},
	}
	for _, tt := range tests {
		d, err := a.router.resolve(ctx, tt.target)
		if err != nil {
			t.Fatalf("resolve %q: %v", tt.target, err)
		}
		if d.queueID != tt.queue {
			t.Fatalf("resolve %q = %s, want %s", tt.target, d.queueID, tt.queue)
		}
	}
	d, _ := a.router.resolve(ctx, b.QueueID)
	if !d.private() || d.instance.ID != "n1" || d.location != "B" {
		t.Fatalf("queue id resolved to %+v", d)
	}
	if _, err := a.router.resolve(ctx, "Atlantis"); !errors.Is(err, storage.ErrQueueNotFound) {
		t.Fatalf("unknown location err = %v", err)
	}
}

func TestLeastBusyPlacement(t *testing.T) {
	t.Parallel()
	h := newHarness()
	var nodes []*node
	for _, id := range []string{"n0", "n1", "n2"} {
		nodes = append(nodes, h.node(t, id, "A", mods(workerDep, newRecorder(limit.Default()))))
	}
	ctx := context.Background()
	busy := map[int]int{0: 2, 1: 1}
	for idx, n := range busy {
		for range n {
			nodes[idx].Registry.Register(workerDep, registry.KindEvent, nodes[idx].ID, "A")
		}
		if err := nodes[idx].Directory.PublishActivity(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if err := nodes[0].router.Send(ctx, Locally, toWorker()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := h.fleet.Queue.Len(nodes[2].QueueID); got != 1 {
		t.Fatalf("least busy queue holds %d", got)
	}
	if got := h.fleet.Queue.Len("mem://FLEET-A-WORK-QUEUE"); got != 0 {
		t.Fatalf("work queue holds %d", got)
	}
}

func TestComplianceDrops(t *testing.T) {
	t.Parallel()
	h := newHarness()
	drops := h.drops(t)
	pinned := limit.NewBuilder().EventLocations("B").Build()
	a := h.node(t, "n0", "A", mods(workerDep, newRecorder(pinned)))
	h.node(t, "n1", "B", mods(workerDep, newRecorder(pinned)))
	bare := h.node(t, "n2", "A", nil)
	ctx := context.Background()

	if err := a.router.Send(ctx, "A", toWorker()); err != nil {
		t.Fatal(err)
	}
	expectDrop(t, drops, metrics.DropCompliance)
	if got := h.fleet.Queue.Len("mem://FLEET-A-WORK-QUEUE"); got != 0 {
		t.Fatalf("pinned message queued in A: %d", got)
	}

	if err := a.router.Send(ctx, "n2", message.New(11, 1, "Thumbnail")); err != nil {
		t.Fatal(err)
	}
	expectDrop(t, drops, metrics.DropNoModule)
	if got := h.fleet.Queue.Len(bare.QueueID); got != 0 {
		t.Fatalf("message queued on instance without the module: %d", got)
	}

	if err := a.router.Send(ctx, "n2", message.System(CommandRefresh)); err != nil {
		t.Fatal(err)
	}
	if got := h.fleet.Queue.Len(bare.QueueID); got != 1 {
		t.Fatalf("system message not queued: %d", got)
	}
}

func TestLocalDispatchAndVersionResolution(t *testing.T) {
	t.Parallel()
	h := newHarness()
	v1, v2 := newRecorder(limit.Default()), newRecorder(limit.Default())
	dep2 := workerDep
	dep2.Version = 2
	a := h.node(t, "n0", "A", mods(workerDep, v1, dep2, v2))
	a.start()

	msg := message.New(workerDep.PluginID, 0, workerDep.Class)
	msg.Attributes.Set("size", "large")
	if err := a.router.Send(module.WithCurrent(context.Background(), callerDep), This, msg); err != nil {
		t.Fatal(err)
	}
	got := v2.wait(t)
	if got.PluginVersion != 2 || got.Attributes.String("size") != "large" {
		t.Fatalf("processed %+v", got)
	}
	if got.SourceInstance != "n0" || got.SourceModuleClass != callerDep.Class || got.SourcePluginID != callerDep.PluginID {
		t.Fatalf("source not stamped: %+v", got)
	}
	if got.CurrentInstance != "n0" || got.CurrentLocation != "A" || got.ExecutionCount != 1 {
		t.Fatalf("current not stamped: %+v", got)
	}
	if msg.SourceInstance != "" {
		t.Fatalf("caller's message was modified")
	}
	if v1.count() != 0 || h.fleet.Queue.Len(a.QueueID) != 0 {
		t.Fatalf("unexpected v1 run or queued copy")
	}
}

func TestOffloadedMessageRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness()
	rec := newRecorder(limit.Default())
	a := h.node(t, "n0", "A", nil)
	b := h.node(t, "n1", "A", mods(workerDep, rec))
	b.start()

	msg := toWorker()
	payload := strings.Repeat("x", DefaultOffloadThreshold+10)
	msg.Attributes.Set("payload", payload)
	if err := a.router.Send(context.Background(), "n1", msg); err != nil {
		t.Fatal(err)
	}
	got := rec.wait(t)
	if got.Attributes.String("payload") != payload {
		t.Fatalf("payload truncated to %d bytes", len(got.Attributes.String("payload")))
	}
	keys, err := h.fleet.Blobs.List(context.Background(), DefaultBlobCategory, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("offloaded blob not deleted: %v", keys)
	}
}

func TestQueueNotFoundIsSwallowed(t *testing.T) {
	t.Parallel()
	h := newHarness()
	drops := h.drops(t)
	a := h.node(t, "n0", "A", nil)
	b := h.node(t, "n1", "A", mods(workerDep, newRecorder(limit.Default())))
	if err := h.fleet.Queue.Delete(context.Background(), b.QueueID); err != nil {
		t.Fatal(err)
	}
	if err := a.router.Send(context.Background(), "n1", toWorker()); err != nil {
		t.Fatalf("send to deleted queue err = %v", err)
	}
	expectDrop(t, drops, metrics.DropQueueMissing)
}

func TestBroadcastScopes(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.cloud = []string{"C"}
	dead := h.node(t, "n4", "B", nil)
	h.fleet.Clock.Advance(10 * time.Minute)
	a := h.node(t, "n0", "A", nil)
	h.node(t, "n1", "A", nil)
	b := h.node(t, "n2", "B", nil)
	c := h.node(t, "n3", "C", nil)
	ctx := context.Background()

	tests := []struct {
		scope string
		want  int
	}{
		{Anywhere, 4},
		{Locally, 2},
		{"B", 1},
		{Cloud, 1},
		{"Atlantis", 0},
	}
	for _, tt := range tests {
		n, err := a.router.Broadcast(ctx, tt.scope, message.System(CommandRefresh))
		if err != nil {
			t.Fatalf("broadcast %s: %v", tt.scope, err)
		}
		if n != tt.want {
			t.Fatalf("broadcast %s reached %d, want %d", tt.scope, n, tt.want)
		}
	}
	q := h.fleet.Queue
	if q.Len(a.QueueID) != 2 || q.Len(b.QueueID) != 2 || q.Len(c.QueueID) != 2 {
		t.Fatalf("queue lens a=%d b=%d c=%d", q.Len(a.QueueID), q.Len(b.QueueID), q.Len(c.QueueID))
	}
	if q.Len(dead.QueueID) != 0 {
		t.Fatalf("dead instance received %d", q.Len(dead.QueueID))
	}
}

func TestAdmissionCapsConcurrentEvents(t *testing.T) {
	t.Parallel()
	h := newHarness()
	rec := newRecorder(limit.NewBuilder().MaxActiveEventsPerGSM(20).Build())
	rec.hold = make(chan struct{})
	a := h.node(t, "n0", "A", mods(workerDep, rec))
	a.start()

	ctx := context.Background()
	for range 100 {
		if err := a.router.Send(ctx, This, toWorker()); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for rec.cur.Load() < 20 {
		if time.Now().After(deadline) {
			t.Fatalf("in flight reached only %d", rec.cur.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if p := rec.peak.Load(); p != 20 {
		t.Fatalf("peak in flight = %d", p)
	}
	if n := a.Registry.LocalCountOf(workerDep, registry.KindEvent); n != 20 {
		t.Fatalf("registered executions = %d", n)
	}

	close(rec.hold)
	deadline = time.Now().Add(10 * time.Second)
	for rec.count() < 100 {
		if time.Now().After(deadline) {
			t.Fatalf("processed only %d", rec.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if p := rec.peak.Load(); p > 20 {
		t.Fatalf("peak in flight = %d", p)
	}
}

func TestAdmissionReusesRemoteCountsWithinPoll(t *testing.T) {
	t.Parallel()
	h := newHarness()
	lim := limit.NewBuilder().MaxActiveEventsPerGSM(2).Build()
	a := h.node(t, "n0", "A", mods(workerDep, newRecorder(lim)))
	b := h.node(t, "n1", "A", mods(workerDep, newRecorder(lim)))
	a.listener.cfg.AdmissionPoll = time.Hour

	ctx := context.Background()
	e, _ := a.Catalog.Get(workerDep)
	g := a.listener.gate(e)
	tier, maxActive := e.Limit.EventTier()
	below := func() bool {
		t.Helper()
		g.mu.Lock()
		defer g.mu.Unlock()
		ok, err := a.listener.below(ctx, g, workerDep, tier, maxActive)
		if err != nil {
			t.Fatalf("below: %v", err)
		}
		return ok
	}

	if !below() {
		t.Fatal("empty fleet at limit")
	}
	for range 2 {
		b.Registry.Register(workerDep, registry.KindEvent, b.ID, b.Location)
	}
	if err := b.Directory.PublishActivity(ctx); err != nil {
		t.Fatal(err)
	}
	if !below() {
		t.Fatal("remote counts re-read within one poll interval")
	}

	// Local executions are counted on every check.
	var own []string
	for range 2 {
		own = append(own, a.Registry.Register(workerDep, registry.KindEvent, a.ID, a.Location))
	}
	if below() {
		t.Fatal("local executions not counted")
	}
	for _, id := range own {
		a.Registry.Unregister(id)
	}
	if !below() {
		t.Fatal("finished local executions still counted")
	}

	g.mu.Lock()
	g.remoteAt = time.Now().Add(-2 * time.Hour)
	g.mu.Unlock()
	if below() {
		t.Fatal("remote counts not refreshed after the poll interval")
	}
}

func TestFrequencyThrottle(t *testing.T) {
	t.Parallel()
	const freq = 100 * time.Millisecond
	h := newHarness()
	rec := newRecorder(limit.NewBuilder().EventFrequency(freq).Build())
	a := h.node(t, "n0", "A", mods(workerDep, rec))
	a.start()

	start := time.Now()
	for range 20 {
		if err := a.router.Send(context.Background(), This, toWorker()); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(350 * time.Millisecond)
	n := rec.count()
	elapsed := time.Since(start)
	if allowed := int(elapsed/freq) + 1; n > allowed {
		t.Fatalf("processed %d in %v, allowed %d", n, elapsed, allowed)
	}
	if n == 0 {
		t.Fatal("nothing processed")
	}
}

func TestReplyRoutedToSender(t *testing.T) {
	t.Parallel()
	h := newHarness()
	caller := newRecorder(limit.Default())
	worker := newRecorder(limit.Default())
	worker.reply = func(req *message.Message) *message.Message {
		m := message.New(0, 0, "")
		m.Attributes.Set("status", "done:"+req.ID)
		return m
	}
	a := h.node(t, "n0", "A", mods(callerDep, caller))
	b := h.node(t, "n1", "B", mods(workerDep, worker))
	a.start()
	b.start()

	req := toWorker()
	if err := a.router.Send(module.WithCurrent(context.Background(), callerDep), "n1", req); err != nil {
		t.Fatal(err)
	}
	worker.wait(t)
	got := caller.wait(t)
	if got.Attributes.String("status") != "done:"+req.ID {
		t.Fatalf("reply attributes %v", got.Attributes.Keys())
	}
	if got.SourceInstance != "n1" || module.SourceOf(got) != workerDep || module.TargetOf(got) != callerDep {
		t.Fatalf("reply addressing %+v", got)
	}
}
