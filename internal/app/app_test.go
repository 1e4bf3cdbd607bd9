package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"fleetd/internal/config"
	"fleetd/internal/message"
	"fleetd/internal/module"
	"fleetd/internal/router"
	logx "fleetd/pkg/logx"
)

type probe struct {
	module.Base
	got     chan *message.Message
	stopped atomic.Int32
}

func (p *probe) Stop(context.Context) error {
	p.stopped.Add(1)
	return nil
}

func (p *probe) Process(_ context.Context, msg *message.Message) (*message.Message, error) {
	p.got <- msg
	return nil, nil
}

var probeDep = module.Deployment{PluginID: 5, Version: 1, Class: "Probe"}

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	s, err := config.Resolve(&config.Config{
		Instance: config.InstanceConfig{Location: "A"},
		Router:   config.RouterConfig{PollWait: "20ms", AdmissionPoll: "10ms"},
		Builtin:  config.BuiltinConfig{Echo: config.EchoModuleConfig{Enabled: true}},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return s
}

func TestNewRejectsNilSettings(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestStartSendStop(t *testing.T) {
	a, err := New(testSettings(t), WithLogger(logx.Nop()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p := &probe{got: make(chan *message.Message, 1)}
	if err := a.Catalog().Register(probeDep, p); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	msg := message.New(probeDep.PluginID, probeDep.Version, probeDep.Class)
	msg.Attributes.Set("k", "v")
	if err := a.Router().Send(ctx, router.This, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-p.got:
		if got.ID != msg.ID || got.CurrentInstance != a.Settings().InstanceID || got.CurrentLocation != "A" {
			t.Fatalf("received %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	st := a.Status()
	if len(st.Modules) != 2 || len(st.Queues) != 3 {
		t.Fatalf("status modules=%d queues=%d", len(st.Modules), len(st.Queues))
	}

	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if n := p.stopped.Load(); n != 1 {
		t.Fatalf("module Stop called %d times", n)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestHealthBeforeStart(t *testing.T) {
	a, err := New(testSettings(t), WithLogger(logx.Nop()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.health() == nil {
		t.Fatal("unstarted app reported healthy")
	}
}
