package echo

import (
	"context"
	"testing"

	"fleetd/internal/message"
	logx "fleetd/pkg/logx"
)

func TestProcessEchoesAttributes(t *testing.T) {
	t.Parallel()
	m := New(Config{Prefix: "re: "}, logx.Nop())
	msg := message.New(Deployment.PluginID, Deployment.Version, Deployment.Class)
	msg.SourceInstance = "i-1"
	msg.CurrentInstance = "i-2"
	msg.Attributes.Set("text", "hello")
	msg.Attributes.Set("n", 3)

	reply, err := m.Process(context.Background(), msg)
	if err != nil || reply == nil {
		t.Fatalf("reply=%v err=%v", reply, err)
	}
	if got := reply.Attributes.String("text"); got != "re: hello" {
		t.Fatalf("text = %q", got)
	}
	if v, _ := reply.Attributes.Get("n"); v != 3 {
		t.Fatalf("n = %v", v)
	}
	if reply.Attributes.String("echoed_by") != "i-2" {
		t.Fatalf("echoed_by = %q", reply.Attributes.String("echoed_by"))
	}
}

func TestNoReplyWithoutSender(t *testing.T) {
	t.Parallel()
	reply, err := New(Config{}, logx.Nop()).Process(context.Background(), message.New(1, 1, "Echo"))
	if err != nil || reply != nil {
		t.Fatalf("reply=%v err=%v", reply, err)
	}
}
