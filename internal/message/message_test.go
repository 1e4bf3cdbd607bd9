package message

import (
	"errors"
	"strings"
	"testing"
)

func TestAttributesKeepInsertionOrder(t *testing.T) {
	m := New(7, 1.5, "Worker")
	m.Attributes.Set("zeta", "z")
	m.Attributes.Set("alpha", "a")
	m.Attributes.Set("mid", 3)

	body, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !(strings.Index(body, `"zeta"`) < strings.Index(body, `"alpha"`) &&
		strings.Index(body, `"alpha"`) < strings.Index(body, `"mid"`)) {
		t.Fatalf("order lost in %s", body)
	}

	out, err := Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	keys := out.Attributes.Keys()
	if len(keys) != 3 || keys[0] != "zeta" || keys[1] != "alpha" || keys[2] != "mid" {
		t.Fatalf("decoded keys %v", keys)
	}
	if out.Attributes.String("alpha") != "a" {
		t.Fatalf("value lost")
	}
	if out.PluginID != 7 || out.PluginVersion != 1.5 || out.ModuleClass != "Worker" {
		t.Fatalf("target lost: %+v", out)
	}
}

func TestDecodeRejectsBlobKey(t *testing.T) {
	if _, err := Decode("0b5e7d1c-6c5b-4c4e-9b0a-2f7d0c1f2a3b"); !errors.Is(err, ErrNotJSON) {
		t.Fatalf("err=%v, want ErrNotJSON", err)
	}
	if !IsInline("  {\"id\":\"x\"}") {
		t.Fatalf("leading whitespace should still be inline")
	}
}

func TestCloneIsDeep(t *testing.T) {
	m := New(1, 1, "A")
	m.Attributes.Set("k", "v")
	cp := m.Clone()
	cp.Attributes.Set("k", "changed")
	cp.CurrentInstance = "x"

	if m.Attributes.String("k") != "v" || m.CurrentInstance != "" {
		t.Fatalf("clone shares state with original")
	}
}

func TestZeroAttributes(t *testing.T) {
	var m Message
	if m.Attributes.Len() != 0 || m.Attributes.Keys() != nil {
		t.Fatalf("zero attributes not empty")
	}
	body, err := Encode(&m)
	if err != nil || !strings.Contains(body, `"attributes":{}`) {
		t.Fatalf("encode zero: %v %s", err, body)
	}
	if !System("ping").IsSystem() {
		t.Fatalf("system message not flagged")
	}
}

func TestReplyToSwapsEnds(t *testing.T) {
	t.Parallel()
	req := New(7, 2, "Handler")
	req.SourcePluginID, req.SourcePluginVersion, req.SourceModuleClass = 3, 1.5, "Caller"
	req.SourceInstance = "i-1"

	reply := New(0, 0, "")
	reply.ReplyTo(req)
	if reply.PluginID != 3 || reply.PluginVersion != 1.5 || reply.ModuleClass != "Caller" {
		t.Fatalf("target %+v", reply)
	}
	if reply.SourcePluginID != 7 || reply.SourceModuleClass != "Handler" {
		t.Fatalf("source %+v", reply)
	}
}
