// Package echo is a built-in event module that answers every message with
// a copy of its attributes. It is handy for checking routing end to end.
package echo

import (
	"context"
	"strings"

	"fleetd/internal/message"
	"fleetd/internal/module"
	logx "fleetd/pkg/logx"
)

var Deployment = module.Deployment{PluginID: 1, Version: 1, Class: "Echo"}

type Config struct {
	// Prefix is prepended to the "text" attribute of the reply.
	Prefix string `json:"prefix"`
}

type Module struct {
	module.Base
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Module {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Module{cfg: cfg, log: log.With(logx.String("module", "echo"))}
}

func (m *Module) Process(ctx context.Context, msg *message.Message) (*message.Message, error) {
	reply := message.New(0, 0, "")
	for _, k := range msg.Attributes.Keys() {
		v, _ := msg.Attributes.Get(k)
		reply.Attributes.Set(k, v)
	}
	txt := strings.TrimSpace(msg.Attributes.String("text"))
	if txt == "" {
		txt = "(empty)"
	}
	reply.Attributes.Set("text", m.cfg.Prefix+txt)
	reply.Attributes.Set("echoed_by", msg.CurrentInstance)

	m.log.Debug("echo", logx.String("id", msg.ID), logx.String("from", msg.SourceInstance))
	if msg.SourceInstance == "" {
		// nowhere to send it
		return nil, nil
	}
	return reply, nil
}
