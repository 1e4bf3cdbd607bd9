// Package system is a built-in batch module that logs a runtime summary of
// every instance once per interval.
package system

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"fleetd/internal/limit"
	"fleetd/internal/module"
	logx "fleetd/pkg/logx"
)

var Deployment = module.Deployment{PluginID: 2, Version: 1, Class: "SystemInfo"}

const DefaultInterval = 5 * time.Minute

type Module struct {
	module.Base
	every     time.Duration
	log       logx.Logger
	startedAt time.Time
}

func New(every time.Duration, log logx.Logger) *Module {
	if every <= 0 {
		every = DefaultInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Module{every: every, log: log.With(logx.String("module", "system"))}
}

func (m *Module) Start(context.Context) error {
	if m.startedAt.IsZero() {
		m.startedAt = time.Now()
	}
	return nil
}

// Limits runs one report per instance.
func (m *Module) Limits() limit.ModuleLimit {
	return limit.NewBuilder().BatchFrequency(m.every).MaxActiveBatchesPerInstance(1).Build()
}

func (m *Module) ProcessBatch(ctx context.Context, location string) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	mod := ""
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		mod = bi.Main.Path + " " + bi.Main.Version
	}
	m.log.Info("sysinfo",
		logx.String("location", location),
		logx.String("go", runtime.Version()),
		logx.String("build", mod),
		logx.Int("goroutines", runtime.NumGoroutine()),
		logx.String("mem_alloc", fmtBytes(ms.Alloc)),
		logx.String("mem_sys", fmtBytes(ms.Sys)),
		logx.String("uptime", durRel(time.Since(m.startedAt))),
	)
	return nil
}

func fmtBytes(n uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case n >= GB:
		return fmt.Sprintf("%.1fGB", float64(n)/GB)
	case n >= MB:
		return fmt.Sprintf("%.1fMB", float64(n)/MB)
	case n >= KB:
		return fmt.Sprintf("%.1fKB", float64(n)/KB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
