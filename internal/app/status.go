package app

import (
	"time"

	"fleetd/internal/fixed"
	"fleetd/internal/module"
	"fleetd/internal/registry"
	rtsup "fleetd/internal/runtime/supervisor"
	"fleetd/internal/task/engine"
	"fleetd/internal/task/scheduler"
	"fleetd/internal/watchdog"
)

// Status is the /status document of the debug server.
type Status struct {
	InstanceID string        `json:"instance_id"`
	Location   string        `json:"location"`
	Queues     []string      `json:"queues"`
	StartedAt  time.Time     `json:"started_at"`
	Uptime     time.Duration `json:"uptime"`

	Modules    []module.Descriptor  `json:"modules"`
	Executions []registry.Execution `json:"executions"`
	Fixed      []fixed.Process      `json:"fixed"`

	Watchdog   watchdog.State     `json:"watchdog"`
	Engine     engine.Snapshot    `json:"engine"`
	Scheduler  scheduler.Snapshot `json:"scheduler"`
	Supervisor rtsup.Snapshot     `json:"supervisor"`

	BusDropped uint64   `json:"bus_dropped"`
	RecentLogs []string `json:"recent_logs,omitempty"`
}

func (a *App) Status() Status {
	st := Status{
		InstanceID: a.settings.InstanceID,
		Location:   a.settings.Location,
		Queues:     append([]string(nil), a.queues...),
		StartedAt:  a.startedAt,
		Modules:    a.catalog.Descriptors(),
		Executions: a.registry.Executions(),
		Fixed:      a.fixed.Running(),
		Watchdog:   a.watchdog.State(),
		Engine:     a.engine.Snapshot(),
		Scheduler:  a.sched.Snapshot(),
		BusDropped: a.bus.Dropped(),
	}
	if !a.startedAt.IsZero() {
		st.Uptime = time.Since(a.startedAt)
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	if a.logs != nil {
		st.RecentLogs = a.logs.Recent()
	}
	return st
}
