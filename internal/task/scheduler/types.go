package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// TickFunc is one periodic unit of work.
type TickFunc func(ctx context.Context) error

type Options struct {
	// Timeout bounds one run. 0 means no timeout beyond the service context.
	Timeout time.Duration
	// Spread delays the first run by up to min(every, 30s).
	Spread bool
}

type tick struct {
	name    string
	every   time.Duration
	opt     Options
	fn      TickFunc
	entryID cron.EntryID

	runs     uint64
	failures uint64
	lastRun  time.Time
	lastDur  time.Duration
	lastErr  string
}

type TickInfo struct {
	Name     string        `json:"name"`
	Every    time.Duration `json:"every"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
	Runs     uint64        `json:"runs"`
	Failures uint64        `json:"failures"`
	LastDur  time.Duration `json:"last_duration"`
	LastErr  string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Running bool       `json:"running"`
	Ticks   []TickInfo `json:"ticks"`
}
