package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the execution pool every module run goes through.
type Config struct {
	// Workers are started with the engine and live until Stop. When a task
	// is queued and no worker is idle, a spare worker is started for it;
	// spares exit after IdleTimeout without work.
	Workers     int
	// MaxWorkers caps long-lived plus spare workers. 0 means no cap, so
	// concurrency is bounded by module admission limits only.
	MaxWorkers  int
	IdleTimeout time.Duration
	QueueSize   int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited longer than this in the queue.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.MaxWorkers < 0 {
		c.MaxWorkers = 0
	}
	if c.MaxWorkers > 0 && c.MaxWorkers < c.Workers {
		c.MaxWorkers = c.Workers
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning rejects a task while another with the same Key is
	// queued or running.
	OverlapSkipIfRunning
)

// Task is a unit of work executed by the engine.
//
// Tasks are run at most once. OnDone, when set, is called exactly once for
// every accepted task: after Run returns, or with the reason the task never
// ran (stale, engine stopped).
type Task struct {
	ID      string
	Name    string
	Key     string
	Overlap OverlapPolicy
	Timeout time.Duration
	Run     func(ctx context.Context) error
	OnDone  func(err error)
}

func (t Task) key() string {
	if t.Key != "" {
		return t.Key
	}
	return t.Name
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the payload of task events on the bus.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Running  bool          `json:"running"`
	Workers  int           `json:"workers"`
	Spares   int           `json:"spare_workers"`
	Idle     int           `json:"idle_workers"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	InFlight int           `json:"in_flight"`
	Keys     int           `json:"overlap_keys"`
	Dropped  uint64        `json:"dropped"`
	Stale    uint64        `json:"dropped_stale"`
	Full     uint64        `json:"dropped_queue_full"`
	Failed   uint64        `json:"failed"`
	History  []HistoryItem `json:"history,omitempty"`
}

// overlapSet tracks keys that are queued or running.
type overlapSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (o *overlapSet) tryAcquire(k string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.keys == nil {
		o.keys = map[string]struct{}{}
	}
	if _, busy := o.keys[k]; busy {
		return false
	}
	o.keys[k] = struct{}{}
	return true
}

func (o *overlapSet) release(k string) {
	o.mu.Lock()
	delete(o.keys, k)
	o.mu.Unlock()
}

func (o *overlapSet) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.keys)
}
