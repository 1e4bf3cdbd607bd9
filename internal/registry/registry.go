// Package registry tracks the executions running on this instance.
//
// Counts are local only. Cluster-wide counts are derived by summing the
// snapshots every instance publishes (see package cluster).
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fleetd/internal/module"
)

type Kind string

const (
	KindBatch Kind = "batch"
	KindFixed Kind = "fixed"
	KindEvent Kind = "event"
)

type Execution struct {
	ID         string            `json:"id"`
	Deployment module.Deployment `json:"deployment"`
	Kind       Kind              `json:"kind"`
	InstanceID string            `json:"instance_id"`
	Location   string            `json:"location"`
	StartedAt  time.Time         `json:"started_at"`
}

// KindCounts holds running executions of one deployment per execution model.
type KindCounts struct {
	Batch int `json:"batch,omitempty"`
	Fixed int `json:"fixed,omitempty"`
	Event int `json:"event,omitempty"`
}

func (k KindCounts) Total() int { return k.Batch + k.Fixed + k.Event }

func (k KindCounts) Of(kind Kind) int {
	switch kind {
	case KindBatch:
		return k.Batch
	case KindFixed:
		return k.Fixed
	case KindEvent:
		return k.Event
	}
	return 0
}

func (k *KindCounts) add(kind Kind, n int) {
	switch kind {
	case KindBatch:
		k.Batch += n
	case KindFixed:
		k.Fixed += n
	case KindEvent:
		k.Event += n
	}
}

// Snapshot maps deployment keys to running counts.
type Snapshot struct {
	Counts map[string]KindCounts `json:"counts"`
	Total  int                   `json:"total"`
}

type Registry struct {
	now func() time.Time

	mu    sync.Mutex
	execs map[string]Execution

	version atomic.Uint64
}

type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{now: time.Now, execs: map[string]Execution{}}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register records a running execution and returns its id.
func (r *Registry) Register(d module.Deployment, kind Kind, instanceID, location string) string {
	e := Execution{
		ID:         uuid.NewString(),
		Deployment: d,
		Kind:       kind,
		InstanceID: instanceID,
		Location:   location,
		StartedAt:  r.now(),
	}
	r.mu.Lock()
	r.execs[e.ID] = e
	r.mu.Unlock()
	r.version.Add(1)
	return e.ID
}

// Unregister removes an execution. It reports false for an unknown id.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.execs[id]
	delete(r.execs, id)
	r.mu.Unlock()
	if ok {
		r.version.Add(1)
	}
	return ok
}

func (r *Registry) count(match func(Execution) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.execs {
		if match(e) {
			n++
		}
	}
	return n
}

func (r *Registry) LocalCount(d module.Deployment) int {
	return r.count(func(e Execution) bool { return e.Deployment == d })
}

func (r *Registry) LocalCountAt(d module.Deployment, location string) int {
	return r.count(func(e Execution) bool { return e.Deployment == d && e.Location == location })
}

func (r *Registry) LocalCountOf(d module.Deployment, kind Kind) int {
	return r.count(func(e Execution) bool { return e.Deployment == d && e.Kind == kind })
}

// Version changes whenever the set of executions changes.
func (r *Registry) Version() uint64 { return r.version.Load() }

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{Counts: make(map[string]KindCounts, len(r.execs))}
	for _, e := range r.execs {
		k := s.Counts[e.Deployment.Key()]
		k.add(e.Kind, 1)
		s.Counts[e.Deployment.Key()] = k
		s.Total++
	}
	return s
}

// Executions lists running executions, oldest first.
func (r *Registry) Executions() []Execution {
	r.mu.Lock()
	out := make([]Execution, 0, len(r.execs))
	for _, e := range r.execs {
		out = append(out, e)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
