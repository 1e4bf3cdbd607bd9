package module

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"fleetd/internal/limit"
	logx "fleetd/pkg/logx"
)

// Entry is one deployment hosted by this instance.
type Entry struct {
	Deployment   Deployment
	Module       Module
	Limit        limit.ModuleLimit
	Capabilities Capabilities
}

func (e Entry) Descriptor() Descriptor {
	return Descriptor{Deployment: e.Deployment, Capabilities: e.Capabilities, Limit: e.Limit}
}

// Catalog is the set of deployments hosted locally.
type Catalog struct {
	log logx.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	started map[string]bool
}

func NewCatalog(log logx.Logger) *Catalog {
	return &Catalog{log: log, entries: map[string]Entry{}, started: map[string]bool{}}
}

func (c *Catalog) Register(d Deployment, m Module) error {
	if m == nil {
		return fmt.Errorf("register %s: nil module", d)
	}
	e := Entry{Deployment: d, Module: m, Limit: LimitsOf(m), Capabilities: CapabilitiesOf(m)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[d.Key()]; ok {
		return fmt.Errorf("register %s: %w", d, ErrDuplicate)
	}
	c.entries[d.Key()] = e
	c.log.Info("module registered",
		logx.String("deployment", d.String()),
		logx.Bool("batch", e.Capabilities.Batch),
		logx.Bool("fixed", e.Capabilities.Fixed),
		logx.Bool("event", e.Capabilities.Event),
		logx.String("limit", e.Limit.String()),
	)
	return nil
}

func (c *Catalog) Unregister(d Deployment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[d.Key()]; !ok {
		return fmt.Errorf("unregister %s: %w", d, ErrNotFound)
	}
	delete(c.entries, d.Key())
	delete(c.started, d.Key())
	return nil
}

func (c *Catalog) Get(d Deployment) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[d.Key()]
	return e, ok
}

// Find returns the highest version of (pluginID, class).
func (c *Catalog) Find(pluginID int, class string) (Entry, bool) {
	var best Entry
	found := false
	for _, e := range c.List() {
		if e.Deployment.PluginID != pluginID || e.Deployment.Class != class {
			continue
		}
		if !found || e.Deployment.Version > best.Deployment.Version {
			best, found = e, true
		}
	}
	return best, found
}

// List returns entries ordered by deployment key.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Deployment.Key() < out[j].Deployment.Key() })
	return out
}

func (c *Catalog) filter(keep func(Capabilities) bool) []Entry {
	all := c.List()
	out := all[:0]
	for _, e := range all {
		if keep(e.Capabilities) {
			out = append(out, e)
		}
	}
	return out
}

func (c *Catalog) WithBatch() []Entry { return c.filter(func(k Capabilities) bool { return k.Batch }) }
func (c *Catalog) WithFixed() []Entry { return c.filter(func(k Capabilities) bool { return k.Fixed }) }
func (c *Catalog) WithEvent() []Entry { return c.filter(func(k Capabilities) bool { return k.Event }) }

func (c *Catalog) Descriptors() []Descriptor {
	entries := c.List()
	out := make([]Descriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Descriptor())
	}
	return out
}

// StartAll starts every registered module that is not running yet.
// A module that fails to start stays registered; its error is returned.
func (c *Catalog) StartAll(ctx context.Context) error {
	var errs error
	for _, e := range c.List() {
		c.mu.Lock()
		already := c.started[e.Deployment.Key()]
		c.mu.Unlock()
		if already {
			continue
		}
		if err := safeCall(func() error { return e.Module.Start(WithCurrent(ctx, e.Deployment)) }); err != nil {
			c.log.Error("module start failed", logx.String("deployment", e.Deployment.String()), logx.Err(err))
			errs = multierr.Append(errs, fmt.Errorf("start %s: %w", e.Deployment, err))
			continue
		}
		c.mu.Lock()
		c.started[e.Deployment.Key()] = true
		c.mu.Unlock()
	}
	return errs
}

// StopAll stops started modules in reverse key order.
func (c *Catalog) StopAll(ctx context.Context) error {
	entries := c.List()
	var errs error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		c.mu.Lock()
		running := c.started[e.Deployment.Key()]
		delete(c.started, e.Deployment.Key())
		c.mu.Unlock()
		if !running {
			continue
		}
		if err := safeCall(func() error { return e.Module.Stop(WithCurrent(ctx, e.Deployment)) }); err != nil {
			c.log.Warn("module stop failed", logx.String("deployment", e.Deployment.String()), logx.Err(err))
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", e.Deployment, err))
		}
	}
	return errs
}

// Stop stops one started module. Stopping a module that is not running is a no-op.
func (c *Catalog) Stop(ctx context.Context, d Deployment) error {
	c.mu.Lock()
	e, ok := c.entries[d.Key()]
	running := c.started[d.Key()]
	delete(c.started, d.Key())
	c.mu.Unlock()
	if !ok || !running {
		return nil
	}
	return safeCall(func() error { return e.Module.Stop(WithCurrent(ctx, d)) })
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
