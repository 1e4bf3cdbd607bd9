// Package module defines deployed module handles and the local deployment catalog.
//
// A module declares which execution models it supports by implementing the
// optional capability interfaces (BatchProcessor, FixedProcessor, EventProcessor).
package module

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"fleetd/internal/limit"
	"fleetd/internal/message"
)

var (
	ErrDuplicate = errors.New("deployment already registered")
	ErrNotFound  = errors.New("deployment not found")
)

// Deployment identifies a deployed module.
type Deployment struct {
	PluginID int     `json:"pluginId"`
	Version  float64 `json:"pluginVersion"`
	Class    string  `json:"moduleClass"`
}

// Key is a stable string form, used for map keys, KV ids and markers.
func (d Deployment) Key() string {
	return strconv.Itoa(d.PluginID) + ":" + strconv.FormatFloat(d.Version, 'f', -1, 64) + ":" + d.Class
}

func (d Deployment) String() string {
	return fmt.Sprintf("%d/%s/%s", d.PluginID, strconv.FormatFloat(d.Version, 'f', -1, 64), d.Class)
}

func (d Deployment) IsSystem() bool { return d.PluginID == 0 }

// TargetOf returns the deployment a message is addressed to.
func TargetOf(m *message.Message) Deployment {
	return Deployment{PluginID: m.PluginID, Version: m.PluginVersion, Class: m.ModuleClass}
}

// SourceOf returns the deployment that sent a message.
func SourceOf(m *message.Message) Deployment {
	return Deployment{PluginID: m.SourcePluginID, Version: m.SourcePluginVersion, Class: m.SourceModuleClass}
}

// SetTarget addresses m to d.
func SetTarget(m *message.Message, d Deployment) {
	m.PluginID, m.PluginVersion, m.ModuleClass = d.PluginID, d.Version, d.Class
}

// SetSource records d as the sender of m.
func SetSource(m *message.Message, d Deployment) {
	m.SourcePluginID, m.SourcePluginVersion, m.SourceModuleClass = d.PluginID, d.Version, d.Class
}

// Module is the lifecycle every deployed module implements.
type Module interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Limited modules declare their own admission policy; others get limit.Default().
type Limited interface {
	Limits() limit.ModuleLimit
}

type BatchProcessor interface {
	ProcessBatch(ctx context.Context, location string) error
}

// FixedProcessor runs until ctx is canceled or Stop is called.
type FixedProcessor interface {
	ProcessFixed(ctx context.Context, location, instanceID string) error
}

// EventProcessor handles one message; a non-nil reply is routed back to the sender.
type EventProcessor interface {
	Process(ctx context.Context, msg *message.Message) (*message.Message, error)
}

type Capabilities struct {
	Batch bool `json:"batch"`
	Fixed bool `json:"fixed"`
	Event bool `json:"event"`
}

func CapabilitiesOf(m Module) Capabilities {
	_, b := m.(BatchProcessor)
	_, f := m.(FixedProcessor)
	_, e := m.(EventProcessor)
	return Capabilities{Batch: b, Fixed: f, Event: e}
}

func LimitsOf(m Module) limit.ModuleLimit {
	if l, ok := m.(Limited); ok {
		return l.Limits()
	}
	return limit.Default()
}

// Descriptor is the published, cluster-visible form of a deployment.
type Descriptor struct {
	Deployment   Deployment        `json:"deployment"`
	Capabilities Capabilities      `json:"capabilities"`
	Limit        limit.ModuleLimit `json:"limit"`
}

// Base is a no-op Module to embed.
type Base struct{}

func (Base) Start(context.Context) error { return nil }
func (Base) Stop(context.Context) error  { return nil }

// ---- current module context ----

type currentKey struct{}

// WithCurrent marks ctx as running on behalf of d.
func WithCurrent(ctx context.Context, d Deployment) context.Context {
	return context.WithValue(ctx, currentKey{}, d)
}

func CurrentFrom(ctx context.Context) (Deployment, bool) {
	d, ok := ctx.Value(currentKey{}).(Deployment)
	return d, ok
}
