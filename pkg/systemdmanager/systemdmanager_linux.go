//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// New connects to the system bus.
func New(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) get() (*dbus.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, ErrClosed
	}
	return m.conn, nil
}

// Status fetches the core state and timestamps of unit (".service" is implied).
func (m *Manager) Status(ctx context.Context, unit string) (Status, error) {
	conn, err := m.get()
	if err != nil {
		return Status{}, err
	}
	props, err := conn.GetUnitPropertiesContext(ctx, unit+".service")
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound(unit), nil
		}
		return Status{}, fmt.Errorf("failed to get status for %s: %w", unit, err)
	}
	return statusFrom(unit, props), nil
}

func (m *Manager) Restart(ctx context.Context, unit string) error {
	conn, err := m.get()
	if err != nil {
		return err
	}
	if _, err := conn.RestartUnitContext(ctx, unit+".service", "replace", nil); err != nil {
		return fmt.Errorf("failed to restart %s: %w", unit, err)
	}
	return nil
}

func statusFrom(unit string, props map[string]any) Status {
	load := stringProp(props, "LoadState")
	if load == "not-found" {
		return notFound(unit)
	}
	return Status{
		Name:          unit,
		Active:        stringProp(props, "ActiveState"),
		SubState:      stringProp(props, "SubState"),
		LoadState:     load,
		ActiveExit:    timestampProp(props, "ActiveExitTimestamp"),
		InactiveSince: timestampProp(props, "InactiveEnterTimestamp"),
		StateChange:   timestampProp(props, "StateChangeTimestamp"),
	}
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}

// systemd timestamps are microseconds since the Unix epoch.
func timestampProp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}
