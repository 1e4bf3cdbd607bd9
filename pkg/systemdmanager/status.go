// Package systemdmanager reads and restarts systemd units over D-Bus.
package systemdmanager

import (
	"errors"
	"time"
)

var (
	ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")
	ErrClosed      = errors.New("systemd connection is closed")
)

// Status is the core state of one unit.
type Status struct {
	Name          string
	Active        string // active, inactive, failed, ...
	SubState      string // running, dead, ...
	LoadState     string // loaded, not-found, ...
	ActiveExit    time.Time
	InactiveSince time.Time
	StateChange   time.Time
}

func (s Status) IsActive() bool { return s.Active == "active" }

func (s Status) Missing() bool { return s.LoadState == "not-found" || s.SubState == "not-found" }

// DownSince prefers systemd's timestamps; zero when none are set.
func (s Status) DownSince() time.Time {
	switch {
	case !s.InactiveSince.IsZero():
		return s.InactiveSince
	case !s.ActiveExit.IsZero():
		return s.ActiveExit
	default:
		return s.StateChange
	}
}

func notFound(name string) Status {
	return Status{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}
