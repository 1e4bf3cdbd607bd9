package cluster

import (
	"strings"

	"github.com/google/uuid"

	"fleetd/internal/storage"
)

const (
	DefaultPrefix  = "FLEET"
	GlobalLocation = "GLOBAL"
)

// Naming derives queue names from a fleet prefix:
//
//	<PREFIX>-<location>-<instanceId>   instance queue
//	<PREFIX>-<location>-WORK-QUEUE     location work queue
//	<PREFIX>-GLOBAL-WORK-QUEUE         global queue
type Naming struct {
	Prefix string
}

func (n Naming) prefix() string {
	if strings.TrimSpace(n.Prefix) == "" {
		return DefaultPrefix
	}
	return n.Prefix
}

func (n Naming) InstanceQueue(location, instanceID string) string {
	return n.prefix() + "-" + location + "-" + instanceID
}

func (n Naming) WorkQueue(location string) string {
	return n.prefix() + "-" + location + storage.WorkQueueSuffix
}

func (n Naming) GlobalQueue() string { return n.WorkQueue(GlobalLocation) }

// LocationPrefix matches every queue of one location.
func (n Naming) LocationPrefix(location string) string { return n.prefix() + "-" + location + "-" }

// FleetPrefix matches every queue of the fleet.
func (n Naming) FleetPrefix() string { return n.prefix() + "-" }

// LocationOf parses the location back out of a queue name. Instance ids are
// expected to be UUIDs; other ids are split at the last dash.
func (n Naming) LocationOf(name string) string {
	rest, ok := strings.CutPrefix(name, n.FleetPrefix())
	if !ok {
		return ""
	}
	if loc, ok := strings.CutSuffix(rest, storage.WorkQueueSuffix); ok {
		return loc
	}
	const idLen = 36
	if len(rest) > idLen+1 && rest[len(rest)-idLen-1] == '-' && uuid.Validate(rest[len(rest)-idLen:]) == nil {
		return rest[:len(rest)-idLen-1]
	}
	if i := strings.LastIndex(rest, "-"); i > 0 {
		return rest[:i]
	}
	return ""
}

// IsWorkQueue reports whether name is a location or global work queue.
func IsWorkQueue(name string) bool { return strings.HasSuffix(name, storage.WorkQueueSuffix) }
