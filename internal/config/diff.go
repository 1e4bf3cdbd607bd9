package config

import (
	"reflect"
	"sort"
	"strings"

	logx "fleetd/pkg/logx"
)

// Change describes a reload.
type Change struct {
	// Sections lists every changed top-level section, sorted.
	Sections []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	// Attrs are safe to log: secrets are reported as set/unset only.
	Attrs []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section. Logging and
// router.broadcast_rate_per_sec apply live; everything else needs a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restart {
			ch.Restart = append(ch.Restart, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	if !reflect.DeepEqual(oldCfg.Instance, newCfg.Instance) {
		mark("instance", true,
			logx.String("instance.location", strings.TrimSpace(newCfg.Instance.Location)),
			logx.Int("instance.cloud_locations", len(newCfg.Instance.CloudLocations)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Engine != newCfg.Engine {
		mark("engine", true,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.max_workers", newCfg.Engine.MaxWorkers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler", true,
			logx.String("scheduler.batch_tick", newCfg.Scheduler.BatchTick),
			logx.String("scheduler.fixed_tick", newCfg.Scheduler.FixedTick),
			logx.String("scheduler.watchdog_tick", newCfg.Scheduler.WatchdogTick),
		)
	}
	if oldCfg.Cluster != newCfg.Cluster {
		mark("cluster", true,
			logx.String("cluster.instance_ttl", newCfg.Cluster.InstanceTTL),
			logx.String("cluster.active_window", newCfg.Cluster.ActiveWindow),
		)
	}
	if oldCfg.Router != newCfg.Router {
		o, n := oldCfg.Router, newCfg.Router
		o.BroadcastRatePerSec, n.BroadcastRatePerSec = 0, 0
		mark("router", o != n,
			logx.Int("router.broadcast_rate_per_sec", newCfg.Router.BroadcastRatePerSec),
			logx.Int("router.fanout_workers", newCfg.Router.FanoutWorkers),
		)
	}
	if oldCfg.Fixed != newCfg.Fixed {
		mark("fixed", true, logx.String("fixed.stop_timeout", newCfg.Fixed.StopTimeout))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		s := newCfg.Storage
		mark("storage", true,
			logx.String("storage.queue", s.Queue.Driver),
			logx.String("storage.kv", s.KV.Driver),
			logx.String("storage.blob", s.Blob.Driver),
			logx.Bool("storage.minio_credentials_set", s.Blob.Minio.AccessKey != "" && s.Blob.Minio.SecretKey != ""),
		)
	}
	if oldCfg.Debug != newCfg.Debug {
		mark("debug", true,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Builtin, newCfg.Builtin) {
		mark("builtin", true,
			logx.Bool("builtin.echo", newCfg.Builtin.Echo.Enabled),
			logx.Bool("builtin.system", newCfg.Builtin.System.Enabled),
			logx.Bool("builtin.unitguard", newCfg.Builtin.UnitGuard.Enabled),
		)
	}
	if strings.TrimSpace(oldCfg.ShutdownTimeout) != strings.TrimSpace(newCfg.ShutdownTimeout) {
		mark("shutdown_timeout", true, logx.String("shutdown_timeout", newCfg.ShutdownTimeout))
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.Restart)
	return ch
}
