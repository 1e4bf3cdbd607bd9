package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"fleetd/internal/storage"
	logx "fleetd/pkg/logx"
)

const (
	DefaultQueuePrefix      = "FLEET"
	DefaultBlobCategory     = "fleet-messages"
	DefaultOffloadThreshold = 250000
	DefaultDebugAddr        = "127.0.0.1:6060"
)

// Settings is a Config with every default applied and every duration parsed.
type Settings struct {
	InstanceID     string
	Location       string
	QueuePrefix    string
	CloudLocations []string

	Logging logx.Config

	Engine struct {
		Workers        int
		MaxWorkers     int
		IdleTimeout    time.Duration
		QueueSize      int
		DefaultTimeout time.Duration
		MaxQueueDelay  time.Duration
		HistorySize    int
	}

	Scheduler struct {
		BatchTick    time.Duration
		FixedTick    time.Duration
		WatchdogTick time.Duration
		BatchTimeout time.Duration
	}

	Cluster struct {
		InstanceTTL  time.Duration
		ActiveWindow time.Duration
		CacheTTL     time.Duration
	}

	Router struct {
		OffloadThreshold    int
		BlobCategory        string
		FanoutWorkers       int
		BroadcastRatePerSec int
		EventTimeout        time.Duration
		SystemTimeout       time.Duration
		PollWait            time.Duration
		PollBatch           int
		AdmissionPoll       time.Duration
	}

	FixedStopTimeout time.Duration

	Storage storage.Config

	Debug struct {
		Enabled              bool
		Addr                 string
		Token                string
		AllowInsecure        bool
		MutexProfileFraction int
		BlockProfileRate     int
	}

	Builtin struct {
		Echo           bool
		EchoPrefix     string
		System         bool
		SystemInterval time.Duration

		UnitGuard            bool
		UnitGuardUnits       []string
		UnitGuardLocations   []string
		UnitGuardInterval    time.Duration
		UnitGuardMinDown     time.Duration
		UnitGuardBackoffBase time.Duration
		UnitGuardBackoffMax  time.Duration
		UnitGuardAlertStreak int
	}

	ShutdownTimeout time.Duration
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// durations collects parse errors so one Resolve reports every bad field.
type durations struct{ err error }

func (p *durations) or(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault(path, raw, def)
	p.err = multierr.Append(p.err, err)
	return d
}

func (p *durations) field(path, raw string) time.Duration {
	d, err := ParseDurationField(path, raw)
	p.err = multierr.Append(p.err, err)
	return d
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func strOr(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}

// Resolve validates cfg and returns its effective settings.
func Resolve(cfg *Config) (*Settings, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var (
		s   Settings
		p   durations
		err error
	)

	s.InstanceID = strOr(cfg.Instance.ID, uuid.NewString())
	s.Location = strings.TrimSpace(cfg.Instance.Location)
	if s.Location == "" {
		err = multierr.Append(err, errors.New("instance.location is required"))
	}
	if strings.Contains(s.Location, storage.WorkQueueSuffix) {
		err = multierr.Append(err, fmt.Errorf("instance.location must not contain %q", storage.WorkQueueSuffix))
	}
	s.QueuePrefix = strOr(cfg.Instance.QueuePrefix, DefaultQueuePrefix)
	for _, l := range cfg.Instance.CloudLocations {
		if l = strings.TrimSpace(l); l != "" {
			s.CloudLocations = append(s.CloudLocations, l)
		}
	}

	s.Logging = logx.Config{
		Level:   strOr(cfg.Logging.Level, "INFO"),
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: strings.TrimSpace(cfg.Logging.File.Path)},
		Recent: logx.RecentConfig{
			Size:       cfg.Logging.Recent.Size,
			MinLevel:   cfg.Logging.Recent.MinLevel,
			RatePerSec: cfg.Logging.Recent.RatePerSec,
		},
	}
	if s.Logging.File.Enabled && s.Logging.File.Path == "" {
		err = multierr.Append(err, errors.New("logging.file.path is required when logging.file.enabled"))
	}

	s.Engine.Workers = intOr(cfg.Engine.Workers, 16)
	s.Engine.MaxWorkers = max(cfg.Engine.MaxWorkers, 0)
	if s.Engine.MaxWorkers > 0 && s.Engine.MaxWorkers < s.Engine.Workers {
		err = multierr.Append(err, errors.New("engine.max_workers must be 0 or at least engine.workers"))
	}
	s.Engine.IdleTimeout = p.or("engine.idle_timeout", cfg.Engine.IdleTimeout, time.Minute)
	s.Engine.QueueSize = intOr(cfg.Engine.QueueSize, 1024)
	s.Engine.DefaultTimeout = p.field("engine.default_timeout", cfg.Engine.DefaultTimeout)
	s.Engine.MaxQueueDelay = p.field("engine.max_queue_delay", cfg.Engine.MaxQueueDelay)
	s.Engine.HistorySize = intOr(cfg.Engine.HistorySize, 200)

	s.Scheduler.BatchTick = p.or("scheduler.batch_tick", cfg.Scheduler.BatchTick, time.Second)
	s.Scheduler.FixedTick = p.or("scheduler.fixed_tick", cfg.Scheduler.FixedTick, 5*time.Second)
	s.Scheduler.WatchdogTick = p.or("scheduler.watchdog_tick", cfg.Scheduler.WatchdogTick, 30*time.Second)
	s.Scheduler.BatchTimeout = p.or("scheduler.batch_timeout", cfg.Scheduler.BatchTimeout, 6*time.Hour)

	s.Cluster.InstanceTTL = p.or("cluster.instance_ttl", cfg.Cluster.InstanceTTL, 2*time.Hour)
	s.Cluster.ActiveWindow = p.or("cluster.active_window", cfg.Cluster.ActiveWindow, 5*time.Minute)
	if strings.TrimSpace(cfg.Cluster.CacheTTL) == "" {
		s.Cluster.CacheTTL = 2 * time.Second
	} else {
		s.Cluster.CacheTTL = p.field("cluster.cache_ttl", cfg.Cluster.CacheTTL)
	}
	if s.Cluster.ActiveWindow >= s.Cluster.InstanceTTL {
		err = multierr.Append(err, errors.New("cluster.active_window must be shorter than cluster.instance_ttl"))
	}

	r := cfg.Router
	s.Router.OffloadThreshold = intOr(r.OffloadThreshold, DefaultOffloadThreshold)
	s.Router.BlobCategory = strOr(r.BlobCategory, DefaultBlobCategory)
	s.Router.FanoutWorkers = intOr(r.FanoutWorkers, 8)
	if r.BroadcastRatePerSec < 0 {
		err = multierr.Append(err, errors.New("router.broadcast_rate_per_sec must be >= 0"))
	}
	s.Router.BroadcastRatePerSec = max(r.BroadcastRatePerSec, 0)
	s.Router.EventTimeout = p.or("router.event_timeout", r.EventTimeout, 30*time.Minute)
	s.Router.SystemTimeout = p.or("router.system_timeout", r.SystemTimeout, 300*time.Second)
	s.Router.PollWait = p.or("router.poll_wait", r.PollWait, 5*time.Second)
	s.Router.PollBatch = intOr(r.PollBatch, 10)
	s.Router.AdmissionPoll = p.or("router.admission_poll", r.AdmissionPoll, 250*time.Millisecond)

	s.FixedStopTimeout = p.or("fixed.stop_timeout", cfg.Fixed.StopTimeout, 30*time.Second)

	st, serr := resolveStorage(cfg.Storage, &p)
	err = multierr.Append(err, serr)
	s.Storage = st

	d := cfg.Debug
	s.Debug.Enabled = d.Enabled
	s.Debug.Addr = strOr(d.Addr, DefaultDebugAddr)
	s.Debug.Token = strings.TrimSpace(d.Token)
	s.Debug.AllowInsecure = d.AllowInsecure
	s.Debug.MutexProfileFraction = d.MutexProfileFraction
	s.Debug.BlockProfileRate = d.BlockProfileRate
	if d.Enabled && s.Debug.Token == "" && !d.AllowInsecure && !isLoopback(s.Debug.Addr) {
		err = multierr.Append(err, fmt.Errorf("debug.token is required for non-loopback addr %q", s.Debug.Addr))
	}

	s.Builtin.Echo = cfg.Builtin.Echo.Enabled
	s.Builtin.EchoPrefix = cfg.Builtin.Echo.Prefix
	s.Builtin.System = cfg.Builtin.System.Enabled
	s.Builtin.SystemInterval = p.or("builtin.system.interval", cfg.Builtin.System.Interval, 5*time.Minute)
	ug := cfg.Builtin.UnitGuard
	s.Builtin.UnitGuard = ug.Enabled
	s.Builtin.UnitGuardUnits = append([]string(nil), ug.Units...)
	s.Builtin.UnitGuardLocations = append([]string(nil), ug.Locations...)
	s.Builtin.UnitGuardInterval = p.field("builtin.unitguard.interval", ug.Interval)
	s.Builtin.UnitGuardMinDown = p.field("builtin.unitguard.min_down", ug.MinDown)
	s.Builtin.UnitGuardBackoffBase = p.field("builtin.unitguard.backoff_base", ug.BackoffBase)
	s.Builtin.UnitGuardBackoffMax = p.field("builtin.unitguard.backoff_max", ug.BackoffMax)
	s.Builtin.UnitGuardAlertStreak = ug.AlertStreak
	if ug.Enabled && len(ug.Units) == 0 {
		err = multierr.Append(err, errors.New("builtin.unitguard.units is required when enabled"))
	}

	s.ShutdownTimeout = p.or("shutdown_timeout", cfg.ShutdownTimeout, 30*time.Second)

	if err = multierr.Append(err, p.err); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate is the hot-reload validator: a config that does not resolve is rejected.
func Validate(cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

var (
	queueDrivers = []string{"memory", "sqlite"}
	kvDrivers    = []string{"memory", "sqlite", "file", "leveldb"}
	blobDrivers  = []string{"memory", "sqlite", "file", "minio"}
)

func resolveStorage(c StorageConfig, p *durations) (storage.Config, error) {
	var err error
	backend := func(name string, b BackendConfig, allowed []string) storage.Backend {
		drv := strings.ToLower(strOr(b.Driver, "memory"))
		if !contains(allowed, drv) {
			err = multierr.Append(err, fmt.Errorf("storage.%s.driver %q not one of %s", name, b.Driver, strings.Join(allowed, "|")))
		}
		path := strings.TrimSpace(b.Path)
		if drv != "memory" && drv != "minio" && path == "" {
			err = multierr.Append(err, fmt.Errorf("storage.%s.path is required for driver %q", name, drv))
		}
		return storage.Backend{
			Driver:      drv,
			Path:        path,
			BusyTimeout: p.field("storage."+name+".busy_timeout", b.BusyTimeout),
		}
	}

	out := storage.Config{
		Queue: backend("queue", c.Queue, queueDrivers),
		KV:    backend("kv", c.KV, kvDrivers),
		Blob:  backend("blob", c.Blob.BackendConfig, blobDrivers),
		Minio: storage.MinioConfig{
			Endpoint:  strings.TrimSpace(c.Blob.Minio.Endpoint),
			AccessKey: c.Blob.Minio.AccessKey,
			SecretKey: c.Blob.Minio.SecretKey,
			Bucket:    strings.TrimSpace(c.Blob.Minio.Bucket),
			Region:    strings.TrimSpace(c.Blob.Minio.Region),
			Secure:    c.Blob.Minio.Secure,
		},
	}
	if out.Blob.Driver == "minio" && (out.Minio.Endpoint == "" || out.Minio.Bucket == "") {
		err = multierr.Append(err, errors.New("storage.blob.minio.endpoint and bucket are required"))
	}
	return out, err
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
