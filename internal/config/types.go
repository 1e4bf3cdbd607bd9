package config

// Config is the on-disk shape of a fleetd config file (JSON or YAML).
//
// All durations are Go duration strings ("250ms", "5s", "6h"). Omitted or
// zero fields take the defaults applied by Resolve.
type Config struct {
	Instance  InstanceConfig  `json:"instance"`
	Logging   LoggingConfig   `json:"logging"`
	Engine    EngineConfig    `json:"engine,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Cluster   ClusterConfig   `json:"cluster,omitempty"`
	Router    RouterConfig    `json:"router,omitempty"`
	Fixed     FixedConfig     `json:"fixed,omitempty"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`
	Builtin   BuiltinConfig   `json:"builtin,omitempty"`

	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type InstanceConfig struct {
	// ID defaults to a random UUID per process start.
	ID       string `json:"id,omitempty"`
	Location string `json:"location"`

	QueuePrefix string `json:"queue_prefix,omitempty"`

	// CloudLocations are locations backed by elastic capacity. Unrestricted
	// modules are not scheduled there unless listed explicitly.
	CloudLocations []string `json:"cloud_locations,omitempty"`
}

type LoggingConfig struct {
	Level   string           `json:"level"`
	Console bool             `json:"console"`
	File    FileLogConfig    `json:"file"`
	Recent  RecentLogsConfig `json:"recent,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RecentLogsConfig controls the in-memory ring of recent warnings exposed on
// the debug server.
type RecentLogsConfig struct {
	Size       int    `json:"size,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// EngineConfig controls the worker pool that runs module executions.
//
// Defaults:
//   - workers: 16 long-lived workers
//   - max_workers: 0 (no ceiling on workers started on demand)
//   - idle_timeout: "60s" (on-demand workers exit after this long idle)
//   - queue_size: 1024
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	MaxWorkers     int    `json:"max_workers,omitempty"`
	IdleTimeout    string `json:"idle_timeout,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type SchedulerConfig struct {
	BatchTick    string `json:"batch_tick,omitempty"`
	FixedTick    string `json:"fixed_tick,omitempty"`
	WatchdogTick string `json:"watchdog_tick,omitempty"`
	BatchTimeout string `json:"batch_timeout,omitempty"`
}

type ClusterConfig struct {
	InstanceTTL  string `json:"instance_ttl,omitempty"`
	ActiveWindow string `json:"active_window,omitempty"`
	// CacheTTL bounds how stale directory reads may be. "0s" disables caching.
	CacheTTL string `json:"cache_ttl,omitempty"`
}

type RouterConfig struct {
	OffloadThreshold    int    `json:"offload_threshold,omitempty"`
	BlobCategory        string `json:"blob_category,omitempty"`
	FanoutWorkers       int    `json:"fanout_workers,omitempty"`
	BroadcastRatePerSec int    `json:"broadcast_rate_per_sec,omitempty"`
	EventTimeout        string `json:"event_timeout,omitempty"`
	SystemTimeout       string `json:"system_timeout,omitempty"`
	PollWait            string `json:"poll_wait,omitempty"`
	PollBatch           int    `json:"poll_batch,omitempty"`
	AdmissionPoll       string `json:"admission_poll,omitempty"`
}

type FixedConfig struct {
	StopTimeout string `json:"stop_timeout,omitempty"`
}

type StorageConfig struct {
	Queue BackendConfig     `json:"queue,omitempty"`
	KV    BackendConfig     `json:"kv,omitempty"`
	Blob  BlobBackendConfig `json:"blob,omitempty"`
}

// BackendConfig selects a driver. Path is a directory for file/leveldb and
// a database file for sqlite.
type BackendConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type BlobBackendConfig struct {
	BackendConfig
	Minio MinioConfig `json:"minio,omitempty"`
}

type MinioConfig struct {
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Region    string `json:"region,omitempty"`
	Secure    bool   `json:"secure,omitempty"`
}

// DebugConfig controls the local HTTP debug server (health, status,
// metrics, pprof).
//
// Security: when bound to a non-loopback address a token is required
// unless allow_insecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Runtime profiling knobs (0 = leave unchanged).
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// BuiltinConfig enables the modules compiled into the binary.
type BuiltinConfig struct {
	Echo      EchoModuleConfig      `json:"echo,omitempty"`
	System    SystemModuleConfig    `json:"system,omitempty"`
	UnitGuard UnitGuardModuleConfig `json:"unitguard,omitempty"`
}

type EchoModuleConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix,omitempty"`
}

type SystemModuleConfig struct {
	Enabled bool `json:"enabled"`
	// Interval between reports on each instance. Default "5m".
	Interval string `json:"interval,omitempty"`
}

// UnitGuardModuleConfig keeps systemd units running on every instance in
// Locations (all locations when empty).
//
// Defaults:
//   - interval: "30s"
//   - min_down: "3s"
//   - backoff_base: "5s"
//   - backoff_max: "5m"
//   - alert_streak: 3
type UnitGuardModuleConfig struct {
	Enabled     bool     `json:"enabled"`
	Units       []string `json:"units,omitempty"`
	Locations   []string `json:"locations,omitempty"`
	Interval    string   `json:"interval,omitempty"`
	MinDown     string   `json:"min_down,omitempty"`
	BackoffBase string   `json:"backoff_base,omitempty"`
	BackoffMax  string   `json:"backoff_max,omitempty"`
	AlertStreak int      `json:"alert_streak,omitempty"`
}
