package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalJSON = `{"instance":{"location":"eu-west"},"logging":{"level":"DEBUG","console":true}}`

func TestDecodeJSONDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("fleetd.json", []byte(minimalJSON))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	s, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.InstanceID == "" || s.Location != "eu-west" || s.QueuePrefix != DefaultQueuePrefix {
		t.Fatalf("instance settings %+v", s)
	}
	if s.Engine.Workers != 16 || s.Engine.MaxWorkers != 0 || s.Engine.IdleTimeout != time.Minute || s.Engine.QueueSize != 1024 {
		t.Fatalf("engine defaults %+v", s.Engine)
	}
	if s.Scheduler.BatchTick != time.Second || s.Scheduler.FixedTick != 5*time.Second || s.Scheduler.BatchTimeout != 6*time.Hour {
		t.Fatalf("scheduler defaults %+v", s.Scheduler)
	}
	if s.Cluster.InstanceTTL != 2*time.Hour || s.Cluster.ActiveWindow != 5*time.Minute || s.Cluster.CacheTTL != 2*time.Second {
		t.Fatalf("cluster defaults %+v", s.Cluster)
	}
	if s.Router.OffloadThreshold != 250000 || s.Router.BlobCategory != "fleet-messages" || s.Router.SystemTimeout != 300*time.Second {
		t.Fatalf("router defaults %+v", s.Router)
	}
	if s.FixedStopTimeout != 30*time.Second || s.ShutdownTimeout != 30*time.Second {
		t.Fatalf("timeouts %v %v", s.FixedStopTimeout, s.ShutdownTimeout)
	}
	if s.Storage.Queue.Driver != "memory" || s.Storage.KV.Driver != "memory" || s.Storage.Blob.Driver != "memory" {
		t.Fatalf("storage defaults %+v", s.Storage)
	}
}

func TestDecodeYAMLWithEnv(t *testing.T) {
	t.Setenv("FLEETD_TEST_SECRET", "s3cr3t")
	body := `
instance:
  location: A
  cloud_locations: [AZURE]
logging:
  level: INFO
  console: false
cluster:
  cache_ttl: 0s
storage:
  blob:
    driver: minio
    minio:
      endpoint: localhost:9000
      bucket: fleet
      access_key: fleet
      secret_key: ${FLEETD_TEST_SECRET}
`
	cfg, err := Decode("fleetd.yaml", []byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	s, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Storage.Minio.SecretKey != "s3cr3t" || s.Storage.Blob.Driver != "minio" {
		t.Fatalf("minio settings %+v", s.Storage)
	}
	if s.Cluster.CacheTTL != 0 {
		t.Fatalf("explicit zero cache ttl should disable the cache, got %v", s.Cluster.CacheTTL)
	}
	if len(s.CloudLocations) != 1 || s.CloudLocations[0] != "AZURE" {
		t.Fatalf("cloud locations %v", s.CloudLocations)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"instance":{"location":"A"},"telegram":{}}`},
		{"trailing data", minimalJSON + `{}`},
	}
	for _, tt := range tests {
		if _, err := Decode("c.json", []byte(tt.body)); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestResolveRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing location", Config{}},
		{"bad duration", Config{Instance: InstanceConfig{Location: "A"}, Scheduler: SchedulerConfig{BatchTick: "soon"}}},
		{"unknown driver", Config{Instance: InstanceConfig{Location: "A"}, Storage: StorageConfig{Queue: BackendConfig{Driver: "kafka"}}}},
		{"sqlite without path", Config{Instance: InstanceConfig{Location: "A"}, Storage: StorageConfig{KV: BackendConfig{Driver: "sqlite"}}}},
		{"open debug without token", Config{Instance: InstanceConfig{Location: "A"}, Debug: DebugConfig{Enabled: true, Addr: "0.0.0.0:6060"}}},
		{"window longer than ttl", Config{Instance: InstanceConfig{Location: "A"}, Cluster: ClusterConfig{InstanceTTL: "1m", ActiveWindow: "5m"}}},
		{"max workers below workers", Config{Instance: InstanceConfig{Location: "A"}, Engine: EngineConfig{Workers: 8, MaxWorkers: 4}}},
		{"unit guard without units", Config{Instance: InstanceConfig{Location: "A"}, Builtin: BuiltinConfig{UnitGuard: UnitGuardModuleConfig{Enabled: true}}}},
	}
	for _, tt := range tests {
		cfg := tt.cfg
		if err := Validate(&cfg); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestBuiltinModules(t *testing.T) {
	t.Parallel()
	body := `{"instance":{"location":"A"},"builtin":{"echo":{"enabled":true,"prefix":"> "},"system":{"enabled":true},"unitguard":{"enabled":true,"units":["nginx"],"min_down":"10s"}}}`
	cfg, err := Decode("fleetd.json", []byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	s, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b := s.Builtin
	if !b.Echo || b.EchoPrefix != "> " || !b.System || b.SystemInterval != 5*time.Minute {
		t.Fatalf("builtin %+v", b)
	}
	if !b.UnitGuard || len(b.UnitGuardUnits) != 1 || b.UnitGuardMinDown != 10*time.Second || b.UnitGuardInterval != 0 {
		t.Fatalf("unitguard %+v", b)
	}

	next := *cfg
	next.Builtin.UnitGuard.Units = []string{"nginx", "redis"}
	if ch := SummarizeConfigChange(cfg, &next); len(ch.Restart) != 1 || ch.Restart[0] != "builtin" {
		t.Fatalf("restart %v", ch.Restart)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Instance: InstanceConfig{Location: "A"}, Router: RouterConfig{BroadcastRatePerSec: 5}}
	b := *a
	b.Router.BroadcastRatePerSec = 10
	b.Logging.Level = "DEBUG"

	ch := SummarizeConfigChange(a, &b)
	if len(ch.Sections) != 2 || ch.Sections[0] != "logging" || ch.Sections[1] != "router" {
		t.Fatalf("sections %v", ch.Sections)
	}
	if len(ch.Restart) != 0 {
		t.Fatalf("live-applicable change flagged for restart: %v", ch.Restart)
	}

	b.Router.PollBatch = 50
	b.Debug.Token = "x"
	ch = SummarizeConfigChange(a, &b)
	if len(ch.Restart) != 2 || ch.Restart[0] != "debug" || ch.Restart[1] != "router" {
		t.Fatalf("restart %v", ch.Restart)
	}
	if SummarizeConfigChange(a, a).Empty() != true {
		t.Fatalf("identical configs reported a change")
	}
}

func TestManagerWatchPublishesValidReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetd.json")
	if err := os.WriteFile(path, []byte(minimalJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)

	// Invalid: missing location. Must not be published.
	if err := os.WriteFile(path, []byte(`{"instance":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	select {
	case c := <-sub:
		t.Fatalf("invalid config published: %+v", c)
	default:
	}

	if err := os.WriteFile(path, []byte(`{"instance":{"location":"B"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-sub:
		if c.Instance.Location != "B" {
			t.Fatalf("published %+v", c.Instance)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reload not published")
	}
	if m.Get().Instance.Location != "B" {
		t.Fatalf("reload not committed")
	}
	cancel()
	<-done
}
