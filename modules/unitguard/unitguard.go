// Package unitguard is a built-in fixed module that keeps a list of systemd
// units running on every instance that hosts it. A unit that stays down
// longer than MinDown is restarted; failed restarts back off exponentially
// with jitter, and a streak of failures is reported at error level.
package unitguard

import (
	"context"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"fleetd/internal/limit"
	"fleetd/internal/module"
	logx "fleetd/pkg/logx"
	"fleetd/pkg/systemdmanager"
)

var Deployment = module.Deployment{PluginID: 3, Version: 1, Class: "UnitGuard"}

// Units is the systemd surface the guard needs.
type Units interface {
	Status(ctx context.Context, unit string) (systemdmanager.Status, error)
	Restart(ctx context.Context, unit string) error
}

type Config struct {
	Units          []string
	Locations      []string // empty means every location
	Interval       time.Duration
	MinDown        time.Duration
	RestartTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AlertStreak    int
	AlertEvery     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MinDown <= 0 {
		c.MinDown = 3 * time.Second
	}
	if c.RestartTimeout <= 0 {
		c.RestartTimeout = 15 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.AlertStreak <= 0 {
		c.AlertStreak = 3
	}
	if c.AlertEvery <= 0 {
		c.AlertEvery = 10 * time.Minute
	}
	return c
}

type unitState struct {
	Missing    bool
	FailStreak int
	NextTry    time.Time
	LastErr    string
	LastAlert  time.Time
}

type Module struct {
	cfg  Config
	log  logx.Logger
	dial func(context.Context) (Units, error)
	now  func() time.Time

	mu     sync.Mutex
	units  Units
	closer func() error
	state  map[string]*unitState
}

type Option func(*Module)

// WithUnits skips the D-Bus connection; used by tests.
func WithUnits(u Units) Option {
	return func(m *Module) {
		m.dial = func(context.Context) (Units, error) { return u, nil }
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Module) { m.now = now }
}

func New(cfg Config, log logx.Logger, opts ...Option) *Module {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Module{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("module", "unitguard")),
		now: time.Now,
	}
	m.dial = func(ctx context.Context) (Units, error) {
		mgr, err := systemdmanager.New(ctx)
		if err != nil {
			return nil, err
		}
		return mgr, nil
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Limits runs one guard per instance in the configured locations.
func (m *Module) Limits() limit.ModuleLimit {
	return limit.NewBuilder().MaxActiveFixedPerInstance(1).FixedLocations(m.cfg.Locations...).Build()
}

func (m *Module) Start(ctx context.Context) error {
	u, err := m.dial(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.units = u
	if c, ok := u.(io.Closer); ok {
		m.closer = c.Close
	}
	m.state = map[string]*unitState{}
	m.mu.Unlock()
	m.log.Info("unit guard ready", logx.Strings("units", m.cfg.Units), logx.Duration("interval", m.cfg.Interval))
	return nil
}

func (m *Module) Stop(context.Context) error {
	m.mu.Lock()
	closer := m.closer
	m.units, m.closer = nil, nil
	m.mu.Unlock()
	if closer != nil {
		return closer()
	}
	return nil
}

func (m *Module) ProcessFixed(ctx context.Context, location, instanceID string) error {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Check inspects every unit once and restarts the ones that are due.
func (m *Module) Check(ctx context.Context) {
	m.mu.Lock()
	units := m.units
	m.mu.Unlock()
	if units == nil {
		return
	}
	for _, u := range m.cfg.Units {
		if u = strings.TrimSpace(u); u == "" || ctx.Err() != nil {
			continue
		}
		m.checkUnit(ctx, units, u)
	}
}

func (m *Module) ensure(unit string) *unitState {
	us, ok := m.state[unit]
	if !ok {
		us = &unitState{}
		m.state[unit] = us
	}
	return us
}

func (m *Module) checkUnit(ctx context.Context, units Units, unit string) {
	m.mu.Lock()
	us := m.ensure(unit)
	missing, nextTry := us.Missing, us.NextTry
	m.mu.Unlock()
	if missing {
		return
	}

	st, err := units.Status(ctx, unit)
	if err != nil {
		m.log.Debug("unit status failed", logx.String("unit", unit), logx.Err(err))
		return
	}
	if st.Missing() {
		m.mu.Lock()
		us.Missing = true
		m.mu.Unlock()
		m.log.Warn("skipping missing unit", logx.String("unit", unit))
		return
	}

	now := m.now()
	if st.IsActive() {
		m.reset(us)
		return
	}
	ds := st.DownSince()
	if ds.IsZero() {
		ds = now
	}
	downFor := now.Sub(ds)
	if downFor < m.cfg.MinDown || (!nextTry.IsZero() && now.Before(nextTry)) {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, m.cfg.RestartTimeout)
	rerr := units.Restart(opCtx, unit)
	cancel()
	if rerr == nil {
		m.log.Info("unit restarted", logx.String("unit", unit), logx.String("state", st.Active), logx.Duration("down_for", downFor))
		m.reset(us)
		return
	}

	m.mu.Lock()
	us.FailStreak++
	us.LastErr = rerr.Error()
	backoff := m.backoff(us.FailStreak)
	next := now.Add(time.Duration(float64(backoff) * (0.7 + rand.Float64()*0.6)))
	us.NextTry = next
	alert := us.FailStreak >= m.cfg.AlertStreak && (us.LastAlert.IsZero() || now.Sub(us.LastAlert) >= m.cfg.AlertEvery)
	if alert {
		us.LastAlert = now
	}
	streak := us.FailStreak
	m.mu.Unlock()

	fields := []logx.Field{
		logx.String("unit", unit),
		logx.String("state", st.Active+"/"+st.SubState),
		logx.Int("streak", streak),
		logx.Duration("down_for", downFor),
		logx.Duration("backoff", backoff),
		logx.Time("next_try", next),
		logx.Err(rerr),
	}
	if alert {
		m.log.Error("unit keeps failing to restart", fields...)
		return
	}
	m.log.Warn("unit restart failed", fields...)
}

func (m *Module) backoff(streak int) time.Duration {
	d := m.cfg.BackoffBase
	if streak > 1 {
		d = m.cfg.BackoffBase << min(streak-1, 30)
	}
	if d <= 0 || d > m.cfg.BackoffMax {
		d = m.cfg.BackoffMax
	}
	return d
}

func (m *Module) reset(us *unitState) {
	m.mu.Lock()
	us.FailStreak, us.NextTry, us.LastErr, us.LastAlert = 0, time.Time{}, "", time.Time{}
	m.mu.Unlock()
}

// Streak reports the current restart failure streak of unit.
func (m *Module) Streak(unit string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if us, ok := m.state[unit]; ok {
		return us.FailStreak
	}
	return 0
}
