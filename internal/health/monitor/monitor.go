// Package monitor implements the health-monitor module: a registry of
// health checks probed on their own intervals, with a healthy/unhealthy
// classification per target and a bus notification on every flip.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Rin0913/modhost/internal/bus"
	"github.com/Rin0913/modhost/internal/health"
	"github.com/Rin0913/modhost/internal/log"
	"github.com/Rin0913/modhost/internal/metrics"
	"github.com/Rin0913/modhost/internal/module"
	"github.com/Rin0913/modhost/internal/redisclient"
	"github.com/Rin0913/modhost/internal/scheduler"
	"github.com/Rin0913/modhost/internal/worker"
)

const (
	Name    = "health-monitor"
	Version = "1.0.0"

	DefaultTimeout     = 5 * time.Second
	DefaultInterval    = 30 * time.Second
	DefaultMaxFailures = 3
	DefaultWorkers     = 2

	restartBackoff = time.Second
	storeTimeout   = time.Second
)

var (
	ErrEmptyName      = errors.New("health check name is empty")
	ErrMustBePositive = errors.New("must be positive")
)

type target struct {
	healthy  bool
	failures int
	last     health.Result

	// pending holds flips not yet published, in flip order. One goroutine
	// at a time drains it.
	pending  []bool
	draining bool
}

// Monitor is the health-monitor module. All methods are safe for
// concurrent use. configMu is always taken before statusMu.
type Monitor struct {
	module.Base

	engine *worker.Engine
	sched  *scheduler.Scheduler

	configMu sync.RWMutex
	checks   map[string]health.CheckConfig

	statusMu sync.RWMutex
	targets  map[string]*target

	total  atomic.Uint64
	failed atomic.Uint64

	defaultTimeout  time.Duration
	defaultInterval time.Duration
	maxFailures     int
	notify          bool
	workers         int
	redisAddr       string
	checkersFile    string

	store  health.Repository
	client *redis.Client

	lifeMu sync.Mutex
	cancel context.CancelFunc
	pool   *worker.Manager
	subs   []bus.SubscriptionID

	logger zerolog.Logger
}

func New() *Monitor {
	return &Monitor{
		engine:          worker.NewEngine(),
		sched:           scheduler.New(DefaultInterval),
		checks:          make(map[string]health.CheckConfig),
		targets:         make(map[string]*target),
		defaultTimeout:  DefaultTimeout,
		defaultInterval: DefaultInterval,
		maxFailures:     DefaultMaxFailures,
		notify:          true,
		workers:         DefaultWorkers,
		logger:          log.WithModule(Name),
	}
}

// Factory builds a Monitor for registration with the manager.
func Factory() module.Module { return New() }

func (m *Monitor) Name() string    { return Name }
func (m *Monitor) Version() string { return Version }

// Engine exposes the probe engine so callers can register custom checkers.
func (m *Monitor) Engine() *worker.Engine { return m.engine }

// SetRepository mirrors every result into r. It replaces any store built
// from redis_addr.
func (m *Monitor) SetRepository(r health.Repository) {
	m.statusMu.Lock()
	m.store = r
	m.statusMu.Unlock()
}

func (m *Monitor) Configure(cfg module.Config) error {
	timeoutMs, err := positive(cfg, "default_timeout_ms", int(DefaultTimeout/time.Millisecond))
	if err != nil {
		return err
	}
	intervalMs, err := positive(cfg, "default_interval_ms", int(DefaultInterval/time.Millisecond))
	if err != nil {
		return err
	}
	maxFailures, err := positive(cfg, "max_failures", DefaultMaxFailures)
	if err != nil {
		return err
	}
	workers, err := positive(cfg, "workers", DefaultWorkers)
	if err != nil {
		return err
	}

	m.defaultTimeout = time.Duration(timeoutMs) * time.Millisecond
	m.defaultInterval = time.Duration(intervalMs) * time.Millisecond
	m.maxFailures = maxFailures
	m.workers = workers
	m.notify = cfg.Bool("enable_notifications", true)
	m.redisAddr = cfg.String("redis_addr", "")
	m.checkersFile = cfg.String("checkers_file", "")

	m.sched.SetDefaultInterval(m.defaultInterval)
	return nil
}

func positive(cfg module.Config, key string, def int) (int, error) {
	n, err := cfg.Int(key, def)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, &module.ConfigError{Key: key, Value: cfg[key], Err: ErrMustBePositive}
	}
	return n, nil
}

func (m *Monitor) Initialize() error {
	if m.checkersFile != "" {
		if _, err := m.engine.LoadConfig(m.checkersFile); err != nil {
			return fmt.Errorf("load checkers: %w", err)
		}
	}
	if m.redisAddr != "" && m.store == nil {
		m.client = redisclient.NewForAddr(m.redisAddr)
		m.store = health.NewRedisRepository(m.client)
	}
	return nil
}

// Start launches the probe workers and subscribes to the health topics.
// The workers outlive ctx until Stop.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.IsRunning() {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.pool = worker.NewManager(m.workers, restartBackoff, func(id int) worker.Worker {
		return worker.NewProbeWorker(fmt.Sprintf("%s-%d", Name, id), m.sched, m)
	})
	m.pool.Start(runCtx)

	if b := m.Bus(); b != nil {
		for _, topic := range []string{health.TopicCheck, health.TopicAdd, health.TopicRemove} {
			m.subs = append(m.subs, b.Subscribe(topic, m.OnMessage))
		}
	}

	m.SetRunning(true)
	m.logger.Info().
		Str("event", "health.started").
		Int("workers", m.workers).
		Dur("default_interval", m.defaultInterval).
		Msg("health monitor started")
	return nil
}

// Stop halts the workers and waits for in-flight probes to finish.
func (m *Monitor) Stop(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if !m.IsRunning() {
		return nil
	}

	if b := m.Bus(); b != nil {
		for _, id := range m.subs {
			b.Cancel(id)
		}
	}
	m.subs = nil

	m.cancel()
	m.pool.Stop()
	m.pool = nil

	m.SetRunning(false)
	m.logger.Info().Str("event", "health.stopped").Msg("health monitor stopped")
	return nil
}

func (m *Monitor) Shutdown() error {
	err := m.Stop(context.Background())
	m.sched.Close()
	if m.client != nil {
		err = errors.Join(err, m.client.Close())
		m.client = nil
	}
	return err
}

func (m *Monitor) Status() string {
	running := "no"
	if m.IsRunning() {
		running = "yes"
	}
	return fmt.Sprintf("Health Monitor (running: %s, checks: %d, failed: %d, success rate: %s%%)",
		running, m.TotalChecks(), m.FailedChecks(),
		strconv.FormatFloat(m.SuccessRate()*100, 'g', 6, 64))
}

// OnMessage handles manual probes and runtime check registration.
func (m *Monitor) OnMessage(topic, payload string) {
	switch topic {
	case health.TopicCheck:
		m.CheckNow(context.Background(), payload)
	case health.TopicAdd:
		var cfg health.CheckConfig
		if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
			m.logger.Warn().Err(err).Str("event", "health.add_invalid").Msg("ignoring malformed health.add payload")
			return
		}
		if err := m.AddHealthCheck(cfg); err != nil {
			m.logger.Warn().Err(err).Str("event", "health.add_invalid").Msg("ignoring invalid health check")
		}
	case health.TopicRemove:
		m.RemoveHealthCheck(payload)
	}
}

// AddHealthCheck registers cfg, replacing any check with the same name and
// resetting its state to healthy.
func (m *Monitor) AddHealthCheck(cfg health.CheckConfig) error {
	if cfg.Name == "" {
		return ErrEmptyName
	}

	m.configMu.Lock()
	m.checks[cfg.Name] = cfg
	m.statusMu.Lock()
	m.targets[cfg.Name] = &target{
		healthy: true,
		last: health.Result{
			Name:      cfg.Name,
			Healthy:   true,
			Status:    "Initialized",
			LastCheck: time.Now(),
		},
	}
	m.statusMu.Unlock()
	m.sched.Add(cfg)
	m.configMu.Unlock()

	if !m.engine.HasChecker(cfg.Type) {
		m.logger.Warn().
			Str("event", "health.unknown_type").
			Str("target", cfg.Name).
			Str("type", cfg.Type).
			Msg("no checker for type; probes will fail")
	}

	metrics.SetTargetHealthy(cfg.Name, true)
	m.logger.Info().
		Str("event", "health.check_added").
		Str("target", cfg.Name).
		Str("type", cfg.Type).
		Str("endpoint", cfg.Endpoint).
		Msg("health check added")
	return nil
}

// UpdateHealthCheck replaces the config of name, keeping its state. An
// unknown name is added.
func (m *Monitor) UpdateHealthCheck(cfg health.CheckConfig) error {
	if cfg.Name == "" {
		return ErrEmptyName
	}

	m.configMu.Lock()
	_, exists := m.checks[cfg.Name]
	if exists {
		m.checks[cfg.Name] = cfg
		m.sched.Add(cfg)
	}
	m.configMu.Unlock()

	if !exists {
		return m.AddHealthCheck(cfg)
	}
	m.logger.Debug().Str("event", "health.check_updated").Str("target", cfg.Name).Msg("health check updated")
	return nil
}

// RemoveHealthCheck forgets name unconditionally. A probe already running
// for it finishes but its result is dropped.
func (m *Monitor) RemoveHealthCheck(name string) {
	m.configMu.Lock()
	delete(m.checks, name)
	m.statusMu.Lock()
	delete(m.targets, name)
	store := m.store
	m.statusMu.Unlock()
	m.sched.Remove(name)
	m.configMu.Unlock()

	metrics.ForgetTarget(name)
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := store.Delete(ctx, name); err != nil {
			m.logger.Warn().Err(err).Str("event", "health.store_failed").Str("target", name).Msg("failed to delete mirrored result")
		}
	}
	m.logger.Info().Str("event", "health.check_removed").Str("target", name).Msg("health check removed")
}

// HealthChecks returns the registered configs sorted by name.
func (m *Monitor) HealthChecks() []health.CheckConfig {
	m.configMu.RLock()
	defer m.configMu.RUnlock()

	out := make([]health.CheckConfig, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PerformHealthCheck probes the named check once without touching its
// state. An unknown name yields a failed result and is not counted.
func (m *Monitor) PerformHealthCheck(ctx context.Context, name string) health.Result {
	m.configMu.RLock()
	cfg, ok := m.checks[name]
	m.configMu.RUnlock()

	if !ok {
		return health.Result{
			Name:      name,
			Status:    "No health check configured",
			LastCheck: time.Now(),
			Error:     "Module not found",
		}
	}
	return m.PerformCheck(ctx, cfg)
}

// PerformCheck runs one probe for cfg and counts it.
func (m *Monitor) PerformCheck(ctx context.Context, cfg health.CheckConfig) health.Result {
	res := m.engine.Handle(ctx, cfg, m.defaultTimeout)
	m.count(res)
	return res
}

func (m *Monitor) count(res health.Result) {
	m.total.Add(1)
	if !res.Healthy {
		m.failed.Add(1)
	}
}

// CheckNow probes name and feeds the outcome into its state.
func (m *Monitor) CheckNow(ctx context.Context, name string) health.Result {
	res := m.PerformHealthCheck(ctx, name)
	if res.Status != "No health check configured" {
		m.UpdateHealthStatus(name, res)
	}
	return res
}

// PerformAllHealthChecks probes every check in name order and updates each
// state.
func (m *Monitor) PerformAllHealthChecks(ctx context.Context) {
	for _, cfg := range m.HealthChecks() {
		if ctx.Err() != nil {
			return
		}
		m.UpdateHealthStatus(cfg.Name, m.PerformCheck(ctx, cfg))
	}
}

// HandleJob runs a scheduled probe. A probe cut short by Stop is neither
// counted nor recorded.
func (m *Monitor) HandleJob(ctx context.Context, job scheduler.Job) {
	res := m.engine.Handle(ctx, job.Check, m.defaultTimeout)
	if ctx.Err() != nil && !res.Healthy {
		return
	}
	m.count(res)
	m.UpdateHealthStatus(job.Check.Name, res)
}

// UpdateHealthStatus records res for name. A success marks the target
// healthy and clears its failures; a failure marks it unhealthy once the
// consecutive failures reach its max_failures. Each flip is published once
// on health.status_change, in the order the flips happened. Results for
// unknown names are dropped.
func (m *Monitor) UpdateHealthStatus(name string, res health.Result) {
	m.configMu.RLock()
	cfg, ok := m.checks[name]
	if !ok {
		m.configMu.RUnlock()
		return
	}
	threshold := cfg.MaxFailures
	if threshold <= 0 {
		threshold = m.maxFailures
	}

	m.statusMu.Lock()
	t, ok := m.targets[name]
	if !ok {
		m.statusMu.Unlock()
		m.configMu.RUnlock()
		return
	}
	was := t.healthy
	if res.Healthy {
		t.failures = 0
		t.healthy = true
	} else {
		t.failures++
		if t.failures >= threshold {
			t.healthy = false
		}
	}
	res.Name = name
	t.last = res
	now := t.healthy
	failures := t.failures
	store := m.store
	drain := false
	if was != now && m.notify {
		t.pending = append(t.pending, now)
		if !t.draining {
			t.draining = true
			drain = true
		}
	}
	m.statusMu.Unlock()
	interval := cfg.Interval(m.defaultInterval)
	m.configMu.RUnlock()

	if store != nil {
		m.mirror(store, res, 3*interval)
	}

	if was == now {
		if !res.Healthy {
			m.logger.Debug().
				Str("event", "health.probe_failed").
				Str("target", name).
				Int("failures", failures).
				Int("max_failures", threshold).
				Str("error", res.Error).
				Msg("probe failed")
		}
		return
	}

	metrics.SetTargetHealthy(name, now)
	metrics.IncHealthFlip(name)
	m.logger.Info().
		Str("event", "health.flip").
		Str("target", name).
		Bool("healthy", now).
		Str("status", res.Status).
		Msg("health state changed")

	if drain {
		m.drainNotifications(name, t)
	}
}

// drainNotifications publishes t's pending flips until none are left. A
// flip queued while a handler runs, including one caused by that handler,
// is published after the current one.
func (m *Monitor) drainNotifications(name string, t *target) {
	for {
		m.statusMu.Lock()
		if len(t.pending) == 0 {
			t.draining = false
			m.statusMu.Unlock()
			return
		}
		healthy := t.pending[0]
		t.pending = t.pending[1:]
		m.statusMu.Unlock()

		m.notifyHealthChange(name, healthy)
	}
}

func (m *Monitor) mirror(store health.Repository, res health.Result, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := store.Save(ctx, &res, ttl); err != nil {
		m.logger.Warn().Err(err).Str("event", "health.store_failed").Str("target", res.Name).Msg("failed to mirror result")
	}
}

func (m *Monitor) notifyHealthChange(name string, healthy bool) {
	b := m.Bus()
	if b == nil {
		return
	}
	payload, err := json.Marshal(health.StatusChange{Module: name, Healthy: healthy})
	if err != nil {
		return
	}
	b.Publish(health.TopicStatusChange, string(payload))
}

// ModuleHealth returns the latest result for name. Its Healthy field is the
// classified state, which may lag the last probe by up to max_failures.
func (m *Monitor) ModuleHealth(name string) (health.Result, bool) {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()

	t, ok := m.targets[name]
	if !ok {
		return health.Result{}, false
	}
	res := t.last
	res.Healthy = t.healthy
	return res, true
}

func (m *Monitor) AllHealthStatus() map[string]health.Result {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()

	out := make(map[string]health.Result, len(m.targets))
	for name, t := range m.targets {
		res := t.last
		res.Healthy = t.healthy
		out[name] = res
	}
	return out
}

// Targets reports config, state and last probe of every check.
func (m *Monitor) Targets() []health.Target {
	m.configMu.RLock()
	defer m.configMu.RUnlock()
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()

	out := make([]health.Target, 0, len(m.checks))
	for name, cfg := range m.checks {
		t, ok := m.targets[name]
		if !ok {
			continue
		}
		out = append(out, health.Target{
			Check:    cfg,
			Healthy:  t.healthy,
			Failures: t.failures,
			Last:     t.last,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Check.Name < out[j].Check.Name })
	return out
}

func (m *Monitor) IsModuleHealthy(name string) bool {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()

	t, ok := m.targets[name]
	return ok && t.healthy
}

func (m *Monitor) TotalChecks() uint64  { return m.total.Load() }
func (m *Monitor) FailedChecks() uint64 { return m.failed.Load() }

// SuccessRate is 1 before any probe has run.
func (m *Monitor) SuccessRate() float64 {
	total := m.total.Load()
	if total == 0 {
		return 1.0
	}
	failed := m.failed.Load()
	if failed > total {
		failed = total
	}
	return float64(total-failed) / float64(total)
}
