package monitor

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Rin0913/modhost/internal/bus"
	"github.com/Rin0913/modhost/internal/health"
	"github.com/Rin0913/modhost/internal/module"
	"github.com/Rin0913/modhost/internal/scheduler"
)

type fakeHost struct {
	b *bus.Bus
}

func (h *fakeHost) Bus() *bus.Bus { return h.b }
func (h *fakeHost) IsModuleRunning(string) bool { return false }
func (h *fakeHost) ResolveDependencies(string) bool { return true }
func (h *fakeHost) Module(string) (module.Module, bool) { return nil, false }

type changes struct {
	mu  sync.Mutex
	got []health.StatusChange
}

func (c *changes) list() []health.StatusChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]health.StatusChange(nil), c.got...)
}

func newMonitor(t *testing.T, cfg module.Config) (*Monitor, *changes) {
	t.Helper()

	b := bus.New()
	c := &changes{}
	b.Subscribe(health.TopicStatusChange, func(topic, payload string) {
		var sc health.StatusChange
		require.NoError(t, json.Unmarshal([]byte(payload), &sc))
		c.mu.Lock()
		c.got = append(c.got, sc)
		c.mu.Unlock()
	})

	m := New()
	m.Attach(&fakeHost{b: b})
	require.NoError(t, m.Configure(cfg))
	require.NoError(t, m.Initialize())
	t.Cleanup(func() { _ = m.Shutdown() })
	return m, c
}

func fail(name string) health.Result {
	return health.Result{Name: name, Healthy: false, Status: "Connection failed", Error: "refused"}
}

func ok(name string) health.Result {
	return health.Result{Name: name, Healthy: true, Status: "Healthy"}
}

func TestConfigure(t *testing.T) {
	m := New()
	require.NoError(t, m.Configure(nil))
	assert.Equal(t, DefaultTimeout, m.defaultTimeout)
	assert.Equal(t, DefaultInterval, m.defaultInterval)
	assert.Equal(t, DefaultMaxFailures, m.maxFailures)
	assert.True(t, m.notify)

	require.NoError(t, m.Configure(module.Config{
		"default_timeout_ms":   "250",
		"default_interval_ms":  "1000",
		"max_failures":         "5",
		"enable_notifications": "0",
		"workers":              "4",
	}))
	assert.Equal(t, 250*time.Millisecond, m.defaultTimeout)
	assert.Equal(t, time.Second, m.defaultInterval)
	assert.Equal(t, 5, m.maxFailures)
	assert.Equal(t, 4, m.workers)
	assert.False(t, m.notify)

	err := New().Configure(module.Config{"max_failures": "three"})
	require.ErrorIs(t, err, module.ErrInvalidConfig)
	var ce *module.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "max_failures", ce.Key)

	err = New().Configure(module.Config{"default_interval_ms": "0"})
	require.ErrorIs(t, err, ErrMustBePositive)
	require.ErrorIs(t, err, module.ErrInvalidConfig)
}

func TestAddInitializesHealthy(t *testing.T) {
	m, _ := newMonitor(t, nil)

	require.ErrorIs(t, m.AddHealthCheck(health.CheckConfig{}), ErrEmptyName)
	require.NoError(t, m.AddHealthCheck(health.CheckConfig{Name: "api", Type: "tcp", Endpoint: "127.0.0.1:1"}))

	res, found := m.ModuleHealth("api")
	require.True(t, found)
	assert.True(t, res.Healthy)
	assert.Equal(t, "Initialized", res.Status)
	assert.True(t, m.IsModuleHealthy("api"))
	assert.Len(t, m.AllHealthStatus(), 1)

	_, found = m.ModuleHealth("ghost")
	assert.False(t, found)
	assert.False(t, m.IsModuleHealthy("ghost"))
}

func TestFlipAfterMaxFailuresNotifiesOnce(t *testing.T) {
	m, c := newMonitor(t, nil)
	require.NoError(t, m.AddHealthCheck(health.CheckConfig{Name: "db", Type: "tcp", MaxFailures: 3}))

	m.UpdateHealthStatus("db", fail("db"))
	m.UpdateHealthStatus("db", fail("db"))
	assert.True(t, m.IsModuleHealthy("db"), "below threshold stays healthy")
	assert.Empty(t, c.list())

	m.UpdateHealthStatus("db", fail("db"))
	assert.False(t, m.IsModuleHealthy("db"))
	assert.Equal(t, []health.StatusChange{{Module: "db", Healthy: false}}, c.list())

	m.UpdateHealthStatus("db", fail("db"))
	assert.Len(t, c.list(), 1, "staying unhealthy does not notify again")

	m.UpdateHealthStatus("db", ok("db"))
	assert.True(t, m.IsModuleHealthy("db"))
	assert.Equal(t, []health.StatusChange{
		{Module: "db", Healthy: false},
		{Module: "db", Healthy: true},
	}, c.list())

	targets := m.Targets()
	require.Len(t, targets, 1)
	assert.Equal(t, 0, targets[0].Failures)
}

func TestModuleMaxFailuresFallback(t *testing.T) {
	m, c := newMonitor(t, module.Config{"max_failures": "1"})
	require.NoError(t, m.AddHealthCheck(health.CheckConfig{Name: "x", Type: "tcp"}))

	m.UpdateHealthStatus("x", fail("x"))
	assert.False(t, m.IsModuleHealthy("x"))
	assert.Len(t, c.list(), 1)
}

func TestNotificationsDisabled(t *testing.T) {
	m, c := newMonitor(t, module.Config{"enable_notifications": "false", "max_failures": "1"})
	require.NoError(t, m.AddHealthCheck(health.CheckConfig{Name: "x", Type: "tcp"}))

	m.UpdateHealthStatus("x", fail("x"))
	m.UpdateHealthStatus("x", ok("x"))
	assert.Empty(t, c.list())
}

func TestRemovedTargetDropsResults(t *testing.T) {
	m, c := newMonitor(t, module.Config{"max_failures": "1"})
	require.NoError(t, m.AddHealthCheck(health.CheckConfig{Name: "gone", Type: "tcp"}))
	m.RemoveHealthCheck("gone")

	m.UpdateHealthStatus("gone", fail("gone"))
	_, found := m.ModuleHealth("gone")
	assert.False(t, found)
	assert.Empty(t, c.list())
	assert.Empty(t, m.HealthChecks())
}

func TestUpdateKeepsState(t *testing.T) {
	m, _ := newMonitor(t, nil)
	require.NoError(t, m.AddHealthCheck(health.CheckConfig{Name: "x", Type: "tcp", MaxFailures: 2}))
	m.UpdateHealthStatus("x", fail("x"))

	require.NoError(t, m.UpdateHealthCheck(health.CheckConfig{Name: "x", Type: "tcp", Endpoint: "new:1", MaxFailures: 2}))
	m.UpdateHealthStatus("x", fail("x"))
	assert.False(t, m.IsModuleHealthy("x"), "failure count survives an update")
	assert.Equal(t, "new:1", m.HealthChecks()[0].Endpoint)

	require.NoError(t, m.UpdateHealthCheck(health.CheckConfig{Name: "fresh", Type: "tcp"}))
	assert.True(t, m.IsModuleHealthy("fresh"))
}

func TestStatisticsAndStatus(t *testing.T) {
	m, _ := newMonitor(t, nil)
	assert.Equal(t, 1.0, m.SuccessRate())
	assert.Equal(t, "Health Monitor (running: no, checks: 0, failed: 0, success rate: 100%)", m.Status())

	res := m.PerformHealthCheck(context.Background(), "nobody")
	assert.False(t, res.Healthy)
	assert.Equal(t, "No health check configured", res.Status)
	assert.Equal(t, "Module not found", res.Error)
	assert.Zero(t, m.TotalChecks(), "unknown names are not counted")

	m.Engine().RegisterChecker("always", func(context.Context, health.CheckConfig) (string, error) { return "", nil })
	require.NoError(t, m.AddHealthCheck(health.CheckConfig{Name: "good", Type: "always"}))
	require.NoError(t, m.AddHealthCheck(health.CheckConfig{Name: "bad", Type: "nonsense"}))

	m.PerformAllHealthChecks(context.Background())

	assert.EqualValues(t, 2, m.TotalChecks())
	assert.EqualValues(t, 1, m.FailedChecks())
	assert.Equal(t, 0.5, m.SuccessRate())
	assert.Equal(t, "Health Monitor (running: no, checks: 2, failed: 1, success rate: 50%)", m.Status())

	bad, _ := m.ModuleHealth("bad")
	assert.Equal(t, "Unknown check type", bad.Status)
}

func TestOnMessageAddCheckRemove(t *testing.T) {
	m, _ := newMonitor(t, nil)
	m.Engine().RegisterChecker("always", func(context.Context, health.CheckConfig) (string, error) { return "up", nil })

	m.OnMessage(health.TopicAdd, `{"name":"svc","type":"always","endpoint":"x","max_failures":2}`)
	require.Len(t, m.HealthChecks(), 1)
	assert.Equal(t, 2, m.HealthChecks()[0].MaxFailures)

	m.OnMessage(health.TopicAdd, `not json`)
	m.OnMessage(health.TopicAdd, `{"type":"always"}`)
	assert.Len(t, m.HealthChecks(), 1)

	m.OnMessage(health.TopicCheck, "svc")
	res, _ := m.ModuleHealth("svc")
	assert.Equal(t, "up", res.Status)
	assert.EqualValues(t, 1, m.TotalChecks())

	m.OnMessage(health.TopicRemove, "svc")
	assert.Empty(t, m.HealthChecks())
}

func TestMonitoringLoopProbesAndFlips(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	b := bus.New()
	flips := make(chan health.StatusChange, 4)
	b.Subscribe(health.TopicStatusChange, func(topic, payload string) {
		var sc health.StatusChange
		_ = json.Unmarshal([]byte(payload), &sc)
		flips <- sc
	})

	m := New()
	m.Attach(&fakeHost{b: b})
	require.NoError(t, m.Configure(module.Config{"default_timeout_ms": "200", "workers": "1"}))
	require.NoError(t, m.Initialize())
	require.NoError(t, m.AddHealthCheck(health.CheckConfig{
		Name: "svc", Type: "tcp", Endpoint: ln.Addr().String(), IntervalMs: 20, MaxFailures: 1,
	}))

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsRunning())
	assert.Equal(t, 1, b.SubscriberCount(health.TopicCheck))

	require.Eventually(t, func() bool { return m.TotalChecks() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, m.IsModuleHealthy("svc"))

	require.NoError(t, ln.Close())
	select {
	case sc := <-flips:
		assert.Equal(t, health.StatusChange{Module: "svc", Healthy: false}, sc)
	case <-time.After(3 * time.Second):
		t.Fatal("no status change after the target went away")
	}

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, m.IsRunning())
	assert.Equal(t, 0, b.SubscriberCount(health.TopicCheck))
	assert.Contains(t, m.Status(), "running: no")

	require.NoError(t, m.Shutdown())
}

func TestFlipsPublishedInFlipOrder(t *testing.T) {
	b := bus.New()
	m := New()
	m.Attach(&fakeHost{b: b})
	require.NoError(t, m.Configure(module.Config{"max_failures": "1"}))
	require.NoError(t, m.AddHealthCheck(health.CheckConfig{Name: "svc", Type: "tcp"}))
	t.Cleanup(func() { _ = m.Shutdown() })

	// the first subscriber recovers the target from inside its handler
	b.Subscribe(health.TopicStatusChange, func(topic, payload string) {
		var sc health.StatusChange
		require.NoError(t, json.Unmarshal([]byte(payload), &sc))
		if !sc.Healthy {
			m.UpdateHealthStatus("svc", ok("svc"))
		}
	})
	var seen []bool
	b.Subscribe(health.TopicStatusChange, func(topic, payload string) {
		var sc health.StatusChange
		require.NoError(t, json.Unmarshal([]byte(payload), &sc))
		seen = append(seen, sc.Healthy)
	})

	m.UpdateHealthStatus("svc", fail("svc"))

	require.Equal(t, []bool{false, true}, seen)
	require.True(t, m.IsModuleHealthy("svc"))
}

func TestSlowCheckIsNotProbedConcurrently(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, _ := newMonitor(t, module.Config{"workers": "2", "default_timeout_ms": "1000"})

	var inFlight, maxSeen, runs atomic.Int32
	m.Engine().RegisterChecker("slow", func(ctx context.Context, check health.CheckConfig) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		runs.Add(1)
		select {
		case <-time.After(150 * time.Millisecond):
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	require.NoError(t, m.AddHealthCheck(health.CheckConfig{Name: "slow", Type: "slow", IntervalMs: 20}))

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))

	assert.EqualValues(t, 1, maxSeen.Load())
	assert.True(t, m.IsModuleHealthy("slow"))
	assert.Zero(t, m.FailedChecks())
}

func TestStoppedProbeIsNotCounted(t *testing.T) {
	m, c := newMonitor(t, module.Config{"max_failures": "1"})
	m.Engine().RegisterChecker("block", func(ctx context.Context, check health.CheckConfig) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	check := health.CheckConfig{Name: "svc", Type: "block"}
	require.NoError(t, m.AddHealthCheck(check))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.HandleJob(ctx, scheduler.Job{Check: check})

	assert.Zero(t, m.TotalChecks())
	assert.Zero(t, m.FailedChecks())
	assert.Equal(t, 1.0, m.SuccessRate())
	assert.True(t, m.IsModuleHealthy("svc"))
	assert.Empty(t, c.list())
}

func TestRedisMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	m, _ := newMonitor(t, module.Config{"redis_addr": mr.Addr(), "default_interval_ms": "1000"})

	require.NoError(t, m.AddHealthCheck(health.CheckConfig{Name: "api", Type: "tcp"}))
	m.UpdateHealthStatus("api", ok("api"))

	require.True(t, mr.Exists("health:api"))
	assert.Equal(t, 3*time.Second, mr.TTL("health:api"))

	m.RemoveHealthCheck("api")
	assert.False(t, mr.Exists("health:api"))
}

func TestInitializeLoadsCheckersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checkers:\n  ping:\n    type: command\n    command: \"true\"\n"), 0o600))

	m, _ := newMonitor(t, module.Config{"checkers_file": path})
	assert.True(t, m.Engine().HasChecker("ping"))

	bad := New()
	require.NoError(t, bad.Configure(module.Config{"checkers_file": filepath.Join(t.TempDir(), "missing.yaml")}))
	require.Error(t, bad.Initialize())
}
