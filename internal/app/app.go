// Package app wires the manager, the bundled modules and the config watcher
// into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Rin0913/modhost/internal/bus"
	"github.com/Rin0913/modhost/internal/config"
	"github.com/Rin0913/modhost/internal/health"
	"github.com/Rin0913/modhost/internal/health/monitor"
	"github.com/Rin0913/modhost/internal/httpserver"
	"github.com/Rin0913/modhost/internal/log"
	"github.com/Rin0913/modhost/internal/manager"
)

const shutdownTimeout = 10 * time.Second

var ErrNoMonitor = errors.New("health monitor not loaded")

type App struct {
	cfg     config.Config
	cfgPath string
	mgr     *manager.Manager
	subs    []bus.SubscriptionID
	logger  zerolog.Logger
}

// New builds an App with the bundled modules registered. cfgPath may be
// empty, which disables reloading.
func New(cfg config.Config, cfgPath string) *App {
	mgr := manager.New()
	mgr.Register(monitor.Name, monitor.Factory)
	mgr.Register(httpserver.HTTPServerName, httpserver.HTTPServerFactory)
	mgr.Register(httpserver.APIName, httpserver.APIFactory)

	for _, m := range cfg.Modules {
		mgr.SetDefaultConfig(m.Name, m.Values())
	}

	return &App{
		cfg:     cfg,
		cfgPath: cfgPath,
		mgr:     mgr,
		logger:  log.WithComponent("app"),
	}
}

func (a *App) Manager() *manager.Manager { return a.mgr }

// Boot loads the enabled modules and their dependencies, registers the
// configured health checks and starts everything.
func (a *App) Boot(ctx context.Context) error {
	enabled := a.cfg.EnabledModules()
	for _, name := range enabled {
		mc, _ := a.cfg.Module(name)
		if err := a.mgr.Load(name, mc.Values()); err != nil {
			return err
		}
	}
	for _, name := range enabled {
		if err := a.mgr.LoadDependencies(ctx, name); err != nil {
			return err
		}
	}

	if len(a.cfg.HealthChecks) > 0 {
		if err := a.ApplyHealthChecks(a.cfg.HealthChecks); err != nil {
			return err
		}
	}

	if err := a.mgr.StartAll(ctx); err != nil {
		return err
	}

	a.forwardStatusChanges()

	a.logger.Info().
		Str("event", "app.started").
		Strs("modules", a.mgr.RunningModules()).
		Msg("modules running")
	return nil
}

// forwardStatusChanges delivers health flips to every other loaded module.
func (a *App) forwardStatusChanges() {
	b := a.mgr.Bus()
	for _, name := range a.mgr.LoadedModules() {
		if name == monitor.Name {
			continue
		}
		mod, ok := a.mgr.Module(name)
		if !ok {
			continue
		}
		a.subs = append(a.subs, b.Subscribe(health.TopicStatusChange, mod.OnMessage))
	}
	a.subs = append(a.subs, b.Subscribe(health.TopicStatusChange, func(topic, payload string) {
		a.logger.Info().Str("event", "app.health_change").RawJSON("change", []byte(payload)).Msg("health status changed")
	}))
}

// ApplyHealthChecks makes the monitor's checks match checks: new names are
// added, known names updated in place and missing names removed.
func (a *App) ApplyHealthChecks(checks []health.CheckConfig) error {
	mon, ok := a.monitor()
	if !ok {
		return ErrNoMonitor
	}

	want := make(map[string]bool, len(checks))
	for _, c := range checks {
		want[c.Name] = true
		if err := mon.UpdateHealthCheck(c); err != nil {
			return fmt.Errorf("health check %q: %w", c.Name, err)
		}
	}
	for _, c := range mon.HealthChecks() {
		if !want[c.Name] {
			mon.RemoveHealthCheck(c.Name)
		}
	}
	return nil
}

func (a *App) monitor() (*monitor.Monitor, bool) {
	mod, ok := a.mgr.Module(monitor.Name)
	if !ok {
		return nil, false
	}
	mon, ok := mod.(*monitor.Monitor)
	return mon, ok
}

// Run boots the app and blocks until ctx is done, then shuts every module
// down.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if err := a.Boot(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfgPath != "" {
		w := config.NewWatcher(a.cfgPath, config.DefaultDebounce, a.reload)
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

func (a *App) reload(cfg config.Config) {
	if err := a.ApplyHealthChecks(cfg.HealthChecks); err != nil {
		a.logger.Warn().Err(err).Str("event", "app.reload_failed").Msg("health checks not applied")
		return
	}
	a.logger.Info().
		Str("event", "app.reloaded").
		Int("health_checks", len(cfg.HealthChecks)).
		Msg("health checks reloaded")
}

func (a *App) close() {
	b := a.mgr.Bus()
	for _, id := range a.subs {
		b.Cancel(id)
	}
	a.subs = nil

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.mgr.Close(ctx); err != nil {
		a.logger.Warn().Err(err).Str("event", "app.shutdown_failed").Msg("shutdown reported errors")
	}
	a.logger.Info().Str("event", "app.stopped").Msg("all modules shut down")
}

// Run loads the config at cfgPath, configures logging and runs until ctx
// is done.
func Run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "modhost"})
	return New(cfg, cfgPath).Run(ctx)
}
