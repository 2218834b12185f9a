// Package manager owns module identity, configuration and lifecycle, and
// the bus shared by all modules.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Rin0913/modhost/internal/bus"
	"github.com/Rin0913/modhost/internal/log"
	"github.com/Rin0913/modhost/internal/metrics"
	"github.com/Rin0913/modhost/internal/module"
)

var (
	ErrNotRegistered        = errors.New("module not registered")
	ErrAlreadyLoaded        = errors.New("module already loaded")
	ErrNotLoaded            = errors.New("module not loaded")
	ErrNotRunning           = errors.New("module not running")
	ErrNilModule            = errors.New("factory returned nil module")
	ErrDependencyCycle      = errors.New("dependency cycle")
	ErrDependencyNotRunning = errors.New("dependency not running")
)

type entry struct {
	factory module.Factory
	mod     module.Module
	loaded  bool
	running bool
	config  module.Config
}

// Manager is safe for concurrent use. Lifecycle operations are serialized;
// queries only take the registry lock and may be called from module hooks.
type Manager struct {
	// opMu serializes every registry mutation and lifecycle transition.
	opMu sync.Mutex

	mu       sync.RWMutex
	modules  map[string]*entry
	defaults map[string]module.Config

	bus    *bus.Bus
	logger zerolog.Logger
}

// New creates a manager and starts its bus.
func New() *Manager {
	m := &Manager{
		modules:  make(map[string]*entry),
		defaults: make(map[string]module.Config),
		bus:      bus.New(),
		logger:   log.WithComponent("manager"),
	}
	m.bus.Start()
	return m
}

func (m *Manager) Bus() *bus.Bus { return m.bus }

// Register stores factory under name, replacing any previous registration.
// It does not instantiate the module.
func (m *Manager) Register(name string, factory module.Factory) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.modules[name] = &entry{factory: factory}
	m.mu.Unlock()

	metrics.SetModuleState(name, metrics.ModuleRegistered)
	m.logger.Debug().Str("event", "module.registered").Str("module", name).Msg("module registered")
}

// Unregister stops and unloads the module if needed, then forgets it.
func (m *Manager) Unregister(ctx context.Context, name string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	e, ok := m.lookup(name)
	if !ok {
		return
	}
	if e.running {
		_ = m.stopLocked(ctx, name)
	}
	if e.loaded {
		_ = m.unloadLocked(ctx, name)
	}

	m.mu.Lock()
	delete(m.modules, name)
	delete(m.defaults, name)
	m.mu.Unlock()

	metrics.ForgetModule(name)
}

// SetDefaultConfig sets the config used when name is loaded as a dependency
// by LoadDependencies.
func (m *Manager) SetDefaultConfig(name string, cfg module.Config) {
	m.mu.Lock()
	m.defaults[name] = cfg.Clone()
	m.mu.Unlock()
}

// Load instantiates, configures and initializes a registered module. On any
// failure no instance is retained.
func (m *Manager) Load(name string, cfg module.Config) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.loadLocked(name, cfg)
}

func (m *Manager) loadLocked(name string, cfg module.Config) error {
	e, ok := m.lookup(name)
	if !ok {
		return m.fail("load", name, ErrNotRegistered)
	}
	if e.loaded {
		return m.fail("load", name, ErrAlreadyLoaded)
	}

	mod, err := m.build(name, e.factory, cfg)
	if err != nil {
		return m.fail("load", name, err)
	}

	m.mu.Lock()
	e.mod = mod
	e.loaded = true
	e.config = cfg.Clone()
	m.mu.Unlock()

	metrics.SetModuleState(name, metrics.ModuleLoaded)
	m.logger.Info().
		Str("event", "module.loaded").
		Str("module", name).
		Str("version", mod.Version()).
		Msg("module loaded")
	return nil
}

func (m *Manager) build(name string, factory module.Factory, cfg module.Config) (mod module.Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			mod = nil
			err = fmt.Errorf("panic during load: %v", r)
		}
	}()

	if factory == nil {
		return nil, ErrNilModule
	}
	mod = factory()
	if mod == nil {
		return nil, ErrNilModule
	}

	mod.Attach(m)
	if err := mod.Configure(cfg.Clone()); err != nil {
		return nil, fmt.Errorf("configure: %w", module.Named(name, err))
	}
	if err := mod.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return mod, nil
}

// Unload stops the module if running, shuts it down and releases it.
func (m *Manager) Unload(ctx context.Context, name string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.unloadLocked(ctx, name)
}

func (m *Manager) unloadLocked(ctx context.Context, name string) error {
	e, ok := m.lookup(name)
	if !ok || !e.loaded {
		return m.fail("unload", name, ErrNotLoaded)
	}
	if e.running {
		// A module that fails to stop is still shut down and released.
		_ = m.stopLocked(ctx, name)
	}

	if err := guard(e.mod.Shutdown); err != nil {
		m.logger.Warn().
			Err(err).
			Str("event", "module.shutdown_failed").
			Str("module", name).
			Msg("module shutdown reported an error")
	}

	m.mu.Lock()
	e.mod = nil
	e.loaded = false
	e.running = false
	m.mu.Unlock()

	metrics.SetModuleState(name, metrics.ModuleRegistered)
	m.logger.Info().Str("event", "module.unloaded").Str("module", name).Msg("module unloaded")
	return nil
}

// Start runs a loaded module. Starting a running module is a no-op.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.startLocked(ctx, name)
}

func (m *Manager) startLocked(ctx context.Context, name string) error {
	e, ok := m.lookup(name)
	if !ok || !e.loaded {
		return m.fail("start", name, ErrNotLoaded)
	}
	if e.running {
		return nil
	}

	if err := guard(func() error { return e.mod.Start(ctx) }); err != nil {
		return m.fail("start", name, err)
	}

	m.mu.Lock()
	e.running = true
	m.mu.Unlock()

	metrics.SetModuleState(name, metrics.ModuleRunning)
	m.logger.Info().Str("event", "module.started").Str("module", name).Msg("module started")
	return nil
}

// Stop halts a running module.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stopLocked(ctx, name)
}

func (m *Manager) stopLocked(ctx context.Context, name string) error {
	e, ok := m.lookup(name)
	if !ok || !e.loaded {
		return m.fail("stop", name, ErrNotLoaded)
	}
	if !e.running {
		return m.fail("stop", name, ErrNotRunning)
	}

	if err := guard(func() error { return e.mod.Stop(ctx) }); err != nil {
		return m.fail("stop", name, err)
	}

	m.mu.Lock()
	e.running = false
	m.mu.Unlock()

	metrics.SetModuleState(name, metrics.ModuleLoaded)
	m.logger.Info().Str("event", "module.stopped").Str("module", name).Msg("module stopped")
	return nil
}

// StartAll starts every loaded module that is not running, in name order.
func (m *Manager) StartAll(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var errs []error
	for _, name := range m.names(func(e *entry) bool { return e.loaded && !e.running }) {
		if err := m.startLocked(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every running module, in name order.
func (m *Manager) StopAll(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stopAllLocked(ctx)
}

func (m *Manager) stopAllLocked(ctx context.Context) error {
	var errs []error
	for _, name := range m.names(func(e *entry) bool { return e.running }) {
		if err := m.stopLocked(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ShutdownAll stops and unloads every module, leaving none loaded.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	err := m.stopAllLocked(ctx)
	for _, name := range m.names(func(e *entry) bool { return e.loaded }) {
		_ = m.unloadLocked(ctx, name)
	}
	return err
}

// Close shuts every module down and stops the bus.
func (m *Manager) Close(ctx context.Context) error {
	err := m.ShutdownAll(ctx)
	m.bus.Stop()
	return err
}

// Module returns the loaded instance registered under name.
func (m *Manager) Module(name string) (module.Module, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.modules[name]
	if !ok || !e.loaded {
		return nil, false
	}
	return e.mod, true
}

// Config returns the configuration the module was loaded with.
func (m *Manager) Config(name string) (module.Config, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.modules[name]
	if !ok || !e.loaded {
		return nil, false
	}
	return e.config.Clone(), true
}

func (m *Manager) LoadedModules() []string {
	return m.names(func(e *entry) bool { return e.loaded })
}

func (m *Manager) RunningModules() []string {
	return m.names(func(e *entry) bool { return e.loaded && e.running })
}

func (m *Manager) IsModuleRunning(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.modules[name]
	return ok && e.loaded && e.running
}

// ModuleStatuses reports each loaded module's own Status string.
func (m *Manager) ModuleStatuses() map[string]string {
	m.mu.RLock()
	mods := make(map[string]module.Module, len(m.modules))
	for name, e := range m.modules {
		if e.loaded {
			mods[name] = e.mod
		}
	}
	m.mu.RUnlock()

	out := make(map[string]string, len(mods))
	for name, mod := range mods {
		out[name] = mod.Status()
	}
	return out
}

func (m *Manager) lookup(name string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.modules[name]
	return e, ok
}

func (m *Manager) names(keep func(*entry) bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.modules))
	for name, e := range m.modules {
		if keep(e) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) fail(op, name string, err error) error {
	m.logger.Error().
		Err(err).
		Str("event", "module."+op+"_failed").
		Str("module", name).
		Msg("module " + op + " failed")
	return fmt.Errorf("%s module %q: %w", op, name, err)
}

// guard converts a panic in a module hook into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func formatPath(path []string) string {
	return strings.Join(path, " -> ")
}
