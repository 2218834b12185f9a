package manager

import (
	"context"
	"fmt"
	"slices"

	"github.com/Rin0913/modhost/internal/module"
)

var _ module.Host = (*Manager)(nil)

// ResolveDependencies reports whether every dependency of the loaded module
// name is running. It never loads or starts anything.
func (m *Manager) ResolveDependencies(name string) bool {
	mod, ok := m.Module(name)
	if !ok {
		return false
	}
	return m.CheckDependencies(mod.Dependencies())
}

// CheckDependencies reports whether every named module is running. A loaded
// but stopped module does not satisfy a dependency.
func (m *Manager) CheckDependencies(deps []string) bool {
	for _, dep := range deps {
		if !m.IsModuleRunning(dep) {
			m.logger.Warn().
				Str("event", "module.dependency_missing").
				Str("dependency", dep).
				Msg("dependency is not running")
			return false
		}
	}
	return true
}

// ModuleDependencies returns the declared dependencies of a loaded module.
func (m *Manager) ModuleDependencies(name string) []string {
	mod, ok := m.Module(name)
	if !ok {
		return nil
	}
	return mod.Dependencies()
}

// LoadDependencies loads and starts, depth first, every transitive
// dependency of the loaded module name that is not yet running. Modules are
// loaded with the config set by SetDefaultConfig. A dependency cycle is
// reported as ErrDependencyCycle before anything on the cycle is started.
// The module name itself is left as is. On failure every dependency this
// call loaded is unloaded again and every one it started is stopped, so
// the registry is as it was before the call.
func (m *Manager) LoadDependencies(ctx context.Context, name string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if _, ok := m.Module(name); !ok {
		return m.fail("load dependencies of", name, ErrNotLoaded)
	}

	var undo []step
	err := m.ensureDeps(ctx, name, []string{name}, make(map[string]bool), &undo)
	if err != nil {
		m.rollback(ctx, undo)
	}
	return err
}

// step is one transition made by LoadDependencies.
type step struct {
	name   string
	loaded bool // loaded by this call, as opposed to only started
}

func (m *Manager) ensureDeps(ctx context.Context, name string, path []string, done map[string]bool, undo *[]step) error {
	mod, ok := m.Module(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}

	for _, dep := range mod.Dependencies() {
		if slices.Contains(path, dep) {
			err := fmt.Errorf("%w: %s", ErrDependencyCycle, formatPath(append(slices.Clone(path), dep)))
			return m.fail("resolve dependencies of", path[0], err)
		}
		if done[dep] {
			continue
		}

		if _, loaded := m.Module(dep); !loaded {
			m.mu.RLock()
			cfg := m.defaults[dep].Clone()
			m.mu.RUnlock()
			if err := m.loadLocked(dep, cfg); err != nil {
				return err
			}
			*undo = append(*undo, step{name: dep, loaded: true})
		}

		if err := m.ensureDeps(ctx, dep, append(slices.Clone(path), dep), done, undo); err != nil {
			return err
		}
		if !m.IsModuleRunning(dep) {
			if err := m.startLocked(ctx, dep); err != nil {
				return fmt.Errorf("%w: %w", ErrDependencyNotRunning, err)
			}
			*undo = append(*undo, step{name: dep})
		}
		done[dep] = true
	}
	return nil
}

// rollback reverts steps newest first.
func (m *Manager) rollback(ctx context.Context, steps []step) {
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		var err error
		if s.loaded {
			err = m.unloadLocked(ctx, s.name)
		} else if m.IsModuleRunning(s.name) {
			err = m.stopLocked(ctx, s.name)
		}
		if err != nil {
			m.logger.Warn().
				Err(err).
				Str("event", "module.rollback_failed").
				Str("module", s.name).
				Msg("could not revert dependency")
		}
	}
}
