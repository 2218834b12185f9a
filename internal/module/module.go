// Package module defines the contract every managed module implements and
// the handle through which a module reaches its host.
package module

import (
	"context"
	"sync/atomic"

	"github.com/Rin0913/modhost/internal/bus"
)

// Module is a unit whose lifecycle is owned by the manager. The manager
// calls Attach, Configure and Initialize on load, Start and Stop any number
// of times, and Shutdown once on unload.
type Module interface {
	Name() string
	Version() string
	Dependencies() []string

	Attach(h Host)
	Configure(cfg Config) error
	Initialize() error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Shutdown() error

	IsRunning() bool
	Status() string

	OnMessage(topic, payload string)
}

// Host is the non-owning view of the manager handed to a module at load.
// A module must not call lifecycle operations of the manager from inside its
// own lifecycle hooks.
type Host interface {
	Bus() *bus.Bus
	IsModuleRunning(name string) bool
	ResolveDependencies(name string) bool
	Module(name string) (Module, bool)
}

// Factory builds a fresh, unconfigured module.
type Factory func() Module

// Base carries the host handle and running flag shared by most modules.
// Embedders still provide the remaining Module methods.
type Base struct {
	host    Host
	running atomic.Bool
}

func (b *Base) Attach(h Host) { b.host = h }

// Host returns the attached host, or nil before load.
func (b *Base) Host() Host { return b.host }

// Bus returns the host bus, or nil when detached.
func (b *Base) Bus() *bus.Bus {
	if b.host == nil {
		return nil
	}
	return b.host.Bus()
}

func (b *Base) IsRunning() bool { return b.running.Load() }

// SetRunning flips the running flag and reports whether it changed.
func (b *Base) SetRunning(v bool) bool {
	return b.running.Swap(v) != v
}

func (b *Base) Dependencies() []string { return nil }

func (b *Base) OnMessage(topic, payload string) {}
