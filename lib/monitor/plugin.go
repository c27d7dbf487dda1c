// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/config"
	"github.com/bureau-foundation/webeye/lib/events"
	"github.com/bureau-foundation/webeye/lib/record"
)

// Plugin is a capability that produces records.
type Plugin interface {
	// Name is unique within a monitor.
	Name() string

	// Install is called once when the monitor installs, or
	// immediately by Use when the monitor is already installed.
	Install(host Host) error

	// Uninstall releases everything Install acquired.
	Uninstall() error
}

// Host is what a plugin sees of its monitor. A plugin must not use a
// Host after it has been uninstalled.
type Host interface {
	Report(ctx context.Context, partial record.Partial) error
	Plugin(name string) (Plugin, bool)
	Logger() *slog.Logger
	Clock() clock.Clock
	Events() *events.Bus
	SessionID() string
	Config() config.Config
}

// Base carries the bookkeeping every plugin needs: an install-once
// guard, the host reference while installed, and panic-safe execution.
// Plugins embed a *Base and route their Install and Uninstall through
// it:
//
//	func (p *Plugin) Install(host monitor.Host) error {
//		return p.Base.Install(host, p.init)
//	}
type Base struct {
	name string

	mutex     sync.Mutex
	host      Host
	logger    *slog.Logger
	installed bool
}

// NewBase returns a Base for the plugin called name.
func NewBase(name string) *Base {
	return &Base{name: name, logger: slog.New(slog.DiscardHandler)}
}

// Name returns the plugin name.
func (b *Base) Name() string { return b.name }

// Install records host and runs init. A second install warns and
// returns nil without calling init. If init fails or panics the plugin
// is left uninstalled.
func (b *Base) Install(host Host, init func(Host) error) error {
	b.mutex.Lock()
	if b.installed {
		logger := b.logger
		b.mutex.Unlock()
		logger.Warn("plugin already installed")
		return nil
	}
	b.host = host
	b.logger = host.Logger().With("plugin", b.name)
	b.installed = true
	b.mutex.Unlock()

	if init == nil {
		return nil
	}
	if err := b.guard("init", func() error { return init(host) }); err != nil {
		b.reset()
		return err
	}
	return nil
}

// Uninstall runs destroy and drops the host reference. Uninstalling a
// plugin that is not installed warns and returns nil.
func (b *Base) Uninstall(destroy func() error) error {
	b.mutex.Lock()
	if !b.installed {
		logger := b.logger
		b.mutex.Unlock()
		logger.Warn("plugin not installed")
		return nil
	}
	b.mutex.Unlock()

	var err error
	if destroy != nil {
		err = b.guard("destroy", destroy)
	}
	b.reset()
	return err
}

func (b *Base) reset() {
	b.mutex.Lock()
	b.host = nil
	b.installed = false
	b.mutex.Unlock()
}

// IsInstalled reports whether the plugin is installed.
func (b *Base) IsInstalled() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.installed
}

// Host returns the installing host, or nil.
func (b *Base) Host() Host {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.host
}

// Logger returns the plugin logger. Before the first install it
// discards.
func (b *Base) Logger() *slog.Logger {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.logger
}

// Report forwards partial to the host. It is a no-op when the plugin
// is not installed.
func (b *Base) Report(ctx context.Context, partial record.Partial) error {
	host := b.Host()
	if host == nil {
		return nil
	}
	return host.Report(ctx, partial)
}

// SafeExecute runs fn and logs a panic instead of propagating it.
func (b *Base) SafeExecute(fn func()) {
	b.guard("execute", func() error {
		fn()
		return nil
	})
}

// guard runs fn, converting a panic into an error. Both are logged.
func (b *Base) guard(phase string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("plugin %s: panic in %s: %v", b.name, phase, recovered)
			b.Logger().Error("plugin panicked",
				"phase", phase,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
		}
	}()
	if err := fn(); err != nil {
		b.Logger().Error("plugin failed", "phase", phase, "error", err)
		return fmt.Errorf("plugin %s: %s: %w", b.name, phase, err)
	}
	return nil
}
