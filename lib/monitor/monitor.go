// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/config"
	"github.com/bureau-foundation/webeye/lib/events"
	"github.com/bureau-foundation/webeye/lib/record"
	"github.com/bureau-foundation/webeye/lib/version"
)

// ErrNotInstalled is returned by Report before Install or after
// Uninstall.
var ErrNotInstalled = errors.New("monitor: not installed")

var _ Host = (*Monitor)(nil)

// Pipeline is the delivery side of a monitor. worker.Local and
// worker.Client implement it.
type Pipeline interface {
	Enqueue(ctx context.Context, r record.Record) error
	Flush(ctx context.Context) error
	Hidden()
	Unload(ctx context.Context) bool
	Close(ctx context.Context) error
}

// Options configures [New].
type Options struct {
	// Config is copied; later changes go through UpdateConfig.
	Config *config.Config

	Pipeline Pipeline

	// Device overrides the collected device snapshot.
	Device *record.DeviceInfo

	// VisitorFile persists the visitor id across runs. Empty selects
	// <store dir>/visitor, or no persistence for an in-memory store,
	// in which case records carry the session id as visitor id.
	VisitorFile string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Monitor hosts plugins and feeds their records to the pipeline.
type Monitor struct {
	pipeline Pipeline
	clock    clock.Clock
	logger   *slog.Logger
	events   *events.Bus
	device   record.DeviceInfo

	mutex     sync.RWMutex
	config    config.Config
	sessionID string
	visitorID string
	installed bool
	// uninstalling is set while plugins are being uninstalled.
	uninstalling bool
	plugins      map[string]Plugin
	order        []string
}

// New creates an uninstalled monitor.
func New(options Options) (*Monitor, error) {
	if options.Config == nil {
		return nil, errors.New("monitor: config is required")
	}
	if options.Pipeline == nil {
		return nil, errors.New("monitor: pipeline is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "monitor")

	device := record.CollectDeviceInfo(version.UserAgent(), version.Short())
	if options.Device != nil {
		device = *options.Device
	}

	m := &Monitor{
		pipeline:  options.Pipeline,
		clock:     options.Clock,
		logger:    logger,
		events:    events.New(logger),
		device:    device,
		config:    cloneConfig(*options.Config),
		sessionID: record.NewID(),
		plugins:   make(map[string]Plugin),
	}

	visitorFile := options.VisitorFile
	if visitorFile == "" && options.Config.Store.Dir != "" {
		visitorFile = filepath.Join(options.Config.Store.Dir, "visitor")
	}
	if visitorFile != "" {
		visitorID, err := loadVisitorID(visitorFile)
		if err != nil {
			logger.Warn("visitor id unavailable, using session id", "path", visitorFile, "error", err)
		}
		m.visitorID = visitorID
	}
	return m, nil
}

func cloneConfig(c config.Config) config.Config {
	c.Extends = maps.Clone(c.Extends)
	return c
}

// Use registers p. A second plugin with the same name is ignored with
// a warning. When the monitor is already installed p is installed
// immediately.
func (m *Monitor) Use(p Plugin) *Monitor {
	name := p.Name()
	m.mutex.Lock()
	if _, exists := m.plugins[name]; exists {
		m.mutex.Unlock()
		m.logger.Warn("plugin already registered", "plugin", name)
		return m
	}
	m.plugins[name] = p
	m.order = append(m.order, name)
	installed := m.installed
	m.mutex.Unlock()

	if installed {
		m.installPlugin(p)
	}
	return m
}

// Install installs every registered plugin in registration order. A
// second call warns and does nothing.
func (m *Monitor) Install() *Monitor {
	m.mutex.Lock()
	if m.installed {
		m.mutex.Unlock()
		m.logger.Warn("monitor already installed")
		return m
	}
	m.installed = true
	plugins := m.snapshotLocked()
	m.mutex.Unlock()

	for _, p := range plugins {
		m.installPlugin(p)
	}
	m.logger.Info("monitor installed", "plugins", len(plugins), "session_id", m.SessionID())
	return m
}

// Uninstall uninstalls every plugin in reverse registration order and
// drains the queue. Plugins stay registered; a later Install
// reinstalls them.
func (m *Monitor) Uninstall(ctx context.Context) error {
	m.mutex.Lock()
	if !m.installed || m.uninstalling {
		m.mutex.Unlock()
		m.logger.Warn("monitor not installed")
		return nil
	}
	m.uninstalling = true
	plugins := m.snapshotLocked()
	m.mutex.Unlock()

	// Plugins may still report from their destroy hooks.
	for _, p := range slices.Backward(plugins) {
		m.uninstallPlugin(p)
	}

	m.mutex.Lock()
	m.installed = false
	m.uninstalling = false
	m.mutex.Unlock()

	err := m.pipeline.Flush(ctx)
	if err != nil {
		m.logger.Warn("draining queue on uninstall", "error", err)
	}
	m.logger.Info("monitor uninstalled")
	return err
}

// Close uninstalls if needed and closes the pipeline.
func (m *Monitor) Close(ctx context.Context) error {
	var errs []error
	if m.IsInstalled() {
		errs = append(errs, m.Uninstall(ctx))
	}
	errs = append(errs, m.pipeline.Close(ctx))
	return errors.Join(errs...)
}

func (m *Monitor) snapshotLocked() []Plugin {
	plugins := make([]Plugin, 0, len(m.order))
	for _, name := range m.order {
		plugins = append(plugins, m.plugins[name])
	}
	return plugins
}

func (m *Monitor) installPlugin(p Plugin) {
	err := m.recovered("install", p.Name(), func() error { return p.Install(m) })
	if err != nil {
		m.logger.Error("plugin install failed", "plugin", p.Name(), "error", err)
	}
}

func (m *Monitor) uninstallPlugin(p Plugin) {
	err := m.recovered("uninstall", p.Name(), p.Uninstall)
	if err != nil {
		m.logger.Error("plugin uninstall failed", "plugin", p.Name(), "error", err)
	}
}

func (m *Monitor) recovered(phase, name string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic in %s: %v", phase, recovered)
			m.logger.Error("plugin panicked",
				"plugin", name,
				"phase", phase,
				"stack", string(debug.Stack()),
			)
		}
	}()
	return fn()
}

// RemovePlugin unregisters the plugin called name, uninstalling it
// first when the monitor is installed. Unknown names are ignored.
func (m *Monitor) RemovePlugin(name string) *Monitor {
	m.mutex.Lock()
	p, exists := m.plugins[name]
	if exists {
		delete(m.plugins, name)
		m.order = slices.DeleteFunc(m.order, func(entry string) bool { return entry == name })
	}
	installed := m.installed
	m.mutex.Unlock()

	if exists && installed {
		m.uninstallPlugin(p)
	}
	return m
}

// Plugin returns the registered plugin called name.
func (m *Monitor) Plugin(name string) (Plugin, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, ok := m.plugins[name]
	return p, ok
}

// Plugins returns the registered plugins in registration order.
func (m *Monitor) Plugins() []Plugin {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.snapshotLocked()
}

// PluginCount returns the number of registered plugins.
func (m *Monitor) PluginCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.plugins)
}

// IsInstalled reports whether Install has run without a later
// Uninstall.
func (m *Monitor) IsInstalled() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.installed
}

// Report completes partial and enqueues it. Before Install it warns
// and returns ErrNotInstalled.
func (m *Monitor) Report(ctx context.Context, partial record.Partial) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("monitor: panic in report: %v", recovered)
			m.logger.Error("report panicked", "panic", recovered, "stack", string(debug.Stack()))
		}
	}()

	if !partial.Type.Valid() {
		return fmt.Errorf("monitor: invalid record type %q", partial.Type)
	}

	m.mutex.RLock()
	if !m.installed {
		m.mutex.RUnlock()
		m.logger.Warn("report before install", "type", partial.Type)
		return ErrNotInstalled
	}
	envelope := record.Envelope{
		AppKey:     m.config.AppKey,
		SessionID:  m.sessionID,
		VisitorID:  m.visitorID,
		Timestamp:  clock.Millis(m.clock),
		DeviceInfo: m.device,
		Extends:    m.config.Extends,
	}
	r := record.New(partial, envelope)
	m.mutex.RUnlock()

	if err := m.pipeline.Enqueue(ctx, r); err != nil {
		m.logger.Error("enqueue failed", "id", r.ID, "type", r.Type, "error", err)
		return err
	}
	return nil
}

// Flush drains the queue and waits for the result.
func (m *Monitor) Flush(ctx context.Context) error {
	return m.pipeline.Flush(ctx)
}

// Hide tells the pipeline the host went to the background. Pending
// records are flushed asynchronously.
func (m *Monitor) Hide() {
	m.events.Emit(TopicHidden, nil)
	m.pipeline.Hidden()
}

// Unload tells the pipeline the host is exiting. It returns after the
// synchronous send attempt and reports whether everything pending was
// handed off.
func (m *Monitor) Unload(ctx context.Context) bool {
	m.events.Emit(TopicUnload, nil)
	return m.pipeline.Unload(ctx)
}

// SessionID returns the current session id.
func (m *Monitor) SessionID() string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.sessionID
}

// VisitorID returns the persisted visitor id, or the session id when
// none could be loaded.
func (m *Monitor) VisitorID() string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.visitorID == "" {
		return m.sessionID
	}
	return m.visitorID
}

// RegenerateSessionID starts a new session and returns its id.
func (m *Monitor) RegenerateSessionID() string {
	m.mutex.Lock()
	m.sessionID = record.NewID()
	sessionID := m.sessionID
	m.mutex.Unlock()

	m.events.Emit(TopicSession, sessionID)
	return sessionID
}

// SetExtend sets one extends entry for records created from now on.
func (m *Monitor) SetExtend(key string, value any) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.config.Extends == nil {
		m.config.Extends = make(map[string]any)
	}
	m.config.Extends[key] = value
}

// Config returns a copy of the current configuration.
func (m *Monitor) Config() config.Config {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return cloneConfig(m.config)
}

// UpdateConfig applies update to the configuration. Only fields read
// at report time (app key, extends) and by plugins take effect; the
// pipeline keeps the settings it was started with. update runs under
// the monitor lock and must not call back into the monitor.
func (m *Monitor) UpdateConfig(update func(*config.Config)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	update(&m.config)
}

// Logger returns the monitor logger.
func (m *Monitor) Logger() *slog.Logger { return m.logger }

// Clock returns the monitor clock.
func (m *Monitor) Clock() clock.Clock { return m.clock }

// Events returns the bus shared by the monitor's plugins.
func (m *Monitor) Events() *events.Bus { return m.events }

// Topics emitted by the monitor itself.
const (
	TopicHidden  = "monitor.hidden"
	TopicUnload  = "monitor.unload"
	TopicSession = "monitor.session"
)
