// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/webeye/lib/clock"
)

// Defaults for Config fields left zero.
const (
	DefaultFlushInterval  = 10 * time.Second
	DefaultStartupSpacing = 100 * time.Millisecond
)

// Engine is the subset of *delivery.Engine the scheduler drives.
type Engine interface {
	Flush(ctx context.Context) error
	FlushStep(ctx context.Context) (bool, error)
	Flushing() bool
	Pending(ctx context.Context) (int, error)
	BatchSize() int
	SendNow(ctx context.Context) bool
}

// Config configures a Scheduler.
type Config struct {
	// FlushInterval is the ticker period. Defaults to 10s.
	FlushInterval time.Duration

	// AutoReport enables the interval ticker. Explicit triggers work
	// either way.
	AutoReport bool

	// RetryPending makes Run begin by draining the records already
	// queued, typically left by a previous run, one batch every
	// StartupSpacing.
	RetryPending bool

	// StartupSpacing defaults to 100ms.
	StartupSpacing time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

type trigger int

const (
	triggerThreshold trigger = iota + 1
	triggerHidden
)

// Scheduler owns the flush triggers.
type Scheduler struct {
	engine Engine
	config Config
	clock  clock.Clock
	logger *slog.Logger

	// triggers holds at most one waiting trigger per kind.
	threshold chan struct{}
	hidden    chan struct{}
}

// New returns a Scheduler driving engine.
func New(engine Engine, config Config) *Scheduler {
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.StartupSpacing <= 0 {
		config.StartupSpacing = DefaultStartupSpacing
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		engine:    engine,
		config:    config,
		clock:     config.Clock,
		logger:    logger.With("component", "scheduler"),
		threshold: make(chan struct{}, 1),
		hidden:    make(chan struct{}, 1),
	}
}

// Run services triggers until ctx ends. Flushes run on the calling
// goroutine, one at a time.
func (s *Scheduler) Run(ctx context.Context) error {
	var ticks <-chan time.Time
	if s.config.AutoReport {
		ticker := s.clock.NewTicker(s.config.FlushInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	var backlog <-chan time.Time
	if s.config.RetryPending {
		now := make(chan time.Time, 1)
		now <- s.clock.Now()
		backlog = now
	}
	s.logger.Debug("scheduler running",
		"auto_report", s.config.AutoReport,
		"flush_interval", s.config.FlushInterval,
		"retry_pending", s.config.RetryPending)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-backlog:
			backlog = s.backlogStep(ctx)
		case <-ticks:
			s.tick(ctx)
		case <-s.threshold:
			s.thresholdStep(ctx)
		case <-s.hidden:
			s.flush(ctx, triggerHidden)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.engine.Flushing() {
		return
	}
	pending, err := s.engine.Pending(ctx)
	if err != nil {
		s.logger.Warn("reading queue length", "error", err)
		return
	}
	if pending == 0 {
		return
	}
	if err := s.engine.Flush(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("interval flush failed", "error", err)
	}
}

func (s *Scheduler) flush(ctx context.Context, reason trigger) {
	if err := s.engine.Flush(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("flush failed", "trigger", reason.String(), "error", err)
	}
}

// thresholdStep sends one batch if the queue is still at the batch
// size; a coalesced trigger may arrive after an earlier step already
// took the records.
func (s *Scheduler) thresholdStep(ctx context.Context) {
	pending, err := s.engine.Pending(ctx)
	if err != nil {
		s.logger.Warn("reading queue length", "error", err)
		return
	}
	if pending < s.engine.BatchSize() {
		return
	}
	if _, err := s.engine.FlushStep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("flush failed", "trigger", triggerThreshold.String(), "error", err)
	}
}

func (t trigger) String() string {
	switch t {
	case triggerThreshold:
		return "threshold"
	case triggerHidden:
		return "hidden"
	default:
		return "unknown"
	}
}

func raise(channel chan struct{}) {
	select {
	case channel <- struct{}{}:
	default:
	}
}

// Notify is called after each enqueue with whether the queue reached
// the batch size.
func (s *Scheduler) Notify(thresholdReached bool) {
	if thresholdReached {
		raise(s.threshold)
	}
}

// Hidden requests an immediate drain because the host went to the
// background.
func (s *Scheduler) Hidden() {
	raise(s.hidden)
}

// Unload synchronously hands everything pending to the exit path and
// reports whether it was all handed off. It does not wait for a drain
// in progress.
func (s *Scheduler) Unload(ctx context.Context) bool {
	ok := s.engine.SendNow(ctx)
	s.logger.Info("unload send attempted", "handed_off", ok)
	return ok
}

// backlogStep sends one batch of the startup backlog and returns when
// to send the next, or nil once the backlog is drained.
func (s *Scheduler) backlogStep(ctx context.Context) <-chan time.Time {
	more, err := s.engine.FlushStep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("retrying records from previous run", "error", err)
		}
		return nil
	}
	if !more {
		s.logger.Debug("startup backlog drained")
		return nil
	}
	return s.clock.After(s.config.StartupSpacing)
}
