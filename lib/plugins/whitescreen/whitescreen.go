// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package whitescreen detects a host that stays without visible
// content.
//
// The host describes what it currently renders as a [Snapshot], either
// pushed through Observe or pulled by the plugin from Options.Probe on
// every poll interval. A blank snapshot starts a timer; once the host
// has been blank for plugins.white_screen_threshold a single
// white_screen record is reported. A non-blank snapshot resets the
// state so that a later blank period is reported again.
package whitescreen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/monitor"
	"github.com/bureau-foundation/webeye/lib/record"
)

// Name is the plugin name used for lookups through the monitor.
const Name = "whitescreen"

const (
	DefaultMinElements  = 10
	DefaultStartDelay   = 2 * time.Second
	DefaultPollInterval = 5 * time.Second
)

// ErrNoProbe is returned by ManualDetect when Options.Probe is nil.
var ErrNoProbe = errors.New("whitescreen: no probe configured")

// Snapshot is the host's description of its rendered content.
type Snapshot struct {
	Elements  int
	TextNodes int
	Images    int
	Visible   int

	// Selectors maps each selector the host was asked about to the
	// number of matching elements.
	Selectors map[string]int
}

// Details are the measured counts behind a detection.
type Details struct {
	Elements  int   `json:"domCount"`
	TextNodes int   `json:"textNodes"`
	Images    int   `json:"imageNodes"`
	Timestamp int64 `json:"timestamp"`
}

// DetectionResult is the outcome of checking one snapshot.
type DetectionResult struct {
	IsWhiteScreen bool    `json:"isWhiteScreen"`
	Reason        string  `json:"reason"`
	Details       Details `json:"details"`
}

// Report is the payload of a white_screen record.
type Report struct {
	DetectionResult
	// Duration is how long the host has been blank, in milliseconds.
	Duration int64 `json:"duration"`
}

// Options configures the plugin.
type Options struct {
	// Probe is polled for a snapshot. nil disables polling; the host
	// then pushes snapshots through Observe.
	Probe func(context.Context) (Snapshot, error)

	// StartDelay defers the first poll.
	StartDelay time.Duration

	PollInterval time.Duration

	// Threshold overrides plugins.white_screen_threshold.
	Threshold time.Duration

	// MinElements is the element count below which the host is blank.
	// Zero selects DefaultMinElements; negative disables the check.
	MinElements int

	// IgnoreText disables the check for text content.
	IgnoreText bool

	// RequiredSelectors must each match at least one element.
	RequiredSelectors []string
}

// Plugin is the white screen plugin.
type Plugin struct {
	*monitor.Base
	options Options

	mutex     sync.Mutex
	threshold time.Duration
	blankFrom time.Time
	reported  bool
	polling   bool
	timer     *clock.Timer
}

// New returns an uninstalled white screen plugin.
func New(options Options) *Plugin {
	if options.MinElements == 0 {
		options.MinElements = DefaultMinElements
	}
	if options.StartDelay <= 0 {
		options.StartDelay = DefaultStartDelay
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	return &Plugin{Base: monitor.NewBase(Name), options: options}
}

func (p *Plugin) Install(host monitor.Host) error { return p.Base.Install(host, p.init) }

func (p *Plugin) Uninstall() error { return p.Base.Uninstall(p.destroy) }

func (p *Plugin) init(host monitor.Host) error {
	threshold := p.options.Threshold
	if threshold <= 0 {
		threshold = host.Config().Plugins.WhiteScreenThreshold.Std()
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.threshold = threshold
	p.blankFrom = time.Time{}
	p.reported = false
	if p.options.Probe != nil {
		p.polling = true
		p.timer = host.Clock().AfterFunc(p.options.StartDelay, p.tick)
	}
	return nil
}

func (p *Plugin) destroy() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.polling = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	return nil
}

// tick polls once and schedules the next poll. Polls never overlap.
func (p *Plugin) tick() {
	host := p.Host()
	if host == nil {
		return
	}
	p.SafeExecute(func() { p.poll(context.Background()) })

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.polling {
		p.timer = host.Clock().AfterFunc(p.options.PollInterval, p.tick)
	}
}

func (p *Plugin) poll(ctx context.Context) {
	snapshot, err := p.options.Probe(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.Logger().Warn("white screen probe failed", "error", err)
		}
		return
	}
	p.Observe(ctx, snapshot)
}

// Observe checks snapshot and advances the blank-period state. It
// returns the detection result.
func (p *Plugin) Observe(ctx context.Context, snapshot Snapshot) DetectionResult {
	host := p.Host()
	if host == nil {
		return p.Detect(snapshot, time.Time{})
	}
	now := host.Clock().Now()
	result := p.Detect(snapshot, now)

	p.mutex.Lock()
	if !result.IsWhiteScreen {
		recovered := !p.blankFrom.IsZero()
		p.blankFrom = time.Time{}
		p.reported = false
		p.mutex.Unlock()
		if recovered {
			p.Logger().Info("white screen recovered")
		}
		return result
	}
	if p.blankFrom.IsZero() {
		p.blankFrom = now
		p.Logger().Warn("white screen detected", "reason", result.Reason)
	}
	duration := now.Sub(p.blankFrom)
	due := duration >= p.threshold && !p.reported
	if due {
		p.reported = true
	}
	p.mutex.Unlock()

	if due {
		p.Logger().Error("white screen reported", "reason", result.Reason, "duration", duration)
		p.SafeExecute(func() {
			err := p.Report(ctx, record.Partial{
				Type:    record.TypeWhiteScreen,
				Payload: Report{DetectionResult: result, Duration: duration.Milliseconds()},
			})
			if err != nil {
				p.Logger().Warn("white screen report failed", "error", err)
			}
		})
	}
	return result
}

// Detect checks snapshot without changing any state. The checks run in
// order and the first failing one names the reason.
func (p *Plugin) Detect(snapshot Snapshot, now time.Time) DetectionResult {
	result := DetectionResult{Details: Details{
		Elements:  snapshot.Elements,
		TextNodes: snapshot.TextNodes,
		Images:    snapshot.Images,
	}}
	if !now.IsZero() {
		result.Details.Timestamp = now.UnixMilli()
	}

	blank := func(reason string) DetectionResult {
		result.IsWhiteScreen = true
		result.Reason = reason
		return result
	}
	if p.options.MinElements > 0 && snapshot.Elements < p.options.MinElements {
		return blank(fmt.Sprintf("too few elements: %d < %d", snapshot.Elements, p.options.MinElements))
	}
	if !p.options.IgnoreText && snapshot.TextNodes == 0 {
		return blank("no text content")
	}
	if snapshot.Visible == 0 {
		return blank("no visible elements")
	}
	for _, selector := range p.options.RequiredSelectors {
		if snapshot.Selectors[selector] == 0 {
			p.Logger().Warn("required selector not found", "selector", selector)
			return blank("required selector not found: " + selector)
		}
	}
	return result
}

// ManualDetect polls the probe once and checks the snapshot without
// advancing the blank-period state.
func (p *Plugin) ManualDetect(ctx context.Context) (DetectionResult, error) {
	if p.options.Probe == nil {
		return DetectionResult{}, ErrNoProbe
	}
	snapshot, err := p.options.Probe(ctx)
	if err != nil {
		return DetectionResult{}, fmt.Errorf("whitescreen: probe: %w", err)
	}
	now := time.Time{}
	if host := p.Host(); host != nil {
		now = host.Clock().Now()
	}
	return p.Detect(snapshot, now), nil
}

// BlankSince returns when the current blank period started, or the
// zero time when the host is not blank.
func (p *Plugin) BlankSince() time.Time {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.blankFrom
}
