// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package errorcapture reports errors and recovered panics from the
// host application.
//
// Each captured error is fingerprinted with BLAKE3 over its kind,
// message and normalized stack. By default the report is held back for
// a short delay so that the behavior trail leading up to the error
// (and shortly after it) travels with it; further occurrences of the
// same fingerprint during the delay only increase the held report's
// count. Held reports are sent early when the host is hidden or
// unloads, and when the plugin is uninstalled.
//
// Every capture is announced on the monitor's event bus under
// [TopicCaptured] so that other plugins (session replay) can react.
package errorcapture

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/monitor"
	"github.com/bureau-foundation/webeye/lib/record"
)

// Name is the plugin name used for lookups through the monitor.
const Name = "error"

// TopicCaptured is emitted with an [Info] for every accepted error.
const TopicCaptured = "error.captured"

// DefaultBehaviorDelay is how long a report waits for behavior context.
const DefaultBehaviorDelay = 5 * time.Second

// Kind says how an error reached the plugin.
type Kind string

const (
	KindError Kind = "error"
	KindPanic Kind = "panic"
)

// Info describes one captured error.
type Info struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Message     string         `json:"message"`
	Stack       string         `json:"stack,omitempty"`
	Fingerprint string         `json:"fingerprint"`
	Count       int            `json:"count"`
	Timestamp   int64          `json:"timestamp"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// Breadcrumb is one step of the behavior trail.
type Breadcrumb struct {
	Type      string         `json:"type"`
	Target    string         `json:"target,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// BehaviorReport is the payload of an error report that carries its
// behavior trail.
type BehaviorReport struct {
	Error         Info         `json:"error"`
	Behaviors     []Breadcrumb `json:"behaviors"`
	BehaviorCount int          `json:"behaviorCount"`
}

// Options configures the plugin. The zero value holds reports for
// [DefaultBehaviorDelay] and sizes the trail from the monitor config.
type Options struct {
	// Immediate reports every error at once, without a behavior trail
	// and without fingerprint coalescing.
	Immediate bool

	BehaviorDelay time.Duration

	// BreadcrumbLimit overrides plugins.breadcrumb_limit.
	BreadcrumbLimit int

	// Filter drops errors for which it returns false.
	Filter func(Info) bool
}

type held struct {
	info  Info
	timer *clock.Timer
}

// Plugin is the error capture plugin.
type Plugin struct {
	*monitor.Base
	options Options

	mutex       sync.Mutex
	filter      func(Info) bool
	limit       int
	breadcrumbs []Breadcrumb
	held        map[string]*held
	unsubscribe []func()
}

// New returns an uninstalled error plugin.
func New(options Options) *Plugin {
	if options.BehaviorDelay <= 0 {
		options.BehaviorDelay = DefaultBehaviorDelay
	}
	return &Plugin{
		Base:    monitor.NewBase(Name),
		options: options,
		filter:  options.Filter,
		held:    make(map[string]*held),
	}
}

func (p *Plugin) Install(host monitor.Host) error { return p.Base.Install(host, p.init) }

func (p *Plugin) Uninstall() error { return p.Base.Uninstall(p.destroy) }

func (p *Plugin) init(host monitor.Host) error {
	limit := p.options.BreadcrumbLimit
	if limit <= 0 {
		limit = host.Config().Plugins.BreadcrumbLimit
	}

	release := func(any) { p.ReportPending(context.Background()) }

	p.mutex.Lock()
	p.limit = limit
	p.unsubscribe = []func(){
		host.Events().On(monitor.TopicHidden, release),
		host.Events().On(monitor.TopicUnload, release),
	}
	p.mutex.Unlock()

	p.Logger().Debug("error capture installed", "breadcrumb_limit", limit, "immediate", p.options.Immediate)
	return nil
}

func (p *Plugin) destroy() error {
	p.mutex.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mutex.Unlock()
	for _, off := range unsubscribe {
		off()
	}
	p.ReportPending(context.Background())
	return nil
}

// Capture reports err and returns the id of the report it joined, or
// "" when the error was filtered out or the plugin is not installed.
func (p *Plugin) Capture(ctx context.Context, err error, attributes map[string]any) string {
	if err == nil {
		return ""
	}
	return p.process(ctx, Info{
		Kind:       KindError,
		Message:    err.Error(),
		Stack:      stackOf(err),
		Attributes: attributes,
	})
}

// CapturePanic reports a recovered panic value. stack is usually
// debug.Stack() taken inside the deferred function.
func (p *Plugin) CapturePanic(ctx context.Context, value any, stack []byte) string {
	return p.process(ctx, Info{
		Kind:    KindPanic,
		Message: fmt.Sprint(value),
		Stack:   string(stack),
	})
}

// Recover captures a panic in progress and absorbs it. It must be
// deferred directly:
//
//	defer capture.Recover()
func (p *Plugin) Recover() {
	if value := recover(); value != nil {
		p.CapturePanic(context.Background(), value, debug.Stack())
	}
}

// Go runs fn on a new goroutine whose panics are captured.
func (p *Plugin) Go(fn func()) {
	go func() {
		defer p.Recover()
		fn()
	}()
}

func (p *Plugin) process(ctx context.Context, info Info) string {
	host := p.Host()
	if host == nil {
		return ""
	}

	info.Fingerprint = Fingerprint(info.Kind, info.Message, info.Stack)
	info.Timestamp = clock.Millis(host.Clock())
	info.Count = 1

	p.mutex.Lock()
	filter := p.filter
	p.mutex.Unlock()
	if filter != nil && !filter(info) {
		return ""
	}

	if p.options.Immediate {
		info.ID = record.NewID()
		host.Events().Emit(TopicCaptured, info)
		p.report(ctx, record.Partial{Type: record.TypeError, Payload: info})
		return info.ID
	}

	p.mutex.Lock()
	if existing, ok := p.held[info.Fingerprint]; ok {
		existing.info.Count++
		id := existing.info.ID
		p.mutex.Unlock()
		return id
	}
	info.ID = record.NewID()
	entry := &held{info: info}
	p.held[info.Fingerprint] = entry
	p.mutex.Unlock()

	p.Logger().Warn("error captured", "id", info.ID, "kind", info.Kind, "message", info.Message)
	host.Events().Emit(TopicCaptured, info)

	fingerprint := info.Fingerprint
	timer := host.Clock().AfterFunc(p.options.BehaviorDelay, func() {
		p.release(context.Background(), fingerprint)
	})
	p.mutex.Lock()
	entry.timer = timer
	p.mutex.Unlock()
	return info.ID
}

// release reports the held error with the given fingerprint, if it is
// still held.
func (p *Plugin) release(ctx context.Context, fingerprint string) {
	p.mutex.Lock()
	entry, ok := p.held[fingerprint]
	if ok {
		delete(p.held, fingerprint)
	}
	p.mutex.Unlock()
	if ok {
		p.reportWithBehavior(ctx, entry.info)
	}
}

// ReportPending sends every held report now.
func (p *Plugin) ReportPending(ctx context.Context) {
	p.mutex.Lock()
	entries := make([]*held, 0, len(p.held))
	for fingerprint, entry := range p.held {
		entries = append(entries, entry)
		delete(p.held, fingerprint)
	}
	p.mutex.Unlock()

	for _, entry := range entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		p.reportWithBehavior(ctx, entry.info)
	}
}

// PendingCount returns how many reports are being held.
func (p *Plugin) PendingCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.held)
}

func (p *Plugin) reportWithBehavior(ctx context.Context, info Info) {
	behaviors := p.Breadcrumbs()
	p.report(ctx, record.Partial{
		Type: record.TypeError,
		Payload: BehaviorReport{
			Error:         info,
			Behaviors:     behaviors,
			BehaviorCount: len(behaviors),
		},
	})
}

func (p *Plugin) report(ctx context.Context, partial record.Partial) {
	p.SafeExecute(func() {
		if err := p.Report(ctx, partial); err != nil {
			p.Logger().Warn("error report failed", "error", err)
		}
	})
}

// AddBreadcrumb appends b to the behavior trail, dropping the oldest
// entry past the limit. A zero timestamp is stamped from the monitor
// clock.
func (p *Plugin) AddBreadcrumb(b Breadcrumb) {
	if b.Timestamp == 0 {
		if host := p.Host(); host != nil {
			b.Timestamp = clock.Millis(host.Clock())
		}
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.breadcrumbs = append(p.breadcrumbs, b)
	if p.limit > 0 && len(p.breadcrumbs) > p.limit {
		p.breadcrumbs = append(p.breadcrumbs[:0:0], p.breadcrumbs[len(p.breadcrumbs)-p.limit:]...)
	}
}

// Breadcrumbs returns a copy of the behavior trail, oldest first.
func (p *Plugin) Breadcrumbs() []Breadcrumb {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]Breadcrumb{}, p.breadcrumbs...)
}

// ClearBreadcrumbs empties the behavior trail.
func (p *Plugin) ClearBreadcrumbs() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.breadcrumbs = nil
}

// SetFilter replaces the error filter. nil accepts everything.
func (p *Plugin) SetFilter(filter func(Info) bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.filter = filter
}

var (
	goroutineHeader = regexp.MustCompile(`^goroutine \d+ \[[^\]]*\]:$`)
	frameOffset     = regexp.MustCompile(` \+0x[0-9a-f]+$`)
	frameArguments  = regexp.MustCompile(`\((0x[0-9a-f]+|\.\.\.)(, (0x[0-9a-f]+|\.\.\.|\{[^}]*\}))*\)$`)
)

// Fingerprint identifies errors that are the same failure at the same
// place. Goroutine ids, argument values and program counter offsets
// are removed from the stack first, so repeated occurrences collide.
func Fingerprint(kind Kind, message, stack string) string {
	hasher := blake3.New()
	hasher.Write([]byte(kind))
	hasher.Write([]byte{0})
	hasher.Write([]byte(message))
	hasher.Write([]byte{0})
	for line := range strings.SplitSeq(stack, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || goroutineHeader.MatchString(line) {
			continue
		}
		line = frameOffset.ReplaceAllString(line, "")
		line = frameArguments.ReplaceAllString(line, "()")
		hasher.Write([]byte(line))
		hasher.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hasher.Sum(nil)[:16])
}

// stackTracer is implemented by errors that carry their own stack.
type stackTracer interface {
	Stack() string
}

func stackOf(err error) string {
	var tracer stackTracer
	if errors.As(err, &tracer) {
		return tracer.Stack()
	}
	return ""
}
