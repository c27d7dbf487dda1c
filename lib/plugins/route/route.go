// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package route reports navigation inside the host application.
//
// Servers wrap their handler with [Plugin.Middleware]: every request
// served becomes a route record carrying the path, the referring path,
// the status and, under a chi router, the matched route pattern.
// Applications without HTTP, such as terminal UIs moving between
// screens, call [Plugin.Navigate] and [Plugin.Replace] instead; the
// plugin remembers the current location so each record names where
// the user came from.
//
// Every change is also published on the event bus as TopicChanged.
package route

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/monitor"
	"github.com/bureau-foundation/webeye/lib/record"
	"github.com/bureau-foundation/webeye/lib/transport"
)

// Name is the plugin name used for lookups through the monitor.
const Name = "route"

// TopicChanged carries a Change for every reported navigation.
const TopicChanged = "route.changed"

// Kind says how a change happened.
type Kind string

const (
	// KindRequest is a request served through Middleware.
	KindRequest Kind = "request"
	// KindNavigate adds a location, like a history push.
	KindNavigate Kind = "navigate"
	// KindReplace swaps the current location in place.
	KindReplace Kind = "replace"
)

// Change is the payload of a route record.
type Change struct {
	Kind    Kind   `json:"kind"`
	From    string `json:"oldPath,omitempty"`
	To      string `json:"newPath"`
	Pattern string `json:"pattern,omitempty"`
	Method  string `json:"method,omitempty"`
	Status  int    `json:"status,omitempty"`
	// Duration is how long the handler took, in milliseconds.
	Duration int64 `json:"duration,omitempty"`
	// Since is when From was entered. Set on replace.
	Since int64 `json:"createTime,omitempty"`
}

// Options configures the plugin.
type Options struct {
	// Ignore skips served requests for which it returns true.
	Ignore func(*http.Request) bool
}

// Plugin is the route plugin.
type Plugin struct {
	*monitor.Base
	ignore func(*http.Request) bool

	mutex     sync.Mutex
	current   string
	enteredAt int64
}

// New returns an uninstalled route plugin.
func New(options Options) *Plugin {
	return &Plugin{
		Base:   monitor.NewBase(Name),
		ignore: options.Ignore,
	}
}

func (p *Plugin) Install(host monitor.Host) error { return p.Base.Install(host, nil) }

func (p *Plugin) Uninstall() error { return p.Base.Uninstall(nil) }

// Current returns the location last passed to Navigate or Replace.
func (p *Plugin) Current() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.current
}

// Navigate moves to location and reports where it came from.
func (p *Plugin) Navigate(ctx context.Context, location string) error {
	return p.move(ctx, KindNavigate, location)
}

// Replace swaps the current location for location. The record also
// carries when the replaced location was entered.
func (p *Plugin) Replace(ctx context.Context, location string) error {
	return p.move(ctx, KindReplace, location)
}

func (p *Plugin) move(ctx context.Context, kind Kind, location string) error {
	host := p.Host()
	if host == nil {
		return nil
	}
	now := clock.Millis(host.Clock())

	p.mutex.Lock()
	change := Change{Kind: kind, From: p.current, To: location}
	if kind == KindReplace {
		change.Since = p.enteredAt
	}
	p.current, p.enteredAt = location, now
	p.mutex.Unlock()

	return p.publish(ctx, host, change)
}

func (p *Plugin) publish(ctx context.Context, host monitor.Host, change Change) error {
	host.Events().Emit(TopicChanged, change)
	return p.Report(ctx, record.Partial{Type: record.TypeRoute, Payload: change})
}

// Middleware reports each request next serves. Requests carrying the
// pipeline's internal header, and those the Ignore option rejects,
// pass through unrecorded, as does everything while the plugin is not
// installed.
func (p *Plugin) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := p.Host()
		if host == nil || r.Header.Get(transport.HeaderInternal) != "" || (p.ignore != nil && p.ignore(r)) {
			next.ServeHTTP(w, r)
			return
		}

		start := host.Clock().Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)

		p.SafeExecute(func() {
			change := Change{
				Kind:     KindRequest,
				From:     refererPath(r),
				To:       r.URL.RequestURI(),
				Method:   r.Method,
				Status:   wrapped.Status(),
				Duration: host.Clock().Now().Sub(start).Milliseconds(),
			}
			if change.Status == 0 {
				change.Status = http.StatusOK
			}
			if routeContext := chi.RouteContext(r.Context()); routeContext != nil {
				change.Pattern = routeContext.RoutePattern()
			}
			if err := p.publish(context.WithoutCancel(r.Context()), host, change); err != nil {
				p.Logger().Warn("route report failed", "path", change.To, "error", err)
			}
		})
	})
}

// refererPath returns the Referer as a path when it points at the same
// host, and unchanged otherwise.
func refererPath(r *http.Request) string {
	referer := r.Referer()
	if referer == "" {
		return ""
	}
	parsed, err := url.Parse(referer)
	if err != nil || parsed.Host != r.Host {
		return referer
	}
	return parsed.RequestURI()
}
