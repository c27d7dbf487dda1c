// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package route

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bureau-foundation/webeye/lib/monitor/monitortest"
	"github.com/bureau-foundation/webeye/lib/record"
	"github.com/bureau-foundation/webeye/lib/transport"
)

func install(t *testing.T, options Options) (*Plugin, *monitortest.Monitor) {
	t.Helper()
	m := monitortest.New(t, nil)
	plugin := New(options)
	m.Use(plugin).Install()
	return plugin, m
}

func change(t *testing.T, m *monitortest.Monitor) Change {
	t.Helper()
	r := m.Pipeline.Next(t)
	if r.Type != record.TypeRoute {
		t.Fatalf("type = %q, want route", r.Type)
	}
	return r.Payload.(Change)
}

func TestMiddlewareReportsChiPattern(t *testing.T) {
	plugin, m := install(t, Options{})
	router := chi.NewRouter()
	router.Use(plugin.Middleware)
	router.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	request := httptest.NewRequest(http.MethodGet, "/users/42?tab=posts", nil)
	request.Header.Set("Referer", "http://example.com/home")
	router.ServeHTTP(httptest.NewRecorder(), request)

	got := change(t, m)
	want := Change{
		Kind:    KindRequest,
		From:    "/home",
		To:      "/users/42?tab=posts",
		Pattern: "/users/{id}",
		Method:  http.MethodGet,
		Status:  http.StatusCreated,
	}
	if got != want {
		t.Fatalf("change = %+v, want %+v", got, want)
	}
}

func TestMiddlewareWithoutChi(t *testing.T) {
	plugin, m := install(t, Options{})
	handler := plugin.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Clock.Advance(40 * time.Millisecond)
	}))

	request := httptest.NewRequest(http.MethodPost, "/submit", nil)
	request.Header.Set("Referer", "https://elsewhere.test/page")
	handler.ServeHTTP(httptest.NewRecorder(), request)

	got := change(t, m)
	if got.Status != http.StatusOK || got.Pattern != "" || got.Method != http.MethodPost {
		t.Errorf("change = %+v", got)
	}
	if got.From != "https://elsewhere.test/page" {
		t.Errorf("From = %q, want the foreign referer unchanged", got.From)
	}
	if got.Duration != 40 {
		t.Errorf("Duration = %d, want 40", got.Duration)
	}
}

func TestMiddlewareSkipsUnrecordedRequests(t *testing.T) {
	plugin, m := install(t, Options{Ignore: func(r *http.Request) bool { return r.URL.Path == "/healthz" }})
	served := 0
	handler := plugin.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { served++ }))

	internal := httptest.NewRequest(http.MethodPost, "/fetch", nil)
	internal.Header.Set(transport.HeaderInternal, "1")
	handler.ServeHTTP(httptest.NewRecorder(), internal)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	m.RemovePlugin(Name)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/after", nil))

	if served != 3 {
		t.Fatalf("handler served %d requests, want 3", served)
	}
	if got := m.Pipeline.OfType(record.TypeRoute); len(got) != 0 {
		t.Fatalf("%d route records, want none", len(got))
	}
}

func TestNavigateAndReplaceTrackLocation(t *testing.T) {
	plugin, m := install(t, Options{})
	ctx := context.Background()
	var published []Change
	m.Events().On(TopicChanged, func(payload any) { published = append(published, payload.(Change)) })

	if err := plugin.Navigate(ctx, "/inbox"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if got := change(t, m); got.Kind != KindNavigate || got.From != "" || got.To != "/inbox" {
		t.Fatalf("first navigation = %+v", got)
	}

	m.Clock.Advance(5 * time.Second)
	entered := m.Clock.Now().UnixMilli()
	if err := plugin.Navigate(ctx, "/inbox/7"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if got := change(t, m); got.From != "/inbox" || got.To != "/inbox/7" {
		t.Fatalf("second navigation = %+v", got)
	}

	m.Clock.Advance(time.Second)
	if err := plugin.Replace(ctx, "/inbox/8"); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	got := change(t, m)
	if got.Kind != KindReplace || got.From != "/inbox/7" || got.To != "/inbox/8" || got.Since != entered {
		t.Fatalf("replace = %+v, want since %d", got, entered)
	}

	if plugin.Current() != "/inbox/8" {
		t.Errorf("Current = %q", plugin.Current())
	}
	if len(published) != 3 {
		t.Errorf("published %d changes on the bus, want 3", len(published))
	}
}
