// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"testing"
	"testing/fstest"
	"time"

	"github.com/bureau-foundation/webeye/lib/monitor/monitortest"
	"github.com/bureau-foundation/webeye/lib/record"
)

var assets = fstest.MapFS{
	"static/app.js":    {Data: []byte("console.log('hi')")},
	"static/site.css":  {Data: []byte("body{}")},
	"static/logo.png":  {Data: []byte{0x89, 'P', 'N', 'G'}},
	"static/health.js": {Data: []byte("ok")},
}

func install(t *testing.T, options Options) (*Plugin, *monitortest.Monitor) {
	t.Helper()
	m := monitortest.New(t, nil)
	plugin := New(options)
	m.Use(plugin).Install()
	return plugin, m
}

func TestMissingFileReported(t *testing.T) {
	plugin, m := install(t, Options{})
	fsys := plugin.Wrap(assets)

	_, err := fs.ReadFile(fsys, "static/missing.js")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("ReadFile error = %v, want ErrNotExist", err)
	}

	r := m.Pipeline.Next(t)
	if r.Type != record.TypeResource {
		t.Fatalf("type = %q, want resource", r.Type)
	}
	info := r.Payload.(Info)
	if info.Path != "static/missing.js" || info.ErrorType != ErrorNotFound || info.ResourceType != TypeScript {
		t.Errorf("info = %+v", info)
	}
}

func TestSuccessfulLoadIsSilent(t *testing.T) {
	plugin, m := install(t, Options{})

	data, err := fs.ReadFile(plugin.Wrap(assets), "static/site.css")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "body{}" {
		t.Errorf("data = %q", data)
	}
	if got := len(m.Pipeline.Records()); got != 0 {
		t.Errorf("%d records for a fast successful load", got)
	}
}

func TestSlowAndTimedOutLoads(t *testing.T) {
	plugin, m := install(t, Options{SlowThreshold: time.Second, TimeoutThreshold: 5 * time.Second})
	fsys := plugin.Wrap(assets)

	slow, err := fsys.Open("static/logo.png")
	if err != nil {
		t.Fatal(err)
	}
	io.ReadAll(slow)
	m.Clock.Advance(2 * time.Second)
	slow.Close()

	info := m.Pipeline.Next(t).Payload.(Info)
	if !info.Slow || info.ErrorType != "" || info.Size != 4 || info.LoadTime != 2000 {
		t.Errorf("slow info = %+v", info)
	}
	if info.ResourceType != TypeOther {
		t.Errorf("resource type = %q, want other", info.ResourceType)
	}

	stalled, err := fsys.Open("static/app.js")
	if err != nil {
		t.Fatal(err)
	}
	m.Clock.Advance(6 * time.Second)
	stalled.Close()

	info = m.Pipeline.Next(t).Payload.(Info)
	if info.ErrorType != ErrorTimeout {
		t.Errorf("stalled info = %+v", info)
	}
}

func TestIgnoredAndUninstalledPassThrough(t *testing.T) {
	plugin, m := install(t, Options{Ignore: func(name string) bool { return name == "static/gone.js" }})
	fsys := plugin.Wrap(assets)

	fsys.Open("static/gone.js")
	if got := len(m.Pipeline.Records()); got != 0 {
		t.Fatalf("%d records for an ignored path", got)
	}

	if err := m.Uninstall(context.Background()); err != nil {
		t.Fatal(err)
	}
	fsys.Open("static/other-missing.js")
	if got := len(m.Pipeline.Records()); got != 0 {
		t.Errorf("%d records after uninstall", got)
	}
}

func TestDirectoriesAreNotWrapped(t *testing.T) {
	plugin, _ := install(t, Options{})

	entries, err := fs.ReadDir(plugin.Wrap(assets), "static")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("%d entries, want 4", len(entries))
	}
}

func TestTypeOf(t *testing.T) {
	tests := map[string]Type{
		"a/b/app.JS":   TypeScript,
		"bundle.mjs":   TypeScript,
		"theme.less":   TypeCSS,
		"index.html":   TypeOther,
		"no-extension": TypeOther,
	}
	for name, want := range tests {
		if got := TypeOf(name); got != want {
			t.Errorf("TypeOf(%q) = %q, want %q", name, got, want)
		}
	}
}
