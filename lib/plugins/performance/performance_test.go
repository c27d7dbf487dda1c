// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package performance

import (
	"context"
	"math"
	"runtime/metrics"
	"testing"
	"time"

	"github.com/bureau-foundation/webeye/lib/config"
	"github.com/bureau-foundation/webeye/lib/monitor/monitortest"
	"github.com/bureau-foundation/webeye/lib/record"
)

func TestSamplesOnEveryTick(t *testing.T) {
	m := monitortest.New(t, func(c *config.Config) {
		c.Plugins.PerformanceThreshold = config.Duration(time.Second)
	})
	plugin := New(Options{Probes: []Probe{
		{Name: "goroutines", Metric: "/sched/goroutines:goroutines", Unit: "count", Scale: 1, Good: 1e6, Poor: 2e6},
		{Name: "missing", Metric: "/no/such/metric:units", Scale: 1},
	}})
	m.Use(plugin).Install()

	if got := len(m.Pipeline.Records()); got != 0 {
		t.Fatalf("%d records before the first tick", got)
	}

	m.Clock.Advance(time.Second)
	r := m.Pipeline.Next(t)
	if r.Type != record.TypePerformance {
		t.Fatalf("type = %q, want performance", r.Type)
	}
	metric := r.Payload.(Metric)
	if metric.Name != "goroutines" || metric.Value < 1 || metric.Rating != RatingGood || metric.ID == "" {
		t.Errorf("metric = %+v", metric)
	}

	m.Clock.Advance(time.Second)
	if second := m.Pipeline.Next(t).Payload.(Metric); second.ID == metric.ID {
		t.Error("second sample reused the metric id")
	}
}

func TestUninstallStopsSampling(t *testing.T) {
	m := monitortest.New(t, nil)
	plugin := New(Options{Interval: time.Second})
	m.Use(plugin).Install()

	if err := m.Uninstall(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Clock.Advance(10 * time.Second)
	if got := len(m.Pipeline.Records()); got != 0 {
		t.Errorf("%d records after uninstall", got)
	}
}

func TestDefaultProbesAreSupported(t *testing.T) {
	plugin := New(Options{})
	if len(plugin.probes) != len(DefaultProbes) {
		t.Errorf("%d of %d default probes supported by this runtime", len(plugin.probes), len(DefaultProbes))
	}
}

func TestRate(t *testing.T) {
	probe := Probe{Good: 1, Poor: 10}
	tests := []struct {
		value float64
		want  Rating
	}{
		{0.5, RatingGood},
		{1, RatingGood},
		{5, RatingNeedsImprovement},
		{10, RatingNeedsImprovement},
		{11, RatingPoor},
	}
	for _, test := range tests {
		if got := probe.rate(test.value); got != test.want {
			t.Errorf("rate(%v) = %q, want %q", test.value, got, test.want)
		}
	}
	if got := (Probe{}).rate(42); got != "" {
		t.Errorf("unrated probe rated %q", got)
	}
}

func TestPercentile(t *testing.T) {
	histogram := &metrics.Float64Histogram{
		Counts:  []uint64{90, 9, 1},
		Buckets: []float64{0, 1, 2, math.Inf(1)},
	}
	if got, _ := percentile(histogram, 0.5); got != 1 {
		t.Errorf("p50 = %v, want 1", got)
	}
	if got, _ := percentile(histogram, 0.99); got != 2 {
		t.Errorf("p99 = %v, want 2", got)
	}
	if got, _ := percentile(histogram, 1); got != 2 {
		t.Errorf("p100 = %v, want the lower bound 2 of the unbounded bucket", got)
	}

	empty := &metrics.Float64Histogram{Counts: []uint64{0}, Buckets: []float64{0, 1}}
	if got, ok := percentile(empty, 0.99); !ok || got != 0 {
		t.Errorf("empty histogram = %v, %v", got, ok)
	}
}
