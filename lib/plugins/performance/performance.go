// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package performance samples Go runtime metrics on the monitor clock
// and reports each as a rated performance record.
package performance

import (
	"context"
	"math"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/bureau-foundation/webeye/lib/monitor"
	"github.com/bureau-foundation/webeye/lib/record"
)

// Name is the plugin name used for lookups through the monitor.
const Name = "performance"

// Rating grades a metric value.
type Rating string

const (
	RatingGood             Rating = "good"
	RatingNeedsImprovement Rating = "needs-improvement"
	RatingPoor             Rating = "poor"
)

// Metric is the payload of a performance record.
type Metric struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Unit   string  `json:"unit"`
	Rating Rating  `json:"rating,omitempty"`
}

// Probe describes one sampled runtime metric. Values at or below Good
// rate good, at or below Poor needs-improvement, above it poor. A probe
// with zero thresholds is not rated.
type Probe struct {
	Name   string
	Metric string
	Unit   string
	// Scale multiplies the raw value, turning seconds into
	// milliseconds for example.
	Scale float64
	Good  float64
	Poor  float64
}

// DefaultProbes are sampled when Options.Probes is empty. Histogram
// metrics report their 99th percentile.
var DefaultProbes = []Probe{
	{Name: "goroutines", Metric: "/sched/goroutines:goroutines", Unit: "count", Scale: 1, Good: 1000, Poor: 10000},
	{Name: "heap", Metric: "/memory/classes/heap/objects:bytes", Unit: "bytes", Scale: 1},
	{Name: "memory", Metric: "/memory/classes/total:bytes", Unit: "bytes", Scale: 1},
	{Name: "gc_cycles", Metric: "/gc/cycles/total:gc-cycles", Unit: "count", Scale: 1},
	{Name: "sched_latency_p99", Metric: "/sched/latencies:seconds", Unit: "ms", Scale: 1000, Good: 1, Poor: 10},
	{Name: "gc_pause_p99", Metric: "/sched/pauses/total/gc:seconds", Unit: "ms", Scale: 1000, Good: 1, Poor: 10},
}

// Options configures the plugin.
type Options struct {
	// Interval overrides plugins.performance_threshold.
	Interval time.Duration

	Probes []Probe
}

// Plugin is the performance plugin.
type Plugin struct {
	*monitor.Base
	options Options
	probes  []Probe
	samples []metrics.Sample

	mutex  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an uninstalled performance plugin. Probes naming metrics
// the runtime does not export are dropped.
func New(options Options) *Plugin {
	probes := options.Probes
	if len(probes) == 0 {
		probes = DefaultProbes
	}
	supported := make(map[string]bool)
	for _, description := range metrics.All() {
		supported[description.Name] = true
	}
	p := &Plugin{Base: monitor.NewBase(Name), options: options}
	for _, probe := range probes {
		if !supported[probe.Metric] {
			continue
		}
		p.probes = append(p.probes, probe)
		p.samples = append(p.samples, metrics.Sample{Name: probe.Metric})
	}
	return p
}

func (p *Plugin) Install(host monitor.Host) error { return p.Base.Install(host, p.init) }

func (p *Plugin) Uninstall() error { return p.Base.Uninstall(p.destroy) }

func (p *Plugin) init(host monitor.Host) error {
	interval := p.options.Interval
	if interval <= 0 {
		interval = host.Config().Plugins.PerformanceThreshold.Std()
	}
	ticker := host.Clock().NewTicker(interval)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.mutex.Lock()
	p.cancel = cancel
	p.done = done
	p.mutex.Unlock()

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.SafeExecute(func() { p.Sample(ctx) })
			}
		}
	}()
	p.Logger().Debug("performance sampling started", "interval", interval, "probes", len(p.probes))
	return nil
}

func (p *Plugin) destroy() error {
	p.mutex.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mutex.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Sample reads every probe once and reports the values.
func (p *Plugin) Sample(ctx context.Context) {
	p.mutex.Lock()
	metrics.Read(p.samples)
	values := make([]Metric, 0, len(p.probes))
	for i, probe := range p.probes {
		value, ok := read(p.samples[i].Value)
		if !ok {
			continue
		}
		value *= probe.Scale
		values = append(values, Metric{
			ID:     record.NewID(),
			Name:   probe.Name,
			Value:  value,
			Unit:   probe.Unit,
			Rating: probe.rate(value),
		})
	}
	p.mutex.Unlock()

	for _, metric := range values {
		if err := p.Report(ctx, record.Partial{Type: record.TypePerformance, Payload: metric}); err != nil {
			p.Logger().Warn("performance report failed", "metric", metric.Name, "error", err)
			return
		}
	}
}

func (probe Probe) rate(value float64) Rating {
	if probe.Good == 0 && probe.Poor == 0 {
		return ""
	}
	switch {
	case value <= probe.Good:
		return RatingGood
	case value <= probe.Poor:
		return RatingNeedsImprovement
	default:
		return RatingPoor
	}
}

func read(value metrics.Value) (float64, bool) {
	switch value.Kind() {
	case metrics.KindUint64:
		return float64(value.Uint64()), true
	case metrics.KindFloat64:
		return value.Float64(), true
	case metrics.KindFloat64Histogram:
		return percentile(value.Float64Histogram(), 0.99)
	default:
		return 0, false
	}
}

// percentile returns the upper bound of the bucket holding quantile q,
// or the lower bound when that bucket is unbounded above.
func percentile(histogram *metrics.Float64Histogram, q float64) (float64, bool) {
	var total uint64
	for _, count := range histogram.Counts {
		total += count
	}
	if total == 0 {
		return 0, true
	}
	threshold := uint64(math.Ceil(q * float64(total)))
	var cumulative uint64
	for i, count := range histogram.Counts {
		cumulative += count
		if cumulative < threshold {
			continue
		}
		upper := histogram.Buckets[i+1]
		if math.IsInf(upper, 1) {
			return histogram.Buckets[i], true
		}
		return upper, true
	}
	return histogram.Buckets[len(histogram.Buckets)-1], true
}
