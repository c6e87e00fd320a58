// Package performance keeps in-process timings and counters for the
// replication loop. A nil *Profiler is valid and records nothing.
package performance

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Profiler tracks timings per operation name and plain counters
type Profiler struct {
	mu        sync.RWMutex
	metrics   map[string]*Metric
	counters  map[string]*atomic.Int64
	enabled   atomic.Bool
	startTime time.Time
}

// Metric tracks statistics for a specific operation
type Metric struct {
	Name      string
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
	LastTime  time.Duration
	LastCall  time.Time
}

// Operation represents a single timed operation
type Operation struct {
	profiler *Profiler
	name     string
	start    time.Time
}

// NewProfiler creates a new performance profiler
func NewProfiler(enabled bool) *Profiler {
	p := &Profiler{
		metrics:   make(map[string]*Metric),
		counters:  make(map[string]*atomic.Int64),
		startTime: time.Now(),
	}
	p.enabled.Store(enabled)
	return p
}

// Start begins timing an operation. The result may be nil; End handles it.
func (p *Profiler) Start(name string) *Operation {
	if !p.IsEnabled() {
		return nil
	}
	return &Operation{
		profiler: p,
		name:     name,
		start:    time.Now(),
	}
}

// End completes timing an operation and records the metric
func (o *Operation) End() {
	if o == nil {
		return
	}
	o.profiler.Record(o.name, time.Since(o.start))
}

// Record directly records a duration for an operation
func (p *Profiler) Record(name string, duration time.Duration) {
	if !p.IsEnabled() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	metric, exists := p.metrics[name]
	if !exists {
		metric = &Metric{
			Name:    name,
			MinTime: duration,
			MaxTime: duration,
		}
		p.metrics[name] = metric
	}

	metric.Count++
	metric.TotalTime += duration
	metric.LastTime = duration
	metric.LastCall = time.Now()

	if duration < metric.MinTime {
		metric.MinTime = duration
	}
	if duration > metric.MaxTime {
		metric.MaxTime = duration
	}
}

// Add increments the named counter by n.
func (p *Profiler) Add(name string, n int64) {
	if !p.IsEnabled() {
		return
	}

	p.mu.RLock()
	c, ok := p.counters[name]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if c, ok = p.counters[name]; !ok {
			c = new(atomic.Int64)
			p.counters[name] = c
		}
		p.mu.Unlock()
	}
	c.Add(n)
}

// Counter returns the current value of the named counter.
func (p *Profiler) Counter(name string) int64 {
	if p == nil {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.counters[name]; ok {
		return c.Load()
	}
	return 0
}

// GetMetric returns a copy of the statistics for one operation
func (p *Profiler) GetMetric(name string) *Metric {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.metrics[name]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// GetMetrics returns copies of all metrics
func (p *Profiler) GetMetrics() map[string]*Metric {
	result := make(map[string]*Metric)
	if p == nil {
		return result
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for name, m := range p.metrics {
		cp := *m
		result[name] = &cp
	}
	return result
}

// AverageTime returns the average time for a metric
func (m *Metric) AverageTime() time.Duration {
	if m.Count == 0 {
		return 0
	}
	return m.TotalTime / time.Duration(m.Count)
}

// Reset clears all metrics and counters
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = make(map[string]*Metric)
	p.counters = make(map[string]*atomic.Int64)
	p.startTime = time.Now()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Report generates a human-readable performance report
func (p *Profiler) Report() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.metrics) == 0 && len(p.counters) == 0 {
		return "No performance metrics recorded"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\n=== Replication Report (since %s) ===\n", p.startTime.Format(time.RFC3339))
	fmt.Fprintf(&sb, "%-32s %10s %12s %12s %12s %12s\n", "Operation", "Count", "Avg", "Min", "Max", "Last")
	for _, name := range sortedKeys(p.metrics) {
		m := p.metrics[name]
		fmt.Fprintf(&sb, "%-32s %10d %12s %12s %12s %12s\n",
			name,
			m.Count,
			m.AverageTime().Round(time.Microsecond),
			m.MinTime.Round(time.Microsecond),
			m.MaxTime.Round(time.Microsecond),
			m.LastTime.Round(time.Microsecond),
		)
	}
	if len(p.counters) > 0 {
		fmt.Fprintf(&sb, "\n%-32s %10s\n", "Counter", "Value")
		for _, name := range sortedKeys(p.counters) {
			fmt.Fprintf(&sb, "%-32s %10d\n", name, p.counters[name].Load())
		}
	}
	fmt.Fprintf(&sb, "\nTotal runtime: %s\n", time.Since(p.startTime).Round(time.Second))
	return sb.String()
}

// LogReport writes one debug line per metric.
func (p *Profiler) LogReport(logger zerolog.Logger) {
	for name, m := range p.GetMetrics() {
		logger.Debug().
			Str("operation", name).
			Int64("count", m.Count).
			Dur("avg", m.AverageTime()).
			Dur("max", m.MaxTime).
			Msg("profile")
	}
}

// JSONReport generates a JSON performance report
func (p *Profiler) JSONReport() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	type MetricJSON struct {
		Name    string    `json:"name"`
		Count   int64     `json:"count"`
		TotalMs float64   `json:"total_ms"`
		AvgMs   float64   `json:"avg_ms"`
		MinMs   float64   `json:"min_ms"`
		MaxMs   float64   `json:"max_ms"`
		LastMs  float64   `json:"last_ms"`
		Last    time.Time `json:"last_call"`
	}

	type ReportJSON struct {
		StartTime time.Time              `json:"start_time"`
		RuntimeMs float64                `json:"runtime_ms"`
		Metrics   map[string]*MetricJSON `json:"metrics"`
		Counters  map[string]int64       `json:"counters"`
	}

	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

	report := ReportJSON{
		StartTime: p.startTime,
		RuntimeMs: ms(time.Since(p.startTime)),
		Metrics:   make(map[string]*MetricJSON, len(p.metrics)),
		Counters:  make(map[string]int64, len(p.counters)),
	}
	for name, m := range p.metrics {
		report.Metrics[name] = &MetricJSON{
			Name:    m.Name,
			Count:   m.Count,
			TotalMs: ms(m.TotalTime),
			AvgMs:   ms(m.AverageTime()),
			MinMs:   ms(m.MinTime),
			MaxMs:   ms(m.MaxTime),
			LastMs:  ms(m.LastTime),
			Last:    m.LastCall,
		}
	}
	for name, c := range p.counters {
		report.Counters[name] = c.Load()
	}

	return json.MarshalIndent(report, "", "  ")
}

// Enable enables profiling
func (p *Profiler) Enable() {
	p.enabled.Store(true)
}

// Disable disables profiling
func (p *Profiler) Disable() {
	p.enabled.Store(false)
}

// IsEnabled returns whether profiling is enabled
func (p *Profiler) IsEnabled() bool {
	return p != nil && p.enabled.Load()
}
