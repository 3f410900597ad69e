// Package profiler - Operation timing windows and periodic runtime reports.
package profiler

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// RuntimeProfiler tracks operation timings in bounded windows and periodically logs a report with
// runtime memory and goroutine figures.
type RuntimeProfiler struct {
	// Configuration
	reportInterval time.Duration
	maxSamples     int
	clock          clock.Clock
	logger         *zap.Logger

	// State management
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	startTime time.Time
	running   bool

	// Performance tracking
	operations map[string]*TimeTracker
	metrics    map[string]*MetricTracker
}

// TimeTracker tracks operation timing statistics over the last maxSamples completions.
type TimeTracker struct {
	durations []time.Duration
	ends      []time.Time
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// MetricTracker tracks statistics for a custom metric.
type MetricTracker struct {
	values []float64
	sum    float64
	min    float64
	max    float64
	count  int64
}

// ProfilingOptions configures the runtime profiler.
type ProfilingOptions struct {
	// ReportInterval specifies how often to emit status reports (default: 10s)
	ReportInterval time.Duration
	// MaxSamples specifies maximum number of samples kept per operation (default: 300)
	MaxSamples int
	// Clock defaults to the wall clock.
	Clock  clock.Clock
	Logger *zap.Logger
}

// NewRuntimeProfiler creates a new runtime profiler with the specified options.
//
// Arguments:
//   - opts: Configuration options for the profiler.
//
// Returns:
//   - *RuntimeProfiler: A configured RuntimeProfiler instance.
func NewRuntimeProfiler(opts ProfilingOptions) *RuntimeProfiler {
	if opts.ReportInterval == 0 {
		opts.ReportInterval = 10 * time.Second
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = 300
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &RuntimeProfiler{
		reportInterval: opts.ReportInterval,
		maxSamples:     opts.MaxSamples,
		clock:          opts.Clock,
		logger:         opts.Logger.Named("profiler"),
		startTime:      opts.Clock.Now(),
		operations:     make(map[string]*TimeTracker),
		metrics:        make(map[string]*MetricTracker),
	}
}

// Start begins periodic reporting. Calling Start on a running profiler does nothing.
func (rp *RuntimeProfiler) Start() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.running {
		return
	}
	rp.running = true
	rp.startTime = rp.clock.Now()

	ctx, cancel := context.WithCancel(context.Background())
	rp.cancel = cancel

	ticker := rp.clock.Ticker(rp.reportInterval)
	rp.wg.Add(1)
	go func() {
		defer rp.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rp.emitStatusReport()
			}
		}
	}()
}

// Stop stops reporting and waits for the report goroutine to exit.
func (rp *RuntimeProfiler) Stop() {
	rp.mu.Lock()
	if !rp.running {
		rp.mu.Unlock()
		return
	}
	rp.running = false
	cancel := rp.cancel
	rp.mu.Unlock()

	cancel()
	rp.wg.Wait()
}

// Reset drops every recorded sample.
func (rp *RuntimeProfiler) Reset() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	rp.operations = make(map[string]*TimeTracker)
	rp.metrics = make(map[string]*MetricTracker)
	rp.startTime = rp.clock.Now()
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - func(): Call when the operation completes.
//
// @example
// done := rp.StartOperation("infer")
// defer done()
func (rp *RuntimeProfiler) StartOperation(name string) func() {
	start := rp.clock.Now()
	return func() {
		end := rp.clock.Now()
		rp.RecordOperation(name, end.Sub(start), end)
	}
}

// RecordOperation records a completed operation of duration d that ended at end.
func (rp *RuntimeProfiler) RecordOperation(name string, d time.Duration, end time.Time) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	t, ok := rp.operations[name]
	if !ok {
		t = &TimeTracker{minTime: d, maxTime: d}
		rp.operations[name] = t
	}

	t.durations = append(t.durations, d)
	t.ends = append(t.ends, end)
	t.totalTime += d
	if len(t.durations) > rp.maxSamples {
		t.totalTime -= t.durations[0]
		t.durations = t.durations[1:]
		t.ends = t.ends[1:]
	}
	t.count++

	if d < t.minTime {
		t.minTime = d
	}
	if d > t.maxTime {
		t.maxTime = d
	}
}

// RecordMetric records a custom metric value.
func (rp *RuntimeProfiler) RecordMetric(name string, value float64) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	m, ok := rp.metrics[name]
	if !ok {
		m = &MetricTracker{min: value, max: value}
		rp.metrics[name] = m
	}

	m.values = append(m.values, value)
	m.sum += value
	if len(m.values) > rp.maxSamples {
		m.sum -= m.values[0]
		m.values = m.values[1:]
	}
	m.count++

	if value < m.min {
		m.min = value
	}
	if value > m.max {
		m.max = value
	}
}

// Rate returns completions of name per second over the retained window. Fewer than two samples
// yield zero.
func (rp *RuntimeProfiler) Rate(name string) float64 {
	rp.mu.RLock()
	defer rp.mu.RUnlock()

	t, ok := rp.operations[name]
	if !ok || len(t.ends) < 2 {
		return 0
	}
	span := t.ends[len(t.ends)-1].Sub(t.ends[0])
	if span <= 0 {
		return 0
	}
	return float64(len(t.ends)-1) / span.Seconds()
}

// OperationStats summarizes one operation window.
type OperationStats struct {
	Name    string        `json:"name"`
	Count   int64         `json:"count"`
	Samples int           `json:"samples"`
	Avg     time.Duration `json:"avg"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Rate    float64       `json:"rate"`
}

// Operations returns per-operation statistics sorted by name.
func (rp *RuntimeProfiler) Operations() []OperationStats {
	rp.mu.RLock()
	names := make([]string, 0, len(rp.operations))
	for name := range rp.operations {
		names = append(names, name)
	}
	rp.mu.RUnlock()
	sort.Strings(names)

	out := make([]OperationStats, 0, len(names))
	for _, name := range names {
		rate := rp.Rate(name)

		rp.mu.RLock()
		t, ok := rp.operations[name]
		if ok && len(t.durations) > 0 {
			out = append(out, OperationStats{
				Name:    name,
				Count:   t.count,
				Samples: len(t.durations),
				Avg:     t.totalTime / time.Duration(len(t.durations)),
				Min:     t.minTime,
				Max:     t.maxTime,
				Rate:    rate,
			})
		}
		rp.mu.RUnlock()
	}
	return out
}

// emitStatusReport logs one report line per operation and metric, plus runtime figures.
func (rp *RuntimeProfiler) emitStatusReport() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	rp.mu.RLock()
	uptime := rp.clock.Since(rp.startTime)
	rp.mu.RUnlock()

	rp.logger.Info("runtime",
		zap.Duration("uptime", uptime.Truncate(time.Millisecond)),
		zap.Int("goroutines", runtime.NumGoroutine()),
		zap.Int64("cgo_calls", runtime.NumCgoCall()),
		zap.Uint64("heap_alloc", mem.HeapAlloc),
		zap.Uint32("gc_cycles", mem.NumGC))

	for _, op := range rp.Operations() {
		rp.logger.Info("operation",
			zap.String("name", op.Name),
			zap.Duration("avg", op.Avg.Truncate(time.Microsecond)),
			zap.Duration("min", op.Min.Truncate(time.Microsecond)),
			zap.Duration("max", op.Max.Truncate(time.Microsecond)),
			zap.Int64("count", op.Count),
			zap.Float64("rate", op.Rate))
	}

	rp.mu.RLock()
	defer rp.mu.RUnlock()
	for name, m := range rp.metrics {
		if len(m.values) == 0 {
			continue
		}
		rp.logger.Info("metric",
			zap.String("name", name),
			zap.Float64("avg", m.sum/float64(len(m.values))),
			zap.Float64("min", m.min),
			zap.Float64("max", m.max),
			zap.Int("samples", len(m.values)))
	}
}
