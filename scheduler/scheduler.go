// Package scheduler - The session control loop: acquire, infer, filter, publish.
package scheduler

import (
	"context"
	"image"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-detect/classes"
	"github.com/nvr-ai/go-detect/detector"
	"github.com/nvr-ai/go-detect/filter"
	"github.com/nvr-ai/go-detect/history"
	"github.com/nvr-ai/go-detect/metrics"
	"github.com/nvr-ai/go-detect/profiler"
	"github.com/nvr-ai/go-detect/source"
)

// Profiler operation names.
const (
	OpTick  = "tick"
	OpInfer = "infer"
)

// Config tunes the loop.
type Config struct {
	// Interval is the nominal tick cadence for streaming sources.
	Interval time.Duration `yaml:"interval"`
	// InferTimeout bounds one Detector.Infer call. Zero disables the bound.
	InferTimeout time.Duration `yaml:"infer_timeout"`
	// MaxConsecutiveFailures is the number of back-to-back frame or inference errors that fail the
	// session.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	// WarnAbove flags results with more accepted detections than this. Zero disables the check.
	WarnAbove int `yaml:"warn_above"`
}

// DefaultConfig returns a ~30 Hz loop that fails after three strikes.
func DefaultConfig() Config {
	return Config{
		Interval:               33 * time.Millisecond,
		InferTimeout:           5 * time.Second,
		MaxConsecutiveFailures: 3,
		WarnAbove:              10,
	}
}

// FrameSource is the pull side of an open source. *source.Handle implements it.
type FrameSource interface {
	Next(ctx context.Context) (source.Frame, error)
}

// ClassSource hands out the class configuration in effect for a tick. *classes.Store implements it.
type ClassSource interface {
	Snapshot() classes.Snapshot
}

// Publisher receives results in acquisition order. *history.Aggregator implements it.
type Publisher interface {
	Publish(history.Result) history.Result
}

// Options wires a Scheduler. Source, Detector, Classes and Publisher are required.
type Options struct {
	Config

	Input     source.Input
	Source    FrameSource
	Detector  detector.Detector
	Classes   ClassSource
	Publisher Publisher

	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Profiler *profiler.RuntimeProfiler
	// Snapshot renders a frame for the result. Nil disables snapshots.
	Snapshot func(image.Image) (string, error)
}

// Reason explains why Run returned.
type Reason int

const (
	// ExitCancelled means the context was cancelled between ticks.
	ExitCancelled Reason = iota
	// ExitEndOfStream means the source was exhausted, or a still image was processed.
	ExitEndOfStream
	// ExitFailed means an unrecoverable error or too many consecutive recoverable ones.
	ExitFailed
)

func (r Reason) String() string {
	switch r {
	case ExitCancelled:
		return "cancelled"
	case ExitEndOfStream:
		return "end of stream"
	case ExitFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Exit is the outcome of Run.
type Exit struct {
	Reason Reason
	Err    error
}

// Counters are running totals for one scheduler.
type Counters struct {
	Frames     uint64 `json:"frames"`
	Published  uint64 `json:"published"`
	Detections uint64 `json:"detections"`
	Skipped    uint64 `json:"skipped"`
}

// Scheduler runs one session's ticks strictly sequentially.
type Scheduler struct {
	cfg  Config
	opts Options

	clock  clock.Clock
	logger *zap.Logger

	frames     atomic.Uint64
	published  atomic.Uint64
	detections atomic.Uint64
	skipped    atomic.Uint64

	// Owned by the Run goroutine.
	frameFailures int
	inferFailures int
	pending       chan struct{}
}

type inferResult struct {
	raw []detector.RawDetection
	err error
}

// New creates a scheduler. A zero Interval or MaxConsecutiveFailures takes its default.
func New(opts Options) *Scheduler {
	def := DefaultConfig()
	cfg := opts.Config
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	logger := opts.Logger.Named("scheduler")
	if opts.Input != nil {
		logger = logger.With(zap.Stringer("input", opts.Input))
	}

	return &Scheduler{
		cfg:    cfg,
		opts:   opts,
		clock:  opts.Clock,
		logger: logger,
	}
}

// Counters returns the running totals. Safe to call while Run is active.
func (s *Scheduler) Counters() Counters {
	return Counters{
		Frames:     s.frames.Load(),
		Published:  s.published.Load(),
		Detections: s.detections.Load(),
		Skipped:    s.skipped.Load(),
	}
}

// Run ticks until the source ends, the session fails or ctx is cancelled. The first tick starts
// immediately. A tick that overruns the interval is never interrupted; the missed ticks are dropped.
// Cancellation is observed between ticks only. Run does not return while a timed-out inference call
// is still executing.
func (s *Scheduler) Run(ctx context.Context) Exit {
	ticker := s.clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()
	defer s.drain()

	s.logger.Info("loop started", zap.Duration("interval", s.cfg.Interval))
	for {
		if ctx.Err() != nil {
			return s.exit(Exit{Reason: ExitCancelled})
		}
		if exit, done := s.tick(ctx); done {
			return s.exit(exit)
		}
		select {
		case <-ctx.Done():
			return s.exit(Exit{Reason: ExitCancelled})
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) exit(e Exit) Exit {
	c := s.Counters()
	fields := []zap.Field{
		zap.Stringer("reason", e.Reason),
		zap.Uint64("frames", c.Frames),
		zap.Uint64("published", c.Published),
		zap.Uint64("skipped", c.Skipped),
	}
	if e.Err != nil {
		s.logger.Warn("loop stopped", append(fields, zap.Error(e.Err))...)
	} else {
		s.logger.Info("loop stopped", fields...)
	}
	return e
}

func (s *Scheduler) tick(ctx context.Context) (Exit, bool) {
	if s.opts.Profiler != nil {
		defer s.opts.Profiler.StartOperation(OpTick)()
	}

	frame, err := s.opts.Source.Next(ctx)
	switch {
	case err == nil:
		s.frameFailures = 0
	case errors.Is(err, source.ErrEndOfStream):
		return Exit{Reason: ExitEndOfStream}, true
	case ctx.Err() != nil:
		return Exit{Reason: ExitCancelled}, true
	case source.IsTransient(err):
		s.frameFailures++
		s.skip(metrics.SkipFrame, err, s.frameFailures)
		if s.frameFailures >= s.cfg.MaxConsecutiveFailures {
			return Exit{Reason: ExitFailed, Err: errors.Wrapf(err, "%d consecutive frame errors", s.frameFailures)}, true
		}
		return Exit{}, false
	default:
		return Exit{Reason: ExitFailed, Err: errors.Wrap(err, "reading frame")}, true
	}

	s.frames.Add(1)
	s.opts.Metrics.FrameAcquired()

	snap := s.opts.Classes.Snapshot()

	raw, err := s.infer(ctx, frame)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return Exit{Reason: ExitCancelled}, true
		}
		s.inferFailures++
		s.skip(metrics.SkipInference, err, s.inferFailures)
		// A still image has no second frame to retry on.
		if s.opts.Input != nil && s.opts.Input.Kind() == source.KindImage {
			return Exit{Reason: ExitFailed, Err: errors.Wrap(err, "inference on image")}, true
		}
		if s.inferFailures >= s.cfg.MaxConsecutiveFailures {
			return Exit{Reason: ExitFailed, Err: errors.Wrapf(err, "%d consecutive inference errors", s.inferFailures)}, true
		}
		return Exit{}, false
	}
	s.inferFailures = 0

	accepted := filter.Accepted(filter.Classify(raw, snap))
	result := history.Result{
		Frame:           frame.Seq,
		Timestamp:       s.clock.Now(),
		Classifications: accepted,
		Warnings:        filter.Warnings(accepted, s.cfg.WarnAbove),
	}
	if s.opts.Input != nil {
		result.Input = s.opts.Input.String()
	}
	if s.opts.Snapshot != nil && frame.Image != nil {
		if enc, err := s.opts.Snapshot(frame.Image); err != nil {
			s.logger.Warn("snapshot failed", zap.Uint64("seq", frame.Seq), zap.Error(err))
		} else {
			result.Snapshot = enc
		}
	}

	published := s.opts.Publisher.Publish(result)
	s.published.Add(1)
	s.detections.Add(uint64(len(accepted)))

	names := make([]string, len(accepted))
	for i, c := range accepted {
		names[i] = c.ClassName
	}
	s.opts.Metrics.Published(names)

	s.logger.Debug("published",
		zap.Uint64("seq", published.Seq),
		zap.Uint64("frame", frame.Seq),
		zap.Int("raw", len(raw)),
		zap.Int("accepted", len(accepted)))

	if s.opts.Input != nil && s.opts.Input.Kind() == source.KindImage {
		return Exit{Reason: ExitEndOfStream}, true
	}
	return Exit{}, false
}

func (s *Scheduler) skip(reason string, err error, strike int) {
	s.skipped.Add(1)
	s.opts.Metrics.Skipped(reason)
	s.logger.Warn("frame skipped",
		zap.String("reason", reason),
		zap.Int("strike", strike),
		zap.Int("max", s.cfg.MaxConsecutiveFailures),
		zap.Error(err))
}

// infer calls the detector on a context that ignores cancellation, so a stop never preempts
// in-flight inference. A call that outlives InferTimeout is abandoned; the next call waits for it.
func (s *Scheduler) infer(ctx context.Context, frame source.Frame) ([]detector.RawDetection, error) {
	if s.pending != nil {
		select {
		case <-s.pending:
			s.pending = nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.opts.Profiler != nil {
		defer s.opts.Profiler.StartOperation(OpInfer)()
	}
	start := s.clock.Now()
	defer func() { s.opts.Metrics.ObserveInference(s.clock.Since(start)) }()

	ictx := context.WithoutCancel(ctx)
	if s.cfg.InferTimeout <= 0 {
		return s.opts.Detector.Infer(ictx, frame)
	}

	ictx, cancel := context.WithTimeout(ictx, s.cfg.InferTimeout)
	ch := make(chan inferResult, 1)
	go func() {
		raw, err := s.opts.Detector.Infer(ictx, frame)
		ch <- inferResult{raw, err}
	}()

	select {
	case r := <-ch:
		cancel()
		return r.raw, r.err
	case <-ictx.Done():
		pending := make(chan struct{})
		s.pending = pending
		go func() {
			defer close(pending)
			defer cancel()
			<-ch
		}()
		return nil, errors.Wrapf(context.DeadlineExceeded, "inference on frame %d exceeded %s", frame.Seq, s.cfg.InferTimeout)
	}
}

// drain waits for an abandoned inference call so the detector is idle when Run returns.
func (s *Scheduler) drain() {
	if s.pending == nil {
		return
	}
	<-s.pending
	s.pending = nil
}
