// Package controller - The detection session state machine; the only entry point observers call into.
package controller

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-detect/classes"
	"github.com/nvr-ai/go-detect/detector"
	"github.com/nvr-ai/go-detect/history"
	"github.com/nvr-ai/go-detect/metrics"
	"github.com/nvr-ai/go-detect/profiler"
	"github.com/nvr-ai/go-detect/scheduler"
	"github.com/nvr-ai/go-detect/source"
)

var (
	// ErrAlreadyRunning means a session was still active after the implicit stop. It indicates a
	// bug and is logged at DPanic level.
	ErrAlreadyRunning = errors.New("session already running")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("controller closed")
)

// Options wires a Controller. Opener and Detector are required.
type Options struct {
	Opener   source.Opener
	Detector detector.Detector

	// Classes are the defaults ResetConfiguration restores. Empty selects the anomaly preset.
	Classes     []classes.Config
	HistorySize int
	// OpenTimeout bounds opening a source. Zero disables the bound.
	OpenTimeout time.Duration
	Scheduler   scheduler.Config
	// Snapshot renders frames into results. Nil disables snapshots.
	Snapshot func(image.Image) (string, error)

	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Profiler *profiler.RuntimeProfiler
}

// Controller owns one detection session at a time. Start, Stop and Close are serialized; reads
// never block on them.
type Controller struct {
	opts     Options
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	profiler *profiler.RuntimeProfiler

	sources *source.Manager
	store   *classes.Store
	agg     *history.Aggregator
	det     detector.Detector

	// mu serializes Start, Stop and Close.
	mu     sync.Mutex
	closed bool

	// stateMu guards run, last and transitions of state.
	stateMu sync.Mutex
	run     *run
	last    *run
	state   atomic.Pointer[SessionState]
}

// run is one session from Start to its scheduler exiting.
type run struct {
	id        string
	input     source.Input
	startedAt time.Time
	handle    *source.Handle
	sched     *scheduler.Scheduler
	cancel    context.CancelFunc
	done      chan struct{}
	endedAt   time.Time
	// closeErr is the source close result, set before done is closed.
	closeErr error

	// stopRequested is set under stateMu when Stop takes ownership of the final transition.
	stopRequested bool
}

// New creates a controller in the Idle state.
//
// Arguments:
//   - opts: Collaborators and tuning.
//
// Returns:
//   - *Controller: The controller.
//   - error: An error if a required collaborator is missing or the class defaults are invalid.
func New(opts Options) (*Controller, error) {
	if opts.Opener == nil {
		return nil, errors.New("controller: opener is required")
	}
	if opts.Detector == nil {
		return nil, errors.New("controller: detector is required")
	}
	if len(opts.Classes) == 0 {
		opts.Classes = append([]classes.Config(nil), classes.AnomalyClasses...)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Profiler == nil {
		opts.Profiler = profiler.NewRuntimeProfiler(profiler.ProfilingOptions{Clock: opts.Clock, Logger: opts.Logger})
	}

	store, err := classes.NewStore(opts.Classes...)
	if err != nil {
		return nil, errors.Wrap(err, "controller: class defaults")
	}

	c := &Controller{
		opts:     opts,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("controller"),
		metrics:  opts.Metrics,
		profiler: opts.Profiler,
		sources:  source.NewManager(opts.Opener, opts.OpenTimeout, opts.Logger),
		store:    store,
		agg:      history.NewAggregator(opts.HistorySize),
		det:      opts.Detector,
	}
	c.state.Store(&SessionState{State: Idle})
	return c, nil
}

// Start opens in and runs a session on it. An active session, or one that ended on its own, is
// stopped first. ctx bounds the open only; the session runs until Stop, Close or its own end.
//
// Arguments:
//   - ctx: Cancels the open.
//   - in: The input to run on.
//
// Returns:
//   - error: A *source.OpenError if opening failed (the state is then Failed), ErrAlreadyRunning,
//     or ErrClosed.
func (c *Controller) Start(ctx context.Context, in source.Input) error {
	if in == nil {
		return errors.New("controller: no input")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.stopLocked(); err != nil {
		c.logger.Warn("implicit stop", zap.Error(err))
	}

	c.stateMu.Lock()
	active := c.run
	c.stateMu.Unlock()
	if active != nil || c.sources.Active() {
		c.logger.DPanic("session still active after stop", zap.Stringer("input", in))
		return ErrAlreadyRunning
	}

	c.setState(SessionState{State: Opening, Input: in.String()})

	h, err := c.sources.Open(ctx, in)
	if err != nil {
		c.setState(SessionState{State: Failed, Input: in.String(), Reason: err.Error(), Err: err})
		c.metrics.SessionFailed()
		return err
	}

	r := &run{
		id:        uuid.NewString(),
		input:     in,
		startedAt: c.clock.Now(),
		handle:    h,
		done:      make(chan struct{}),
	}
	r.sched = scheduler.New(scheduler.Options{
		Config:    c.opts.Scheduler,
		Input:     in,
		Source:    h,
		Detector:  c.det,
		Classes:   c.store,
		Publisher: c.agg,
		Clock:     c.clock,
		Logger:    c.logger.With(zap.String("session", r.id)),
		Metrics:   c.metrics,
		Profiler:  c.profiler,
		Snapshot:  c.opts.Snapshot,
	})

	var rctx context.Context
	rctx, r.cancel = context.WithCancel(context.Background())

	c.profiler.Reset()
	c.stateMu.Lock()
	c.run = r
	c.last = r
	c.setStateLocked(SessionState{State: Running, Session: r.id, Input: in.String()})
	c.stateMu.Unlock()
	c.metrics.SessionStarted()

	go c.loop(rctx, r)
	return nil
}

// loop runs the scheduler and records how the session ended unless Stop already owns that.
func (c *Controller) loop(ctx context.Context, r *run) {
	exit := r.sched.Run(ctx)

	c.stateMu.Lock()
	r.endedAt = c.clock.Now()
	if !r.stopRequested {
		next := SessionState{State: Stopped, Session: r.id, Input: r.input.String()}
		if exit.Reason == scheduler.ExitFailed {
			next.State = Failed
			next.Err = exit.Err
			if exit.Err != nil {
				next.Reason = exit.Err.Error()
			}
			c.metrics.SessionFailed()
		}
		c.setStateLocked(next)
	}
	c.stateMu.Unlock()

	if err := c.sources.Release(r.handle); err != nil {
		c.logger.Warn("releasing source", zap.String("session", r.id), zap.Error(err))
		r.closeErr = errors.Wrap(err, "closing source")
	}
	close(r.done)
}

// Stop ends the active session and closes its source. In-flight inference finishes first. Stopping
// when no session is running succeeds and leaves the state untouched.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	c.stateMu.Lock()
	r := c.run
	if r == nil {
		c.stateMu.Unlock()
		return nil
	}
	if c.State().State == Running {
		r.stopRequested = true
		c.setStateLocked(SessionState{State: Stopping, Session: r.id, Input: r.input.String()})
	}
	c.stateMu.Unlock()

	r.cancel()
	<-r.done
	err := multierr.Append(r.closeErr, c.sources.Close())

	c.stateMu.Lock()
	c.run = nil
	if r.stopRequested {
		c.setStateLocked(SessionState{State: Stopped, Session: r.id, Input: r.input.String()})
	}
	c.stateMu.Unlock()
	return err
}

// Close stops any session and releases the detector. The controller cannot be restarted.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	err := c.stopLocked()
	err = multierr.Append(err, c.sources.Close())
	err = multierr.Append(err, c.det.Close())
	c.logger.Info("controller closed", zap.Error(err))
	return err
}

func (c *Controller) setState(s SessionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.setStateLocked(s)
}

func (c *Controller) setStateLocked(s SessionState) {
	prev := c.state.Swap(&s)
	c.metrics.SetState(int(s.State))

	fields := []zap.Field{zap.Stringer("from", prev.State), zap.Stringer("to", s.State)}
	if s.Session != "" {
		fields = append(fields, zap.String("session", s.Session))
	}
	if s.Input != "" {
		fields = append(fields, zap.String("input", s.Input))
	}
	if s.State == Failed {
		c.logger.Warn("state", append(fields, zap.String("reason", s.Reason))...)
		return
	}
	c.logger.Info("state", fields...)
}

// State returns the current session state without blocking.
func (c *Controller) State() SessionState {
	return *c.state.Load()
}

// Status returns the state together with the counters of the session it names.
func (c *Controller) Status() Status {
	st := Status{SessionState: c.State()}

	c.stateMu.Lock()
	r := c.last
	var ended time.Time
	if r != nil {
		ended = r.endedAt
	}
	c.stateMu.Unlock()
	if r == nil || r.id != st.Session {
		return st
	}

	cnt := r.sched.Counters()
	st.StartedAt = r.startedAt
	st.EndedAt = ended
	st.Frames = cnt.Frames
	st.Published = cnt.Published
	st.Detections = cnt.Detections
	st.Skipped = cnt.Skipped
	if st.State == Running {
		st.FPS = c.profiler.Rate(scheduler.OpTick)
	}
	return st
}

// Latest returns the most recently published result.
func (c *Controller) Latest() (history.Result, bool) { return c.agg.Latest() }

// History returns the stored results, oldest first.
func (c *Controller) History() []history.Result { return c.agg.History() }

// Result returns one stored result by its sequence number, for replay.
func (c *Controller) Result(seq uint64) (history.Result, bool) { return c.agg.Find(seq) }

// Stats computes statistics over the current history.
func (c *Controller) Stats() history.Stats { return history.ComputeStats(c.agg.History()) }

// ExportJSON serializes the current history in the interchange format.
func (c *Controller) ExportJSON() ([]byte, error) {
	return history.ExportJSON(c.agg.History(), c.clock.Now())
}

// Subscribe pushes results as they are published. See history.Aggregator.Subscribe.
func (c *Controller) Subscribe(buffer int) (<-chan history.Result, func()) {
	return c.agg.Subscribe(buffer)
}

// ClearHistory empties the history. The session state is not affected.
func (c *Controller) ClearHistory() {
	c.agg.Clear()
	c.logger.Info("history cleared")
}

// ConfigureClass changes one class. The change applies from the next tick and never touches
// published results.
//
// Arguments:
//   - id: The class id.
//   - u: Threshold and/or enabled flag.
//
// Returns:
//   - error: classes.ErrUnknownClass or classes.ErrThresholdOutOfRange; nothing changes on error.
func (c *Controller) ConfigureClass(id int, u classes.Update) error {
	if err := c.store.Configure(id, u); err != nil {
		return err
	}
	c.logConfigured(id)
	return nil
}

// ConfigureClassByName is ConfigureClass keyed by class name.
func (c *Controller) ConfigureClassByName(name string, u classes.Update) error {
	id, err := c.store.ConfigureByName(name, u)
	if err != nil {
		return err
	}
	c.logConfigured(id)
	return nil
}

func (c *Controller) logConfigured(id int) {
	cfg, _ := c.store.Lookup(id)
	c.logger.Info("class configured",
		zap.Int("id", cfg.ID),
		zap.String("name", cfg.Name),
		zap.Float64("threshold", cfg.Threshold),
		zap.Bool("enabled", cfg.Enabled))
}

// SetEnabledClasses enables exactly ids and disables every other class.
func (c *Controller) SetEnabledClasses(ids []int) error {
	if err := c.store.SetEnabled(ids); err != nil {
		return err
	}
	c.logger.Info("classes selected", zap.Ints("ids", ids))
	return nil
}

// Classes lists the current class configuration ordered by id.
func (c *Controller) Classes() []classes.Config { return c.store.List() }

// ResetConfiguration restores the class defaults and clears the history.
func (c *Controller) ResetConfiguration() {
	c.store.ResetDefaults()
	c.agg.Clear()
	c.logger.Info("configuration reset")
}
