package source

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Handle is an opened stream owned by a Manager. Close is idempotent and closes the underlying
// stream exactly once.
type Handle struct {
	input  Input
	stream Stream

	once     sync.Once
	closed   atomic.Bool
	closeErr error
}

// Input returns the input this handle was opened for.
func (h *Handle) Input() Input { return h.input }

// Next reads the next frame. After Close it returns ErrClosed.
func (h *Handle) Next(ctx context.Context) (Frame, error) {
	if h.Closed() {
		return Frame{}, ErrClosed
	}
	return h.stream.Next(ctx)
}

// Close releases the underlying stream.
func (h *Handle) Close() error {
	h.once.Do(func() {
		h.closed.Store(true)
		h.closeErr = h.stream.Close()
	})
	return h.closeErr
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool { return h.closed.Load() }

// Manager keeps at most one source open. Opening a new input closes the previous one first, and an
// open that timed out is drained (and its stream closed) before the next open starts.
type Manager struct {
	opener  Opener
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	current *Handle
	pending chan struct{}
}

// NewManager creates a manager.
//
// Arguments:
//   - opener: Opens concrete inputs.
//   - timeout: Upper bound for one Open call. Zero disables the bound.
//   - logger: Logger; nil means no logging.
//
// Returns:
//   - *Manager: The manager.
func NewManager(opener Opener, timeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opener:  opener,
		timeout: timeout,
		logger:  logger.Named("source"),
	}
}

// Open closes any open source and opens in.
//
// Arguments:
//   - ctx: Cancels the open.
//   - in: The input to open.
//
// Returns:
//   - *Handle: The open source.
//   - error: A *OpenError.
func (m *Manager) Open(ctx context.Context, in Input) (*Handle, error) {
	if in == nil {
		return nil, &OpenError{Err: errors.New("no input")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if err := m.current.Close(); err != nil {
			m.logger.Warn("closing previous source", zap.Stringer("input", m.current.input), zap.Error(err))
		}
		m.current = nil
	}

	if m.pending != nil {
		select {
		case <-m.pending:
			m.pending = nil
		case <-ctx.Done():
			return nil, &OpenError{Input: in, Err: errors.Wrap(ctx.Err(), "waiting for abandoned open")}
		}
	}

	stream, err := m.open(ctx, in)
	if err != nil {
		var oe *OpenError
		if !errors.As(err, &oe) {
			err = &OpenError{Input: in, Err: err}
		}
		m.logger.Info("open failed", zap.Stringer("input", in), zap.Error(err))
		return nil, err
	}

	h := &Handle{input: in, stream: stream}
	m.current = h
	m.logger.Info("source opened", zap.Stringer("input", in))
	return h, nil
}

func (m *Manager) open(ctx context.Context, in Input) (Stream, error) {
	if m.timeout <= 0 {
		return m.opener.Open(ctx, in)
	}

	octx, cancel := context.WithTimeout(ctx, m.timeout)

	type result struct {
		stream Stream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := m.opener.Open(octx, in)
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		cancel()
		return r.stream, r.err
	case <-octx.Done():
		drained := make(chan struct{})
		m.pending = drained
		go func() {
			defer close(drained)
			defer cancel()
			if r := <-ch; r.stream != nil {
				_ = r.stream.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, &OpenError{Input: in, Err: ctx.Err()}
		}
		return nil, &OpenError{Input: in, Err: errors.Wrapf(ErrOpenTimeout, "after %s", m.timeout)}
	}
}

// Release closes h and forgets it if it is still the current source.
func (m *Manager) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	if m.current == h {
		m.current = nil
	}
	m.mu.Unlock()
	return h.Close()
}

// Close closes the current source, if any. Safe to call repeatedly.
func (m *Manager) Close() error {
	m.mu.Lock()
	h := m.current
	m.current = nil
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	err := h.Close()
	if err != nil {
		m.logger.Warn("closing source", zap.Stringer("input", h.input), zap.Error(err))
	} else {
		m.logger.Info("source closed", zap.Stringer("input", h.input))
	}
	return err
}

// Active reports whether a source is currently open.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}
