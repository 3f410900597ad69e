package source

import (
	"github.com/pkg/errors"
)

var (
	// ErrEndOfStream is returned by Next once a video or image has no more frames.
	ErrEndOfStream = errors.New("end of stream")

	// ErrNotFound means the path or device does not exist.
	ErrNotFound = errors.New("source not found")
	// ErrUnsupportedFormat means the input exists but cannot be decoded.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrAccessDenied means the input exists but may not be read.
	ErrAccessDenied = errors.New("access denied")
	// ErrOpenTimeout means opening took longer than the configured bound.
	ErrOpenTimeout = errors.New("open timed out")
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("source closed")
)

// OpenError is a failure to open an Input. It is fatal to the start attempt only.
type OpenError struct {
	Input Input
	Err   error
}

func (e *OpenError) Error() string {
	if e.Input == nil {
		return "open: " + e.Err.Error()
	}
	return "open " + e.Input.String() + ": " + e.Err.Error()
}

func (e *OpenError) Unwrap() error { return e.Err }

// TransientError is a single unreadable frame. The stream stays usable.
type TransientError struct {
	Seq uint64
	Err error
}

func (e *TransientError) Error() string {
	return "transient frame error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is, or wraps, a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Transient wraps err as a *TransientError.
func Transient(seq uint64, err error) error {
	return &TransientError{Seq: seq, Err: err}
}
