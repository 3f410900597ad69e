// Package capture - OpenCV backed frame sources for cameras, video files and still images.
package capture

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-detect/source"
)

// Opener opens inputs with gocv. It implements source.Opener.
type Opener struct {
	logger *zap.Logger
}

var _ source.Opener = (*Opener)(nil)

// NewOpener creates an Opener.
func NewOpener(logger *zap.Logger) *Opener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{logger: logger.Named("capture")}
}

// Open validates in and opens the matching backend.
//
// Arguments:
//   - ctx: Checked before the device is touched.
//   - in: The input to open.
//
// Returns:
//   - source.Stream: The frame stream.
//   - error: A *source.OpenError.
func (o *Opener) Open(ctx context.Context, in source.Input) (source.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &source.OpenError{Input: in, Err: err}
	}
	if err := source.ValidateFile(in); err != nil {
		return nil, err
	}

	switch v := in.(type) {
	case source.Camera:
		return o.openCapture(in, v.DeviceID)
	case source.VideoFile:
		return o.openCapture(in, v.Path)
	case source.ImageFile:
		return o.openImage(v)
	default:
		return nil, &source.OpenError{Input: in, Err: source.ErrUnsupportedFormat}
	}
}

func (o *Opener) openCapture(in source.Input, device interface{}) (source.Stream, error) {
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, &source.OpenError{Input: in, Err: errors.Wrap(source.ErrNotFound, err.Error())}
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		if in.Kind() == source.KindVideo {
			return nil, &source.OpenError{Input: in, Err: errors.Wrap(source.ErrUnsupportedFormat, "no decoder accepted the file")}
		}
		return nil, &source.OpenError{Input: in, Err: errors.Wrap(source.ErrNotFound, "device did not open")}
	}

	o.logger.Debug("capture opened",
		zap.Stringer("input", in),
		zap.Float64("fps", vc.Get(gocv.VideoCaptureFPS)),
		zap.Float64("width", vc.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", vc.Get(gocv.VideoCaptureFrameHeight)))

	return &captureStream{
		input: in,
		live:  in.Kind() == source.KindCamera,
		vc:    vc,
		mat:   gocv.NewMat(),
	}, nil
}

func (o *Opener) openImage(in source.ImageFile) (source.Stream, error) {
	mat := gocv.IMRead(in.Path, gocv.IMReadColor)
	defer mat.Close()
	if mat.Empty() {
		return nil, &source.OpenError{Input: in, Err: errors.Wrap(source.ErrUnsupportedFormat, "image could not be decoded")}
	}
	img, err := mat.ToImage()
	if err != nil {
		return nil, &source.OpenError{Input: in, Err: errors.Wrap(source.ErrUnsupportedFormat, err.Error())}
	}
	return &imageStream{img: img}, nil
}

// captureStream reads from a camera or a video file.
type captureStream struct {
	input source.Input
	live  bool
	vc    *gocv.VideoCapture
	mat   gocv.Mat
	seq   uint64
}

func (s *captureStream) Next(ctx context.Context) (source.Frame, error) {
	if err := ctx.Err(); err != nil {
		return source.Frame{}, err
	}
	s.seq++

	if ok := s.vc.Read(&s.mat); !ok {
		if s.live {
			return source.Frame{}, source.Transient(s.seq, errors.Errorf("cannot read %s", s.input))
		}
		return source.Frame{}, source.ErrEndOfStream
	}
	if s.mat.Empty() {
		return source.Frame{}, source.Transient(s.seq, errors.New("empty frame"))
	}

	img, err := s.mat.ToImage()
	if err != nil {
		return source.Frame{}, source.Transient(s.seq, err)
	}
	return source.Frame{Seq: s.seq, Image: img, Captured: time.Now()}, nil
}

func (s *captureStream) Close() error {
	err := s.vc.Close()
	if merr := s.mat.Close(); err == nil {
		err = merr
	}
	return err
}

// imageStream yields a single decoded still image.
type imageStream struct {
	img    image.Image
	served bool
}

func (s *imageStream) Next(ctx context.Context) (source.Frame, error) {
	if err := ctx.Err(); err != nil {
		return source.Frame{}, err
	}
	if s.served {
		return source.Frame{}, source.ErrEndOfStream
	}
	s.served = true
	return source.Frame{Seq: 1, Image: s.img, Captured: time.Now()}, nil
}

func (s *imageStream) Close() error {
	s.img = nil
	return nil
}
