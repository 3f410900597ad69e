// Package source - Input sources (camera, video file, still image) and their frame streams.
package source

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Kind identifies the variant of an Input.
type Kind int

const (
	KindCamera Kind = iota
	KindVideo
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindCamera:
		return "camera"
	case KindVideo:
		return "video"
	case KindImage:
		return "image"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Input is one of Camera, VideoFile or ImageFile. The interface is sealed; switch on the concrete
// type or on Kind.
type Input interface {
	Kind() Kind
	String() string
	isInput()
}

// Camera is a capture device.
type Camera struct {
	DeviceID int `json:"device_id"`
}

// VideoFile is a video on disk, read until exhausted.
type VideoFile struct {
	Path string `json:"path"`
}

// ImageFile is a single still image.
type ImageFile struct {
	Path string `json:"path"`
}

func (Camera) Kind() Kind    { return KindCamera }
func (VideoFile) Kind() Kind { return KindVideo }
func (ImageFile) Kind() Kind { return KindImage }

func (c Camera) String() string    { return fmt.Sprintf("camera:%d", c.DeviceID) }
func (v VideoFile) String() string { return "video:" + v.Path }
func (i ImageFile) String() string { return "image:" + i.Path }

func (Camera) isInput()    {}
func (VideoFile) isInput() {}
func (ImageFile) isInput() {}

// Supported file extensions.
var (
	VideoExtensions = []string{".mp4", ".avi", ".mov", ".mkv"}
	ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tiff", ".webp"}
)

// Parse builds an Input from a kind name and its argument, the way the CLI and HTTP API receive it.
//
// Arguments:
//   - kind: "camera", "video" or "image".
//   - deviceID: Used for cameras.
//   - path: Used for files.
//
// Returns:
//   - Input: The parsed input.
//   - error: An error if kind is unknown or the argument is missing.
func Parse(kind string, deviceID int, path string) (Input, error) {
	switch strings.ToLower(kind) {
	case "camera":
		if deviceID < 0 {
			return nil, errors.Errorf("invalid camera device %d", deviceID)
		}
		return Camera{DeviceID: deviceID}, nil
	case "video":
		if path == "" {
			return nil, errors.New("video input requires a path")
		}
		return VideoFile{Path: path}, nil
	case "image":
		if path == "" {
			return nil, errors.New("image input requires a path")
		}
		return ImageFile{Path: path}, nil
	default:
		return nil, errors.Errorf("unknown input kind %q", kind)
	}
}

// ValidateFile checks that a file input exists, is readable as a regular file and carries an
// extension its kind supports. Cameras always validate.
func ValidateFile(in Input) error {
	var (
		path string
		exts []string
	)
	switch v := in.(type) {
	case VideoFile:
		path, exts = v.Path, VideoExtensions
	case ImageFile:
		path, exts = v.Path, ImageExtensions
	default:
		return nil
	}

	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return &OpenError{Input: in, Err: errors.Wrap(ErrNotFound, path)}
	case os.IsPermission(err):
		return &OpenError{Input: in, Err: errors.Wrap(ErrAccessDenied, path)}
	case err != nil:
		return &OpenError{Input: in, Err: errors.Wrap(err, path)}
	case info.IsDir():
		return &OpenError{Input: in, Err: errors.Wrapf(ErrUnsupportedFormat, "%s is a directory", path)}
	}

	ext := strings.ToLower(filepath.Ext(path))
	for _, supported := range exts {
		if ext == supported {
			return nil
		}
	}
	return &OpenError{
		Input: in,
		Err:   errors.Wrapf(ErrUnsupportedFormat, "extension %q (supported: %s)", ext, strings.Join(exts, ", ")),
	}
}

// Frame is one acquired image.
type Frame struct {
	// Seq is the 1-based acquisition index within the stream.
	Seq uint64
	// Image holds the pixels. Consumers must not modify it.
	Image image.Image
	// Captured is when the frame was read.
	Captured time.Time
}

// Stream is an open source. Next and Close are called from one goroutine at a time; Close may be
// called more than once.
type Stream interface {
	// Next returns the next frame, ErrEndOfStream, or a *TransientError for a frame that could not
	// be read but does not end the stream.
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Opener opens an Input. Implementations return *OpenError for failures.
type Opener interface {
	Open(ctx context.Context, in Input) (Stream, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, in Input) (Stream, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, in Input) (Stream, error) {
	return f(ctx, in)
}
