package source

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeStream counts Close calls and serves a fixed number of frames.
type fakeStream struct {
	frames int
	served int
	closes atomic.Int32
}

func (s *fakeStream) Next(context.Context) (Frame, error) {
	if s.served >= s.frames {
		return Frame{}, ErrEndOfStream
	}
	s.served++
	return Frame{Seq: uint64(s.served), Image: image.NewRGBA(image.Rect(0, 0, 4, 4))}, nil
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	return nil
}

// fakeOpener records every stream it hands out.
type fakeOpener struct {
	mu      sync.Mutex
	streams []*fakeStream
	delay   time.Duration
	err     error
}

func (o *fakeOpener) Open(ctx context.Context, in Input) (Stream, error) {
	o.mu.Lock()
	delay := o.delay
	o.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if o.err != nil {
		return nil, o.err
	}
	s := &fakeStream{frames: 3}
	o.mu.Lock()
	o.streams = append(o.streams, s)
	o.mu.Unlock()
	return s, nil
}

func (o *fakeOpener) opened() []*fakeStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeStream(nil), o.streams...)
}

func TestManagerOpenClosesPreviousExactlyOnce(t *testing.T) {
	opener := &fakeOpener{}
	m := NewManager(opener, 0, zaptest.NewLogger(t))
	ctx := context.Background()

	a, err := m.Open(ctx, Camera{DeviceID: 0})
	require.NoError(t, err)
	_, err = m.Open(ctx, VideoFile{Path: "b.mp4"})
	require.NoError(t, err)

	streams := opener.opened()
	require.Len(t, streams, 2)
	assert.EqualValues(t, 1, streams[0].closes.Load())
	assert.EqualValues(t, 0, streams[1].closes.Load())
	assert.True(t, a.Closed())

	// Closing an already closed handle again must not reach the stream.
	require.NoError(t, a.Close())
	assert.EqualValues(t, 1, streams[0].closes.Load())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.EqualValues(t, 1, streams[1].closes.Load())
	assert.False(t, m.Active())
}

func TestHandleNextAfterClose(t *testing.T) {
	m := NewManager(&fakeOpener{}, 0, nil)
	h, err := m.Open(context.Background(), Camera{})
	require.NoError(t, err)

	f, err := h.Next(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.Seq)

	require.NoError(t, m.Release(h))
	_, err = h.Next(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestManagerWrapsPlainErrors(t *testing.T) {
	m := NewManager(&fakeOpener{err: errors.Wrap(ErrAccessDenied, "/dev/video0")}, 0, nil)

	_, err := m.Open(context.Background(), Camera{})
	require.Error(t, err)

	var oe *OpenError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, Camera{}, oe.Input)
	assert.True(t, errors.Is(err, ErrAccessDenied))
	assert.False(t, m.Active())
}

func TestManagerOpenTimeout(t *testing.T) {
	opener := &fakeOpener{delay: 50 * time.Millisecond}
	m := NewManager(opener, 5*time.Millisecond, zaptest.NewLogger(t))

	_, err := m.Open(context.Background(), Camera{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOpenTimeout))

	// The next open waits for the abandoned one and the late stream gets closed.
	opener.mu.Lock()
	opener.delay = 0
	opener.mu.Unlock()
	m.timeout = 0
	_, err = m.Open(context.Background(), Camera{DeviceID: 1})
	require.NoError(t, err)

	streams := opener.opened()
	require.Len(t, streams, 2)
	assert.EqualValues(t, 1, streams[0].closes.Load(), "late stream must be closed")
	assert.EqualValues(t, 0, streams[1].closes.Load())
}

func TestParse(t *testing.T) {
	in, err := Parse("Camera", 2, "")
	require.NoError(t, err)
	assert.Equal(t, Camera{DeviceID: 2}, in)
	assert.Equal(t, KindCamera, in.Kind())

	in, err = Parse("image", 0, "a.png")
	require.NoError(t, err)
	assert.Equal(t, ImageFile{Path: "a.png"}, in)
	assert.Equal(t, "image:a.png", in.String())

	_, err = Parse("video", 0, "")
	assert.Error(t, err)
	_, err = Parse("rtsp", 0, "x")
	assert.Error(t, err)
}

func TestValidateFile(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "frame.PNG")
	require.NoError(t, os.WriteFile(png, []byte("x"), 0o644))
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o644))

	tests := []struct {
		name string
		in   Input
		want error
	}{
		{"camera always valid", Camera{DeviceID: 3}, nil},
		{"image ok, extension case-insensitive", ImageFile{Path: png}, nil},
		{"missing video", VideoFile{Path: filepath.Join(dir, "nope.mp4")}, ErrNotFound},
		{"wrong extension", ImageFile{Path: txt}, ErrUnsupportedFormat},
		{"image as video", VideoFile{Path: png}, ErrUnsupportedFormat},
		{"directory", ImageFile{Path: dir}, ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFile(tt.in)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			var oe *OpenError
			require.True(t, errors.As(err, &oe), "got %v", err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestIsTransient(t *testing.T) {
	err := errors.Wrap(Transient(4, errors.New("corrupt")), "tick")
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransient(ErrEndOfStream))
}
