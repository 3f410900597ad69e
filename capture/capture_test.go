package capture

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nvr-ai/go-detect/source"
)

func TestImageStreamYieldsOneFrame(t *testing.T) {
	s := &imageStream{img: image.NewRGBA(image.Rect(0, 0, 2, 2))}

	f, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.Seq)
	assert.NotNil(t, f.Image)

	_, err = s.Next(context.Background())
	assert.True(t, errors.Is(err, source.ErrEndOfStream))
	require.NoError(t, s.Close())
}

func TestOpenRejectsBeforeTouchingBackend(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "clip.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o644))

	o := NewOpener(zaptest.NewLogger(t))

	tests := []struct {
		name string
		in   source.Input
		want error
	}{
		{"missing video", source.VideoFile{Path: filepath.Join(dir, "missing.mp4")}, source.ErrNotFound},
		{"unsupported extension", source.VideoFile{Path: txt}, source.ErrUnsupportedFormat},
		{"missing image", source.ImageFile{Path: filepath.Join(dir, "missing.png")}, source.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Open(context.Background(), tt.in)
			var oe *source.OpenError
			require.True(t, errors.As(err, &oe), "got %v", err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestOpenHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewOpener(nil).Open(ctx, source.Camera{})
	assert.True(t, errors.Is(err, context.Canceled))
}
