package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-detect/classes"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "detect.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 33*time.Millisecond, cfg.Session.Interval)
	assert.Equal(t, 3, cfg.Session.MaxConsecutiveFailures)
	assert.Equal(t, 20, cfg.Session.HistorySize)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
model:
  path: models/inspect.onnx
classes:
  preset: anomaly
  overrides:
    - name: abnormal
      threshold: 0.7
session:
  interval: 50ms
  infer_timeout: 2s
  warn_above: 5
  history_size: 40
  snapshots: true
server:
  listen: ":8080"
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "models/inspect.onnx", cfg.Model.Path)
	assert.Equal(t, 640, cfg.Model.InputSize, "untouched fields keep defaults")
	assert.Equal(t, 50*time.Millisecond, cfg.Session.Interval)
	assert.Equal(t, 2*time.Second, cfg.Session.InferTimeout)
	assert.Equal(t, 5, cfg.Session.WarnAbove)
	assert.Equal(t, 40, cfg.Session.HistorySize)
	assert.True(t, cfg.Session.Snapshots)
	assert.Equal(t, ":8080", cfg.Server.Listen)

	set, err := cfg.ClassConfigs()
	require.NoError(t, err)
	assert.Equal(t, []classes.Config{
		{ID: 0, Name: "normal", Threshold: 0.5, Enabled: true},
		{ID: 1, Name: "abnormal", Threshold: 0.7, Enabled: true},
	}, set)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"bad yaml", "model: [", nil},
		{"threshold out of range", "classes:\n  overrides:\n    - name: normal\n      threshold: 1.2\n", classes.ErrThresholdOutOfRange},
		{"unknown class", "classes:\n  overrides:\n    - name: cat\n      enabled: false\n", classes.ErrUnknownClass},
		{"unknown preset", "classes:\n  preset: imagenet\n", nil},
		{"zero interval", "session:\n  interval: 0s\n", nil},
		{"no history", "session:\n  history_size: 0\n", nil},
		{"bad level", "log:\n  level: shouty\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			if tt.want != nil {
				assert.True(t, errors.Is(err, tt.want), "got %v", err)
			}
		})
	}
}
