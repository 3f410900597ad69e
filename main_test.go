package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-detect/detector"
	"github.com/nvr-ai/go-detect/filter"
	"github.com/nvr-ai/go-detect/history"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"go-detect"}, args...))
	return out.String(), err
}

func TestClassesCommand(t *testing.T) {
	out, err := runApp(t, "classes")
	require.NoError(t, err)
	assert.Contains(t, out, "normal")
	assert.Contains(t, out, "abnormal")
	assert.Contains(t, out, "0.50")

	out, err = runApp(t, "classes", "--preset", "coco")
	require.NoError(t, err)
	assert.Contains(t, out, "person")
	assert.Contains(t, out, "toothbrush")

	_, err = runApp(t, "classes", "--preset", "imagenet")
	assert.Error(t, err)
}

func TestClassesCommandAppliesConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detect.yaml")
	require.NoError(t, os.WriteFile(path, []byte("classes:\n  overrides:\n    - name: abnormal\n      threshold: 0.85\n"), 0o644))

	out, err := runApp(t, "--config", path, "classes")
	require.NoError(t, err)
	assert.Contains(t, out, "0.85")
}

func TestInspectCommand(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	results := []history.Result{
		{Timestamp: at, Classifications: []filter.Classification{
			{ClassID: 0, ClassName: "normal", Confidence: 0.6, BBox: detector.BBox{5, 6, 7, 8}, Accepted: true},
			{ClassID: 1, ClassName: "abnormal", Confidence: 0.91, BBox: detector.BBox{1, 2, 3, 4}, Accepted: true},
		}},
		{Timestamp: at.Add(time.Second)},
	}
	data, err := history.ExportJSON(results, at.Add(time.Minute))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	out, err := runApp(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 results")
	assert.Contains(t, out, "abnormal 0.91")
	assert.NotContains(t, out, "normal 0.60", "top column shows the most confident class")
	assert.Contains(t, out, "2024-05-01T12:00:01.000Z")
	assert.Contains(t, out, "0.755")

	_, err = runApp(t, "inspect")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"timestamp":"nope"}`), 0o644))
	_, err = runApp(t, "inspect", path)
	assert.Error(t, err)
}

func TestRunRejectsConflictingInputs(t *testing.T) {
	_, err := runApp(t, "run", "--camera", "1", "--image", "part.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only one of")

	_, err = runApp(t, "run", "--camera", "-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid camera device")

	_, err = runApp(t, "run", "--video", filepath.Join(t.TempDir(), "absent.mp4"))
	assert.Error(t, err)
}
