package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-detect/classes"
	"github.com/nvr-ai/go-detect/detector"
)

func anomalySnapshot() classes.Snapshot {
	return classes.NewSnapshot(
		classes.Config{ID: 0, Name: "normal", Threshold: 0.5, Enabled: true},
		classes.Config{ID: 1, Name: "abnormal", Threshold: 0.7, Enabled: true},
	)
}

func TestClassifyNormalAbnormalScenario(t *testing.T) {
	out := Classify([]detector.RawDetection{
		{ClassID: 1, Confidence: 0.65},
		{ClassID: 0, Confidence: 0.55},
	}, anomalySnapshot())

	require.Len(t, out, 2)
	assert.Equal(t, "abnormal", out[0].ClassName)
	assert.False(t, out[0].Accepted, "0.65 < 0.7")
	assert.Equal(t, "normal", out[1].ClassName)
	assert.True(t, out[1].Accepted, "0.55 >= 0.5")
}

func TestClassifyThresholdBoundary(t *testing.T) {
	tests := []struct {
		name       string
		threshold  float64
		confidence float64
		want       bool
	}{
		{"equal is accepted", 0.7, 0.7, true},
		{"just below", 0.7, 0.6999, false},
		{"zero threshold", 0, 0, true},
		{"one threshold", 1, 0.999, false},
		{"one threshold exact", 1, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := classes.NewSnapshot(classes.Config{ID: 3, Name: "x", Threshold: tt.threshold, Enabled: true})
			out := Classify([]detector.RawDetection{{ClassID: 3, Confidence: tt.confidence}}, snap)
			require.Len(t, out, 1)
			assert.Equal(t, tt.want, out[0].Accepted)
		})
	}
}

func TestClassifyDropsDisabledAndUnknown(t *testing.T) {
	snap := classes.NewSnapshot(
		classes.Config{ID: 0, Name: "normal", Threshold: 0.5, Enabled: true},
		classes.Config{ID: 1, Name: "abnormal", Threshold: 0.1, Enabled: false},
	)
	out := Classify([]detector.RawDetection{
		{ClassID: 1, Confidence: 0.99},
		{ClassID: 7, Confidence: 0.99},
		{ClassID: 0, Confidence: 0.6, BBox: detector.BBox{1, 2, 3, 4}},
	}, snap)

	require.Len(t, out, 1)
	assert.Equal(t, 0, out[0].ClassID)
	assert.Equal(t, detector.BBox{1, 2, 3, 4}, out[0].BBox)
}

func TestClassifyPreservesOrder(t *testing.T) {
	raw := []detector.RawDetection{
		{ClassID: 0, Confidence: 0.51},
		{ClassID: 1, Confidence: 0.95},
		{ClassID: 0, Confidence: 0.8},
	}
	out := Accepted(Classify(raw, anomalySnapshot()))

	require.Len(t, out, 3)
	for i := range raw {
		assert.Equal(t, raw[i].Confidence, out[i].Confidence)
	}
}

func TestAcceptedDiscardsRejected(t *testing.T) {
	out := Accepted([]Classification{
		{ClassName: "a", Accepted: true},
		{ClassName: "b"},
		{ClassName: "c", Accepted: true},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ClassName)
	assert.Equal(t, "c", out[1].ClassName)
}

func TestByDisplayPriority(t *testing.T) {
	in := []Classification{
		{ClassName: "a", Confidence: 0.6},
		{ClassName: "b", Confidence: 0.9},
		{ClassName: "c", Confidence: 0.6},
	}
	out := ByDisplayPriority(in)

	assert.Equal(t, []string{"b", "a", "c"}, []string{out[0].ClassName, out[1].ClassName, out[2].ClassName})
	assert.Equal(t, "a", in[0].ClassName, "input untouched")
}

func TestWarnings(t *testing.T) {
	assert.Equal(t, []string{WarnNoDetections}, Warnings(nil, 10))
	assert.Nil(t, Warnings(make([]Classification, 10), 10))
	assert.Equal(t, []string{"many detections: 11"}, Warnings(make([]Classification, 11), 10))
	assert.Nil(t, Warnings(make([]Classification, 50), 0))
}
