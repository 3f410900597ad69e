// Package detector - The inference capability the session loop drives, and the raw detections it yields.
package detector

import (
	"context"
	"fmt"

	"github.com/nvr-ai/go-detect/source"
)

// BBox is a box in source-frame pixel space as [x, y, width, height].
type BBox [4]float64

// X returns the left edge.
func (b BBox) X() float64 { return b[0] }

// Y returns the top edge.
func (b BBox) Y() float64 { return b[1] }

// W returns the width.
func (b BBox) W() float64 { return b[2] }

// H returns the height.
func (b BBox) H() float64 { return b[3] }

// Area returns w*h, or zero for degenerate boxes.
func (b BBox) Area() float64 {
	if b[2] <= 0 || b[3] <= 0 {
		return 0
	}
	return b[2] * b[3]
}

// IoU calculates the Intersection over Union between two boxes.
//
// Arguments:
//   - o: The other box.
//
// Returns:
//   - float64: The IoU value between 0 and 1.
//
// @example
// a := BBox{0, 0, 100, 100}
// b := BBox{50, 50, 100, 100}
// iou := a.IoU(b) // ~0.143 (2500/17500)
func (b BBox) IoU(o BBox) float64 {
	x1 := max(b[0], o[0])
	y1 := max(b[1], o[1])
	x2 := min(b[0]+b[2], o[0]+o[2])
	y2 := min(b[1]+b[3], o[1]+o[3])
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// RawDetection is one unfiltered detector output. Detectors produce them and nothing mutates them.
type RawDetection struct {
	ClassID    int
	Confidence float64
	BBox       BBox
}

func (d RawDetection) String() string {
	return fmt.Sprintf("class %d (confidence %.3f) at [%.1f %.1f %.1f %.1f]",
		d.ClassID, d.Confidence, d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3])
}

// Detector runs inference on frames. Infer is called repeatedly and never concurrently on the same
// instance by the session loop. Implementations should return promptly once ctx is done.
type Detector interface {
	Infer(ctx context.Context, frame source.Frame) ([]RawDetection, error)
	Close() error
}

// Func adapts a function to Detector. Close is a no-op.
type Func func(ctx context.Context, frame source.Frame) ([]RawDetection, error)

// Infer calls f.
func (f Func) Infer(ctx context.Context, frame source.Frame) ([]RawDetection, error) {
	return f(ctx, frame)
}

// Close does nothing.
func (f Func) Close() error { return nil }
