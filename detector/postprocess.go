package detector

import (
	"fmt"
	"sort"

	"github.com/chewxy/math32"
)

// YOLOv8Layout describes the shape of a YOLOv8 detection head output: [1, 4+Classes, Anchors],
// boxes as (cx, cy, w, h) in model-input pixels followed by one score row per class.
type YOLOv8Layout struct {
	Classes   int
	Anchors   int
	InputSize int
}

// DecodeYOLOv8 turns the raw head output into detections in source pixel space.
//
// Only scores below floor are discarded here; acceptance against per-class thresholds happens later
// so that threshold changes take effect without touching the detector.
//
// Arguments:
//   - output: The flattened output tensor.
//   - layout: The tensor layout.
//   - srcW, srcH: The source frame size the boxes are scaled back to.
//   - floor: Minimum class score worth keeping.
//
// Returns:
//   - []RawDetection: Candidates in anchor order.
//   - error: An error if output does not match layout.
func DecodeYOLOv8(output []float32, layout YOLOv8Layout, srcW, srcH int, floor float32) ([]RawDetection, error) {
	rows := 4 + layout.Classes
	if layout.Anchors <= 0 || layout.InputSize <= 0 || len(output) < rows*layout.Anchors {
		return nil, fmt.Errorf("output holds %d floats, layout needs %d", len(output), rows*layout.Anchors)
	}

	a := layout.Anchors
	sx := float32(srcW) / float32(layout.InputSize)
	sy := float32(srcH) / float32(layout.InputSize)
	fw, fh := float32(srcW), float32(srcH)

	out := make([]RawDetection, 0, 64)
	for idx := 0; idx < a; idx++ {
		classID := -1
		best := float32(-1)
		for c := 0; c < layout.Classes; c++ {
			if p := output[a*(c+4)+idx]; p > best {
				best = p
				classID = c
			}
		}
		if best < floor {
			continue
		}

		xc, yc := output[idx], output[a+idx]
		w, h := output[2*a+idx], output[3*a+idx]

		x1 := math32.Max(0, (xc-w/2)*sx)
		y1 := math32.Max(0, (yc-h/2)*sy)
		x2 := math32.Min(fw, (xc+w/2)*sx)
		y2 := math32.Min(fh, (yc+h/2)*sy)
		if x2 <= x1 || y2 <= y1 {
			continue
		}

		out = append(out, RawDetection{
			ClassID:    classID,
			Confidence: float64(math32.Min(best, 1)),
			BBox:       BBox{float64(x1), float64(y1), float64(x2 - x1), float64(y2 - y1)},
		})
	}
	return out, nil
}

// NMS applies class-aware Non-Maximum Suppression. The survivors come back in descending
// confidence order, which is the order the detector emits them in.
//
// Arguments:
//   - dets: Candidates; the slice is not modified.
//   - iouThreshold: Overlap above which the weaker of two same-class boxes is dropped.
//
// Returns:
//   - []RawDetection: The kept detections.
func NMS(dets []RawDetection, iouThreshold float64) []RawDetection {
	if len(dets) == 0 {
		return nil
	}

	sorted := make([]RawDetection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]RawDetection, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].ClassID != sorted[i].ClassID {
				continue
			}
			if sorted[i].BBox.IoU(sorted[j].BBox) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}
