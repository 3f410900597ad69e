// Package filter - Joins raw detections with class configuration and applies per-class thresholds.
package filter

import (
	"fmt"
	"sort"

	"github.com/nvr-ai/go-detect/classes"
	"github.com/nvr-ai/go-detect/detector"
)

// Classification is a RawDetection annotated with its class name and accept/reject decision.
type Classification struct {
	ClassID    int           `json:"class_id"`
	ClassName  string        `json:"class_name"`
	Confidence float64       `json:"confidence"`
	BBox       detector.BBox `json:"bbox"`
	Accepted   bool          `json:"accepted"`
}

func (c Classification) String() string {
	verdict := "rejected"
	if c.Accepted {
		verdict = "accepted"
	}
	return fmt.Sprintf("%s %.3f %s", c.ClassName, c.Confidence, verdict)
}

// Classify maps raw detections through the class snapshot.
//
// Detections with an unknown class id and detections of disabled classes are dropped. Every other
// detection is accepted when its confidence is at least the class threshold. The detector's
// emission order is preserved.
//
// Arguments:
//   - raw: The detector output for one frame.
//   - snap: The class configuration in effect for the tick.
//
// Returns:
//   - []Classification: One entry per surviving detection.
//
// @example
// snap := classes.NewSnapshot(classes.Config{ID: 1, Name: "abnormal", Threshold: 0.7, Enabled: true})
// out := Classify([]detector.RawDetection{{ClassID: 1, Confidence: 0.65}}, snap)
// // out[0].Accepted == false
func Classify(raw []detector.RawDetection, snap classes.Snapshot) []Classification {
	out := make([]Classification, 0, len(raw))
	for _, d := range raw {
		cfg, ok := snap.Lookup(d.ClassID)
		if !ok || !cfg.Enabled {
			continue
		}
		out = append(out, Classification{
			ClassID:    d.ClassID,
			ClassName:  cfg.Name,
			Confidence: d.Confidence,
			BBox:       d.BBox,
			Accepted:   d.Confidence >= cfg.Threshold,
		})
	}
	return out
}

// Accepted returns the accepted classifications in their original order.
func Accepted(cls []Classification) []Classification {
	out := make([]Classification, 0, len(cls))
	for _, c := range cls {
		if c.Accepted {
			out = append(out, c)
		}
	}
	return out
}

// ByDisplayPriority returns a copy ordered by descending confidence; ties keep their order.
func ByDisplayPriority(cls []Classification) []Classification {
	out := make([]Classification, len(cls))
	copy(out, cls)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// Warning messages attached to results.
const (
	WarnNoDetections = "no detections"
)

// Warnings flags results that deserve an operator's attention: nothing accepted, or more accepted
// detections than warnAbove. A warnAbove of zero or less disables the crowding check.
func Warnings(accepted []Classification, warnAbove int) []string {
	switch {
	case len(accepted) == 0:
		return []string{WarnNoDetections}
	case warnAbove > 0 && len(accepted) > warnAbove:
		return []string{fmt.Sprintf("many detections: %d", len(accepted))}
	}
	return nil
}
