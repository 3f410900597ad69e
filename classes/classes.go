// Package classes - Classifiable labels with per-class confidence thresholds.
package classes

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultThreshold is the confidence threshold a class starts with when a preset does not say otherwise.
const DefaultThreshold = 0.5

// Config is one classifiable label.
type Config struct {
	// The integer index returned by the detector.
	ID int `json:"id" yaml:"id"`
	// The human-readable label.
	Name string `json:"name" yaml:"name"`
	// Minimum confidence, inclusive, for a detection of this class to be accepted.
	Threshold float64 `json:"threshold" yaml:"threshold"`
	// Disabled classes are dropped before thresholding.
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Update describes a partial change to a Config. Nil fields are left untouched.
type Update struct {
	Threshold *float64 `json:"threshold,omitempty"`
	Enabled   *bool    `json:"enabled,omitempty"`
}

// Preset names.
const (
	PresetAnomaly = "anomaly"
	PresetCOCO    = "coco"
)

// AnomalyClasses is the two-class normal/abnormal set the inspection models are trained on.
var AnomalyClasses = []Config{
	{ID: 0, Name: "normal", Threshold: DefaultThreshold, Enabled: true},
	{ID: 1, Name: "abnormal", Threshold: DefaultThreshold, Enabled: true},
}

// cocoNames is the 80 COCO labels in YOLO order (no background).
var cocoNames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse",
	"sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie",
	"suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut",
	"cake", "chair", "couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book",
	"clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}

// COCOClasses is the 80 COCO classes indexed the way YOLO models emit them.
var COCOClasses = func() []Config {
	out := make([]Config, len(cocoNames))
	for i, name := range cocoNames {
		out[i] = Config{ID: i, Name: name, Threshold: DefaultThreshold, Enabled: true}
	}
	return out
}()

// Preset returns a copy of the named class set.
//
// Arguments:
//   - name: One of PresetAnomaly or PresetCOCO (case-insensitive).
//
// Returns:
//   - []Config: A copy of the preset, safe to modify.
//   - error: An error if the preset is unknown.
func Preset(name string) ([]Config, error) {
	var set []Config
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PresetAnomaly, "":
		set = AnomalyClasses
	case PresetCOCO:
		set = COCOClasses
	default:
		return nil, fmt.Errorf("unknown class preset %q", name)
	}
	out := make([]Config, len(set))
	copy(out, set)
	return out, nil
}

// Snapshot is an immutable view of the store taken at one instant. The scheduler classifies a whole
// frame against a single snapshot so a concurrent update never lands mid-classification.
type Snapshot struct {
	byID map[int]Config
}

// Lookup returns the config for a class id.
func (s Snapshot) Lookup(id int) (Config, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// Len returns the number of classes in the snapshot.
func (s Snapshot) Len() int {
	return len(s.byID)
}

// List returns the snapshot's classes ordered by id.
func (s Snapshot) List() []Config {
	out := make([]Config, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NewSnapshot builds a snapshot directly from a list. Later duplicates replace earlier ones.
func NewSnapshot(configs ...Config) Snapshot {
	byID := make(map[int]Config, len(configs))
	for _, c := range configs {
		byID[c.ID] = c
	}
	return Snapshot{byID: byID}
}
