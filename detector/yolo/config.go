// Package yolo - YOLOv8 inference through onnxruntime.
package yolo

import (
	"runtime"

	"github.com/pkg/errors"
)

// Config represents the configuration for a YOLOv8 ONNX detector.
type Config struct {
	// ModelPath is the .onnx file to load.
	ModelPath string `json:"model_path" yaml:"model_path"`

	// SharedLibPath points at the onnxruntime shared library. Empty selects the platform default.
	SharedLibPath string `json:"shared_lib_path" yaml:"shared_lib_path"`

	// InputSize is the square model input edge in pixels.
	InputSize int `json:"input_size" yaml:"input_size"`

	// NumClasses is the number of score rows in the head output.
	NumClasses int `json:"num_classes" yaml:"num_classes"`

	// ScoreFloor drops candidates that could never pass any class threshold.
	ScoreFloor float32 `json:"score_floor" yaml:"score_floor"`

	// NMSThreshold controls Non-Maximum Suppression IoU threshold.
	NMSThreshold float64 `json:"nms_threshold" yaml:"nms_threshold"`

	// IntraOpThreads parallelizes execution within graph nodes. 0 uses the runtime default.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`

	// InterOpThreads parallelizes execution across graph nodes. 0 uses the runtime default.
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`

	// Provider selects the execution provider. The zero value runs on CPU.
	Provider Provider `json:"provider" yaml:"provider"`

	InputName  string `json:"input_name" yaml:"input_name"`
	OutputName string `json:"output_name" yaml:"output_name"`
}

// DefaultConfig returns the configuration for a stock 640x640 COCO YOLOv8 export.
//
// Returns:
//   - Config: The default configuration.
//
// @example
// cfg := DefaultConfig()
// cfg.ModelPath = "models/yolov8n.onnx"
// det, err := Open(cfg, logger)
func DefaultConfig() Config {
	return Config{
		InputSize:      640,
		NumClasses:     80,
		ScoreFloor:     0.05,
		NMSThreshold:   0.45,
		IntraOpThreads: 4,
		InterOpThreads: 2,
		Provider:       Provider{Backend: BackendCPU},
		InputName:      "images",
		OutputName:     "output0",
	}
}

// Anchors returns the number of prediction cells YOLOv8 emits for the configured input size
// (strides 8, 16 and 32).
func (c Config) Anchors() int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		g := c.InputSize / stride
		n += g * g
	}
	return n
}

// Validate checks the fields Open depends on.
func (c Config) Validate() error {
	switch {
	case c.ModelPath == "":
		return errors.New("model path is required")
	case c.InputSize <= 0 || c.InputSize%32 != 0:
		return errors.Errorf("input size %d must be a positive multiple of 32", c.InputSize)
	case c.NumClasses <= 0:
		return errors.Errorf("num classes %d must be positive", c.NumClasses)
	case c.ScoreFloor < 0 || c.ScoreFloor > 1:
		return errors.Errorf("score floor %v outside [0, 1]", c.ScoreFloor)
	case c.NMSThreshold <= 0 || c.NMSThreshold > 1:
		return errors.Errorf("nms threshold %v outside (0, 1]", c.NMSThreshold)
	}
	return c.Provider.Validate()
}

// DefaultSharedLibPath returns the onnxruntime library location for the running platform.
func DefaultSharedLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "third_party/onnxruntime.dll"
	case "darwin":
		return "third_party/libonnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "third_party/onnxruntime_arm64.so"
		}
		return "third_party/onnxruntime.so"
	}
}
