package yolo

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Backend names an onnxruntime execution provider.
type Backend string

const (
	// BackendCPU runs on the default CPU provider.
	BackendCPU Backend = "cpu"
	// BackendCUDA uses NVIDIA CUDA.
	BackendCUDA Backend = "cuda"
	// BackendCoreML uses Apple CoreML.
	BackendCoreML Backend = "coreml"
	// BackendOpenVINO uses Intel OpenVINO.
	BackendOpenVINO Backend = "openvino"
)

// Provider selects where the model runs. Providers other than CPU must be compiled into the
// onnxruntime library in use.
type Provider struct {
	Backend Backend `json:"backend" yaml:"backend"`
	// DeviceID is the CUDA device ordinal.
	DeviceID int `json:"device_id" yaml:"device_id"`
	// DeviceType is the OpenVINO target, for example CPU, GPU or NPU.
	DeviceType string `json:"device_type" yaml:"device_type"`
}

// Validate rejects unknown backends. An empty backend means CPU.
func (p Provider) Validate() error {
	switch Backend(strings.ToLower(string(p.Backend))) {
	case "", BackendCPU, BackendCoreML, BackendOpenVINO:
		return nil
	case BackendCUDA:
		if p.DeviceID < 0 {
			return errors.Errorf("cuda device %d must not be negative", p.DeviceID)
		}
		return nil
	default:
		return errors.Errorf("unknown execution provider %q", p.Backend)
	}
}

// apply appends the execution provider to options. CPU needs nothing.
func (p Provider) apply(options *ort.SessionOptions) error {
	switch Backend(strings.ToLower(string(p.Backend))) {
	case "", BackendCPU:
		return nil
	case BackendCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return errors.Wrap(err, "enabling CoreML")
		}
	case BackendOpenVINO:
		deviceType := p.DeviceType
		if deviceType == "" {
			deviceType = "CPU"
		}
		if err := options.AppendExecutionProviderOpenVINO(map[string]string{"device_type": deviceType}); err != nil {
			return errors.Wrap(err, "enabling OpenVINO")
		}
	case BackendCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "creating CUDA options")
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": fmt.Sprintf("%d", p.DeviceID)}); err != nil {
			return errors.Wrap(err, "configuring CUDA")
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return errors.Wrap(err, "enabling CUDA")
		}
	default:
		return errors.Errorf("unknown execution provider %q", p.Backend)
	}
	return nil
}
