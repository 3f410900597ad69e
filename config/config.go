// Package config - YAML configuration for the detector, classes, session loop and observer server.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-detect/classes"
	"github.com/nvr-ai/go-detect/history"
	"github.com/nvr-ai/go-detect/logging"
	"github.com/nvr-ai/go-detect/scheduler"
	"github.com/nvr-ai/go-detect/snapshot"
)

// Config is the whole file.
type Config struct {
	Model   Model           `yaml:"model"`
	Classes Classes         `yaml:"classes"`
	Session Session         `yaml:"session"`
	Server  Server          `yaml:"server"`
	Log     logging.Options `yaml:"log"`
}

// Model configures the ONNX detector.
type Model struct {
	Path          string  `yaml:"path"`
	SharedLibPath string  `yaml:"shared_lib_path"`
	InputSize     int     `yaml:"input_size"`
	NumClasses    int     `yaml:"num_classes"`
	ScoreFloor    float32 `yaml:"score_floor"`
	NMSThreshold  float64 `yaml:"nms_threshold"`
	Threads       int     `yaml:"threads"`

	// Provider is the onnxruntime execution provider: cpu, cuda, coreml or openvino.
	Provider   string `yaml:"provider"`
	Device     int    `yaml:"device"`
	DeviceType string `yaml:"device_type"`
}

// Classes picks a preset and adjusts individual classes by name.
type Classes struct {
	Preset    string     `yaml:"preset"`
	Overrides []Override `yaml:"overrides"`
}

// Override changes one class of the preset.
type Override struct {
	Name      string   `yaml:"name"`
	Threshold *float64 `yaml:"threshold"`
	Enabled   *bool    `yaml:"enabled"`
}

// Session tunes the loop and the history.
type Session struct {
	scheduler.Config `yaml:",inline"`

	OpenTimeout time.Duration    `yaml:"open_timeout"`
	HistorySize int              `yaml:"history_size"`
	Snapshots   bool             `yaml:"snapshots"`
	Snapshot    snapshot.Options `yaml:"snapshot"`
}

// Server configures the observer HTTP API. An empty Listen disables it.
type Server struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Model: Model{
			Provider:     "cpu",
			InputSize:    640,
			NumClasses:   2,
			ScoreFloor:   0.05,
			NMSThreshold: 0.45,
			Threads:      4,
		},
		Classes: Classes{Preset: classes.PresetAnomaly},
		Session: Session{
			Config:      scheduler.DefaultConfig(),
			OpenTimeout: 10 * time.Second,
			HistorySize: history.DefaultCapacity,
			Snapshot:    snapshot.DefaultOptions(),
		},
		Log: logging.Options{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path or a missing file yields the defaults.
//
// Arguments:
//   - path: The YAML file.
//
// Returns:
//   - Config: The validated configuration.
//   - error: An error if the file cannot be read, parsed or validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "validating %s", path)
	}
	return cfg, nil
}

// Validate rejects impossible values.
func (c *Config) Validate() error {
	if c.Model.ScoreFloor < 0 || c.Model.ScoreFloor > 1 {
		return errors.Errorf("model.score_floor %v outside [0, 1]", c.Model.ScoreFloor)
	}
	if c.Model.NMSThreshold <= 0 || c.Model.NMSThreshold > 1 {
		return errors.Errorf("model.nms_threshold %v outside (0, 1]", c.Model.NMSThreshold)
	}
	if c.Session.Interval <= 0 {
		return errors.Errorf("session.interval %s must be positive", c.Session.Interval)
	}
	if c.Session.InferTimeout < 0 || c.Session.OpenTimeout < 0 {
		return errors.New("session timeouts must not be negative")
	}
	if c.Session.MaxConsecutiveFailures < 1 {
		return errors.Errorf("session.max_consecutive_failures %d must be at least 1", c.Session.MaxConsecutiveFailures)
	}
	if c.Session.HistorySize < 1 {
		return errors.Errorf("session.history_size %d must be at least 1", c.Session.HistorySize)
	}
	if c.Session.Snapshot.Quality < 0 || c.Session.Snapshot.Quality > 100 {
		return errors.Errorf("session.snapshot.quality %d outside [0, 100]", c.Session.Snapshot.Quality)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	_, err := c.ClassConfigs()
	return err
}

// ClassConfigs resolves the preset and applies the overrides.
//
// Returns:
//   - []classes.Config: The class defaults.
//   - error: An error for an unknown preset or class name, or an out-of-range threshold.
func (c *Config) ClassConfigs() ([]classes.Config, error) {
	set, err := classes.Preset(c.Classes.Preset)
	if err != nil {
		return nil, err
	}
	for _, o := range c.Classes.Overrides {
		idx := -1
		for i := range set {
			if strings.EqualFold(set[i].Name, strings.TrimSpace(o.Name)) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, errors.Wrapf(classes.ErrUnknownClass, "override %q", o.Name)
		}
		if o.Threshold != nil {
			if t := *o.Threshold; !(t >= 0 && t <= 1) {
				return nil, errors.Wrapf(classes.ErrThresholdOutOfRange, "override %q: %v", o.Name, t)
			}
			set[idx].Threshold = *o.Threshold
		}
		if o.Enabled != nil {
			set[idx].Enabled = *o.Enabled
		}
	}
	return set, nil
}
