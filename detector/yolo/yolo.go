package yolo

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-detect/detector"
	"github.com/nvr-ai/go-detect/source"
)

var envMu sync.Mutex

// initEnvironment loads the onnxruntime library once per process.
func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(err, "onnxruntime library not found at %s", libPath)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initializing onnxruntime environment")
	}
	return nil
}

// Detector runs a YOLOv8 model. Infer calls are serialized; the input and output tensors are
// reused across calls.
type Detector struct {
	cfg    Config
	layout detector.YOLOv8Layout
	logger *zap.Logger

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

var _ detector.Detector = (*Detector)(nil)

// Open loads the model and prepares a session.
//
// Arguments:
//   - cfg: The detector configuration.
//   - logger: Logger; nil means no logging.
//
// Returns:
//   - *Detector: The ready detector.
//   - error: An error if the library or model cannot be loaded.
func Open(cfg Config, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid detector config")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrap(err, "model")
	}
	libPath := cfg.SharedLibPath
	if libPath == "" {
		libPath = DefaultSharedLibPath()
	}
	if err := initEnvironment(libPath); err != nil {
		return nil, err
	}

	layout := detector.YOLOv8Layout{Classes: cfg.NumClasses, Anchors: cfg.Anchors(), InputSize: cfg.InputSize}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(cfg.InputSize), int64(cfg.InputSize)))
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+cfg.NumClasses), int64(layout.Anchors)))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "creating output tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "creating session options")
	}
	defer options.Destroy()

	if cfg.IntraOpThreads > 0 {
		_ = options.SetIntraOpNumThreads(cfg.IntraOpThreads)
	}
	if cfg.InterOpThreads > 0 {
		_ = options.SetInterOpNumThreads(cfg.InterOpThreads)
	}
	_ = options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended)
	if err := cfg.Provider.apply(options); err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "creating onnxruntime session")
	}

	logger = logger.Named("yolo")
	logger.Info("model loaded",
		zap.String("model", cfg.ModelPath),
		zap.Int("input_size", cfg.InputSize),
		zap.String("provider", string(cfg.Provider.Backend)),
		zap.Int("classes", cfg.NumClasses),
		zap.Int("anchors", layout.Anchors))

	return &Detector{
		cfg:     cfg,
		layout:  layout,
		logger:  logger,
		session: session,
		input:   input,
		output:  output,
	}, nil
}

// Infer runs the model on frame. The runtime call itself cannot be interrupted, so ctx is checked
// before and after it.
func (d *Detector) Infer(ctx context.Context, frame source.Frame) ([]detector.RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil {
		return nil, errors.New("detector closed")
	}
	if frame.Image == nil {
		return nil, errors.Errorf("frame %d has no image", frame.Seq)
	}
	if err := fillInput(frame.Image, d.cfg.InputSize, d.input.GetData()); err != nil {
		return nil, errors.Wrapf(err, "preparing frame %d", frame.Seq)
	}

	start := time.Now()
	if err := d.session.Run(); err != nil {
		return nil, errors.Wrapf(err, "running model on frame %d", frame.Seq)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := frame.Image.Bounds()
	raw, err := detector.DecodeYOLOv8(d.output.GetData(), d.layout, b.Dx(), b.Dy(), d.cfg.ScoreFloor)
	if err != nil {
		return nil, errors.Wrap(err, "decoding output")
	}
	kept := detector.NMS(raw, d.cfg.NMSThreshold)

	d.logger.Debug("inference",
		zap.Uint64("seq", frame.Seq),
		zap.Duration("took", time.Since(start)),
		zap.Int("candidates", len(raw)),
		zap.Int("kept", len(kept)))
	return kept, nil
}

// Close releases the session and tensors. Safe to call repeatedly.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.session != nil {
		err = d.session.Destroy()
		d.session = nil
	}
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	if d.output != nil {
		d.output.Destroy()
		d.output = nil
	}
	return err
}
