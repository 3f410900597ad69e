// Package main is the go-detect command: it runs detection sessions over a camera, a video or an
// image, lists class presets and inspects exported histories.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-detect/capture"
	"github.com/nvr-ai/go-detect/config"
	"github.com/nvr-ai/go-detect/controller"
	"github.com/nvr-ai/go-detect/detector/yolo"
	"github.com/nvr-ai/go-detect/history"
	"github.com/nvr-ai/go-detect/logging"
	"github.com/nvr-ai/go-detect/metrics"
	"github.com/nvr-ai/go-detect/profiler"
	"github.com/nvr-ai/go-detect/server"
	"github.com/nvr-ai/go-detect/snapshot"
	"github.com/nvr-ai/go-detect/source"
)

const (
	// Flags.
	flagConfig   = "config"
	flagDebug    = "debug"
	flagCamera   = "camera"
	flagVideo    = "video"
	flagImage    = "image"
	flagModel    = "model"
	flagExport   = "export"
	flagListen   = "listen"
	flagDuration = "duration"
	flagPreset   = "preset"

	statePollInterval = 100 * time.Millisecond
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "go-detect:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "go-detect",
		Usage: "classify camera, video and image input with a YOLO ONNX model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run one detection session",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagCamera, Usage: "capture from camera `ID`"},
					&cli.StringFlag{Name: flagVideo, Usage: "read frames from video `FILE`"},
					&cli.StringFlag{Name: flagImage, Usage: "classify image `FILE` once"},
					&cli.StringFlag{Name: flagModel, Usage: "YOLO ONNX model `FILE` (overrides model.path)"},
					&cli.StringFlag{Name: flagExport, Usage: "write the history to `FILE` when the session ends"},
					&cli.StringFlag{Name: flagListen, Usage: "serve the observer API on `ADDR` (overrides server.listen)"},
					&cli.DurationFlag{Name: flagDuration, Usage: "stop after `DURATION`; zero runs until the input ends or an interrupt"},
				},
				Action: runAction,
			},
			{
				Name:  "classes",
				Usage: "list the classes of a preset with their thresholds",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagPreset, Usage: "preset `NAME` (anomaly or coco); defaults to the configured one"},
				},
				Action: classesAction,
			},
			{
				Name:      "inspect",
				Usage:     "summarize an exported history",
				ArgsUsage: "FILE",
				Action:    inspectAction,
			},
		},
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return cfg, err
	}
	if c.Bool(flagDebug) {
		cfg.Log.Level = "debug"
		cfg.Log.Development = true
	}
	return cfg, nil
}

// inputFromFlags picks the session input. At most one of --camera, --video and --image may be
// given; none selects camera 0.
func inputFromFlags(c *cli.Context) (source.Input, error) {
	var (
		in    source.Input
		count int
	)
	if c.IsSet(flagCamera) {
		in = source.Camera{DeviceID: c.Int(flagCamera)}
		count++
	}
	if c.IsSet(flagVideo) {
		in = source.VideoFile{Path: c.String(flagVideo)}
		count++
	}
	if c.IsSet(flagImage) {
		in = source.ImageFile{Path: c.String(flagImage)}
		count++
	}
	switch count {
	case 0:
		return source.Camera{}, nil
	case 1:
		if cam, ok := in.(source.Camera); ok && cam.DeviceID < 0 {
			return nil, errors.Errorf("invalid camera device %d", cam.DeviceID)
		}
		return in, source.ValidateFile(in)
	default:
		return nil, errors.New("use only one of --camera, --video and --image")
	}
}

func detectorConfig(m config.Model) yolo.Config {
	cfg := yolo.DefaultConfig()
	cfg.ModelPath = m.Path
	cfg.SharedLibPath = m.SharedLibPath
	cfg.InputSize = m.InputSize
	cfg.NumClasses = m.NumClasses
	cfg.ScoreFloor = m.ScoreFloor
	cfg.NMSThreshold = m.NMSThreshold
	if m.Threads > 0 {
		cfg.IntraOpThreads = m.Threads
	}
	cfg.Provider = yolo.Provider{
		Backend:    yolo.Backend(m.Provider),
		DeviceID:   m.Device,
		DeviceType: m.DeviceType,
	}
	return cfg
}

func runAction(c *cli.Context) error {
	in, err := inputFromFlags(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet(flagModel) {
		cfg.Model.Path = c.String(flagModel)
	}
	if c.IsSet(flagListen) {
		cfg.Server.Listen = c.String(flagListen)
	}
	set, err := cfg.ClassConfigs()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Model.NumClasses < len(set) {
		logger.Warn("model scores fewer classes than configured",
			zap.Int("num_classes", cfg.Model.NumClasses), zap.Int("configured", len(set)))
	}

	det, err := yolo.Open(detectorConfig(cfg.Model), logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	prof := profiler.NewRuntimeProfiler(profiler.ProfilingOptions{Logger: logger})
	prof.Start()
	defer prof.Stop()

	opts := controller.Options{
		Opener:      capture.NewOpener(logger),
		Detector:    det,
		Classes:     set,
		HistorySize: cfg.Session.HistorySize,
		OpenTimeout: cfg.Session.OpenTimeout,
		Scheduler:   cfg.Session.Config,
		Logger:      logger,
		Metrics:     m,
		Profiler:    prof,
	}
	if cfg.Session.Snapshots {
		opts.Snapshot = snapshot.Encoder(cfg.Session.Snapshot)
	}
	ctrl, err := controller.New(opts)
	if err != nil {
		return multierr.Append(err, det.Close())
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logger.Warn("closing controller", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := c.Duration(flagDuration); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	results, unsubscribe := ctrl.Subscribe(64)
	defer unsubscribe()
	if err := ctrl.Start(ctx, in); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return logResults(gctx, logger, results)
	})
	if cfg.Server.Listen != "" {
		srv := server.New(ctrl, server.Options{Listen: cfg.Server.Listen, Metrics: m, Logger: logger})
		g.Go(func() error {
			return srv.Run(gctx)
		})
	} else {
		// Without an observer the command ends with the session.
		g.Go(func() error {
			return waitResting(gctx, ctrl)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errSessionEnded) {
		return err
	}

	if err := ctrl.Stop(); err != nil {
		logger.Warn("stopping session", zap.Error(err))
	}
	status := ctrl.Status()
	logger.Info("session finished",
		zap.Stringer("state", status.State),
		zap.Uint64("frames", status.Frames),
		zap.Uint64("published", status.Published))

	if path := c.String(flagExport); path != "" {
		data, err := ctrl.ExportJSON()
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return errors.Wrap(err, "writing export")
		}
		logger.Info("history exported", zap.String("path", path), zap.Int("results", len(ctrl.History())))
	}

	renderStats(c.App.Writer, ctrl.Stats())
	if status.State == controller.Failed {
		return errors.Errorf("session failed: %s", status.Reason)
	}
	return nil
}

// errSessionEnded stops the errgroup once the session reaches a resting state.
var errSessionEnded = errors.New("session ended")

func waitResting(ctx context.Context, ctrl *controller.Controller) error {
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()
	for {
		if ctrl.State().State.Resting() {
			return errSessionEnded
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func logResults(ctx context.Context, logger *zap.Logger, results <-chan history.Result) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-results:
			if !ok {
				return nil
			}
			fields := []zap.Field{
				zap.Uint64("seq", r.Seq),
				zap.Uint64("frame", r.Frame),
				zap.Int("classifications", len(r.Classifications)),
			}
			if len(r.Warnings) > 0 {
				fields = append(fields, zap.Strings("warnings", r.Warnings))
			}
			logger.Info("result", fields...)
		}
	}
}

func classesAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet(flagPreset) {
		cfg.Classes.Preset = c.String(flagPreset)
		cfg.Classes.Overrides = nil
	}
	set, err := cfg.ClassConfigs()
	if err != nil {
		return err
	}
	renderClasses(c.App.Writer, set)
	return nil
}

func inspectAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("inspect takes exactly one FILE")
	}
	path := c.Args().First()
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading export")
	}
	exportedAt, results, err := history.ParseExport(data)
	if err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}
	renderExport(c.App.Writer, exportedAt, results)
	return nil
}
