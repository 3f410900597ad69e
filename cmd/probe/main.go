// Package main - probe opens one input through the capture layer and reports how fast frames arrive.
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
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-detect/capture"
	"github.com/nvr-ai/go-detect/logging"
	"github.com/nvr-ai/go-detect/profiler"
	"github.com/nvr-ai/go-detect/source"
)

const opFrame = "frame"

func main() {
	app := &cli.App{
		Name:  "probe",
		Usage: "measure the frame rate of a camera, video or image input",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Value: "camera", Usage: "input `KIND`: camera, video or image"},
			&cli.IntFlag{Name: "device", Usage: "camera device `ID`"},
			&cli.StringFlag{Name: "path", Usage: "video or image `FILE`"},
			&cli.IntFlag{Name: "frames", Usage: "stop after `N` frames; zero reads until the input ends"},
			&cli.DurationFlag{Name: "open-timeout", Value: 10 * time.Second, Usage: "bound on opening the input"},
			&cli.DurationFlag{Name: "report", Value: time.Second, Usage: "frame rate report `INTERVAL`"},
			&cli.BoolFlag{Name: "window", Usage: "show frames in a window"},
		},
		Action: probe,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "probe:", err)
		os.Exit(1)
	}
}

func probe(c *cli.Context) error {
	logger, err := logging.New(logging.Options{Level: "info", Development: true})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	in, err := source.Parse(c.String("kind"), c.Int("device"), c.String("path"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sources := source.NewManager(capture.NewOpener(logger), c.Duration("open-timeout"), logger)
	defer func() { _ = sources.Close() }()

	h, err := sources.Open(ctx, in)
	if err != nil {
		return err
	}
	defer func() { _ = sources.Release(h) }()

	prof := profiler.NewRuntimeProfiler(profiler.ProfilingOptions{Logger: logger})

	var window *gocv.Window
	if c.Bool("window") {
		window = gocv.NewWindow("probe " + in.String())
		defer window.Close()
	}

	report := time.NewTicker(c.Duration("report"))
	defer report.Stop()

	var (
		frames    int
		transient int
		started   = time.Now()
		limit     = c.Int("frames")
	)
	for limit == 0 || frames < limit {
		select {
		case <-ctx.Done():
			return summarize(logger, in, frames, transient, time.Since(started))
		case <-report.C:
			logger.Info("frame rate",
				zap.Stringer("input", in),
				zap.Float64("fps", prof.Rate(opFrame)),
				zap.Int("frames", frames))
		default:
		}

		end := prof.StartOperation(opFrame)
		frame, err := h.Next(ctx)
		switch {
		case err == nil:
			end()
			frames++
		case source.IsTransient(err):
			transient++
			continue
		case errors.Is(err, source.ErrEndOfStream), errors.Is(err, context.Canceled):
			return summarize(logger, in, frames, transient, time.Since(started))
		default:
			return errors.Wrapf(err, "reading %s", in)
		}

		if window != nil {
			mat, err := gocv.ImageToMatRGB(frame.Image)
			if err != nil {
				return errors.Wrap(err, "converting frame")
			}
			window.IMShow(mat)
			_ = mat.Close()
			if window.WaitKey(1) >= 0 {
				break
			}
		}
	}
	return summarize(logger, in, frames, transient, time.Since(started))
}

func summarize(logger *zap.Logger, in source.Input, frames, transient int, elapsed time.Duration) error {
	fps := 0.0
	if elapsed > 0 {
		fps = float64(frames) / elapsed.Seconds()
	}
	logger.Info("probe finished",
		zap.Stringer("input", in),
		zap.Int("frames", frames),
		zap.Int("transient_errors", transient),
		zap.Duration("elapsed", elapsed),
		zap.Float64("fps", fps))
	return nil
}
