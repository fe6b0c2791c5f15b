package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kmmndr/video_overlay/internal/config"
	"github.com/kmmndr/video_overlay/internal/frame"
	"github.com/kmmndr/video_overlay/internal/overlay"
	"github.com/kmmndr/video_overlay/internal/publish"
	"github.com/kmmndr/video_overlay/internal/render"
	"github.com/kmmndr/video_overlay/internal/scheduler"
	"github.com/kmmndr/video_overlay/internal/video"
	"github.com/kmmndr/video_overlay/internal/vision"
)

// Every highgui call runs on the main goroutine, pinned to the main thread.
func init() {
	runtime.LockOSThread()
}

type player interface {
	video.Source
	Play()
	Toggle()
	Close()
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	videoSource := flag.String("video", "", "Video file, stream URL or capture device index")
	imagePath := flag.String("image", "", "Still image to process instead of a video")
	window := flag.Bool("window", true, "Show the annotated video in a window")
	snapshot := flag.String("snapshot", "", "Write annotated frames to this path (may contain a %d verb)")
	debug := flag.Bool("debug", false, "Enable debug mode with verbose logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "video":
			cfg.Video.Source = *videoSource
		case "image":
			cfg.Video.Image = *imagePath
		case "window":
			cfg.Render.Window = *window
		case "snapshot":
			cfg.Render.SnapshotPath = *snapshot
		}
	})
	if *debug {
		cfg.Log.Level = "debug"
	}

	if cfg.Video.Source == "" && cfg.Video.Image == "" {
		fmt.Fprintln(os.Stderr, "Error: missing video source, use -video, -image or video.source")
		os.Exit(1)
	}

	logger := initLogger(cfg.Log, *debug)
	logger.WithFields(logrus.Fields{
		"source": cfg.Video.Source,
		"image":  cfg.Video.Image,
		"fps":    cfg.Scheduler.FPS,
		"width":  cfg.Video.Width,
		"height": cfg.Video.Height,
	}).Info("starting overlay detector")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("overlay detector failed")
	}
	logger.Info("overlay detector stopped")
}

func initLogger(cfg config.LogConfig, debug bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if debug || cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   debug,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return logger
}

func openSource(cfg *config.Config, logger logrus.FieldLogger) (player, error) {
	if cfg.Video.Image != "" {
		f, err := frame.Load(cfg.Video.Image)
		if err != nil {
			return nil, err
		}
		f.Resize(cfg.Video.Width, cfg.Video.Height)
		return video.NewStill(f), nil
	}

	stream, err := video.OpenStream(cfg.Video.Source, cfg.StreamConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open video %s", cfg.Video.Source)
	}
	logger.WithField("native_fps", stream.Fps()).Info("video opened")
	return stream, nil
}

func newSurface(cfg *config.Config, logger logrus.FieldLogger) *overlay.Surface {
	surface := overlay.NewSurface(cfg.Video.Width, cfg.Video.Height)

	for _, t := range cfg.Overlay.Texts {
		if _, err := surface.AddText(t.Text()); err != nil {
			logger.WithError(err).WithField("text", t.Content).Warn("overlay text skipped")
		}
	}
	for _, img := range cfg.Overlay.Images {
		if _, err := surface.AddImage(img.Image()); err != nil {
			logger.WithError(err).WithField("path", img.Path).Warn("overlay image skipped")
		}
	}

	return surface
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	source, err := openSource(cfg, logger)
	if err != nil {
		return err
	}
	defer source.Close()

	pipeline := vision.NewPipeline(cfg.VisionOptions(), logger)
	pool := pipeline.NewPool()
	defer pool.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.WithField("signal", sig.String()).Info("shutdown requested")
			cancel()
		case <-ctx.Done():
		}
	}()

	opts := []scheduler.Option{
		scheduler.WithObserver(func(t scheduler.Transition) {
			if t.To == scheduler.Draining && t.Reason == video.Ended.String() {
				cancel()
			}
		}),
	}

	var renderers render.Multi
	var win *render.Window
	if cfg.Render.Window {
		controls := render.Controls{Toggle: source.Toggle, Stop: cancel}
		win = render.NewWindow(cfg.Render.Title, controls.HandleKey)
		defer win.Close()
		renderers = append(renderers, win)
	}
	if cfg.Render.SnapshotPath != "" {
		renderers = append(renderers, render.NewSnapshot(cfg.Render.SnapshotPath, cfg.Render.SnapshotEvery, logger))
	}
	if len(renderers) > 0 {
		surface := newSurface(cfg, logger)
		opts = append(opts, scheduler.WithRenderer(render.NewComposite(surface, renderers)))
	}

	if cfg.MQTT.Broker != "" {
		sink := publish.NewMQTT(cfg.PublishConfig(), logger)
		if err := sink.Connect(ctx); err != nil {
			return err
		}
		defer sink.Disconnect()
		opts = append(opts, scheduler.WithSinks(sink))
	}

	s := scheduler.New(source, pool, pipeline, cfg.SchedulerConfig(), logger, opts...)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	source.Play()

	err = wait(done, win)

	stats := s.Stats()
	logger.WithFields(logrus.Fields{
		"sessions":     stats.Sessions,
		"ticks":        stats.Ticks,
		"failed_ticks": stats.FailedTicks,
		"detections":   stats.Detections,
	}).Info("scheduler stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

const pollDelayMs = 5

// wait blocks until the scheduler returns. With a window, the main goroutine
// shows rendered frames and reads keys in the meantime.
func wait(done <-chan error, win *render.Window) error {
	for {
		select {
		case err := <-done:
			return err
		default:
		}

		if win != nil {
			win.Poll(pollDelayMs)
			continue
		}

		select {
		case err := <-done:
			return err
		case <-time.After(50 * time.Millisecond):
		}
	}
}
