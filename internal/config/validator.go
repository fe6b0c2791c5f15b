package config

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kmmndr/video_overlay/internal/overlay"
	"github.com/kmmndr/video_overlay/internal/publish"
	"github.com/kmmndr/video_overlay/internal/scheduler"
)

// Validate checks the configuration and fills unset values with defaults.
func Validate(cfg *Config) error {
	if cfg.Video.Width <= 0 || cfg.Video.Height <= 0 {
		return errors.Errorf("video size must be positive, got %dx%d", cfg.Video.Width, cfg.Video.Height)
	}

	if err := validatePipeline(&cfg.Pipeline); err != nil {
		return errors.Wrap(err, "pipeline")
	}

	if cfg.Scheduler.FPS < 0 {
		return errors.New("scheduler.fps must be > 0")
	}
	if cfg.Scheduler.FPS == 0 {
		cfg.Scheduler.FPS = scheduler.DefaultFPS
	}
	if cfg.Scheduler.RetryInterval <= 0 {
		cfg.Scheduler.RetryInterval = scheduler.DefaultRetryInterval
	}

	if cfg.Render.SnapshotEvery <= 0 {
		cfg.Render.SnapshotEvery = 1
	}

	if err := validateOverlay(cfg.Overlay); err != nil {
		return errors.Wrap(err, "overlay")
	}

	if err := validateMQTT(&cfg.MQTT); err != nil {
		return errors.Wrap(err, "mqtt")
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	switch cfg.Log.Format {
	case "":
		cfg.Log.Format = "json"
	case "json", "text":
	default:
		return errors.Errorf("log.format must be json or text, got %q", cfg.Log.Format)
	}

	return nil
}

func validatePipeline(p *PipelineConfig) error {
	if len(p.Lower) != 3 || len(p.Upper) != 3 {
		return errors.New("lower and upper must be [h, s, v]")
	}
	limits := []float64{180, 255, 255}
	for i := range limits {
		if p.Lower[i] < 0 || p.Upper[i] > limits[i] {
			return errors.Errorf("bound %d out of range [0, %.0f]", i, limits[i])
		}
		if p.Lower[i] > p.Upper[i] {
			return errors.Errorf("lower bound %d is above upper bound", i)
		}
	}

	if p.BlurSize <= 0 || p.BlurSize%2 == 0 {
		return errors.Errorf("blur_size must be odd and positive, got %d", p.BlurSize)
	}
	if p.CannyLow < 0 || p.CannyLow > p.CannyHigh {
		return errors.Errorf("canny thresholds must satisfy 0 <= low <= high, got %v and %v", p.CannyLow, p.CannyHigh)
	}
	if p.MinArea < 0 {
		return errors.New("min_area must be >= 0")
	}
	if _, err := overlay.ParseColor(p.StrokeColor); err != nil {
		return errors.Wrap(err, "stroke_color")
	}
	if p.StrokeWidth <= 0 {
		p.StrokeWidth = 2
	}
	if p.BandTolerance < 0 {
		return errors.New("band_tolerance must be >= 0")
	}
	if p.ApproxEpsilon <= 0 {
		p.ApproxEpsilon = 0.02
	}
	return nil
}

func validateOverlay(o OverlayConfig) error {
	for i, t := range o.Texts {
		if t.Content == "" {
			return errors.Errorf("text %d: content is required", i)
		}
		if t.Color == "" {
			continue
		}
		if _, err := overlay.ParseColor(t.Color); err != nil {
			return errors.Wrapf(err, "text %d", i)
		}
	}
	for i, img := range o.Images {
		if img.Path == "" {
			return errors.Errorf("image %d: path is required", i)
		}
		if img.Scale < 0 {
			return errors.Errorf("image %d: scale must be >= 0", i)
		}
		if (img.X == nil) != (img.Y == nil) {
			return errors.Errorf("image %d: x and y must be set together", i)
		}
	}
	return nil
}

func validateMQTT(m *MQTTConfig) error {
	if m.QoS > 2 {
		return errors.Errorf("qos must be 0, 1 or 2, got %d", m.QoS)
	}
	switch m.Encoding {
	case "":
		m.Encoding = publish.EncodingJSON
	case publish.EncodingJSON, publish.EncodingMsgpack:
	default:
		return errors.Errorf("encoding must be %s or %s, got %q", publish.EncodingJSON, publish.EncodingMsgpack, m.Encoding)
	}
	if m.Broker == "" {
		return nil
	}
	if m.Topic == "" {
		return errors.New("topic is required when a broker is set")
	}
	if m.ClientID == "" {
		m.ClientID = "video-overlay"
	}
	return nil
}
