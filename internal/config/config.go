package config

import (
	"image"
	"image/color"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/kmmndr/video_overlay/internal/overlay"
	"github.com/kmmndr/video_overlay/internal/publish"
	"github.com/kmmndr/video_overlay/internal/scheduler"
	"github.com/kmmndr/video_overlay/internal/video"
	"github.com/kmmndr/video_overlay/internal/vision"
)

type Config struct {
	Video     VideoConfig     `yaml:"video"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Render    RenderConfig    `yaml:"render"`
	Overlay   OverlayConfig   `yaml:"overlay"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Log       LogConfig       `yaml:"log"`
}

type VideoConfig struct {
	// Source is a file path, a stream URL or a capture device index.
	Source string `yaml:"source"`
	// Image replaces Source with a still image when set.
	Image  string `yaml:"image"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Loop   bool   `yaml:"loop"`
}

type PipelineConfig struct {
	Lower               []float64 `yaml:"lower"` // h, s, v
	Upper               []float64 `yaml:"upper"`
	BlurSize            int       `yaml:"blur_size"`
	CannyLow            float32   `yaml:"canny_low"`
	CannyHigh           float32   `yaml:"canny_high"`
	MinArea             float64   `yaml:"min_area"`
	StrokeColor         string    `yaml:"stroke_color"`
	StrokeWidth         int       `yaml:"stroke_width"`
	BandTolerance       int       `yaml:"band_tolerance"`
	ApproximatePolygons bool      `yaml:"approximate_polygons"`
	ApproxEpsilon       float64   `yaml:"approx_epsilon"`
}

type SchedulerConfig struct {
	FPS           float64       `yaml:"fps"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type RenderConfig struct {
	Window        bool   `yaml:"window"`
	Title         string `yaml:"title"`
	SnapshotPath  string `yaml:"snapshot_path"`
	SnapshotEvery int    `yaml:"snapshot_every"`
}

type OverlayConfig struct {
	Texts  []TextConfig  `yaml:"texts"`
	Images []ImageConfig `yaml:"images"`
}

type TextConfig struct {
	Content string `yaml:"content"`
	X       *int   `yaml:"x,omitempty"`
	Y       *int   `yaml:"y,omitempty"`
	Size    int    `yaml:"size"`
	Color   string `yaml:"color"`
}

type ImageConfig struct {
	Path  string  `yaml:"path"`
	Scale float64 `yaml:"scale"`
	// X and Y place the top-left corner; the image is centered without them.
	X *int `yaml:"x,omitempty"`
	Y *int `yaml:"y,omitempty"`
}

// MQTTConfig enables detection publishing when Broker is set.
type MQTTConfig struct {
	Broker    string `yaml:"broker"`
	Topic     string `yaml:"topic"`
	ClientID  string `yaml:"client_id"`
	QoS       byte   `yaml:"qos"`
	Encoding  string `yaml:"encoding"`
	QueueSize int    `yaml:"queue_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	opts := vision.DefaultOptions()

	return &Config{
		Video: VideoConfig{
			Width:  960,
			Height: 540,
			Loop:   true,
		},
		Pipeline: PipelineConfig{
			Lower:         []float64{opts.Lower.H, opts.Lower.S, opts.Lower.V},
			Upper:         []float64{opts.Upper.H, opts.Upper.S, opts.Upper.V},
			BlurSize:      opts.BlurSize,
			CannyLow:      opts.CannyLow,
			CannyHigh:     opts.CannyHigh,
			MinArea:       opts.MinArea,
			StrokeColor:   "#ff0000",
			StrokeWidth:   opts.StrokeWidth,
			BandTolerance: opts.BandTolerance,
			ApproxEpsilon: opts.ApproxEpsilon,
		},
		Scheduler: SchedulerConfig{
			FPS:           scheduler.DefaultFPS,
			RetryInterval: scheduler.DefaultRetryInterval,
		},
		Render: RenderConfig{
			Window:        true,
			Title:         "video overlay",
			SnapshotEvery: 30,
		},
		MQTT: MQTTConfig{
			Topic:     "video-overlay/detections",
			ClientID:  "video-overlay",
			Encoding:  publish.EncodingJSON,
			QueueSize: publish.DefaultQueueSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}

	if err := Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return cfg, nil
}

func (c *Config) StreamConfig() video.StreamConfig {
	return video.StreamConfig{
		Width:  c.Video.Width,
		Height: c.Video.Height,
		Loop:   c.Video.Loop,
	}
}

// VisionOptions converts the pipeline section. The config must be valid.
func (c *Config) VisionOptions() vision.Options {
	p := c.Pipeline
	stroke, _ := overlay.ParseColor(p.StrokeColor)

	return vision.Options{
		Lower:               vision.HSV{H: p.Lower[0], S: p.Lower[1], V: p.Lower[2]},
		Upper:               vision.HSV{H: p.Upper[0], S: p.Upper[1], V: p.Upper[2]},
		BlurSize:            p.BlurSize,
		CannyLow:            p.CannyLow,
		CannyHigh:           p.CannyHigh,
		MinArea:             p.MinArea,
		StrokeColor:         color.RGBA(stroke),
		StrokeWidth:         p.StrokeWidth,
		BandTolerance:       p.BandTolerance,
		ApproximatePolygons: p.ApproximatePolygons,
		ApproxEpsilon:       p.ApproxEpsilon,
	}
}

func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		FPS:           c.Scheduler.FPS,
		RetryInterval: c.Scheduler.RetryInterval,
	}
}

func (c *Config) PublishConfig() publish.Config {
	return publish.Config{
		Broker:    c.MQTT.Broker,
		Topic:     c.MQTT.Topic,
		ClientID:  c.MQTT.ClientID,
		QoS:       c.MQTT.QoS,
		Encoding:  c.MQTT.Encoding,
		QueueSize: c.MQTT.QueueSize,
	}
}

func (t TextConfig) Text() overlay.Text {
	text := overlay.Text{
		Content: t.Content,
		X:       overlay.DefaultTextX,
		Y:       overlay.DefaultTextY,
		Size:    t.Size,
		Color:   t.Color,
	}
	if t.X != nil {
		text.X = *t.X
	}
	if t.Y != nil {
		text.Y = *t.Y
	}
	return text
}

func (i ImageConfig) Image() overlay.Image {
	img := overlay.Image{Path: i.Path, Scale: i.Scale}
	if i.X != nil && i.Y != nil {
		at := image.Pt(*i.X, *i.Y)
		img.At = &at
	}
	return img
}
