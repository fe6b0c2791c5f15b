package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/kmmndr/video_overlay/internal/frame"
	"github.com/kmmndr/video_overlay/internal/video"
	"github.com/kmmndr/video_overlay/internal/vision"
)

const (
	DefaultFPS           = 30.0
	DefaultRetryInterval = 100 * time.Millisecond
)

var ErrAlreadyRunning = errors.New("scheduler is already running")

type Processor interface {
	Process(src *gocv.Mat, bufs *frame.Pool) ([]vision.Detection, error)
}

// Renderer presents an annotated frame. It must not keep frame after
// returning: the buffer is reused on the next tick.
type Renderer interface {
	Render(frame gocv.Mat) error
}

// Sink receives the detections of every processed frame.
type Sink interface {
	Publish(report vision.Report) error
}

type Config struct {
	// FPS is the tick rate, independent of the source's own frame rate.
	FPS float64
	// RetryInterval is the delay between allocation attempts while the
	// source cannot report its frame size.
	RetryInterval time.Duration
}

type Stats struct {
	Sessions    uint64
	Ticks       uint64
	FailedTicks uint64
	Detections  uint64
}

// Scheduler drives a Processor over a Source at a fixed tick rate. Buffers
// are allocated when the source starts playing and released when it pauses
// or ends; each tick runs to completion before the next one is scheduled.
type Scheduler struct {
	cfg       Config
	source    video.Source
	pool      *frame.Pool
	processor Processor
	renderer  Renderer
	sinks     []Sink
	clock     Clock
	observer  func(Transition)
	log       logrus.FieldLogger

	// failing marks sinks whose last publish failed. Owned by Run.
	failing []bool

	running atomic.Bool

	mu    sync.Mutex
	state State
	stats Stats
}

type Option func(*Scheduler)

func WithClock(clock Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func WithRenderer(r Renderer) Option {
	return func(s *Scheduler) { s.renderer = r }
}

func WithSinks(sinks ...Sink) Option {
	return func(s *Scheduler) { s.sinks = append(s.sinks, sinks...) }
}

// WithObserver registers fn to be called on every state transition, from
// the scheduler's goroutine.
func WithObserver(fn func(Transition)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

func New(source video.Source, pool *frame.Pool, processor Processor, cfg Config, log logrus.FieldLogger, opts ...Option) *Scheduler {
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	s := &Scheduler{
		cfg:       cfg,
		source:    source,
		pool:      pool,
		processor: processor,
		clock:     realClock{},
		log:       log.WithField("component", "scheduler"),
		state:     Idle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.failing = make([]bool, len(s.sinks))
	return s
}

// Interval is the fixed delay between the end of a tick and the next one.
func (s *Scheduler) Interval() time.Duration {
	return time.Duration(float64(time.Second) / s.cfg.FPS)
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run waits for the source to play and runs one session per playing period
// until ctx is done or the source's event channel is closed. Buffers are
// always released before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	if s.source.State() == video.Playing {
		s.session(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state, ok := <-s.source.Events():
			if !ok {
				return nil
			}
			if state != video.Playing || s.source.State() != video.Playing {
				continue
			}
			s.session(ctx)
		}
	}
}

func (s *Scheduler) session(ctx context.Context) {
	id := uuid.Must(uuid.NewV4()).String()
	log := s.log.WithField("session", id)

	s.transition(Allocating, "play")
	if reason, ok := s.allocate(ctx, log); !ok {
		s.transition(Idle, reason)
		return
	}

	s.mu.Lock()
	s.stats.Sessions++
	s.mu.Unlock()

	s.transition(Running, "allocated")
	reason := s.loop(ctx, id, log)

	s.transition(Draining, reason)
	s.pool.Release()
	s.transition(Idle, "released")
}

// allocate sizes the pool from the source, polling until the source can
// report a frame size or stops playing.
func (s *Scheduler) allocate(ctx context.Context, log logrus.FieldLogger) (string, bool) {
	for {
		if ctx.Err() != nil {
			return "cancelled", false
		}
		if state := s.source.State(); state != video.Playing {
			return state.String(), false
		}

		width, height := s.source.Size()
		err := s.pool.Allocate(width, height)
		if err == nil {
			log.WithFields(logrus.Fields{
				"width":  width,
				"height": height,
			}).Debug("buffers allocated")
			return "", true
		}

		log.WithError(err).WithField("retry_in", s.cfg.RetryInterval).Warn("source unavailable, waiting")
		select {
		case <-ctx.Done():
			return "cancelled", false
		case <-s.clock.After(s.cfg.RetryInterval):
		}
	}
}

func (s *Scheduler) loop(ctx context.Context, id string, log logrus.FieldLogger) string {
	interval := s.Interval()

	for seq := uint64(0); ; seq++ {
		if ctx.Err() != nil {
			return "cancelled"
		}
		switch state := s.source.State(); state {
		case video.Paused, video.Ended:
			return state.String()
		}

		s.tick(id, seq, log)

		select {
		case <-ctx.Done():
			return "cancelled"
		case <-s.clock.After(interval):
		}
	}
}

func (s *Scheduler) tick(id string, seq uint64, log logrus.FieldLogger) {
	log = log.WithField("seq", seq)
	dst := s.pool.Frame()

	if err := s.source.Read(dst); err != nil {
		s.count(false, 0)
		if errors.Is(err, video.ErrEnded) {
			log.Info("source ended")
			return
		}
		log.WithError(err).Warn("frame unavailable")
		return
	}

	detections, err := s.processor.Process(dst, s.pool)
	if err != nil {
		s.count(false, 0)
		log.WithError(err).Warn("frame skipped")
		return
	}

	if s.renderer != nil {
		if err := s.renderer.Render(*dst); err != nil {
			log.WithError(err).Warn("render failed")
		}
	}

	width, height := s.pool.Size()
	report := vision.NewReport(id, seq, s.clock.Now(), width, height, detections)
	if timed, ok := s.source.(video.Timed); ok {
		report.MediaTime = timed.MediaTime()
	}
	for i, sink := range s.sinks {
		s.publish(i, sink, report, log)
	}

	s.count(true, len(detections))
}

// publish warns once when a sink starts failing and once when it recovers.
// Sinks keep their own error counts.
func (s *Scheduler) publish(i int, sink Sink, report vision.Report, log logrus.FieldLogger) {
	err := sink.Publish(report)
	switch {
	case err != nil && !s.failing[i]:
		s.failing[i] = true
		log.WithError(err).Warn("publish failed")
	case err != nil:
		log.WithError(err).Debug("publish failed")
	case s.failing[i]:
		s.failing[i] = false
		log.Info("publish recovered")
	}
}

func (s *Scheduler) count(ok bool, detections int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Ticks++
	if !ok {
		s.stats.FailedTicks++
	}
	s.stats.Detections += uint64(detections)
}

func (s *Scheduler) transition(to State, reason string) {
	s.mu.Lock()
	t := Transition{From: s.state, To: to, At: s.clock.Now(), Reason: reason}
	s.state = to
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"from":   t.From,
		"to":     t.To,
		"reason": reason,
	}).Info("state changed")

	if s.observer != nil {
		s.observer(t)
	}
}
