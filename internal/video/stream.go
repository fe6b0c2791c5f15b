package video

import (
	"image"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

const defaultFps = 30.0

type StreamConfig struct {
	// Width and Height are the output dimensions; zero keeps the native size.
	Width  int
	Height int
	// Loop rewinds the video when it ends instead of ending the stream.
	Loop bool
}

// Stream plays a gocv capture against a wall clock. Read returns the frame
// that playback has reached, independently of how often it is called: frames
// are skipped when the caller is slower than the native rate and repeated
// when it is faster.
type Stream struct {
	notifier

	mu      sync.Mutex
	video   *gocv.VideoCapture
	raw     gocv.Mat
	width   int
	height  int
	fps     float64
	loop    bool
	live    bool
	state   State
	closed  bool
	now     func() time.Time
	started time.Time
	// index of the frame at started, and of the last decoded frame
	startIndex int
	position   int
}

func NewStream(video *gocv.VideoCapture, cfg StreamConfig) *Stream {
	s := &Stream{
		notifier: newNotifier(),
		video:    video,
		raw:      gocv.NewMat(),
		width:    cfg.Width,
		height:   cfg.Height,
		loop:     cfg.Loop,
		state:    Paused,
		now:      time.Now,
		position: -1,
	}

	s.fps = video.Get(gocv.VideoCaptureFPS)
	if s.fps <= 0 {
		s.fps = defaultFps
	}
	s.live = video.Get(gocv.VideoCaptureFrameCount) <= 0

	if s.width <= 0 || s.height <= 0 {
		s.width = int(video.Get(gocv.VideoCaptureFrameWidth))
		s.height = int(video.Get(gocv.VideoCaptureFrameHeight))
	}

	return s
}

// OpenStream opens source with Open and wraps it in a paused Stream.
func OpenStream(source string, cfg StreamConfig) (*Stream, error) {
	video, err := Open(source)
	if err != nil {
		return nil, err
	}
	return NewStream(video, cfg), nil
}

func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.state = Ended
	s.video.Close()
	s.raw.Close()
	s.notifier.close()
}

// Fps is the native frame rate, or 30 when the capture does not report one.
func (s *Stream) Fps() float64 {
	return s.fps
}

// MediaTime is the presentation time of the last decoded frame.
func (s *Stream) MediaTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.position < 0 {
		return 0
	}
	return time.Duration(float64(s.position) * float64(time.Second) / s.fps)
}

// Position is the index of the last decoded frame, -1 before the first read.
func (s *Stream) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *Stream) Size() (width, height int) {
	return s.width, s.height
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Play starts or resumes playback. Playing an ended video restarts it.
func (s *Stream) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.state == Playing {
		return
	}
	if s.state == Ended && !s.live {
		s.rewind()
	}
	s.started = s.now()
	s.startIndex = s.position + 1
	s.setState(Playing)
}

func (s *Stream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Playing {
		s.setState(Paused)
	}
}

func (s *Stream) Toggle() {
	if s.State() == Playing {
		s.Pause()
		return
	}
	s.Play()
}

// Stop ends playback as if the video had reached its end.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed && s.state != Ended {
		s.setState(Ended)
	}
}

func (s *Stream) Read(dst *gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrEnded
	}

	if s.state == Playing {
		if err := s.advance(); err != nil {
			return err
		}
	}

	if s.raw.Empty() {
		return ErrNotReady
	}

	if s.raw.Cols() == s.width && s.raw.Rows() == s.height {
		s.raw.CopyTo(dst)
		return nil
	}
	gocv.Resize(s.raw, dst, image.Pt(s.width, s.height), 0, 0, gocv.InterpolationLinear)
	return nil
}

// advance decodes up to the frame playback has reached.
func (s *Stream) advance() error {
	target := s.position + 1
	if !s.live {
		elapsed := s.now().Sub(s.started).Seconds()
		target = s.startIndex + int(elapsed*s.fps)
	}

	if target <= s.position {
		return nil
	}
	if skip := target - s.position - 1; skip > 0 {
		s.video.Grab(skip)
		s.position += skip
	}

	if s.video.Read(&s.raw) && !s.raw.Empty() {
		s.position++
		return nil
	}

	if s.loop && !s.live {
		s.rewind()
		s.started = s.now()
		s.startIndex = 0
		if s.video.Read(&s.raw) && !s.raw.Empty() {
			s.position++
			return nil
		}
	}

	s.setState(Ended)
	return errors.Wrapf(ErrEnded, "at frame %d", s.position)
}

func (s *Stream) rewind() {
	s.video.Set(gocv.VideoCapturePosFrames, 0)
	s.position = -1
}

func (s *Stream) setState(state State) {
	s.state = state
	s.notify(state)
}
