package video

import (
	"sync"

	"gocv.io/x/gocv"

	"github.com/kmmndr/video_overlay/internal/frame"
)

// Still is a Source that repeats a single frame while playing.
type Still struct {
	notifier

	mu     sync.Mutex
	frame  *frame.Frame
	state  State
	closed bool
}

// NewStill takes ownership of f.
func NewStill(f *frame.Frame) *Still {
	return &Still{
		notifier: newNotifier(),
		frame:    f,
		state:    Paused,
	}
}

// Size is 0x0 once the still is closed.
func (s *Still) Size() (width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, 0
	}
	return s.frame.Width(), s.frame.Height()
}

func (s *Still) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Still) Read(dst *gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.state == Ended {
		return ErrEnded
	}
	s.frame.Mat().CopyTo(dst)
	return nil
}

func (s *Still) Play()  { s.set(Playing) }
func (s *Still) Pause() { s.set(Paused) }
func (s *Still) Stop()  { s.set(Ended) }

func (s *Still) Toggle() {
	if s.State() == Playing {
		s.Pause()
		return
	}
	s.Play()
}

func (s *Still) set(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.state == state {
		return
	}
	s.state = state
	s.notify(state)
}

func (s *Still) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.state = Ended
	s.frame.Close()
	s.notifier.close()
}
