package video

import (
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

var (
	// ErrNotReady is returned while a source cannot supply frames yet.
	ErrNotReady = errors.New("video source not ready")
	ErrEnded    = errors.New("video source ended")
)

type State int

const (
	Paused State = iota
	Playing
	Ended
)

func (s State) String() string {
	switch s {
	case Paused:
		return "paused"
	case Playing:
		return "playing"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Source supplies the current frame of a playing video.
//
// Read writes the frame that is current at call time into dst, in BGR
// capture format and at the dimensions reported by Size. Events delivers
// state changes; a slow reader may miss intermediate ones, so consumers
// re-check State after receiving.
type Source interface {
	State() State
	Size() (width, height int)
	Read(dst *gocv.Mat) error
	Events() <-chan State
}

// Timed is implemented by sources that know the position in the media of
// the frame last returned by Read.
type Timed interface {
	MediaTime() time.Duration
}

type notifier struct {
	events chan State
}

func newNotifier() notifier {
	return notifier{events: make(chan State, 8)}
}

func (n notifier) notify(s State) {
	select {
	case n.events <- s:
	default:
	}
}

func (n notifier) Events() <-chan State {
	return n.events
}

func (n notifier) close() {
	close(n.events)
}
