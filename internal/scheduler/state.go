package scheduler

import "time"

type State int

const (
	// Idle: no buffers allocated.
	Idle State = iota
	Allocating
	Running
	// Draining: buffers being released after pause, end or cancellation.
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Allocating:
		return "allocating"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
