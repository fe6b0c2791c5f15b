package render

import (
	"gocv.io/x/gocv"
)

const (
	KeySpace  = ' '
	KeyEscape = 27
)

// Window shows frames in a highgui window. Render may be called from any
// goroutine and only queues a copy of the frame; Poll shows the queued frame
// and reads the keyboard, and must be called from the goroutine that created
// the window.
type Window struct {
	window *gocv.Window
	onKey  func(key int)
	frames chan gocv.Mat
}

func NewWindow(title string, onKey func(key int)) *Window {
	return &Window{
		window: gocv.NewWindow(title),
		onKey:  onKey,
		frames: make(chan gocv.Mat, 1),
	}
}

// Render replaces any frame still waiting to be shown.
func (w *Window) Render(frame gocv.Mat) error {
	if frame.Empty() {
		return ErrEmptyFrame
	}

	clone := frame.Clone()
	for {
		select {
		case w.frames <- clone:
			return nil
		default:
		}

		select {
		case old := <-w.frames:
			old.Close()
		default:
		}
	}
}

func (w *Window) next() (gocv.Mat, bool) {
	select {
	case frame := <-w.frames:
		return frame, true
	default:
		return gocv.Mat{}, false
	}
}

// Poll shows the latest rendered frame, if any, and waits up to delayMs
// milliseconds for a key press.
func (w *Window) Poll(delayMs int) {
	if frame, ok := w.next(); ok {
		w.window.IMShow(frame)
		frame.Close()
	}

	if key := w.window.WaitKey(delayMs); key >= 0 && w.onKey != nil {
		w.onKey(key)
	}
}

// Close discards a pending frame and closes the window. Nothing may render
// after Close.
func (w *Window) Close() error {
	if frame, ok := w.next(); ok {
		frame.Close()
	}
	return w.window.Close()
}

// Controls maps key presses to playback actions.
type Controls struct {
	Toggle func()
	Stop   func()
}

func (c Controls) HandleKey(key int) {
	switch key {
	case KeySpace:
		if c.Toggle != nil {
			c.Toggle()
		}
	case 'q', 'Q', KeyEscape:
		if c.Stop != nil {
			c.Stop()
		}
	}
}
