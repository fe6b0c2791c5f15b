package render

import (
	"fmt"
	"image"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

var ErrEmptyFrame = errors.New("empty frame")

// Renderer presents an annotated frame. Implementations must not keep frame
// once Render returns.
type Renderer interface {
	Render(frame gocv.Mat) error
}

// Multi renders to every renderer in order, even when one fails.
type Multi []Renderer

func (m Multi) Render(frame gocv.Mat) error {
	var first error
	failed := 0
	for _, r := range m {
		if err := r.Render(frame); err != nil {
			if first == nil {
				first = err
			}
			failed++
		}
	}
	if first != nil {
		return errors.Wrapf(first, "%d of %d renderers failed", failed, len(m))
	}
	return nil
}

// Snapshot writes every Nth frame to path. A path containing a verb such as
// %06d is formatted with the frame number, otherwise the file is overwritten.
type Snapshot struct {
	path    string
	every   int
	frames  int
	written int
	log     logrus.FieldLogger
}

func NewSnapshot(path string, every int, log logrus.FieldLogger) *Snapshot {
	if every < 1 {
		every = 1
	}
	return &Snapshot{
		path:  path,
		every: every,
		log:   log.WithField("component", "snapshot"),
	}
}

func (s *Snapshot) Render(frame gocv.Mat) error {
	n := s.frames
	s.frames++
	if n%s.every != 0 {
		return nil
	}
	if frame.Empty() {
		return ErrEmptyFrame
	}

	path := s.path
	if strings.Contains(path, "%") {
		path = fmt.Sprintf(path, n)
	}
	if !gocv.IMWrite(path, frame) {
		return errors.Errorf("unable to write snapshot %s", path)
	}
	s.written++
	s.log.WithField("path", path).Debug("snapshot written")
	return nil
}

func (s *Snapshot) Written() int {
	return s.written
}

// Compositor draws annotation elements over an image.
type Compositor interface {
	Len() int
	Composite(img image.Image) *image.NRGBA
}

// Composite draws the elements of a Compositor on a copy of each frame and
// forwards the copy. Frames are forwarded untouched while there is nothing
// to draw.
type Composite struct {
	surface Compositor
	next    Renderer
}

func NewComposite(surface Compositor, next Renderer) *Composite {
	return &Composite{surface: surface, next: next}
}

func (c *Composite) Render(frame gocv.Mat) error {
	if c.surface.Len() == 0 {
		return c.next.Render(frame)
	}

	img, err := frame.ToImage()
	if err != nil {
		return errors.Wrap(err, "unable to convert frame")
	}

	out := c.surface.Composite(img)
	rgba, err := gocv.NewMatFromBytes(out.Rect.Dy(), out.Rect.Dx(), gocv.MatTypeCV8UC4, out.Pix)
	if err != nil {
		return errors.Wrap(err, "unable to convert composited frame")
	}
	defer rgba.Close()

	// The composited frame is opaque, so its NRGBA pixels are plain RGBA.
	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(rgba, &bgr, gocv.ColorRGBAToBGR)

	return c.next.Render(bgr)
}
