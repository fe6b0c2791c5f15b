package vision

import (
	"image"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/kmmndr/video_overlay/internal/frame"
)

// Pipeline finds bright, low-saturation regions in a frame and outlines them.
type Pipeline struct {
	opts Options
	log  logrus.FieldLogger
}

func NewPipeline(opts Options, log logrus.FieldLogger) *Pipeline {
	return &Pipeline{
		opts: opts,
		log:  log.WithField("component", "vision"),
	}
}

// NewPool returns an unallocated pool whose bound buffers match the
// pipeline's thresholds.
func (p *Pipeline) NewPool() *frame.Pool {
	lower, upper := p.opts.Bounds()
	return frame.NewPool(lower, upper)
}

// Process runs every stage on src using the scratch buffers of bufs, draws
// the detections onto src and returns them in contour extraction order.
// src is usually bufs.Frame().
//
// On error src is left without outlines.
func (p *Pipeline) Process(src *gocv.Mat, bufs *frame.Pool) ([]Detection, error) {
	if err := p.check(src, bufs); err != nil {
		return nil, stageError("input", err)
	}
	width, height := bufs.Size()

	gocv.CvtColor(*src, bufs.HSV(), gocv.ColorBGRToHSV)
	if err := sameSize(bufs.HSV(), width, height); err != nil {
		return nil, stageError("cvtcolor", err)
	}

	gocv.GaussianBlur(*bufs.HSV(), bufs.Blurred(), image.Pt(p.opts.BlurSize, p.opts.BlurSize), 0, 0, gocv.BorderDefault)
	if err := sameSize(bufs.Blurred(), width, height); err != nil {
		return nil, stageError("blur", err)
	}

	gocv.InRange(*bufs.Blurred(), bufs.Lower(), bufs.Upper(), bufs.Mask())
	if err := sameSize(bufs.Mask(), width, height); err != nil {
		return nil, stageError("inrange", err)
	}

	gocv.Canny(*bufs.Mask(), bufs.Edges(), p.opts.CannyLow, p.opts.CannyHigh)
	if err := sameSize(bufs.Edges(), width, height); err != nil {
		return nil, stageError("canny", err)
	}

	bufs.SetContours(gocv.FindContoursWithParams(*bufs.Edges(), bufs.Hierarchy(), gocv.RetrievalTree, gocv.ChainApproxSimple))

	detections := p.filter(bufs.Contours(), *bufs.Hierarchy())

	for _, d := range detections {
		gocv.Rectangle(src, d.Rect(), p.opts.StrokeColor, p.opts.StrokeWidth)
	}

	p.log.WithFields(logrus.Fields{
		"contours":   bufs.Contours().Size(),
		"detections": len(detections),
	}).Debug("frame processed")

	return detections, nil
}

func (p *Pipeline) check(src *gocv.Mat, bufs *frame.Pool) error {
	if !bufs.Allocated() {
		return frame.ErrReleased
	}
	if src.Empty() {
		return ErrEmptyFrame
	}
	if src.Type() != gocv.MatTypeCV8UC3 {
		return errors.Wrapf(ErrFormat, "type %v", src.Type())
	}
	width, height := bufs.Size()
	if src.Cols() != width || src.Rows() != height {
		return errors.Wrapf(ErrDimensionMismatch, "got %dx%d, want %dx%d", src.Cols(), src.Rows(), width, height)
	}
	return nil
}

func sameSize(m *gocv.Mat, width, height int) error {
	if m.Empty() || m.Cols() != width || m.Rows() != height {
		return errors.Wrapf(ErrStageOutput, "got %dx%d, want %dx%d", m.Cols(), m.Rows(), width, height)
	}
	return nil
}

// filter applies the area threshold to the area enclosed by each edge
// contour, which runs about one pixel inside the bright region. A hole
// contour whose rectangle matches its parent's within BandTolerance is the
// inner border of the same edge band and is not reported twice.
func (p *Pipeline) filter(contours gocv.PointsVector, hierarchy gocv.Mat) []Detection {
	n := contours.Size()
	rects := make([]image.Rectangle, n)
	candidate := make([]bool, n)
	areas := make([]float64, n)

	for i := 0; i < n; i++ {
		c := contours.At(i)
		areas[i] = gocv.ContourArea(c)
		if areas[i] <= p.opts.MinArea {
			continue
		}
		rects[i] = gocv.BoundingRect(c)
		candidate[i] = true
	}

	var detections []Detection
	for i := 0; i < n; i++ {
		if !candidate[i] {
			continue
		}
		if parent := parentOf(hierarchy, i); parent >= 0 && parent < n && candidate[parent] {
			if sameBand(rects[parent], rects[i], p.opts.BandTolerance) {
				continue
			}
		}

		d := NewDetection(rects[i], areas[i])
		if p.opts.ApproximatePolygons {
			d.Vertices = p.vertices(contours.At(i))
		}
		detections = append(detections, d)
	}

	return detections
}

func (p *Pipeline) vertices(contour gocv.PointVector) int {
	approx := gocv.ApproxPolyDP(contour, p.opts.ApproxEpsilon*gocv.ArcLength(contour, true), true)
	defer approx.Close()

	return approx.Size()
}

// parentOf reads the parent index from a CV_32SC4 hierarchy row:
// next, previous, first child, parent.
func parentOf(hierarchy gocv.Mat, i int) int {
	if hierarchy.Empty() || i >= hierarchy.Cols() {
		return -1
	}
	return int(hierarchy.GetVeciAt(0, i)[3])
}

func sameBand(outer, inner image.Rectangle, tolerance int) bool {
	return inner.Min.X-outer.Min.X <= tolerance &&
		inner.Min.Y-outer.Min.Y <= tolerance &&
		outer.Max.X-inner.Max.X <= tolerance &&
		outer.Max.Y-inner.Max.Y <= tolerance
}
