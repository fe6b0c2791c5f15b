package frame

import (
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

var (
	ErrReleased     = errors.New("buffer pool is not allocated")
	ErrInvalidSize  = errors.New("invalid buffer size")
	ErrSizeMismatch = errors.New("buffer pool already allocated with another size")
)

type PoolStats struct {
	Allocations int
	Releases    int
	// Live is the number of native buffers currently open.
	Live int
}

// Pool owns the scratch buffers reused by every frame of a playing session.
// Buffers are sized once by Allocate and closed together by Release. A Pool
// is not safe for concurrent use: one processing loop owns it.
type Pool struct {
	lowerBound gocv.Scalar
	upperBound gocv.Scalar

	width     int
	height    int
	allocated bool

	frame     gocv.Mat
	hsv       gocv.Mat
	blurred   gocv.Mat
	mask      gocv.Mat
	edges     gocv.Mat
	hierarchy gocv.Mat
	lower     gocv.Mat
	upper     gocv.Mat
	contours  gocv.PointsVector

	allocations int
	releases    int
	live        int
}

// NewPool returns an empty pool whose threshold bound buffers will be filled
// with lower and upper on allocation.
func NewPool(lower, upper gocv.Scalar) *Pool {
	return &Pool{
		lowerBound: lower,
		upperBound: upper,
	}
}

func (p *Pool) Allocate(width, height int) error {
	if width <= 0 || height <= 0 {
		return errors.Wrapf(ErrInvalidSize, "%dx%d", width, height)
	}

	if p.allocated {
		if p.width == width && p.height == height {
			return nil
		}
		return errors.Wrapf(ErrSizeMismatch, "have %dx%d, want %dx%d", p.width, p.height, width, height)
	}

	p.frame = gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	p.hsv = gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	p.blurred = gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	p.mask = gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC1)
	p.edges = gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC1)
	p.hierarchy = gocv.NewMat()
	p.lower = gocv.NewMatWithSizeFromScalar(p.lowerBound, height, width, gocv.MatTypeCV8UC3)
	p.upper = gocv.NewMatWithSizeFromScalar(p.upperBound, height, width, gocv.MatTypeCV8UC3)
	p.contours = gocv.NewPointsVector()
	p.live += len(p.mats()) + 1

	p.width = width
	p.height = height
	p.allocated = true
	p.allocations++

	return nil
}

// Release closes every buffer. It is a no-op on a pool that is not allocated.
func (p *Pool) Release() {
	if !p.allocated {
		return
	}

	for _, m := range p.mats() {
		m.Close()
		p.live--
	}
	p.contours.Close()
	p.live--

	p.allocated = false
	p.width = 0
	p.height = 0
	p.releases++
}

func (p *Pool) mats() []*gocv.Mat {
	return []*gocv.Mat{
		&p.frame,
		&p.hsv,
		&p.blurred,
		&p.mask,
		&p.edges,
		&p.hierarchy,
		&p.lower,
		&p.upper,
	}
}

func (p *Pool) Allocated() bool {
	return p.allocated
}

func (p *Pool) Size() (width, height int) {
	return p.width, p.height
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Allocations: p.allocations,
		Releases:    p.releases,
		Live:        p.live,
	}
}

func (p *Pool) Frame() *gocv.Mat {
	return &p.frame
}

func (p *Pool) HSV() *gocv.Mat {
	return &p.hsv
}

func (p *Pool) Blurred() *gocv.Mat {
	return &p.blurred
}

func (p *Pool) Mask() *gocv.Mat {
	return &p.mask
}

func (p *Pool) Edges() *gocv.Mat {
	return &p.edges
}

func (p *Pool) Hierarchy() *gocv.Mat {
	return &p.hierarchy
}

func (p *Pool) Lower() gocv.Mat {
	return p.lower
}

func (p *Pool) Upper() gocv.Mat {
	return p.upper
}

func (p *Pool) Contours() gocv.PointsVector {
	return p.contours
}

// SetContours replaces the contour list, closing the previous one. On a
// released pool the given list is closed immediately.
func (p *Pool) SetContours(contours gocv.PointsVector) {
	if !p.allocated {
		contours.Close()
		return
	}
	p.contours.Close()
	p.contours = contours
}
