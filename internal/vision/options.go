package vision

import (
	"image/color"

	"gocv.io/x/gocv"
)

// HSV is a color in OpenCV's 8-bit HSV range (H 0-180, S and V 0-255).
type HSV struct {
	H, S, V float64
}

type Options struct {
	// Lower and Upper bound the in-range test, inclusive on every channel.
	Lower HSV
	Upper HSV
	// BlurSize is the Gaussian kernel size, odd.
	BlurSize  int
	CannyLow  float32
	CannyHigh float32
	// MinArea is the contour area a region must exceed to be reported.
	MinArea     float64
	StrokeColor color.RGBA
	StrokeWidth int
	// BandTolerance is how close, in pixels per side, a hole contour may be to
	// its parent's rectangle and still be treated as the same edge band.
	BandTolerance int
	// ApproximatePolygons computes the vertex count of every detection with
	// ApproxEpsilon times the contour perimeter as tolerance.
	ApproximatePolygons bool
	ApproxEpsilon       float64
}

func DefaultOptions() Options {
	return Options{
		Lower:         HSV{H: 0, S: 0, V: 200},
		Upper:         HSV{H: 180, S: 55, V: 255},
		BlurSize:      5,
		CannyLow:      50,
		CannyHigh:     150,
		MinArea:       1000,
		StrokeColor:   color.RGBA{R: 255, A: 255},
		StrokeWidth:   2,
		BandTolerance: 3,
		ApproxEpsilon: 0.02,
	}
}

// Bounds returns the threshold bounds as scalars for the bound buffers.
func (o Options) Bounds() (lower, upper gocv.Scalar) {
	lower = gocv.NewScalar(o.Lower.H, o.Lower.S, o.Lower.V, 0)
	upper = gocv.NewScalar(o.Upper.H, o.Upper.S, o.Upper.V, 0)
	return lower, upper
}
