package frame

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

var ErrEmpty = errors.New("frame is empty")

// Frame is a decoded image owned outside of any Pool, such as a still image
// repeated by a source.
type Frame struct {
	mat *gocv.Mat
}

func NewFrame(mat *gocv.Mat) (*Frame, error) {
	if mat.Empty() {
		return nil, ErrEmpty
	}

	return &Frame{mat: mat}, nil
}

// Load reads a still image from disk in capture (BGR) format.
func Load(path string) (*Frame, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		mat.Close()
		return nil, errors.Wrapf(ErrEmpty, "unable to read image %s", path)
	}

	return NewFrame(&mat)
}

func (f *Frame) Mat() *gocv.Mat {
	return f.mat
}

// Resize scales the frame to width x height in place.
func (f *Frame) Resize(width, height int) {
	if f.Width() == width && f.Height() == height {
		return
	}

	resized := gocv.NewMat()
	gocv.Resize(*f.mat, &resized, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)
	f.mat.Close()
	*f.mat = resized
}

func (f *Frame) Height() int {
	return f.mat.Rows()
}

func (f *Frame) Width() int {
	return f.mat.Cols()
}

func (f *Frame) Close() {
	f.mat.Close()
}
