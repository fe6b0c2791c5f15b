package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gofrs/uuid/v5"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	DefaultTextX     = 100
	DefaultTextY     = 100
	DefaultTextSize  = 20
	DefaultTextColor = "#000000"
	DefaultScale     = 0.5
)

var (
	ErrEmptyText   = errors.New("text is empty")
	ErrNotFound    = errors.New("element not found")
	ErrNoSelection = errors.New("no element selected")
)

type Kind int

const (
	KindText Kind = iota
	KindImage
)

func (k Kind) String() string {
	if k == KindImage {
		return "image"
	}
	return "text"
}

type Text struct {
	Content string
	X, Y    int
	// Size is the line height in pixels.
	Size  int
	Color string
}

type Image struct {
	Path  string
	Scale float64
	// At is the top-left corner. The image is centered when nil.
	At *image.Point
}

// Element describes an element of the surface, in drawing order.
type Element struct {
	ID     string
	Kind   Kind
	Label  string
	Bounds image.Rectangle
}

type layer struct {
	Element
	img *image.NRGBA
}

// Surface holds text and image elements drawn over each rendered frame. It
// is safe for concurrent use.
type Surface struct {
	width  int
	height int

	mu       sync.Mutex
	layers   []*layer
	selected string
}

func NewSurface(width, height int) *Surface {
	return &Surface{width: width, height: height}
}

func (s *Surface) AddText(t Text) (string, error) {
	if t.Content == "" {
		return "", ErrEmptyText
	}
	if t.Size <= 0 {
		t.Size = DefaultTextSize
	}
	if t.Color == "" {
		t.Color = DefaultTextColor
	}

	c, err := ParseColor(t.Color)
	if err != nil {
		return "", err
	}

	img := renderText(t.Content, t.Size, c)
	return s.add(KindText, t.Content, img, image.Pt(t.X, t.Y), false), nil
}

// AddImage loads the image at img.Path, scales it and selects it.
func (s *Surface) AddImage(img Image) (string, error) {
	src, err := imaging.Open(img.Path)
	if err != nil {
		return "", errors.Wrapf(err, "unable to open overlay image %s", img.Path)
	}

	scale := img.Scale
	if scale <= 0 {
		scale = DefaultScale
	}
	width := int(float64(src.Bounds().Dx()) * scale)
	if width < 1 {
		width = 1
	}
	scaled := imaging.Resize(src, width, 0, imaging.Lanczos)

	at := image.Pt((s.width-scaled.Bounds().Dx())/2, (s.height-scaled.Bounds().Dy())/2)
	if img.At != nil {
		at = *img.At
	}

	return s.add(KindImage, img.Path, scaled, at, true), nil
}

func (s *Surface) add(kind Kind, label string, img *image.NRGBA, at image.Point, selectIt bool) string {
	id := uuid.Must(uuid.NewV4()).String()
	l := &layer{
		Element: Element{
			ID:     id,
			Kind:   kind,
			Label:  label,
			Bounds: img.Bounds().Add(at),
		},
		img: img,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers = append(s.layers, l)
	if selectIt {
		s.selected = id
	}
	return id
}

func (s *Surface) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index(id) < 0 {
		return errors.Wrap(ErrNotFound, id)
	}
	s.selected = id
	return nil
}

func (s *Surface) Selected() (Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.index(s.selected); i >= 0 {
		return s.layers[i].Element, true
	}
	return Element{}, false
}

func (s *Surface) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return errors.Wrap(ErrNotFound, id)
	}
	s.layers = append(s.layers[:i], s.layers[i+1:]...)
	if s.selected == id {
		s.selected = ""
	}
	return nil
}

func (s *Surface) RemoveSelected() error {
	s.mu.Lock()
	id := s.selected
	s.mu.Unlock()

	if id == "" {
		return ErrNoSelection
	}
	return s.Remove(id)
}

func (s *Surface) Elements() []Element {
	s.mu.Lock()
	defer s.mu.Unlock()

	elements := make([]Element, len(s.layers))
	for i, l := range s.layers {
		elements[i] = l.Element
	}
	return elements
}

func (s *Surface) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.layers)
}

// Composite returns a copy of img with every element drawn over it.
func (s *Surface) Composite(img image.Image) *image.NRGBA {
	out := imaging.Clone(img)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.layers {
		out = imaging.Overlay(out, l.img, l.Bounds.Min, 1.0)
	}
	return out
}

func (s *Surface) index(id string) int {
	if id == "" {
		return -1
	}
	for i, l := range s.layers {
		if l.ID == id {
			return i
		}
	}
	return -1
}

// renderText draws content with the 7x13 bitmap face on a transparent
// background and scales it to size pixels high.
func renderText(content string, size int, c color.Color) *image.NRGBA {
	face := basicfont.Face7x13
	width := font.MeasureString(face, content).Ceil()
	height := face.Height

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.Transparent, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(content)

	if size == height {
		return img
	}
	return imaging.Resize(img, width*size/height, size, imaging.NearestNeighbor)
}

// ParseColor parses a #rrggbb color.
func ParseColor(hex string) (color.NRGBA, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return color.NRGBA{}, errors.Wrapf(err, "invalid color %q", hex)
	}
	r, g, b := c.RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}, nil
}
