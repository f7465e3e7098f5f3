// Package overlay draws text panels and detection markers onto a preview frame.
package overlay

import (
	"image"
	"image/color"

	"github.com/cyclopcam/pupilcam/pkg/geom"
	"gocv.io/x/gocv"
)

// Anchor is a corner of the frame that text lines stack away from
type Anchor int

const (
	TopLeft Anchor = iota
	TopRight
	BottomLeft
	BottomRight
	numAnchors
)

func (a Anchor) String() string {
	switch a {
	case TopLeft:
		return "top-left"
	case TopRight:
		return "top-right"
	case BottomLeft:
		return "bottom-left"
	case BottomRight:
		return "bottom-right"
	}
	return "unknown"
}

// Colors used by the panels. gocv takes RGB order in color.RGBA.
var (
	White  = color.RGBA{255, 255, 255, 0}
	Red    = color.RGBA{255, 0, 0, 0}
	Green  = color.RGBA{0, 255, 0, 0}
	Yellow = color.RGBA{255, 255, 0, 0}
	Cyan   = color.RGBA{0, 255, 255, 0}
	Black  = color.RGBA{0, 0, 0, 0}
)

const (
	DefaultMargin     = 15
	DefaultRightInset = 130 // Distance of right-anchored text from the right edge
	DefaultFontScale  = 0.4
)

// Renderer keeps per-frame line counters for each anchor, so that repeated
// AddText calls within one frame stack without overlapping.
// Call Begin at the start of every frame.
type Renderer struct {
	Margin     int
	RightInset int
	SideInset  int // Width of the letterbox bars. Anchored text stays clear of them.
	FontScale  float64
	Thickness  int
	Font       gocv.HersheyFont

	img   *gocv.Mat
	lines [numAnchors]int
}

func NewRenderer() *Renderer {
	return &Renderer{
		Margin:     DefaultMargin,
		RightInset: DefaultRightInset,
		FontScale:  DefaultFontScale,
		Thickness:  1,
		Font:       gocv.FontHersheyDuplex,
	}
}

// Begin targets a new frame and resets all line counters
func (r *Renderer) Begin(img *gocv.Mat) {
	r.img = img
	r.Reset()
}

func (r *Renderer) Reset() {
	r.lines = [numAnchors]int{}
}

// Lines returns the number of lines written to the anchor since the last Begin/Reset
func (r *Renderer) Lines(anchor Anchor) int {
	return r.lines[anchor]
}

// TextOrigin returns the baseline origin of the given 1-based line at an anchor.
// Top anchors grow downward from the top edge, and bottom anchors grow upward from the bottom edge.
func (r *Renderer) TextOrigin(anchor Anchor, line, width, height int) image.Point {
	x := r.SideInset + r.Margin
	if anchor == TopRight || anchor == BottomRight {
		x = width - r.SideInset - r.RightInset
	}
	y := r.Margin * line
	if anchor == BottomLeft || anchor == BottomRight {
		y = height - r.Margin*line
	}
	return image.Pt(x, y)
}

// AddText writes the next line at an anchor, and returns the origin that was used
func (r *Renderer) AddText(anchor Anchor, text string, c color.RGBA) image.Point {
	r.lines[anchor]++
	org := r.TextOrigin(anchor, r.lines[anchor], r.img.Cols(), r.img.Rows())
	r.AddTextAt(org, text, c)
	return org
}

// AddTextAt writes text at an explicit position, without touching the line counters
func (r *Renderer) AddTextAt(org image.Point, text string, c color.RGBA) {
	gocv.PutText(r.img, text, org, r.Font, r.FontScale, c, r.Thickness)
}

// DrawMarker draws a circle of the given diameter, and full-frame crosshairs through center
func (r *Renderer) DrawMarker(center geom.Point, diameter int, c color.RGBA) {
	w, h := r.img.Cols(), r.img.Rows()
	p := center.ImagePoint()
	gocv.Line(r.img, image.Pt(0, p.Y), image.Pt(w-1, p.Y), c, r.Thickness)
	gocv.Line(r.img, image.Pt(p.X, 0), image.Pt(p.X, h-1), c, r.Thickness)
	r.DrawCircle(center, diameter, c)
}

// DrawCircle outlines a circle of the given diameter
func (r *Renderer) DrawCircle(center geom.Point, diameter int, c color.RGBA) {
	gocv.Circle(r.img, center.ImagePoint(), max(diameter/2, 1), c, r.Thickness)
}

// DrawBox outlines a rectangle
func (r *Renderer) DrawBox(box geom.Rect, c color.RGBA) {
	gocv.Rectangle(r.img, box.Rectangle(), c, r.Thickness)
}

// DimBorders darkens the strips around the focus box. alpha is the fraction of brightness removed.
func (r *Renderer) DimBorders(g *geom.RegionGeometry, alpha float64) {
	bounds := r.bounds()
	for _, b := range g.Borders {
		b = b.Intersection(bounds)
		if b.Empty() {
			continue
		}
		region := r.img.Region(b.Rectangle())
		gocv.AddWeighted(region, 1-alpha, region, 0, 0, &region)
		region.Close()
	}
}

// Letterbox paints solid bars on the left and right edges when the geometry is square.
// Call it before adding text, with SideInset set to g.Letterbox.
func (r *Renderer) Letterbox(g *geom.RegionGeometry) {
	bounds := r.bounds()
	for _, b := range g.LetterboxBars() {
		b = b.Intersection(bounds)
		if b.Empty() {
			continue
		}
		gocv.Rectangle(r.img, b.Rectangle(), Black, -1)
	}
}

func (r *Renderer) bounds() geom.Rect {
	return geom.Rect{Width: r.img.Cols(), Height: r.img.Rows()}
}
