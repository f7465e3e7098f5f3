package geom

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
)

// ErrConfiguration is returned when zoom/focus parameters cannot produce a usable region.
var ErrConfiguration = errors.New("invalid region configuration")

// Border quadrant indices
const (
	BorderTop = iota
	BorderBottom
	BorderLeft
	BorderRight
)

// RegionParams are the inputs to ComputeRegion
type RegionParams struct {
	Zoom       float64 // >= 1. The zoomed ROI is the source divided by this factor, centered.
	FocusScale float64 // >= 1. The focus box is the ROI divided by this factor, centered in the ROI.
	Square     bool    // Letterbox the ROI horizontally so that the visible area is 1:1
}

// RegionGeometry is computed once when a stream is opened, and never changes afterwards.
//
// Zoom is in source frame coordinates. Focus, Borders and Letterbox are in ROI
// coordinates (ie relative to Zoom.X, Zoom.Y), because that's the image we draw on.
type RegionGeometry struct {
	SourceWidth  int
	SourceHeight int
	Zoom         Rect
	Focus        Rect
	Borders      [4]Rect // top, bottom, left, right strips around Focus. They tile Zoom minus Focus.
	Letterbox    int     // Width of the solid bars on the left and right edges, if Square
}

// ComputeRegion derives the zoomed ROI and the centered focus box from the source dimensions.
func ComputeRegion(width, height int, params RegionParams) (RegionGeometry, error) {
	if width <= 0 || height <= 0 {
		return RegionGeometry{}, fmt.Errorf("%w: source size %vx%v", ErrConfiguration, width, height)
	}
	if params.Zoom < 1 || math32.IsNaN(float32(params.Zoom)) {
		return RegionGeometry{}, fmt.Errorf("%w: zoom %v must be at least 1", ErrConfiguration, params.Zoom)
	}
	if params.FocusScale < 1 || math32.IsNaN(float32(params.FocusScale)) {
		return RegionGeometry{}, fmt.Errorf("%w: focus scale %v must be at least 1", ErrConfiguration, params.FocusScale)
	}

	g := RegionGeometry{
		SourceWidth:  width,
		SourceHeight: height,
	}

	zw := scaleDown(width, params.Zoom)
	zh := scaleDown(height, params.Zoom)
	g.Zoom = Rect{
		X:      (width - zw) / 2,
		Y:      (height - zh) / 2,
		Width:  zw,
		Height: zh,
	}

	fw := scaleDown(zw, params.FocusScale)
	fh := scaleDown(zh, params.FocusScale)
	if fw <= 0 || fh <= 0 {
		return RegionGeometry{}, fmt.Errorf("%w: focus region %vx%v is empty (ROI %vx%v, scale %v)", ErrConfiguration, fw, fh, zw, zh, params.FocusScale)
	}
	g.Focus = Rect{
		X:      (zw - fw) / 2,
		Y:      (zh - fh) / 2,
		Width:  fw,
		Height: fh,
	}

	f := g.Focus
	g.Borders[BorderTop] = MakeRect(0, 0, zw, f.Y)
	g.Borders[BorderBottom] = MakeRect(0, f.Y2(), zw, zh)
	g.Borders[BorderLeft] = MakeRect(0, f.Y, f.X, f.Y2())
	g.Borders[BorderRight] = MakeRect(f.X2(), f.Y, zw, f.Y2())

	if params.Square && zw > zh {
		g.Letterbox = (zw - zh) / 2
	}

	return g, nil
}

// ROIBounds is the zoomed ROI expressed in its own coordinate system
func (g *RegionGeometry) ROIBounds() Rect {
	return Rect{Width: g.Zoom.Width, Height: g.Zoom.Height}
}

// FocusInSource returns the focus box in source frame coordinates
func (g *RegionGeometry) FocusInSource() Rect {
	f := g.Focus
	f.Offset(g.Zoom.X, g.Zoom.Y)
	return f
}

// LetterboxBars returns the left and right bars, or nothing if there is no letterbox.
func (g *RegionGeometry) LetterboxBars() []Rect {
	if g.Letterbox <= 0 {
		return nil
	}
	return []Rect{
		MakeRect(0, 0, g.Letterbox, g.Zoom.Height),
		MakeRect(g.Zoom.Width-g.Letterbox, 0, g.Zoom.Width, g.Zoom.Height),
	}
}

func scaleDown(size int, factor float64) int {
	return int(math32.Floor(float32(size) / float32(factor)))
}
