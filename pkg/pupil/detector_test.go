package pupil

import (
	"image"
	"image/color"
	"testing"

	"github.com/cyclopcam/pupilcam/pkg/geom"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// The background brightness is chosen so that the threshold (15) sits half way between
// pupil (0) and background, which keeps the blurred edge where the drawn edge was.
const testBackground = 30

type blob struct {
	center image.Point
	radius int
}

func syntheticFrame(width, height int, blobs ...blob) gocv.Mat {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(testBackground, testBackground, testBackground, 0), height, width, gocv.MatTypeCV8UC3)
	for _, b := range blobs {
		gocv.Circle(&img, b.center, b.radius, color.RGBA{0, 0, 0, 0}, -1)
	}
	return img
}

func detectInFocus(t *testing.T, d *Detector, img gocv.Mat, zoom, focusScale float64) Detection {
	g, err := geom.ComputeRegion(img.Cols(), img.Rows(), geom.RegionParams{Zoom: zoom, FocusScale: focusScale})
	require.NoError(t, err)
	focus := img.Region(g.FocusInSource().Rectangle())
	defer focus.Close()
	return d.Detect(focus, g.Focus.Origin())
}

func TestDetectCenteredBlob(t *testing.T) {
	img := syntheticFrame(112, 112, blob{image.Pt(56, 56), 20})
	defer img.Close()

	d := NewDetector(NewParams(10, 80))
	defer d.Close()

	det := detectInFocus(t, d, img, 1, 2)
	require.True(t, det.Found)
	require.InDelta(t, 40, det.Diameter, 1)
	require.InDelta(t, 56, det.Center.X, 1)
	require.InDelta(t, 56, det.Center.Y, 1)
}

func TestDetectIsDeterministic(t *testing.T) {
	img := syntheticFrame(112, 112, blob{image.Pt(50, 60), 14})
	defer img.Close()

	d := NewDetector(NewParams(10, 80))
	defer d.Close()

	first := detectInFocus(t, d, img, 1, 2)
	require.True(t, first.Found)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, detectInFocus(t, d, img, 1, 2))
	}

	// A second detector, with its own scratch buffers, agrees too
	d2 := NewDetector(NewParams(10, 80))
	defer d2.Close()
	require.Equal(t, first, detectInFocus(t, d2, img, 1, 2))
}

func TestDetectNothing(t *testing.T) {
	img := syntheticFrame(112, 112)
	defer img.Close()

	d := NewDetector(NewParams(10, 80))
	defer d.Close()

	det := detectInFocus(t, d, img, 1, 2)
	require.False(t, det.Found)
	require.Equal(t, 0, det.Diameter)
}

func TestDetectSizeBounds(t *testing.T) {
	img := syntheticFrame(112, 112, blob{image.Pt(56, 56), 20})
	defer img.Close()

	tooBig := NewDetector(NewParams(5, 30))
	defer tooBig.Close()
	require.False(t, detectInFocus(t, tooBig, img, 1, 2).Found)

	tooSmall := NewDetector(NewParams(50, 80))
	defer tooSmall.Close()
	require.False(t, detectInFocus(t, tooSmall, img, 1, 2).Found)
}

func TestCandidatesPrimaryIsTallest(t *testing.T) {
	img := syntheticFrame(200, 200, blob{image.Pt(50, 50), 15}, blob{image.Pt(140, 140), 25})
	defer img.Close()

	d := NewDetector(NewParams(10, 80))
	defer d.Close()

	g, err := geom.ComputeRegion(200, 200, geom.RegionParams{Zoom: 1, FocusScale: 1})
	require.NoError(t, err)
	focus := img.Region(g.FocusInSource().Rectangle())
	defer focus.Close()

	all := d.Candidates(focus, g.Focus.Origin())
	require.Len(t, all, 2)
	require.InDelta(t, 50, all[0].Diameter, 1)
	require.InDelta(t, 140, all[0].Center.X, 1)
	require.InDelta(t, 30, all[1].Diameter, 1)
	require.InDelta(t, 50, all[1].Center.Y, 1)
	require.Equal(t, all[0], d.Detect(focus, g.Focus.Origin()))
}

func TestCandidatesOffsetByOrigin(t *testing.T) {
	img := syntheticFrame(112, 112, blob{image.Pt(56, 56), 20})
	defer img.Close()

	d := NewDetector(NewParams(10, 80))
	defer d.Close()

	atZero := d.Detect(img, geom.Point{})
	shifted := d.Detect(img, geom.Point{X: 7, Y: -3})
	require.Equal(t, atZero.Center.X+7, shifted.Center.X)
	require.Equal(t, atZero.Center.Y-3, shifted.Center.Y)
	require.Equal(t, atZero.Diameter, shifted.Diameter)
}

func TestCandidatesEqualHeightPrefersLargerArea(t *testing.T) {
	d := NewDetector(NewParams(10, 80))
	defer d.Close()

	// Two bars of identical height. Only their widths differ.
	for _, wideOnLeft := range []bool{true, false} {
		wideX, narrowX := 40, 140
		if !wideOnLeft {
			wideX, narrowX = narrowX, wideX
		}
		img := syntheticFrame(200, 200)
		gocv.Rectangle(&img, image.Rect(wideX-15, 70, wideX+15, 110), color.RGBA{0, 0, 0, 0}, -1)
		gocv.Rectangle(&img, image.Rect(narrowX-7, 70, narrowX+7, 110), color.RGBA{0, 0, 0, 0}, -1)

		all := d.Candidates(img, geom.Point{})
		require.Len(t, all, 2)
		require.Equal(t, all[0].Diameter, all[1].Diameter)
		require.Greater(t, all[0].Area, all[1].Area)
		require.InDelta(t, wideX, all[0].Center.X, 1)
		require.InDelta(t, narrowX, all[1].Center.X, 1)

		for i := 0; i < 3; i++ {
			require.Equal(t, all, d.Candidates(img, geom.Point{}))
		}
		require.Equal(t, all[0], d.Detect(img, geom.Point{}))
		img.Close()
	}
}
