package pupil

import (
	"image"
	"slices"

	"github.com/cyclopcam/pupilcam/pkg/geom"
	"gocv.io/x/gocv"
)

// Default pipeline constants. The pupil is assumed to be the darkest blob in the focus box.
const (
	DefaultThreshold    = 15
	DefaultBlurKernel   = 11
	DefaultMedianKernel = 3
)

// Detection is the outcome of running the detector on one focus region.
// Center is in ROI coordinates. Diameter is the height of the contour's bounding box.
type Detection struct {
	Found    bool       `json:"found"`
	Center   geom.Point `json:"center"`
	Diameter int        `json:"diameter"`
	Box      geom.Rect  `json:"box"` // Bounding box in ROI coordinates
	Area     float64    `json:"area"`
}

// Params control the image processing pipeline.
// Zero values are replaced with the defaults.
type Params struct {
	MinDiameter  int
	MaxDiameter  int
	Threshold    int // Inverse binary threshold. Pixels at or below this brightness are candidate pupil.
	BlurKernel   int // Gaussian kernel size (odd)
	MedianKernel int // Median kernel size (odd)
}

func NewParams(minDiameter, maxDiameter int) Params {
	return Params{
		MinDiameter:  minDiameter,
		MaxDiameter:  maxDiameter,
		Threshold:    DefaultThreshold,
		BlurKernel:   DefaultBlurKernel,
		MedianKernel: DefaultMedianKernel,
	}
}

// Detector owns scratch images, so one Detector must only be used by one goroutine at a time.
type Detector struct {
	params Params
	gray   gocv.Mat
	blur   gocv.Mat
	median gocv.Mat
	mask   gocv.Mat
}

func NewDetector(params Params) *Detector {
	if params.Threshold <= 0 {
		params.Threshold = DefaultThreshold
	}
	if params.BlurKernel <= 0 {
		params.BlurKernel = DefaultBlurKernel
	}
	if params.MedianKernel <= 0 {
		params.MedianKernel = DefaultMedianKernel
	}
	params.BlurKernel |= 1
	params.MedianKernel |= 1
	return &Detector{
		params: params,
		gray:   gocv.NewMat(),
		blur:   gocv.NewMat(),
		median: gocv.NewMat(),
		mask:   gocv.NewMat(),
	}
}

func (d *Detector) Params() Params {
	return d.params
}

// Close releases the scratch images
func (d *Detector) Close() {
	d.gray.Close()
	d.blur.Close()
	d.median.Close()
	d.mask.Close()
}

// Detect returns the primary pupil detection in the focus region.
// origin is the position of the focus region inside the ROI, and is added to all output coordinates.
func (d *Detector) Detect(focus gocv.Mat, origin geom.Point) Detection {
	candidates := d.Candidates(focus, origin)
	if len(candidates) == 0 {
		return Detection{}
	}
	return candidates[0]
}

// Candidates returns every contour whose diameter lies within [MinDiameter, MaxDiameter].
// The first element is the primary detection: the tallest candidate, with ties going to the larger
// contour area, and after that to contour extraction order.
// The remaining candidates are in descending area order.
func (d *Detector) Candidates(focus gocv.Mat, origin geom.Point) []Detection {
	if focus.Empty() {
		return nil
	}
	d.threshold(focus)

	contours := gocv.FindContours(d.mask, gocv.RetrievalTree, gocv.ChainApproxSimple)
	defer contours.Close()

	all := make([]Detection, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		box := geom.FromRectangle(gocv.BoundingRect(contour))
		area := gocv.ContourArea(contour)
		if box.Height < d.params.MinDiameter || box.Height > d.params.MaxDiameter {
			continue
		}
		box.Offset(origin.X, origin.Y)
		all = append(all, Detection{
			Found:    true,
			Center:   box.Center(),
			Diameter: box.Height,
			Box:      box,
			Area:     area,
		})
	}
	if len(all) == 0 {
		return nil
	}

	slices.SortStableFunc(all, func(a, b Detection) int {
		switch {
		case a.Area > b.Area:
			return -1
		case a.Area < b.Area:
			return 1
		}
		return 0
	})

	primary := 0
	for i := 1; i < len(all); i++ {
		if all[i].Diameter > all[primary].Diameter {
			primary = i
		}
	}
	if primary != 0 {
		p := all[primary]
		copy(all[1:primary+1], all[0:primary])
		all[0] = p
	}
	return all
}

// grayscale -> gaussian -> median -> inverse binary threshold, into d.mask
func (d *Detector) threshold(focus gocv.Mat) {
	src := focus
	switch focus.Channels() {
	case 3:
		gocv.CvtColor(focus, &d.gray, gocv.ColorBGRToGray)
		src = d.gray
	case 4:
		gocv.CvtColor(focus, &d.gray, gocv.ColorBGRAToGray)
		src = d.gray
	}
	k := d.params.BlurKernel
	gocv.GaussianBlur(src, &d.blur, image.Pt(k, k), 0, 0, gocv.BorderDefault)
	gocv.MedianBlur(d.blur, &d.median, d.params.MedianKernel)
	gocv.Threshold(d.median, &d.mask, float32(d.params.Threshold), 255, gocv.ThresholdBinaryInv)
}
