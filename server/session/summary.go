package session

import (
	"math"
	"time"

	"github.com/cyclopcam/pupilcam/pkg/stats"
)

// Summary describes a finished recording
type Summary struct {
	Dir            string        `json:"dir"`
	StartedAt      time.Time     `json:"startedAt"`
	Duration       time.Duration `json:"duration"`
	Frames         int64         `json:"frames"`
	Samples        int           `json:"samples"`
	Baseline       int           `json:"baseline"` // 0 if the session was never calibrated
	MeanDiameter   float64       `json:"meanDiameter"`
	StdDevDiameter float64       `json:"stdDevDiameter"`
	MinDiameter    int           `json:"minDiameter"`
	MaxDiameter    int           `json:"maxDiameter"`
}

// Catalog keeps a record of every finished session
type Catalog interface {
	AddSession(s *Summary) error
}

func summarize(out *OutputSession, end time.Time, rows []Sample, baseline int) *Summary {
	diameters := make([]int, len(rows))
	for i, r := range rows {
		diameters[i] = r.Diameter
	}
	mean, variance := stats.MeanVar(diameters)
	lo, hi := stats.MinMax(diameters)
	return &Summary{
		Dir:            out.Dir,
		StartedAt:      out.StartedAt,
		Duration:       end.Sub(out.StartedAt),
		Frames:         out.Frames(),
		Samples:        len(rows),
		Baseline:       baseline,
		MeanDiameter:   mean,
		StdDevDiameter: math.Sqrt(variance),
		MinDiameter:    lo,
		MaxDiameter:    hi,
	}
}

// RelativeChange is the percentage by which diameter differs from baseline
func RelativeChange(diameter, baseline int) (float64, bool) {
	if baseline == 0 {
		return 0, false
	}
	return 100 * float64(diameter-baseline) / float64(baseline), true
}
