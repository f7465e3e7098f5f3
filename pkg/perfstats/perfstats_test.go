package perfstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateWindowEmpty(t *testing.T) {
	w := NewRateWindow(15)
	require.Equal(t, 0.0, w.Mean())
	require.Equal(t, 0, w.Len())
	w.AddInterval(0)
	w.AddInterval(-time.Millisecond)
	require.Equal(t, 0.0, w.Mean())
}

func TestRateWindowMean(t *testing.T) {
	// 15 is deliberately not a power of 2, so the ring underneath is larger than the window
	w := NewRateWindow(15)
	w.AddInterval(100 * time.Millisecond)
	require.InDelta(t, 10.0, w.Mean(), 1e-9)
	w.AddInterval(50 * time.Millisecond)
	require.InDelta(t, 15.0, w.Mean(), 1e-9)

	for i := 1; i <= 40; i++ {
		w.AddRate(float64(i))
	}
	require.Equal(t, 15, w.Len())
	// mean of 26..40
	require.InDelta(t, 33.0, w.Mean(), 1e-9)
}

func TestRateWindowSizeOne(t *testing.T) {
	w := NewRateWindow(0)
	w.AddRate(3)
	w.AddRate(7)
	require.Equal(t, 1, w.Len())
	require.Equal(t, 7.0, w.Mean())
}

func TestTimeAccumulator(t *testing.T) {
	a := TimeAccumulator{}
	require.Equal(t, time.Duration(0), a.Average())
	a.AddSample(10 * time.Millisecond)
	a.AddSample(20 * time.Millisecond)
	require.Equal(t, 15*time.Millisecond, a.Average())
	a.Reset()
	require.Equal(t, int64(0), a.Samples)
}
