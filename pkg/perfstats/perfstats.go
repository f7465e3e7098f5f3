package perfstats

import (
	"math"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
)

// RateWindow keeps the last N instantaneous rates (eg frames per second), and reports their mean.
// It is safe to call from multiple goroutines.
type RateWindow struct {
	lock sync.Mutex
	size int
	ring ringbuffer.RingP[float64]
}

// NewRateWindow creates a window that averages over the most recent 'size' rates.
func NewRateWindow(size int) *RateWindow {
	size = max(size, 1)
	return &RateWindow{
		size: size,
		ring: ringbuffer.NewRingP[float64](nextPowerOf2(size)),
	}
}

// AddInterval records the rate implied by one iteration taking 'd'.
// Non-positive durations are ignored, because they carry no rate information.
func (w *RateWindow) AddInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	w.AddRate(float64(time.Second) / float64(d))
}

func (w *RateWindow) AddRate(rate float64) {
	w.lock.Lock()
	w.ring.Add(rate)
	w.lock.Unlock()
}

// Number of rates that contribute to Mean()
func (w *RateWindow) Len() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return min(w.ring.Len(), w.size)
}

// Mean returns the average of the last min(recorded, size) rates, or zero if nothing has been recorded.
func (w *RateWindow) Mean() float64 {
	w.lock.Lock()
	defer w.lock.Unlock()
	n := min(w.ring.Len(), w.size)
	if n == 0 {
		return 0
	}
	sum := 0.0
	last := w.ring.Len() - 1
	for i := 0; i < n; i++ {
		sum += w.ring.Peek(last - i)
	}
	return sum / float64(n)
}

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

func nextPowerOf2(n int) int {
	return 1 << int(math.Ceil(math.Log2(float64(n))))
}
