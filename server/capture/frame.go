package capture

import (
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// Frame is a decoded image. Once published it is never written to again.
// A Frame is reference counted: every holder calls Release exactly once, and the
// pixels are freed when the last holder lets go.
type Frame struct {
	Mat  gocv.Mat
	Seq  int64     // Monotonic, starting at 1
	Time time.Time // When the frame was decoded
	refs atomic.Int32
}

// NewFrame wraps a Mat, taking ownership of it. The caller holds the only reference.
func NewFrame(mat gocv.Mat, seq int64, t time.Time) *Frame {
	f := &Frame{
		Mat:  mat,
		Seq:  seq,
		Time: t,
	}
	f.refs.Store(1)
	return f
}

func (f *Frame) Width() int {
	return f.Mat.Cols()
}

func (f *Frame) Height() int {
	return f.Mat.Rows()
}

func (f *Frame) retain() {
	f.refs.Add(1)
}

// Release drops a reference
func (f *Frame) Release() {
	n := f.refs.Add(-1)
	if n == 0 {
		f.Mat.Close()
	} else if n < 0 {
		panic("capture.Frame released too many times")
	}
}
