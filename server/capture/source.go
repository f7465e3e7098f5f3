// Package capture runs a background acquisition loop that keeps the most recent frame of a video source.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pupilcam/pkg/perfstats"
	"github.com/cyclopcam/pupilcam/server/log"
	"gocv.io/x/gocv"
)

var (
	ErrSourceUnavailable = errors.New("video source unavailable")
	ErrEndOfStream       = errors.New("end of video stream")
)

// How long the loop waits before retrying a device that failed to produce a frame
const readRetryInterval = 10 * time.Millisecond

type Options struct {
	FPSWindow   int  // Number of iterations averaged by FPS()
	RewindAtEnd bool // Loop file sources. If false, a file source stops with ErrEndOfStream.
	PaceFiles   bool // Sleep between file frames so that they arrive at the file's frame rate
}

// Source owns a Device, and continuously decodes frames from it on its own goroutine.
// Consumers only ever see the most recent frame. A slow consumer skips frames, and
// never blocks the producer.
type Source struct {
	Log  logs.Log
	info DeviceInfo
	opts Options

	device        Device
	fps           *perfstats.RateWindow
	mustStop      atomic.Bool // True if Close() has been called
	looperStopped chan bool   // Closed when the looper exits
	closeOnce     sync.Once
	nFrames       atomic.Int64
	nReadFails    atomic.Int64
	nRewinds      atomic.Int64

	lock    sync.Mutex
	latest  *Frame
	arrived chan struct{} // Closed and replaced whenever a frame is published
	err     error         // Why the looper stopped on its own
}

// Open opens the source with OpenCV, and starts acquiring frames
func Open(logger logs.Log, source string, devOpts DeviceOptions, opts Options) (*Source, error) {
	dev, err := OpenVideoCapture(source, devOpts)
	if err != nil {
		return nil, err
	}
	s := NewSource(logger, dev, opts)
	s.Log.Infof("Opened '%v' %v x %v at %.1f FPS, codec %v", source, s.info.Width, s.info.Height, s.info.FPS, s.info.Codec)
	return s, nil
}

// NewSource takes ownership of an open device, and starts acquiring frames
func NewSource(logger logs.Log, dev Device, opts Options) *Source {
	s := &Source{
		Log:           log.NewPrefixLogger(logger, "FrameSource:"),
		info:          dev.Info(),
		opts:          opts,
		device:        dev,
		fps:           perfstats.NewRateWindow(opts.FPSWindow),
		looperStopped: make(chan bool),
		arrived:       make(chan struct{}),
	}
	go s.loop()
	return s
}

// Close stops the acquisition loop and then releases the device.
// It is safe to call more than once, and from any goroutine.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		s.mustStop.Store(true)
		<-s.looperStopped
		if err := s.device.Close(); err != nil {
			s.Log.Warnf("Error closing device: %v", err)
		}
		s.lock.Lock()
		if s.latest != nil {
			s.latest.Release()
			s.latest = nil
		}
		s.lock.Unlock()
		s.Log.Infof("Closed after %v frames", s.nFrames.Load())
	})
}

func (s *Source) Info() DeviceInfo {
	return s.info
}

// FPS returns the mean acquisition rate over the FPS window, or 0 before the first frame
func (s *Source) FPS() float64 {
	return s.fps.Mean()
}

func (s *Source) FrameCount() int64 {
	return s.nFrames.Load()
}

// Err returns the reason the loop stopped by itself (eg ErrEndOfStream), or nil if it is still running
func (s *Source) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

// Latest returns the most recent frame, and false if no frame has been published yet.
// The caller must Release the frame.
func (s *Source) Latest() (*Frame, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.latest == nil {
		return nil, false
	}
	s.latest.retain()
	return s.latest, true
}

// LatestIfDifferent returns the most recent frame if its sequence number is not 'seq'.
// The caller must Release the frame.
func (s *Source) LatestIfDifferent(seq int64) *Frame {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.latest == nil || s.latest.Seq == seq {
		return nil
	}
	s.latest.retain()
	return s.latest
}

// WaitNext blocks until a frame newer than 'seq' is available, the timeout expires, or ctx is done.
// Returns nil if no newer frame arrived in time. The caller must Release the frame.
func (s *Source) WaitNext(ctx context.Context, seq int64, timeout time.Duration) *Frame {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.lock.Lock()
		if s.latest != nil && s.latest.Seq != seq {
			s.latest.retain()
			f := s.latest
			s.lock.Unlock()
			return f
		}
		arrived := s.arrived
		stopped := s.err != nil
		s.lock.Unlock()
		if stopped {
			return nil
		}
		select {
		case <-arrived:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		case <-s.looperStopped:
			return nil
		}
	}
}

func (s *Source) publish(mat gocv.Mat, t time.Time) {
	f := NewFrame(mat, s.nFrames.Add(1), t)
	s.lock.Lock()
	old := s.latest
	s.latest = f
	close(s.arrived)
	s.arrived = make(chan struct{})
	s.lock.Unlock()
	if old != nil {
		old.Release()
	}
}

func (s *Source) stopWithError(err error) {
	s.lock.Lock()
	s.err = err
	close(s.arrived)
	s.arrived = make(chan struct{})
	s.lock.Unlock()
}

func (s *Source) loop() {
	defer close(s.looperStopped)

	lastFrameAt := time.Now()
	framesSinceRewind := 0
	nextStatsLog := int64(1)
	var frameInterval time.Duration
	if s.info.IsFile && s.opts.PaceFiles && s.info.FPS > 0 {
		frameInterval = time.Duration(float64(time.Second) / s.info.FPS)
	}

	for !s.mustStop.Load() {
		mat := gocv.NewMat()
		if !s.device.Read(&mat) {
			mat.Close()
			if s.info.IsFile {
				if s.opts.RewindAtEnd && framesSinceRewind != 0 && s.device.Rewind() {
					framesSinceRewind = 0
					n := s.nRewinds.Add(1)
					s.Log.Infof("End of file, rewinding (%v)", n)
					continue
				}
				s.Log.Infof("End of stream after %v frames", s.nFrames.Load())
				s.stopWithError(ErrEndOfStream)
				return
			}
			fails := s.nReadFails.Add(1)
			if fails&(fails-1) == 0 {
				s.Log.Warnf("Device produced no frame (%v failures so far)", fails)
			}
			time.Sleep(readRetryInterval)
			continue
		}
		framesSinceRewind++

		if frameInterval != 0 {
			if wait := frameInterval - time.Since(lastFrameAt); wait > 0 {
				time.Sleep(wait)
			}
		}

		now := time.Now()
		s.fps.AddInterval(now.Sub(lastFrameAt))
		lastFrameAt = now
		s.publish(mat, now)

		if n := s.nFrames.Load(); n >= nextStatsLog {
			s.Log.Debugf("%v frames, %.1f FPS", n, s.fps.Mean())
			nextStatsLog = min(nextStatsLog*2, n+1000)
		}
	}
}
