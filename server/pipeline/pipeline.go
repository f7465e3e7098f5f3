// Package pipeline runs the per-frame loop: detect, update the session, draw, record, present, and handle hotkeys.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pupilcam/pkg/geom"
	"github.com/cyclopcam/pupilcam/pkg/overlay"
	"github.com/cyclopcam/pupilcam/pkg/perfstats"
	"github.com/cyclopcam/pupilcam/pkg/pupil"
	"github.com/cyclopcam/pupilcam/server/capture"
	"github.com/cyclopcam/pupilcam/server/log"
	"github.com/cyclopcam/pupilcam/server/preview"
	"github.com/cyclopcam/pupilcam/server/session"
	"gocv.io/x/gocv"
)

// ErrTickFailed wraps a panic that escaped from one iteration of the loop
var ErrTickFailed = errors.New("pipeline tick failed")

// FrameSource is the part of capture.Source that the pipeline consumes
type FrameSource interface {
	Info() capture.DeviceInfo
	FPS() float64
	Err() error
	WaitNext(ctx context.Context, seq int64, timeout time.Duration) *capture.Frame
}

type Options struct {
	Region     geom.RegionParams
	Detector   pupil.Params
	FPSWindow  int           // Size of the render FPS window
	MaxMarkers int           // Maximum number of candidates drawn. The primary is always drawn.
	DimAlpha   float64       // Brightness removed from the area around the focus box. 0 outlines the box instead.
	KeyWait    time.Duration // How long each tick waits for a hotkey
	FrameWait  time.Duration // How long to wait for a new frame before polling hotkeys again
}

func DefaultOptions() Options {
	return Options{
		Region:     geom.RegionParams{Zoom: 2.5, FocusScale: 2},
		Detector:   pupil.NewParams(10, 150),
		FPSWindow:  15,
		MaxMarkers: 4,
		DimAlpha:   0.5,
		KeyWait:    time.Millisecond,
		FrameWait:  100 * time.Millisecond,
	}
}

// Status is a snapshot of the pipeline, safe to read from any goroutine
type Status struct {
	State              string  `json:"state"`
	Recording          bool    `json:"recording"`
	SessionDir         string  `json:"sessionDir,omitempty"`
	ElapsedMs          int64   `json:"elapsedMs"`
	Baseline           int     `json:"baseline"`
	PendingCalibration bool    `json:"pendingCalibration"`
	Found              bool    `json:"found"`
	Diameter           int     `json:"diameter"`
	HasRelative        bool    `json:"hasRelative"`
	RelativePct        float64 `json:"relativePct"`
	Candidates         int     `json:"candidates"`
	AcquisitionFPS     float64 `json:"acquisitionFPS"`
	RenderFPS          float64 `json:"renderFPS"`
	CameraFPS          float64 `json:"cameraFPS"`
	Frames             int64   `json:"frames"`
	Dropped            int64   `json:"dropped"`
}

// Pipeline is the consumer of the frame source. Everything except Status() must be used from
// the goroutine that calls Run.
type Pipeline struct {
	Log      logs.Log
	opts     Options
	source   FrameSource
	display  preview.Display
	geometry geom.RegionGeometry
	detector *pupil.Detector
	machine  *session.Machine
	renderer *overlay.Renderer

	renderFPS  *perfstats.RateWindow
	detectTime perfstats.TimeAccumulator
	work       gocv.Mat
	lastSeq    int64
	lastTickAt time.Time
	nFrames    int64
	nDropped   int64

	lastReading    session.Reading
	lastCandidates int

	nextStatsAt   time.Time
	statsInterval time.Duration
	lastWriteErr  time.Time

	statusLock sync.Mutex
	status     Status
}

// New validates the geometry against the source resolution, and creates the session machine.
// sessionOpts supplies everything except frame size and rate, which come from the source.
func New(logger logs.Log, source FrameSource, display preview.Display, opts Options, sessionOpts session.Options) (*Pipeline, error) {
	info := source.Info()
	geometry, err := geom.ComputeRegion(info.Width, info.Height, opts.Region)
	if err != nil {
		return nil, err
	}
	if opts.KeyWait <= 0 {
		opts.KeyWait = time.Millisecond
	}
	if opts.FrameWait <= 0 {
		opts.FrameWait = 100 * time.Millisecond
	}

	sessionOpts.FrameWidth = geometry.Zoom.Width
	sessionOpts.FrameHeight = geometry.Zoom.Height
	sessionOpts.FPS = info.FPS
	if sessionOpts.FPS <= 0 {
		sessionOpts.FPS = capture.DefaultDeviceFPS
	}

	p := &Pipeline{
		Log:           log.NewPrefixLogger(logger, "Pipeline:"),
		opts:          opts,
		source:        source,
		display:       display,
		geometry:      geometry,
		detector:      pupil.NewDetector(opts.Detector),
		machine:       session.NewMachine(logger, sessionOpts),
		renderer:      newRenderer(geometry),
		renderFPS:     perfstats.NewRateWindow(opts.FPSWindow),
		work:          gocv.NewMat(),
		statsInterval: 2 * time.Second,
	}
	p.Log.Infof("Source %v x %v, ROI %v x %v at (%v,%v), focus %v x %v at (%v,%v)",
		info.Width, info.Height,
		geometry.Zoom.Width, geometry.Zoom.Height, geometry.Zoom.X, geometry.Zoom.Y,
		geometry.Focus.Width, geometry.Focus.Height, geometry.Focus.X, geometry.Focus.Y)
	return p, nil
}

func newRenderer(g geom.RegionGeometry) *overlay.Renderer {
	r := overlay.NewRenderer()
	r.SideInset = g.Letterbox
	return r
}

func (p *Pipeline) Geometry() geom.RegionGeometry {
	return p.geometry
}

// Machine exposes the session state. Only touch it from the Run goroutine.
func (p *Pipeline) Machine() *session.Machine {
	return p.machine
}

// Status returns the state as of the most recent tick
func (p *Pipeline) Status() Status {
	p.statusLock.Lock()
	defer p.statusLock.Unlock()
	return p.status
}

// Run processes frames until the operator quits, ctx is cancelled, the source stops, or a tick fails.
// A recording in progress is always flushed before Run returns.
// The source and display remain owned by the caller.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := p.machine.Close(); cerr != nil {
			p.Log.Errorf("Failed to finish recording: %v", cerr)
			err = errors.Join(err, cerr)
		}
		p.detector.Close()
		p.work.Close()
		p.Log.Infof("Stopped after %v frames (%v dropped)", p.nFrames, p.nDropped)
	}()

	p.lastTickAt = time.Now()
	p.nextStatsAt = p.lastTickAt.Add(p.statsInterval)

	for {
		if ctx.Err() != nil {
			p.Log.Infof("Cancelled")
			return nil
		}
		if err := p.source.Err(); err != nil {
			return err
		}

		frame := p.source.WaitNext(ctx, p.lastSeq, p.opts.FrameWait)
		if frame == nil {
			// Keep the UI responsive while the source is silent
			quit, err := p.protect(func() bool {
				quit := p.handleKey(p.display.PollKey(p.opts.KeyWait))
				p.updateStatus(p.lastReading, p.lastCandidates)
				return quit
			})
			if err != nil || quit {
				return err
			}
			continue
		}

		quit, err := p.protect(func() bool {
			defer frame.Release()
			return p.tick(frame)
		})
		if err != nil || quit {
			return err
		}
	}
}

// protect converts a panic inside fn into an error
func (p *Pipeline) protect(fn func() bool) (quit bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.Log.Errorf("Tick failed: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("%w: %v", ErrTickFailed, r)
		}
	}()
	return fn(), nil
}

func (p *Pipeline) tick(frame *capture.Frame) bool {
	if p.lastSeq != 0 && frame.Seq > p.lastSeq+1 {
		p.nDropped += frame.Seq - p.lastSeq - 1
	}
	p.lastSeq = frame.Seq
	p.nFrames++

	if frame.Width() != p.geometry.SourceWidth || frame.Height() != p.geometry.SourceHeight {
		panic(fmt.Sprintf("frame size changed from %v x %v to %v x %v", p.geometry.SourceWidth, p.geometry.SourceHeight, frame.Width(), frame.Height()))
	}

	roi := frame.Mat.Region(p.geometry.Zoom.Rectangle())
	defer roi.Close()
	focus := roi.Region(p.geometry.Focus.Rectangle())
	defer focus.Close()

	start := time.Now()
	candidates := p.detector.Candidates(focus, p.geometry.Focus.Origin())
	p.detectTime.AddSample(time.Since(start))

	primary := pupil.Detection{}
	if len(candidates) != 0 {
		primary = candidates[0]
	}
	reading := p.machine.Observe(primary)

	// Draw on a copy, so that the published frame stays untouched
	roi.CopyTo(&p.work)
	p.render(reading, candidates)

	if p.machine.IsRecording() {
		if err := p.machine.WriteFrame(p.work); err != nil && time.Since(p.lastWriteErr) > 5*time.Second {
			p.Log.Errorf("Failed to write video frame: %v", err)
			p.lastWriteErr = time.Now()
		}
	}

	if err := p.display.Show(p.work); err != nil {
		p.Log.Warnf("Failed to show frame: %v", err)
	}

	now := time.Now()
	p.renderFPS.AddInterval(now.Sub(p.lastTickAt))
	p.lastTickAt = now

	quit := p.handleKey(p.display.PollKey(p.opts.KeyWait))
	p.lastReading = reading
	p.lastCandidates = len(candidates)
	p.updateStatus(reading, len(candidates))
	p.logStats(now)
	return quit
}

// handleKey dispatches a hotkey, and returns true if the loop must stop
func (p *Pipeline) handleKey(k preview.Key) bool {
	switch k {
	case preview.KeyQuit:
		if p.machine.IsRecording() {
			p.Log.Warnf("Stop recording with R before quitting")
			return false
		}
		p.Log.Infof("Quit")
		return true
	case preview.KeyRecord:
		// Errors are logged by the machine. A sink failure leaves us idle, and the preview carries on.
		p.machine.Toggle()
	case preview.KeyCalibrate:
		p.machine.RequestCalibration()
	}
	return false
}

func (p *Pipeline) render(reading session.Reading, candidates []pupil.Detection) {
	r := p.renderer
	r.Begin(&p.work)
	info := p.source.Info()

	if p.opts.DimAlpha > 0 {
		r.DimBorders(&p.geometry, p.opts.DimAlpha)
	} else {
		r.DrawBox(p.geometry.Focus, overlay.White)
	}

	// Secondary candidates first, so that the primary is drawn on top
	n := min(len(candidates), max(p.opts.MaxMarkers, 1))
	for i := n - 1; i >= 0; i-- {
		c := candidates[i]
		col := overlay.Cyan
		if i == 0 {
			col = overlay.Green
			r.DrawMarker(c.Center, c.Diameter, col)
		} else {
			r.DrawCircle(c.Center, c.Diameter, col)
		}
		r.AddTextAt(c.Box.Origin().ImagePoint(), fmt.Sprintf("%v", c.Diameter), col)
	}

	r.Letterbox(&p.geometry)

	r.AddText(overlay.TopLeft, fmt.Sprintf("Image: %v x %v", info.Height, info.Width), overlay.White)
	r.AddText(overlay.TopLeft, fmt.Sprintf("Zoom: %.1fx", p.opts.Region.Zoom), overlay.White)
	r.AddText(overlay.TopLeft, fmt.Sprintf("Codec: %v", info.Codec), overlay.White)

	r.AddText(overlay.TopRight, fmt.Sprintf("Render FPS: %.1f", p.renderFPS.Mean()), overlay.White)
	r.AddText(overlay.TopRight, fmt.Sprintf("Camera FPS: %.1f", info.FPS), overlay.White)
	r.AddText(overlay.TopRight, fmt.Sprintf("Acq FPS: %.1f", p.source.FPS()), overlay.White)

	if p.machine.IsRecording() {
		r.AddText(overlay.BottomLeft, fmt.Sprintf("[R] %.3f s", p.machine.Elapsed().Seconds()), overlay.Red)
	}
	if reading.HasRelative {
		r.AddText(overlay.BottomLeft, fmt.Sprintf("PD increase: %.1f%%", reading.RelativePct), overlay.White)
	}
	if reading.Baseline != 0 {
		r.AddText(overlay.BottomLeft, fmt.Sprintf("Baseline: %v px", reading.Baseline), overlay.White)
	}

	if p.machine.IsRecording() {
		r.AddText(overlay.BottomRight, "[Stop recording with R]", overlay.White)
	} else {
		r.AddText(overlay.BottomRight, "[Press Q to Exit]", overlay.White)
	}
	if p.machine.PendingCalibration() {
		r.AddText(overlay.BottomRight, "[Calibrating...]", overlay.Yellow)
	}
}

func (p *Pipeline) updateStatus(reading session.Reading, nCandidates int) {
	s := Status{
		State:              p.machine.State().String(),
		Recording:          p.machine.IsRecording(),
		ElapsedMs:          p.machine.Elapsed().Milliseconds(),
		Baseline:           reading.Baseline,
		PendingCalibration: p.machine.PendingCalibration(),
		Found:              reading.Found,
		Diameter:           reading.Diameter,
		HasRelative:        reading.HasRelative,
		RelativePct:        reading.RelativePct,
		Candidates:         nCandidates,
		AcquisitionFPS:     p.source.FPS(),
		RenderFPS:          p.renderFPS.Mean(),
		CameraFPS:          p.source.Info().FPS,
		Frames:             p.nFrames,
		Dropped:            p.nDropped,
	}
	if out := p.machine.Output(); out != nil {
		s.SessionDir = out.Dir
	}
	p.statusLock.Lock()
	p.status = s
	p.statusLock.Unlock()
}

func (p *Pipeline) logStats(now time.Time) {
	if now.Before(p.nextStatsAt) {
		return
	}
	p.Log.Infof("%v frames, %v dropped, acquisition %.1f FPS, render %.1f FPS, detection %.2f ms",
		p.nFrames, p.nDropped, p.source.FPS(), p.renderFPS.Mean(), float64(p.detectTime.Average().Microseconds())/1000)
	p.detectTime.Reset()
	p.statsInterval = min(p.statsInterval*2, time.Minute)
	p.nextStatsAt = now.Add(p.statsInterval)
}
