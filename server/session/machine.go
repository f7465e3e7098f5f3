// Package session tracks calibration and recording state, and writes recorded sessions to disk.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pupilcam/pkg/pupil"
	"github.com/cyclopcam/pupilcam/server/log"
	"gocv.io/x/gocv"
)

type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	}
	return "unknown"
}

type Options struct {
	RecordingDir string
	Codec        string  // FourCC of the recorded video
	FPS          float64 // Frame rate written into the video header
	FrameWidth   int     // Size of the frames passed to WriteFrame
	FrameHeight  int
	Chart        bool // Write a PNG chart alongside the table

	OpenSink SinkOpener       // Defaults to OpenVideoWriter
	Catalog  Catalog          // Optional
	Now      func() time.Time // Defaults to time.Now
}

// Reading is the outcome of feeding one detection to the machine
type Reading struct {
	Found       bool    `json:"found"`
	Diameter    int     `json:"diameter"`
	Baseline    int     `json:"baseline"`
	Calibrated  bool    `json:"calibrated"`  // The baseline was set by this detection
	HasRelative bool    `json:"hasRelative"` // RelativePct is meaningful
	RelativePct float64 `json:"relativePct"`
	Recorded    bool    `json:"recorded"` // A sample was appended
	ElapsedMs   int64   `json:"elapsedMs"`
}

// Machine is the idle/recording state machine. It is owned by a single goroutine (the pipeline's tick loop).
type Machine struct {
	Log  logs.Log
	opts Options

	state              State
	pendingCalibration bool
	baseline           int
	output             *OutputSession
	samples            Samples
}

func NewMachine(logger logs.Log, opts Options) *Machine {
	if opts.OpenSink == nil {
		opts.OpenSink = OpenVideoWriter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{
		Log:  log.NewPrefixLogger(logger, "Session:"),
		opts: opts,
	}
}

func (m *Machine) State() State {
	return m.state
}

func (m *Machine) IsRecording() bool {
	return m.state == Recording
}

// Baseline returns the calibrated diameter, or 0 if not calibrated
func (m *Machine) Baseline() int {
	return m.baseline
}

func (m *Machine) PendingCalibration() bool {
	return m.pendingCalibration
}

// Output returns the current recording's files, or nil when idle
func (m *Machine) Output() *OutputSession {
	return m.output
}

// Elapsed is the time since recording started, or zero when idle
func (m *Machine) Elapsed() time.Duration {
	if m.output == nil {
		return 0
	}
	return m.opts.Now().Sub(m.output.StartedAt)
}

// Samples returns a copy of the samples recorded so far in the current session
func (m *Machine) Samples() []Sample {
	return m.samples.Rows()
}

// RequestCalibration makes the next successful detection the new baseline
func (m *Machine) RequestCalibration() {
	if !m.pendingCalibration {
		m.Log.Infof("Calibration requested")
	}
	m.pendingCalibration = true
}

// Toggle flips between Idle and Recording
func (m *Machine) Toggle() (*Summary, error) {
	return m.ToggleRecord(m.state != Recording)
}

// ToggleRecord moves to Recording (on=true) or Idle (on=false).
// Asking for the current state does nothing.
// When stopping, the returned Summary describes the finished session. Stopping always
// reaches Idle, even if some of the session files could not be written.
func (m *Machine) ToggleRecord(on bool) (*Summary, error) {
	if on == (m.state == Recording) {
		return nil, nil
	}
	if on {
		return nil, m.start()
	}
	return m.stop()
}

func (m *Machine) start() error {
	out, err := openOutputSession(m.opts.RecordingDir, m.opts.Now(), &m.opts)
	if err != nil {
		m.Log.Errorf("Recording not started: %v", err)
		return err
	}
	m.output = out
	m.samples.Reset()
	m.state = Recording
	m.Log.Infof("Recording to %v", out.Dir)
	return nil
}

func (m *Machine) stop() (*Summary, error) {
	out := m.output
	rows := m.samples.Rows()
	end := m.opts.Now()

	m.state = Idle
	m.output = nil
	m.samples.Reset()

	var errs []error
	if err := out.close(); err != nil {
		errs = append(errs, fmt.Errorf("Failed to close video: %w", err))
	}
	if err := writeTableFile(filepath.Join(out.Dir, TableFilename), rows); err != nil {
		errs = append(errs, fmt.Errorf("Failed to write sample table: %w", err))
	}
	if m.opts.Chart && len(rows) != 0 {
		if err := writeChart(filepath.Join(out.Dir, ChartFilename), rows, m.baseline); err != nil {
			// A missing chart does not fail the session
			m.Log.Warnf("Failed to write chart: %v", err)
		}
	}

	summary := summarize(out, end, rows, m.baseline)
	if m.opts.Catalog != nil {
		if err := m.opts.Catalog.AddSession(summary); err != nil {
			m.Log.Warnf("Failed to add session to catalog: %v", err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		m.Log.Errorf("Recording stopped with errors: %v", err)
	} else {
		m.Log.Infof("Recording stopped after %.3f s, %v samples, %v frames", summary.Duration.Seconds(), summary.Samples, summary.Frames)
	}
	return summary, err
}

// Observe feeds the primary detection of one tick into the machine
func (m *Machine) Observe(det pupil.Detection) Reading {
	r := Reading{
		Found:    det.Found,
		Diameter: det.Diameter,
	}
	if m.output != nil {
		r.ElapsedMs = m.opts.Now().Sub(m.output.StartedAt).Milliseconds()
	}
	if det.Found {
		if m.pendingCalibration {
			m.pendingCalibration = false
			m.baseline = det.Diameter
			r.Calibrated = true
			m.Log.Infof("Baseline diameter is %v", m.baseline)
		}
		r.RelativePct, r.HasRelative = RelativeChange(det.Diameter, m.baseline)
		if m.state == Recording {
			m.samples.Set(r.ElapsedMs, det.Diameter)
			r.Recorded = true
		}
	}
	r.Baseline = m.baseline
	return r
}

// WriteFrame encodes a frame into the current recording. It does nothing when idle.
func (m *Machine) WriteFrame(img gocv.Mat) error {
	if m.output == nil {
		return nil
	}
	return m.output.writeFrame(img)
}

// Close stops any recording in progress, flushing its samples
func (m *Machine) Close() error {
	if m.state != Recording {
		return nil
	}
	_, err := m.stop()
	return err
}
