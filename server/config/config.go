package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cyclopcam/pupilcam/pkg/geom"
	"github.com/cyclopcam/pupilcam/pkg/pupil"
)

// ErrInvalid is returned by Validate. Geometry problems also match geom.ErrConfiguration.
var ErrInvalid = errors.New("invalid configuration")

// Preview surfaces
const (
	DisplayWindow   = "window"
	DisplayWeb      = "web"
	DisplayHeadless = "headless"
)

type Config struct {
	Source            string  `json:"source"`            // Camera index (eg "0") or a video file path/URL
	Zoom              float64 `json:"zoom"`              // >= 1. Source is cropped to 1/Zoom of its size, centered.
	FocusScale        float64 `json:"focusScale"`        // >= 1. Detection runs on the ROI divided by this factor, centered.
	Square            bool    `json:"square"`            // Letterbox the preview so the visible area is 1:1
	MinDiameter       int     `json:"minDiameter"`       // Smallest pupil, in pixels
	MaxDiameter       int     `json:"maxDiameter"`       // Largest pupil, in pixels
	FPSWindow         int     `json:"fpsWindow"`         // Number of iterations averaged by the FPS counters
	RecordingDir      string  `json:"recordingDir"`      // Root of the per-session output directories
	Threshold         int     `json:"threshold"`         // Inverse binary threshold for the pupil
	BlurKernel        int     `json:"blurKernel"`        // Gaussian blur kernel size
	MedianKernel      int     `json:"medianKernel"`      // Median blur kernel size
	RewindAtEnd       bool    `json:"rewindAtEnd"`       // Loop file sources instead of stopping at the end
	CaptureWidth      int     `json:"captureWidth"`      // Requested device resolution (0 = device default)
	CaptureHeight     int     `json:"captureHeight"`     // Requested device resolution (0 = device default)
	CaptureFPS        float64 `json:"captureFPS"`        // Requested device frame rate (0 = device default)
	CaptureBufferSize int     `json:"captureBufferSize"` // Device driver buffer size, in frames (0 = device default)
	CaptureFourCC     string  `json:"captureFourCC"`     // Requested device pixel format, eg MJPG
	Codec             string  `json:"codec"`             // FourCC of the recorded video
	Display           string  `json:"display"`           // window, web, or headless
	WebListen         string  `json:"webListen"`         // Listen address of the web preview
	SessionDB         string  `json:"sessionDB"`         // sqlite catalog of recorded sessions. Empty to disable.
	Chart             bool    `json:"chart"`             // Write a PNG chart of pupil diameter with each session
	WindowTitle       string  `json:"windowTitle"`
	MaxMarkers        int     `json:"maxMarkers"` // Maximum number of candidate pupils drawn on the preview
}

func Default() *Config {
	return &Config{
		Source:            "0",
		Zoom:              2.5,
		FocusScale:        2,
		MinDiameter:       10,
		MaxDiameter:       150,
		FPSWindow:         15,
		RecordingDir:      "recordings",
		Threshold:         pupil.DefaultThreshold,
		BlurKernel:        pupil.DefaultBlurKernel,
		MedianKernel:      pupil.DefaultMedianKernel,
		RewindAtEnd:       true,
		CaptureBufferSize: 1,
		Codec:             "MJPG",
		Display:           DisplayWindow,
		WebListen:         "127.0.0.1:8090",
		Chart:             true,
		WindowTitle:       "Pupil",
		MaxMarkers:        4,
	}
}

// LoadConfig reads a JSON file over the defaults. An empty filename returns the defaults.
func LoadConfig(filename string) (*Config, error) {
	cfg := Default()
	if filename == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) RegionParams() geom.RegionParams {
	return geom.RegionParams{
		Zoom:       c.Zoom,
		FocusScale: c.FocusScale,
		Square:     c.Square,
	}
}

func (c *Config) DetectorParams() pupil.Params {
	return pupil.Params{
		MinDiameter:  c.MinDiameter,
		MaxDiameter:  c.MaxDiameter,
		Threshold:    c.Threshold,
		BlurKernel:   c.BlurKernel,
		MedianKernel: c.MedianKernel,
	}
}

// Validate checks everything that can be checked before the source is opened.
// The focus region size depends on the frame dimensions, so geom.ComputeRegion does the final check.
func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("%w: no video source", ErrInvalid)
	}
	if c.Zoom < 1 {
		return fmt.Errorf("%w: %w: zoom %v must be at least 1", ErrInvalid, geom.ErrConfiguration, c.Zoom)
	}
	if c.FocusScale < 1 {
		return fmt.Errorf("%w: %w: focus scale %v must be at least 1", ErrInvalid, geom.ErrConfiguration, c.FocusScale)
	}
	if c.MinDiameter < 0 || c.MaxDiameter <= 0 || c.MinDiameter > c.MaxDiameter {
		return fmt.Errorf("%w: diameter bounds [%v, %v]", ErrInvalid, c.MinDiameter, c.MaxDiameter)
	}
	if c.FPSWindow < 1 {
		return fmt.Errorf("%w: FPS window %v must be at least 1", ErrInvalid, c.FPSWindow)
	}
	if c.Threshold < 0 || c.Threshold > 255 {
		return fmt.Errorf("%w: threshold %v must be between 0 and 255", ErrInvalid, c.Threshold)
	}
	if c.BlurKernel < 0 || c.MedianKernel < 0 {
		return fmt.Errorf("%w: negative blur kernel", ErrInvalid)
	}
	if len(c.Codec) != 4 {
		return fmt.Errorf("%w: codec '%v' must be a 4 character FourCC", ErrInvalid, c.Codec)
	}
	if c.CaptureFourCC != "" && len(c.CaptureFourCC) != 4 {
		return fmt.Errorf("%w: capture FourCC '%v' must be 4 characters", ErrInvalid, c.CaptureFourCC)
	}
	if c.RecordingDir == "" {
		return fmt.Errorf("%w: no recording directory", ErrInvalid)
	}
	if c.MaxMarkers < 0 {
		return fmt.Errorf("%w: max markers %v is negative", ErrInvalid, c.MaxMarkers)
	}
	switch c.Display {
	case DisplayWindow, DisplayHeadless:
	case DisplayWeb:
		if c.WebListen == "" {
			return fmt.Errorf("%w: web display needs a listen address", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown display '%v'", ErrInvalid, c.Display)
	}
	return nil
}
