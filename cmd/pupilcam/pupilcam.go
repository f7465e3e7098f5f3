package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pupilcam/server/capture"
	"github.com/cyclopcam/pupilcam/server/config"
	"github.com/cyclopcam/pupilcam/server/pipeline"
	"github.com/cyclopcam/pupilcam/server/preview"
	"github.com/cyclopcam/pupilcam/server/session"
	"github.com/cyclopcam/pupilcam/server/sessiondb"
)

func init() {
	// OpenCV's HighGUI must be driven from the thread that created the window
	runtime.LockOSThread()
}

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("pupilcam", "Real-time pupil diameter tracking")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file. Command line options override it.", Default: ""})
	source := parser.String("s", "source", &argparse.Options{Help: "Camera index or video file", Default: ""})
	zoom := parser.Float("z", "zoom", &argparse.Options{Help: "Zoom factor (>= 1)", Default: 0.0})
	focusScale := parser.Float("f", "focus", &argparse.Options{Help: "Focus box scale within the zoomed image (>= 1)", Default: 0.0})
	square := parser.Flag("", "square", &argparse.Options{Help: "Letterbox the preview to a square", Default: false})
	minDiameter := parser.Int("", "min", &argparse.Options{Help: "Minimum pupil diameter in pixels", Default: -1})
	maxDiameter := parser.Int("", "max", &argparse.Options{Help: "Maximum pupil diameter in pixels", Default: -1})
	threshold := parser.Int("t", "threshold", &argparse.Options{Help: "Pupil brightness threshold (0..255)", Default: -1})
	recordingDir := parser.String("o", "output", &argparse.Options{Help: "Directory for recorded sessions", Default: ""})
	display := parser.String("d", "display", &argparse.Options{Help: "Preview surface (window, web, headless)", Default: ""})
	webListen := parser.String("", "listen", &argparse.Options{Help: "Listen address of the web preview", Default: ""})
	sessionDB := parser.String("", "db", &argparse.Options{Help: "sqlite catalog of recorded sessions", Default: ""})
	noRewind := parser.Flag("", "no-rewind", &argparse.Options{Help: "Stop at the end of a video file instead of looping", Default: false})
	noChart := parser.Flag("", "no-chart", &argparse.Options{Help: "Don't write a chart with each session", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *source != "" {
		cfg.Source = *source
	}
	if *zoom != 0 {
		cfg.Zoom = *zoom
	}
	if *focusScale != 0 {
		cfg.FocusScale = *focusScale
	}
	if *square {
		cfg.Square = true
	}
	if *minDiameter >= 0 {
		cfg.MinDiameter = *minDiameter
	}
	if *maxDiameter >= 0 {
		cfg.MaxDiameter = *maxDiameter
	}
	if *threshold >= 0 {
		cfg.Threshold = *threshold
	}
	if *recordingDir != "" {
		cfg.RecordingDir = *recordingDir
	}
	if *display != "" {
		cfg.Display = *display
	}
	if *webListen != "" {
		cfg.WebListen = *webListen
	}
	if *sessionDB != "" {
		cfg.SessionDB = *sessionDB
	}
	if *noRewind {
		cfg.RewindAtEnd = false
	}
	if *noChart {
		cfg.Chart = false
	}

	if err := cfg.Validate(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	os.Exit(run(logger, cfg))
}

func run(logger logs.Log, cfg *config.Config) int {
	devOpts := capture.DeviceOptions{
		Width:      cfg.CaptureWidth,
		Height:     cfg.CaptureHeight,
		FPS:        cfg.CaptureFPS,
		BufferSize: cfg.CaptureBufferSize,
		FourCC:     cfg.CaptureFourCC,
	}
	srcOpts := capture.Options{
		FPSWindow:   cfg.FPSWindow,
		RewindAtEnd: cfg.RewindAtEnd,
		PaceFiles:   true,
	}
	src, err := capture.Open(logger, cfg.Source, devOpts, srcOpts)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	defer src.Close()

	sessOpts := session.Options{
		RecordingDir: cfg.RecordingDir,
		Codec:        cfg.Codec,
		Chart:        cfg.Chart,
	}

	var db *sessiondb.SessionDB
	if cfg.SessionDB != "" {
		db, err = sessiondb.NewSessionDB(logger, cfg.SessionDB)
		if err != nil {
			// The catalog is optional, so carry on without it
			logger.Errorf("%v", err)
		} else {
			defer db.Close()
			sessOpts.Catalog = db
		}
	}

	opts := pipeline.DefaultOptions()
	opts.Region = cfg.RegionParams()
	opts.Detector = cfg.DetectorParams()
	opts.FPSWindow = cfg.FPSWindow
	opts.MaxMarkers = cfg.MaxMarkers

	// The web preview needs the pipeline for its status callback, and the pipeline needs the display
	var pipe atomic.Pointer[pipeline.Pipeline]
	var disp preview.Display
	switch cfg.Display {
	case config.DisplayWindow:
		disp = preview.NewWindowDisplay(cfg.WindowTitle)
	case config.DisplayHeadless:
		disp = preview.NewHeadlessDisplay(logger, os.Stdin)
		logger.Infof("Headless. Type r, c, or q followed by Enter.")
	case config.DisplayWeb:
		webOpts := preview.DefaultWebOptions(cfg.WebListen)
		webOpts.Status = func() any {
			if p := pipe.Load(); p != nil {
				return p.Status()
			}
			return pipeline.Status{State: "starting"}
		}
		if sessOpts.Catalog != nil {
			webOpts.Sessions = func(limit int) (any, error) {
				return db.ListSessions(limit)
			}
		}
		web := preview.NewWebDisplay(logger, webOpts)
		if err := web.Listen(); err != nil {
			web.Close()
			logger.Errorf("%v", err)
			return 1
		}
		disp = web
	default:
		check(fmt.Errorf("Unexpected display '%v'", cfg.Display))
	}
	defer disp.Close()

	p, err := pipeline.New(logger, src, disp, opts, sessOpts)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	pipe.Store(p)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = p.Run(ctx)
	if err != nil && !errors.Is(err, capture.ErrEndOfStream) {
		logger.Errorf("%v", err)
		return 1
	}
	logger.Infof("Bye")
	return 0
}
