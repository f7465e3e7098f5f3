package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gocv.io/x/gocv"
)

// ErrSinkUnavailable means the recording output could not be created. Recording does not start.
var ErrSinkUnavailable = errors.New("recording output unavailable")

// Names of the files inside a session directory
const (
	VideoFilename = "output.avi"
	TableFilename = "pd_history.csv"
	ChartFilename = "pd_history.png"
)

// VideoSink encodes frames to a file
type VideoSink interface {
	Write(img gocv.Mat) error
	Close() error
}

// SinkOpener creates a VideoSink. width and height are the size of the frames that will be written.
type SinkOpener func(filename, codec string, fps float64, width, height int) (VideoSink, error)

// OpenVideoWriter is the OpenCV implementation of SinkOpener
func OpenVideoWriter(filename, codec string, fps float64, width, height int) (VideoSink, error) {
	w, err := gocv.VideoWriterFile(filename, codec, fps, width, height, true)
	if err != nil {
		return nil, err
	}
	if !w.IsOpened() {
		w.Close()
		return nil, fmt.Errorf("Encoder for %v could not be opened", codec)
	}
	return w, nil
}

// OutputSession is the set of files belonging to one recording
type OutputSession struct {
	Dir       string
	StartedAt time.Time
	sink      VideoSink
	frames    int64
}

// SessionDir is the directory of a session that started at 'start'
func SessionDir(root string, start time.Time) string {
	return filepath.Join(root, strconv.FormatInt(start.UnixMilli(), 10))
}

func openOutputSession(root string, start time.Time, opts *Options) (*OutputSession, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%w: Failed to create %v: %w", ErrSinkUnavailable, root, err)
	}
	// Never reuse a directory, so that an earlier session's files are not overwritten
	dir := SessionDir(root, start)
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: Session directory %v already exists", ErrSinkUnavailable, dir)
		}
		return nil, fmt.Errorf("%w: Failed to create %v: %w", ErrSinkUnavailable, dir, err)
	}
	sink, err := opts.OpenSink(filepath.Join(dir, VideoFilename), opts.Codec, opts.FPS, opts.FrameWidth, opts.FrameHeight)
	if err != nil {
		// Don't leave an empty session directory behind
		os.Remove(dir)
		return nil, fmt.Errorf("%w: Failed to open video in %v: %w", ErrSinkUnavailable, dir, err)
	}
	return &OutputSession{
		Dir:       dir,
		StartedAt: start,
		sink:      sink,
	}, nil
}

func (o *OutputSession) writeFrame(img gocv.Mat) error {
	if err := o.sink.Write(img); err != nil {
		return err
	}
	o.frames++
	return nil
}

func (o *OutputSession) Frames() int64 {
	return o.frames
}

func (o *OutputSession) close() error {
	return o.sink.Close()
}
