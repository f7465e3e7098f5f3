package capture

import (
	"fmt"
	"strconv"

	"gocv.io/x/gocv"
)

// DefaultDeviceFPS is assumed when a camera reports a frame rate of zero
const DefaultDeviceFPS = 30

// DeviceInfo describes an open capture device
type DeviceInfo struct {
	Width  int
	Height int
	FPS    float64
	Codec  string // FourCC, eg MJPG
	IsFile bool   // File sources can be rewound, and are paced at FPS
}

// Device is a decoder of frames.
// Read must only be called from one goroutine.
type Device interface {
	Info() DeviceInfo
	// Read decodes the next frame into dst. Returns false if no frame was available,
	// which is end-of-stream for a file.
	Read(dst *gocv.Mat) bool
	// Rewind seeks a file back to the first frame. Returns false if the device cannot seek.
	Rewind() bool
	Close() error
}

// DeviceOptions are requests made to a camera when it is opened. Zero means "device default".
// They are ignored for files.
type DeviceOptions struct {
	Width      int
	Height     int
	FPS        float64
	BufferSize int
	FourCC     string
}

type videoCaptureDevice struct {
	vc   *gocv.VideoCapture
	info DeviceInfo
}

// OpenVideoCapture opens a camera (if source is an integer) or a file/URL with OpenCV.
func OpenVideoCapture(source string, opts DeviceOptions) (Device, error) {
	var vc *gocv.VideoCapture
	var err error
	index, isDevice := parseDeviceIndex(source)
	if isDevice {
		vc, err = gocv.VideoCaptureDevice(index)
	} else {
		vc, err = gocv.VideoCaptureFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %w", ErrSourceUnavailable, source, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, source)
	}

	if isDevice {
		if opts.BufferSize > 0 {
			vc.Set(gocv.VideoCaptureBufferSize, float64(opts.BufferSize))
		}
		if opts.FourCC != "" {
			vc.Set(gocv.VideoCaptureFOURCC, vc.ToCodec(opts.FourCC))
		}
		if opts.FPS > 0 {
			vc.Set(gocv.VideoCaptureFPS, opts.FPS)
		}
		if opts.Width > 0 {
			vc.Set(gocv.VideoCaptureFrameWidth, float64(opts.Width))
		}
		if opts.Height > 0 {
			vc.Set(gocv.VideoCaptureFrameHeight, float64(opts.Height))
		}
	}

	d := &videoCaptureDevice{
		vc: vc,
		info: DeviceInfo{
			Width:  int(vc.Get(gocv.VideoCaptureFrameWidth)),
			Height: int(vc.Get(gocv.VideoCaptureFrameHeight)),
			FPS:    vc.Get(gocv.VideoCaptureFPS),
			Codec:  vc.CodecString(),
			IsFile: !isDevice,
		},
	}
	if d.info.FPS <= 0 {
		d.info.FPS = DefaultDeviceFPS
	}
	return d, nil
}

func (d *videoCaptureDevice) Info() DeviceInfo {
	return d.info
}

func (d *videoCaptureDevice) Read(dst *gocv.Mat) bool {
	return d.vc.Read(dst) && !dst.Empty()
}

func (d *videoCaptureDevice) Rewind() bool {
	if !d.info.IsFile {
		return false
	}
	d.vc.Set(gocv.VideoCapturePosFrames, 0)
	return true
}

func (d *videoCaptureDevice) Close() error {
	return d.vc.Close()
}

func parseDeviceIndex(source string) (int, bool) {
	i, err := strconv.Atoi(source)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}
