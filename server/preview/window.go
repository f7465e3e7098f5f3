package preview

import (
	"time"

	"gocv.io/x/gocv"
)

// WindowDisplay is an OpenCV HighGUI window.
// On some platforms it must be driven from the main OS thread.
type WindowDisplay struct {
	win *gocv.Window
}

func NewWindowDisplay(title string) *WindowDisplay {
	return &WindowDisplay{
		win: gocv.NewWindow(title),
	}
}

func (d *WindowDisplay) Show(img gocv.Mat) error {
	d.win.IMShow(img)
	return nil
}

func (d *WindowDisplay) PollKey(wait time.Duration) Key {
	k := d.win.WaitKey(max(1, int(wait.Milliseconds())))
	if k < 0 {
		return KeyNone
	}
	key, _ := keyFromRune(rune(k & 0xff))
	return key
}

func (d *WindowDisplay) Close() error {
	return d.win.Close()
}
