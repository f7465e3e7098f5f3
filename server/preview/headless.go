package preview

import (
	"bufio"
	"io"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"gocv.io/x/gocv"
)

// HeadlessDisplay shows nothing, and reads hotkeys from lines of text (usually stdin)
type HeadlessDisplay struct {
	Log    logs.Log
	keys   chan Key
	frames atomic.Int64
}

func NewHeadlessDisplay(log logs.Log, input io.Reader) *HeadlessDisplay {
	d := &HeadlessDisplay{
		Log:  log,
		keys: make(chan Key, 16),
	}
	go d.readKeys(input)
	return d
}

func (d *HeadlessDisplay) readKeys(input io.Reader) {
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		line := scanner.Text()
		if k, ok := ParseKey(line); ok {
			d.push(k)
			continue
		}
		for _, r := range line {
			if k, ok := keyFromRune(r); ok {
				d.push(k)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		d.Log.Warnf("Hotkey input failed: %v", err)
	}
}

func (d *HeadlessDisplay) push(k Key) {
	select {
	case d.keys <- k:
	default:
		d.Log.Warnf("Dropping hotkey %v, because too many are queued", k)
	}
}

// Frames returns the number of frames passed to Show
func (d *HeadlessDisplay) Frames() int64 {
	return d.frames.Load()
}

func (d *HeadlessDisplay) Show(img gocv.Mat) error {
	d.frames.Add(1)
	return nil
}

func (d *HeadlessDisplay) PollKey(wait time.Duration) Key {
	return pollKeyChannel(d.keys, wait)
}

func (d *HeadlessDisplay) Close() error {
	return nil
}

func pollKeyChannel(keys chan Key, wait time.Duration) Key {
	select {
	case k := <-keys:
		return k
	default:
	}
	if wait <= 0 {
		return KeyNone
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case k := <-keys:
		return k
	case <-timer.C:
		return KeyNone
	}
}
