// Package preview shows the annotated frame to the operator, and collects hotkeys.
package preview

import (
	"strings"
	"time"
	"unicode"

	"gocv.io/x/gocv"
)

// Key is a hotkey command
type Key rune

const (
	KeyNone      Key = 0
	KeyQuit      Key = 'q'
	KeyRecord    Key = 'r'
	KeyCalibrate Key = 'c'
)

func (k Key) String() string {
	switch k {
	case KeyNone:
		return "none"
	case KeyQuit:
		return "quit"
	case KeyRecord:
		return "record"
	case KeyCalibrate:
		return "calibrate"
	}
	return string(rune(k))
}

// ParseKey accepts a single hotkey character (any case), or the name of the command
func ParseKey(s string) (Key, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "q", "quit":
		return KeyQuit, true
	case "r", "record":
		return KeyRecord, true
	case "c", "calibrate":
		return KeyCalibrate, true
	}
	return KeyNone, false
}

func keyFromRune(r rune) (Key, bool) {
	k := Key(unicode.ToLower(r))
	switch k {
	case KeyQuit, KeyRecord, KeyCalibrate:
		return k, true
	}
	return KeyNone, false
}

// Display is a preview surface.
// Show and PollKey are always called from the same goroutine.
type Display interface {
	// Show presents a frame. The display must not keep a reference to img after returning.
	Show(img gocv.Mat) error
	// PollKey waits up to 'wait' for a hotkey, returning KeyNone if there wasn't one
	PollKey(wait time.Duration) Key
	Close() error
}
