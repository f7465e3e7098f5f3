package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pupilcam/pkg/geom"
	"github.com/cyclopcam/pupilcam/server/capture"
	"github.com/cyclopcam/pupilcam/server/preview"
	"github.com/cyclopcam/pupilcam/server/session"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

const (
	testWidth  = 200
	testHeight = 200
)

// fakeSource hands out a fixed number of identical frames, stays silent for 'stalls' calls, and then reports end of stream
type fakeSource struct {
	info   capture.DeviceInfo
	img    gocv.Mat
	seqs   []int64
	pos    int
	stalls int
	err    error
	lock   sync.Mutex
}

func newFakeSource(nFrames int) *fakeSource {
	seqs := []int64{}
	for i := 1; i <= nFrames; i++ {
		seqs = append(seqs, int64(i))
	}
	return newFakeSourceWithSeqs(seqs)
}

func newFakeSourceWithSeqs(seqs []int64) *fakeSource {
	return newFakeSourceSized(testWidth, testHeight, seqs)
}

func newFakeSourceSized(width, height int, seqs []int64) *fakeSource {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(30, 30, 30, 0), height, width, gocv.MatTypeCV8UC3)
	gocv.Circle(&img, image.Pt(width/2, height/2), 15, color.RGBA{0, 0, 0, 0}, -1)
	return &fakeSource{
		info: capture.DeviceInfo{Width: width, Height: height, FPS: 25, Codec: "MJPG"},
		img:  img,
		seqs: seqs,
	}
}

func (s *fakeSource) Close() {
	s.img.Close()
}

func (s *fakeSource) Info() capture.DeviceInfo {
	return s.info
}

func (s *fakeSource) FPS() float64 {
	return 25
}

func (s *fakeSource) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

func (s *fakeSource) WaitNext(ctx context.Context, seq int64, timeout time.Duration) *capture.Frame {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.pos == len(s.seqs) {
		if s.stalls > 0 {
			s.stalls--
			return nil
		}
		s.err = capture.ErrEndOfStream
		return nil
	}
	f := capture.NewFrame(s.img.Clone(), s.seqs[s.pos], time.Now())
	s.pos++
	return f
}

func (s *fakeSource) consumed() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.pos
}

// fakeDisplay advances the clock on every Show, and delivers scripted keys after the n'th Show,
// or on the n'th PollKey (pollKeys)
type fakeDisplay struct {
	clock    *fakeClock
	keys     map[int]preview.Key
	pollKeys map[int]preview.Key
	shows    int
	polls    int
	onShow   func(n int)
	onPoll   func(n int)
	lastCol  int
	keepLast bool
	last     gocv.Mat
}

func (d *fakeDisplay) Show(img gocv.Mat) error {
	d.shows++
	d.lastCol = img.Cols()
	if d.keepLast {
		d.last.Close()
		d.last = img.Clone()
	}
	d.clock.Advance(100 * time.Millisecond)
	if d.onShow != nil {
		d.onShow(d.shows)
	}
	return nil
}

func (d *fakeDisplay) PollKey(wait time.Duration) preview.Key {
	d.polls++
	if d.onPoll != nil {
		d.onPoll(d.polls)
	}
	if k, ok := d.pollKeys[d.polls]; ok {
		return k
	}
	k, ok := d.keys[d.shows]
	if !ok {
		return preview.KeyNone
	}
	delete(d.keys, d.shows)
	return k
}

func (d *fakeDisplay) Close() error {
	return nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type fakeSink struct {
	frames int
	closed bool
}

func (s *fakeSink) Write(img gocv.Mat) error {
	s.frames++
	return nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

type testRig struct {
	dir     string
	clock   *fakeClock
	source  *fakeSource
	display *fakeDisplay
	sinks   []*fakeSink
	sizes   [][2]int
	p       *Pipeline
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Region = geom.RegionParams{Zoom: 1, FocusScale: 2}
	opts.Detector.MinDiameter = 10
	opts.Detector.MaxDiameter = 80
	return opts
}

func newTestRig(t *testing.T, source *fakeSource, keys map[int]preview.Key) *testRig {
	return newTestRigWithOptions(t, source, keys, testOptions())
}

func newTestRigWithOptions(t *testing.T, source *fakeSource, keys map[int]preview.Key, opts Options) *testRig {
	rig := &testRig{
		dir:    t.TempDir(),
		clock:  &fakeClock{now: time.UnixMilli(1700000000000)},
		source: source,
	}
	t.Cleanup(source.Close)
	rig.display = &fakeDisplay{clock: rig.clock, keys: keys, last: gocv.NewMat()}
	t.Cleanup(func() { rig.display.last.Close() })

	sessOpts := session.Options{
		RecordingDir: rig.dir,
		Codec:        "MJPG",
		Now:          rig.clock.Now,
		OpenSink: func(filename, codec string, fps float64, width, height int) (session.VideoSink, error) {
			s := &fakeSink{}
			rig.sinks = append(rig.sinks, s)
			rig.sizes = append(rig.sizes, [2]int{width, height})
			return s, nil
		},
	}
	p, err := New(logs.NewTestingLog(t), source, rig.display, opts, sessOpts)
	require.NoError(t, err)
	rig.p = p
	return rig
}

func (r *testRig) readTable(t *testing.T) []session.Sample {
	entries, err := os.ReadDir(r.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	f, err := os.Open(filepath.Join(r.dir, entries[0].Name(), session.TableFilename))
	require.NoError(t, err)
	defer f.Close()
	rows, err := session.ReadTable(f)
	require.NoError(t, err)
	return rows
}

func TestCalibrateAndRecord(t *testing.T) {
	keys := map[int]preview.Key{
		1: preview.KeyCalibrate,
		2: preview.KeyRecord,
		4: preview.KeyRecord,
	}
	rig := newTestRig(t, newFakeSource(5), keys)

	err := rig.p.Run(context.Background())
	require.ErrorIs(t, err, capture.ErrEndOfStream)
	require.Equal(t, 5, rig.display.shows)
	require.Equal(t, testWidth, rig.display.lastCol)

	require.Len(t, rig.sinks, 1)
	require.Equal(t, 2, rig.sinks[0].frames)
	require.True(t, rig.sinks[0].closed)
	require.Equal(t, [2]int{testWidth, testHeight}, rig.sizes[0])

	rows := rig.readTable(t)
	require.Len(t, rows, 2)
	require.Equal(t, int64(0), rows[0].ElapsedMs)
	require.Equal(t, int64(100), rows[1].ElapsedMs)
	require.InDelta(t, 30, rows[0].Diameter, 2)

	status := rig.p.Status()
	require.False(t, status.Recording)
	require.Equal(t, "idle", status.State)
	require.True(t, status.Found)
	require.True(t, status.HasRelative)
	require.InDelta(t, 0, status.RelativePct, 0.001)
	require.Equal(t, rows[0].Diameter, status.Baseline)
	require.Equal(t, int64(5), status.Frames)
	require.Equal(t, int64(0), status.Dropped)
}

func TestQuitRefusedWhileRecording(t *testing.T) {
	keys := map[int]preview.Key{
		1: preview.KeyRecord,
		2: preview.KeyQuit,
		3: preview.KeyRecord,
		4: preview.KeyQuit,
	}
	rig := newTestRig(t, newFakeSource(10), keys)

	require.NoError(t, rig.p.Run(context.Background()))
	require.Equal(t, 4, rig.display.shows)
	require.Equal(t, 4, rig.source.consumed())
	require.Len(t, rig.sinks, 1)
	require.True(t, rig.sinks[0].closed)
	require.Len(t, rig.readTable(t), 2)
}

func TestCancelFlushesRecording(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig := newTestRig(t, newFakeSource(100), map[int]preview.Key{1: preview.KeyRecord})
	rig.display.onShow = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	require.NoError(t, rig.p.Run(ctx))
	require.Equal(t, 3, rig.display.shows)
	require.False(t, rig.p.Machine().IsRecording())
	require.True(t, rig.sinks[0].closed)
	require.Len(t, rig.readTable(t), 2)
}

func TestTickPanicStopsCleanly(t *testing.T) {
	rig := newTestRig(t, newFakeSource(100), map[int]preview.Key{1: preview.KeyRecord})
	rig.display.onShow = func(n int) {
		if n == 3 {
			panic("display exploded")
		}
	}

	err := rig.p.Run(context.Background())
	require.ErrorIs(t, err, ErrTickFailed)
	require.False(t, rig.p.Machine().IsRecording())
	require.True(t, rig.sinks[0].closed)
	require.Len(t, rig.readTable(t), 2)
}

func TestDroppedFrames(t *testing.T) {
	rig := newTestRig(t, newFakeSourceWithSeqs([]int64{1, 2, 5, 6, 10}), nil)
	require.ErrorIs(t, rig.p.Run(context.Background()), capture.ErrEndOfStream)
	status := rig.p.Status()
	require.Equal(t, int64(5), status.Frames)
	require.Equal(t, int64(5), status.Dropped)
	require.Equal(t, 0, len(rig.sinks))
}

func TestBadGeometry(t *testing.T) {
	source := newFakeSource(1)
	defer source.Close()
	opts := DefaultOptions()
	opts.Region.Zoom = 0.5
	_, err := New(logs.NewTestingLog(t), source, &fakeDisplay{clock: &fakeClock{}}, opts, session.Options{})
	require.Error(t, err)
	require.True(t, errors.Is(err, geom.ErrConfiguration))
}

func TestGeometryFollowsSource(t *testing.T) {
	source := newFakeSource(1)
	defer source.Close()
	source.info.Width = 640
	source.info.Height = 480
	opts := DefaultOptions()
	opts.Region = geom.RegionParams{Zoom: 2, FocusScale: 2}
	p, err := New(logs.NewTestingLog(t), source, &fakeDisplay{clock: &fakeClock{}}, opts, session.Options{})
	require.NoError(t, err)
	g := p.Geometry()
	require.Equal(t, geom.Rect{X: 160, Y: 120, Width: 320, Height: 240}, g.Zoom)
	require.Equal(t, geom.Rect{X: 80, Y: 60, Width: 160, Height: 120}, g.Focus)
}

func TestStatusFollowsKeysWhileSourceIsSilent(t *testing.T) {
	source := newFakeSource(1)
	source.stalls = 5
	rig := newTestRig(t, source, nil)
	// Poll 1 belongs to the only frame. The rest happen while the source is silent.
	rig.display.pollKeys = map[int]preview.Key{2: preview.KeyRecord}
	var during Status
	rig.display.onPoll = func(n int) {
		if n == 3 {
			during = rig.p.Status()
		}
	}

	require.ErrorIs(t, rig.p.Run(context.Background()), capture.ErrEndOfStream)
	require.Equal(t, 1, rig.display.shows)
	require.True(t, during.Recording)
	require.Equal(t, "recording", during.State)
	require.NotEmpty(t, during.SessionDir)
	require.True(t, during.Found)
	require.Equal(t, 1, during.Candidates)
	require.False(t, rig.p.Machine().IsRecording())
}

func TestSquarePreviewKeepsTextVisible(t *testing.T) {
	opts := testOptions()
	opts.Region.Square = true
	rig := newTestRigWithOptions(t, newFakeSourceSized(400, 200, []int64{1}), nil, opts)
	rig.display.keepLast = true

	require.Equal(t, 100, rig.p.Geometry().Letterbox)
	require.ErrorIs(t, rig.p.Run(context.Background()), capture.ErrEndOfStream)

	img := rig.display.last
	require.Equal(t, 400, img.Cols())
	bright := func(x0, y0, x1, y1 int) int {
		n := 0
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				v := img.GetVecbAt(y, x)
				if v[0] > 200 && v[1] > 200 && v[2] > 200 {
					n++
				}
			}
		}
		return n
	}
	// The bars are solid black, and the top-left panel sits just inside the left bar
	require.Equal(t, 0, bright(0, 0, 100, 200))
	require.Equal(t, 0, bright(300, 50, 400, 150))
	require.Greater(t, bright(115, 3, 220, 18), 0)
}

func TestFocusOutlineWithoutDimming(t *testing.T) {
	opts := testOptions()
	opts.DimAlpha = 0
	rig := newTestRigWithOptions(t, newFakeSource(1), nil, opts)
	rig.display.keepLast = true

	require.ErrorIs(t, rig.p.Run(context.Background()), capture.ErrEndOfStream)
	focus := rig.p.Geometry().Focus
	require.Equal(t, geom.Rect{X: 50, Y: 50, Width: 100, Height: 100}, focus)

	img := rig.display.last
	edge := img.GetVecbAt(focus.Y, focus.X+25)
	require.Equal(t, []uint8{255, 255, 255}, []uint8{edge[0], edge[1], edge[2]})
	// Outside the box is left at the source brightness
	outside := img.GetVecbAt(focus.Y+focus.Height+20, 20)
	require.Equal(t, uint8(30), outside[0])
}
