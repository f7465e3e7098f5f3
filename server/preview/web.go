package preview

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pupilcam/server/log"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"gocv.io/x/gocv"
)

type WebOptions struct {
	Listen   string
	MaxFPS   float64 // Frames are JPEG-compressed at most this often
	Quality  int     // JPEG quality
	KeyLimit int     // Hotkey requests per second, per client IP

	Status   func() any                  // Optional. Body of /api/status
	Sessions func(limit int) (any, error) // Optional. Body of /api/sessions
}

func DefaultWebOptions(listen string) WebOptions {
	return WebOptions{
		Listen:   listen,
		MaxFPS:   15,
		Quality:  85,
		KeyLimit: 10,
	}
}

type webClient struct {
	id     uuid.UUID
	frames chan []byte // Holds at most one pending frame. Older frames are replaced.
}

// WebDisplay serves the preview over HTTP, and accepts hotkeys as POST requests
type WebDisplay struct {
	Log  logs.Log
	opts WebOptions

	router     *httprouter.Router
	server     *http.Server
	listener   net.Listener
	wsUpgrader websocket.Upgrader
	keys       chan Key

	// Only touched by Show
	rgb        gocv.Mat
	lastEncode time.Time

	lock    sync.Mutex
	jpeg    []byte
	clients map[uuid.UUID]*webClient
}

// NewWebDisplay creates the router, but does not listen. Call Listen to start the HTTP server.
func NewWebDisplay(logger logs.Log, opts WebOptions) *WebDisplay {
	d := &WebDisplay{
		Log:     log.NewPrefixLogger(logger, "Web:"),
		opts:    opts,
		router:  httprouter.New(),
		keys:    make(chan Key, 16),
		rgb:     gocv.NewMat(),
		clients: map[uuid.UUID]*webClient{},
	}
	if d.opts.Quality <= 0 {
		d.opts.Quality = 85
	}
	if d.opts.KeyLimit <= 0 {
		d.opts.KeyLimit = 10
	}
	d.setupRoutes()
	return d
}

func (d *WebDisplay) setupRoutes() {
	www.Handle(d.Log, d.router, "GET", "/", d.httpIndex)
	www.Handle(d.Log, d.router, "GET", "/api/latest.jpg", d.httpLatest)
	www.Handle(d.Log, d.router, "GET", "/api/stream", d.httpStream)
	www.Handle(d.Log, d.router, "GET", "/api/status", d.httpStatus)
	www.Handle(d.Log, d.router, "GET", "/api/sessions", d.httpSessions)

	limited := httprate.Limit(d.opts.KeyLimit, time.Second, httprate.WithKeyFuncs(httprate.KeyByIP))
	www.Handle(d.Log, d.router, "POST", "/api/key/:key", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d.httpKey(w, r, params)
		})).ServeHTTP(w, r)
	})
}

// Handler exposes the router, for tests and for embedding into another server
func (d *WebDisplay) Handler() http.Handler {
	return d.router
}

// Listen binds the listening socket and serves HTTP on a background goroutine
func (d *WebDisplay) Listen() error {
	ln, err := net.Listen("tcp", d.opts.Listen)
	if err != nil {
		return fmt.Errorf("Failed to listen on %v: %w", d.opts.Listen, err)
	}
	d.listener = ln
	d.server = &http.Server{
		Handler: d.router,
	}
	d.Log.Infof("Preview available at http://%v/", ln.Addr())
	go func() {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.Log.Errorf("HTTP server stopped: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Listen
func (d *WebDisplay) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

func (d *WebDisplay) Show(img gocv.Mat) error {
	if d.opts.MaxFPS > 0 && time.Since(d.lastEncode) < time.Duration(float64(time.Second)/d.opts.MaxFPS) {
		return nil
	}
	jpg, err := d.compress(img)
	if err != nil {
		return err
	}
	d.lastEncode = time.Now()

	d.lock.Lock()
	d.jpeg = jpg
	for _, c := range d.clients {
		// Replace any frame that the client hasn't picked up yet
		select {
		case <-c.frames:
		default:
		}
		c.frames <- jpg
	}
	d.lock.Unlock()
	return nil
}

func (d *WebDisplay) compress(img gocv.Mat) ([]byte, error) {
	switch img.Channels() {
	case 1:
		gocv.CvtColor(img, &d.rgb, gocv.ColorGrayToRGB)
	case 4:
		gocv.CvtColor(img, &d.rgb, gocv.ColorBGRAToRGB)
	default:
		gocv.CvtColor(img, &d.rgb, gocv.ColorBGRToRGB)
	}
	pixels, err := d.rgb.DataPtrUint8()
	if err != nil {
		return nil, fmt.Errorf("Failed to access preview pixels: %w", err)
	}
	wrapped := cimg.WrapImage(d.rgb.Cols(), d.rgb.Rows(), cimg.PixelFormatRGB, pixels)
	jpg, err := cimg.Compress(wrapped, cimg.MakeCompressParams(cimg.Sampling420, d.opts.Quality, 0))
	if err != nil {
		return nil, fmt.Errorf("Failed to compress preview to JPEG: %w", err)
	}
	return jpg, nil
}

func (d *WebDisplay) PollKey(wait time.Duration) Key {
	return pollKeyChannel(d.keys, wait)
}

// PushKey queues a hotkey, as if it had been posted to /api/key
func (d *WebDisplay) PushKey(k Key) bool {
	select {
	case d.keys <- k:
		return true
	default:
		return false
	}
}

func (d *WebDisplay) Close() error {
	var err error
	if d.server != nil {
		err = d.server.Close()
	}
	d.lock.Lock()
	for id, c := range d.clients {
		close(c.frames)
		delete(d.clients, id)
	}
	d.lock.Unlock()
	d.rgb.Close()
	return err
}

func (d *WebDisplay) latest() []byte {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.jpeg
}

func (d *WebDisplay) addClient() *webClient {
	c := &webClient{
		id:     uuid.New(),
		frames: make(chan []byte, 1),
	}
	d.lock.Lock()
	d.clients[c.id] = c
	if d.jpeg != nil {
		c.frames <- d.jpeg
	}
	d.lock.Unlock()
	return c
}

func (d *WebDisplay) removeClient(c *webClient) {
	d.lock.Lock()
	if _, ok := d.clients[c.id]; ok {
		delete(d.clients, c.id)
		close(c.frames)
	}
	d.lock.Unlock()
}

func (d *WebDisplay) numClients() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.clients)
}

func (d *WebDisplay) httpIndex(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.CacheNever(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}

func (d *WebDisplay) httpLatest(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	jpg := d.latest()
	if jpg == nil {
		www.Panic(http.StatusServiceUnavailable, "No frame yet")
	}
	www.CacheNever(w)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpg)
}

func (d *WebDisplay) httpStream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := d.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Errorf("Stream websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	c := d.addClient()
	defer d.removeClient(c)
	d.Log.Infof("Stream client %v connected", c.id)

	// We don't expect any messages, but reading is how we find out that the client has gone away
	gone := make(chan bool)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(gone)
				return
			}
		}
	}()

	for {
		select {
		case jpg, ok := <-c.frames:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, jpg); err != nil {
				d.Log.Infof("Stream client %v write failed: %v", c.id, err)
				return
			}
		case <-gone:
			d.Log.Infof("Stream client %v disconnected", c.id)
			return
		}
	}
}

func (d *WebDisplay) httpKey(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	k, ok := ParseKey(params.ByName("key"))
	if !ok {
		www.PanicBadRequestf("Unknown key '%v'", params.ByName("key"))
	}
	if !d.PushKey(k) {
		www.Panic(http.StatusServiceUnavailable, "Too many pending keys")
	}
	www.SendOK(w)
}

func (d *WebDisplay) httpStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.CacheNever(w)
	if d.opts.Status == nil {
		www.SendJSON(w, struct{}{})
		return
	}
	www.SendJSON(w, d.opts.Status())
}

func (d *WebDisplay) httpSessions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if d.opts.Sessions == nil {
		www.PanicNotFound()
	}
	limit := www.QueryInt(r, "limit")
	sessions, err := d.opts.Sessions(limit)
	www.Check(err)
	www.SendJSON(w, sessions)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<title>Pupil</title>
<style>
body { background: #111; color: #ccc; font-family: sans-serif; }
img { display: block; margin: 1em auto; image-rendering: pixelated; }
.keys { text-align: center; }
</style>
</head>
<body>
<img id="frame">
<div class="keys">
<button onclick="key('c')">Calibrate [C]</button>
<button onclick="key('r')">Record [R]</button>
<button onclick="key('q')">Quit [Q]</button>
</div>
<script>
const img = document.getElementById("frame");
function key(k) { fetch("/api/key/" + k, { method: "POST" }); }
document.addEventListener("keydown", (e) => {
	if ("crq".includes(e.key.toLowerCase())) key(e.key.toLowerCase());
});
function connect() {
	const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/api/stream");
	ws.binaryType = "blob";
	ws.onmessage = (e) => {
		const old = img.src;
		img.src = URL.createObjectURL(e.data);
		if (old) URL.revokeObjectURL(old);
	};
	ws.onclose = () => setTimeout(connect, 1000);
}
connect();
</script>
</body>
</html>
`
