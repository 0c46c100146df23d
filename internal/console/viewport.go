package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/banshee-data/operator.console/internal/mapview"
	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"
	"golang.org/x/sync/errgroup"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 1 * time.Second
	// Maximum message size allowed from peer.
	maxMessageSize = 8192
	// Largest viewport a browser may request.
	maxViewportSide = 4096

	pingResolution = 2 * time.Second
	// Number of lost pings tolerated before the peer is considered gone.
	pongWait = pingResolution * 4
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// ErrPongDeadlineExceeded ends a viewport session whose browser stopped
// answering pings.
var ErrPongDeadlineExceeded = errors.New("client disconnect, pong deadline exceeded")

// clientEvent is one input event from the browser.
type clientEvent struct {
	Type   string  `json:"type"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Button int     `json:"button"`
	DeltaY float64 `json:"deltaY"`
	Key    string  `json:"key"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Mode   string  `json:"mode"`
}

// command converts the event to an engine call.
func (ev clientEvent) command() (func(*mapview.Engine), error) {
	pointer := mapview.PointerEvent{X: ev.X, Y: ev.Y, Button: mapview.Button(ev.Button)}
	switch ev.Type {
	case "resize":
		if ev.Width <= 0 || ev.Height <= 0 || ev.Width > maxViewportSide || ev.Height > maxViewportSide {
			return nil, fmt.Errorf("invalid viewport %dx%d", ev.Width, ev.Height)
		}
		return func(e *mapview.Engine) { e.Resize(ev.Width, ev.Height) }, nil
	case "pointerdown":
		return func(e *mapview.Engine) { e.PointerDown(pointer) }, nil
	case "pointermove":
		return func(e *mapview.Engine) { e.PointerMove(pointer) }, nil
	case "pointerup":
		return func(e *mapview.Engine) { e.PointerUp(pointer) }, nil
	case "pointerleave":
		return func(e *mapview.Engine) { e.PointerLeave() }, nil
	case "wheel":
		wheel := mapview.WheelEvent{X: ev.X, Y: ev.Y, DeltaY: ev.DeltaY}
		return func(e *mapview.Engine) { e.Wheel(wheel) }, nil
	case "dblclick":
		return func(e *mapview.Engine) { e.DoubleClick() }, nil
	case "key":
		key := mapview.KeyEvent{Key: ev.Key}
		return func(e *mapview.Engine) { e.Key(key) }, nil
	case "mode":
		m, err := mapview.ParseInteractionMode(ev.Mode)
		if err != nil {
			return nil, err
		}
		return func(e *mapview.Engine) { e.SetInteractionMode(m) }, nil
	}
	return nil, fmt.Errorf("unknown event type %q", ev.Type)
}

// viewportSession streams frames to one browser and feeds its input into
// the engine. Frames arriving faster than the interval are coalesced; the
// latest one is sent.
type viewportSession struct {
	conn     *websocket.Conn
	viewport Viewport
	interval time.Duration
	lastPong atomic.Int64
	// set by readEvents while this browser holds a pointer down
	gesture bool
	logf    func(format string, v ...interface{})
}

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logf("websocket upgrade failed: %v", err)
		return
	}
	vs := &viewportSession{
		conn:     conn,
		viewport: s.viewport,
		interval: s.frameInterval,
		logf:     s.logf,
	}
	s.logf("viewport client connected: %s", r.RemoteAddr)
	if err := vs.run(r.Context()); err != nil {
		s.logf("viewport client %s: %v", r.RemoteAddr, err)
	}
	s.logf("viewport client disconnected: %s", r.RemoteAddr)
}

// run returns nil when the browser goes away normally.
func (vs *viewportSession) run(parent context.Context) error {
	id, frames := vs.viewport.SubscribeFrames()
	defer vs.viewport.Unsubscribe(id)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	vs.conn.SetReadLimit(maxMessageSize)
	vs.lastPong.Store(time.Now().UnixNano())
	vs.conn.SetPongHandler(func(string) error {
		vs.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		return vs.readEvents(groupCtx)
	})
	group.Go(func() error {
		defer cancel()
		return vs.pingPong(groupCtx)
	})
	group.Go(func() error {
		defer cancel()
		return vs.publish(groupCtx, frames)
	})
	group.Go(func() error {
		// unblocks readEvents
		<-groupCtx.Done()
		vs.close()
		return nil
	})

	err := group.Wait()
	// a dropped browser must not leave a half-drawn goal for the next client
	if vs.gesture {
		if perr := vs.viewport.Post(func(e *mapview.Engine) { e.CancelDrag() }); perr != nil {
			vs.logf("gesture not cancelled: %v", perr)
		}
	}
	if isClosure(err) {
		return nil
	}
	return err
}

func (vs *viewportSession) close() {
	_ = vs.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	vs.conn.Close()
}

// readEvents posts browser input to the engine. Errors returned by
// websocket reads are permanent.
func (vs *viewportSession) readEvents(ctx context.Context) error {
	for {
		_, data, err := vs.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || isClosure(err) {
				return nil
			}
			if isError(err) {
				return fmt.Errorf("read failed: %w", err)
			}
			return nil
		}

		var ev clientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			vs.logf("ignored malformed viewport event: %v", err)
			continue
		}
		cmd, err := ev.command()
		if err != nil {
			vs.logf("ignored viewport event: %v", err)
			continue
		}
		if err := vs.viewport.Post(cmd); err != nil {
			return err
		}
		switch ev.Type {
		case "pointerdown":
			vs.gesture = true
		case "pointerup", "pointerleave":
			vs.gesture = false
		}
	}
}

// pingPong runs the liveness check. readEvents must be running for the
// pong handler to fire.
func (vs *viewportSession) pingPong(ctx context.Context) error {
	pinger := channerics.NewTicker(ctx.Done(), pingResolution)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pinger:
			if time.Since(time.Unix(0, vs.lastPong.Load())) > pongWait {
				return ErrPongDeadlineExceeded
			}
			if err := vs.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				if isError(err) {
					return fmt.Errorf("ping failed: %T %v", err, err)
				}
				return nil
			}
		}
	}
}

func (vs *viewportSession) publish(ctx context.Context, frames <-chan mapview.Frame) error {
	var (
		pending  *mapview.Frame
		lastSent time.Time
	)
	flusher := channerics.NewTicker(ctx.Done(), vs.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			// the runner closed
			if !ok {
				return nil
			}
			if time.Since(lastSent) < vs.interval {
				pending = &f
				continue
			}
			pending = nil
			if err := vs.writeFrame(f); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			lastSent = time.Now()
		case <-flusher:
			if pending == nil || time.Since(lastSent) < vs.interval {
				continue
			}
			f := *pending
			pending = nil
			if err := vs.writeFrame(f); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			lastSent = time.Now()
		}
	}
}

func (vs *viewportSession) writeFrame(f mapview.Frame) error {
	if err := vs.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("failed to set deadline: %T %w", err, err)
	}
	if err := vs.conn.WriteMessage(websocket.BinaryMessage, f.PNG); err != nil {
		if isError(err) {
			return fmt.Errorf("publish failed: %T %v", err, err)
		}
		return err
	}
	return nil
}

func isError(err error) bool {
	return err != nil && websocket.IsUnexpectedCloseError(
		err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway)
}

func isClosure(err error) bool {
	return err != nil && websocket.IsCloseError(
		err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway)
}
