package console

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/operator.console/internal/mapview"
	"github.com/banshee-data/operator.console/internal/monitoring"
	"github.com/banshee-data/operator.console/internal/posetrace"
	"github.com/banshee-data/operator.console/internal/session"
	"github.com/banshee-data/operator.console/internal/timeutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	monitoring.SetLogger(nil)
}

type fakeSession struct {
	mu       sync.Mutex
	mode     session.Mode
	switches []session.Mode
	err      error
}

func (f *fakeSession) Mode() session.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fakeSession) SwitchMode(m session.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.mode = m
	f.switches = append(f.switches, m)
	return nil
}

type harness struct {
	runner  *mapview.Runner
	clock   *timeutil.MockClock
	session *fakeSession
	trace   *posetrace.Recorder
	server  *Server
	http    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	opts := mapview.DefaultOptions()
	opts.ViewportWidth, opts.ViewportHeight = 64, 48
	opts.OnWarning = func(string, ...interface{}) {}
	runner := mapview.NewRunner(mapview.RunnerConfig{
		Options:       opts,
		Clock:         clock,
		FrameInterval: 20 * time.Millisecond,
	})
	t.Cleanup(func() { runner.Close() })

	h := &harness{
		runner:  runner,
		clock:   clock,
		session: &fakeSession{mode: session.ModeSLAM},
		trace:   posetrace.NewRecorder(16),
	}
	h.server = NewServer(Config{
		Viewport:      runner,
		Session:       h.session,
		Trace:         h.trace,
		FrameInterval: 10 * time.Millisecond,
	})
	h.http = httptest.NewServer(h.server.Handler())
	t.Cleanup(h.http.Close)
	return h
}

func (h *harness) loadMap(t *testing.T) {
	t.Helper()
	cells := make([]int8, 8*6)
	for i := range cells {
		cells[i] = mapview.RawOccupied
	}
	var err error
	require.NoError(t, h.runner.Do(context.Background(), func(e *mapview.Engine) {
		err = e.HandleSnapshot(mapview.GridSnapshot{
			Geometry: mapview.Geometry{Width: 8, Height: 6, Resolution: 0.5, Version: 2},
			Cells:    cells,
		})
	}))
	require.NoError(t, err)
}

// tickClock advances the mock clock until the test ends so the runner
// keeps composing frames.
func (h *harness) tickClock(t *testing.T) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				h.clock.Advance(20 * time.Millisecond)
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
}

func (h *harness) getState(t *testing.T) stateJSON {
	t.Helper()
	res, err := http.Get(h.http.URL + "/api/state")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var st stateJSON
	require.NoError(t, json.NewDecoder(res.Body).Decode(&st))
	return st
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestIndexPage(t *testing.T) {
	h := newHarness(t)
	res, err := http.Get(h.http.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var buf bytes.Buffer
	buf.ReadFrom(res.Body)
	assert.Contains(t, buf.String(), `<canvas id="map">`)
}

func TestStateReportsMapAndModes(t *testing.T) {
	h := newHarness(t)

	st := h.getState(t)
	assert.Nil(t, st.Map)
	assert.Equal(t, "pan", st.InteractionMode)
	assert.Equal(t, "slam", st.SessionMode)
	assert.Equal(t, "uninitialized", st.Tracking)

	h.loadMap(t)
	st = h.getState(t)
	require.NotNil(t, st.Map)
	assert.Equal(t, 8, st.Map.Width)
	assert.Equal(t, 6, st.Map.Height)
	assert.Equal(t, uint32(2), st.Map.Version)
	assert.Equal(t, 1.0, st.View.Scale)
}

func TestInteractionModeRoute(t *testing.T) {
	h := newHarness(t)

	res := postJSON(t, h.http.URL+"/api/interaction-mode", `{"mode":"set_goal"}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "set_goal", h.getState(t).InteractionMode)

	res, err := http.PostForm(h.http.URL+"/api/interaction-mode", map[string][]string{"mode": {"pan"}})
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "pan", h.getState(t).InteractionMode)

	res = postJSON(t, h.http.URL+"/api/interaction-mode", `{"mode":"fly"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res = postJSON(t, h.http.URL+"/api/interaction-mode", `{`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = http.Get(h.http.URL + "/api/interaction-mode")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func TestResetRoutes(t *testing.T) {
	h := newHarness(t)
	h.loadMap(t)
	require.NoError(t, h.runner.Do(context.Background(), func(e *mapview.Engine) {
		e.View().Zoom(2)
	}))
	assert.Equal(t, 2.0, h.getState(t).View.Scale)

	res := postJSON(t, h.http.URL+"/api/view/reset", "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, 1.0, h.getState(t).View.Scale)

	res = postJSON(t, h.http.URL+"/api/map/reset", "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Nil(t, h.getState(t).Map)
}

func TestSessionModeRoute(t *testing.T) {
	h := newHarness(t)

	res, err := http.Get(h.http.URL + "/api/session/mode")
	require.NoError(t, err)
	var got modeRequest
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	res.Body.Close()
	assert.Equal(t, "slam", got.Mode)

	res = postJSON(t, h.http.URL+"/api/session/mode", `{"mode":"NAV"}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	h.session.mu.Lock()
	assert.Equal(t, []session.Mode{session.ModeNav}, h.session.switches)
	h.session.mu.Unlock()

	res = postJSON(t, h.http.URL+"/api/session/mode", `{"mode":"drive"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	h.session.mu.Lock()
	h.session.err = session.ErrNotStarted
	h.session.mu.Unlock()
	res = postJSON(t, h.http.URL+"/api/session/mode", `{"mode":"slam"}`)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestSessionModeWithoutSession(t *testing.T) {
	srv := NewServer(Config{Viewport: newHarness(t).runner})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/session/mode", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFramePNG(t *testing.T) {
	h := newHarness(t)
	h.loadMap(t)

	res, err := http.Get(h.http.URL + "/api/frame.png")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "image/png", res.Header.Get("Content-Type"))

	img, err := png.Decode(res.Body)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())
}

func debugGet(h *harness, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPoseTraceRoute(t *testing.T) {
	h := newHarness(t)
	rec := debugGet(h, "/debug/pose-trace")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	t0 := time.Unix(1700000000, 0)
	h.trace.Record(t0, mapview.Pose{}, mapview.Pose{X: 1})
	h.trace.Record(t0.Add(time.Second), mapview.Pose{X: 0.5}, mapview.Pose{X: 1})
	rec = debugGet(h, "/debug/pose-trace")
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := png.Decode(rec.Body)
	assert.NoError(t, err)
}

func TestOccupancyRoute(t *testing.T) {
	h := newHarness(t)
	rec := debugGet(h, "/debug/occupancy")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.loadMap(t)
	rec = debugGet(h, "/debug/occupancy")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Occupied cells")
}

func TestCollectOccupancyStride(t *testing.T) {
	h := newHarness(t)
	h.loadMap(t)
	var occ *occupancy
	require.NoError(t, h.runner.Do(context.Background(), func(e *mapview.Engine) {
		occ = collectOccupancy(e, 10)
	}))
	require.NotNil(t, occ)
	assert.Equal(t, 48, occ.counts[mapview.CellOccupied])
	assert.Equal(t, 5, occ.stride)
	assert.Len(t, occ.occupied, 9)
}

func TestDebugRoutesRequireLoopback(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/debug/occupancy", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func dialViewport(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrameOfSize(t *testing.T, conn *websocket.Conn, w, h int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for time.Now().Before(deadline) {
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if kind != websocket.BinaryMessage {
			continue
		}
		img, err := png.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		if img.Bounds().Dx() == w && img.Bounds().Dy() == h {
			return
		}
	}
	t.Fatalf("no %dx%d frame received", w, h)
}

func TestViewportStreamsFramesAndResizes(t *testing.T) {
	h := newHarness(t)
	h.loadMap(t)
	h.tickClock(t)
	conn := dialViewport(t, h)

	readFrameOfSize(t, conn, 64, 48)

	require.NoError(t, conn.WriteJSON(clientEvent{Type: "resize", Width: 32, Height: 24}))
	readFrameOfSize(t, conn, 32, 24)
}

func TestViewportGoalGesture(t *testing.T) {
	h := newHarness(t)
	h.loadMap(t)
	h.tickClock(t)
	conn := dialViewport(t, h)

	for _, ev := range []clientEvent{
		{Type: "bogus"},
		{Type: "mode", Mode: "set_goal"},
		{Type: "pointerdown", X: 32, Y: 24, Button: 0},
		{Type: "pointermove", X: 40, Y: 24, Button: 0},
		{Type: "pointerup", X: 48, Y: 24, Button: 0},
	} {
		require.NoError(t, conn.WriteJSON(ev))
	}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	var goal *mapview.Goal
	require.Eventually(t, func() bool {
		st, err := h.runner.State(context.Background())
		if err != nil {
			return false
		}
		goal = st.Goal
		return goal != nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 2.0, goal.X, 1e-9)
	assert.InDelta(t, 1.5, goal.Y, 1e-9)
	assert.InDelta(t, 0.0, goal.Yaw, 1e-9)
	assert.NotEmpty(t, goal.ID)
}

func TestViewportDisconnectCancelsGesture(t *testing.T) {
	h := newHarness(t)
	h.loadMap(t)
	h.tickClock(t)
	first := dialViewport(t, h)

	for _, ev := range []clientEvent{
		{Type: "mode", Mode: "set_goal"},
		{Type: "pointerdown", X: 32, Y: 24, Button: 0},
		{Type: "pointermove", X: 40, Y: 24, Button: 0},
	} {
		require.NoError(t, first.WriteJSON(ev))
	}
	require.Eventually(t, func() bool {
		st, err := h.runner.State(context.Background())
		return err == nil && st.Drag == mapview.DragGoal && st.Draft != nil
	}, 3*time.Second, 10*time.Millisecond)

	first.Close()
	require.Eventually(t, func() bool {
		st, err := h.runner.State(context.Background())
		return err == nil && st.Drag == mapview.DragNone && st.Draft == nil
	}, 3*time.Second, 10*time.Millisecond)

	// a release from another browser has no gesture to finish; the resize
	// that follows orders the check after it
	second := dialViewport(t, h)
	require.NoError(t, second.WriteJSON(clientEvent{Type: "pointerup", X: 48, Y: 24, Button: 0}))
	require.NoError(t, second.WriteJSON(clientEvent{Type: "resize", Width: 32, Height: 24}))
	readFrameOfSize(t, second, 32, 24)

	st, err := h.runner.State(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.Goal)
	assert.Equal(t, mapview.DragNone, st.Drag)
}

func TestViewportEndsWhenRunnerCloses(t *testing.T) {
	h := newHarness(t)
	conn := dialViewport(t, h)
	// wait for the session to subscribe
	time.Sleep(50 * time.Millisecond)
	h.runner.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			return
		}
	}
}

func TestClientEventCommand(t *testing.T) {
	for _, ev := range []clientEvent{
		{Type: "resize", Width: 0, Height: 10},
		{Type: "resize", Width: 10, Height: maxViewportSide + 1},
		{Type: "mode", Mode: "orbit"},
		{Type: "teleport"},
	} {
		_, err := ev.command()
		assert.Error(t, err, "%+v", ev)
	}
	for _, typ := range []string{"pointerdown", "pointermove", "pointerup", "pointerleave", "wheel", "dblclick", "key"} {
		cmd, err := clientEvent{Type: typ}.command()
		assert.NoError(t, err, typ)
		assert.NotNil(t, cmd, typ)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	h := newHarness(t)
	srv := NewServer(Config{Address: "127.0.0.1:0", Viewport: h.runner})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
