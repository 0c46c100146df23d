// Package console serves the operator map viewport to browsers: the page,
// a websocket carrying input events in and rendered frames out, a small
// JSON API and debug charts.
package console

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/banshee-data/operator.console/internal/mapview"
	"github.com/banshee-data/operator.console/internal/monitoring"
	"github.com/banshee-data/operator.console/internal/posetrace"
	"github.com/banshee-data/operator.console/internal/session"
	"github.com/gorilla/mux"
	"tailscale.com/tsweb"
)

//go:embed static
var staticFiles embed.FS

// Viewport is the map engine seen by the console, normally a
// *mapview.Runner.
type Viewport interface {
	SubscribeFrames() (string, <-chan mapview.Frame)
	Unsubscribe(id string)
	Post(fn func(*mapview.Engine)) error
	Do(ctx context.Context, fn func(*mapview.Engine)) error
	State(ctx context.Context) (mapview.State, error)
	Snapshot(ctx context.Context) (mapview.Frame, error)
	ResetMap()
	ResetView()
	SetInteractionMode(mapview.InteractionMode)
}

// Session switches the robot operating mode, normally a
// *session.Controller.
type Session interface {
	Mode() session.Mode
	SwitchMode(session.Mode) error
}

// Config wires a Server.
type Config struct {
	Address  string
	Viewport Viewport
	// Session may be nil; the session routes then answer 404.
	Session Session
	// Trace may be nil; /debug/pose-trace then answers 404.
	Trace *posetrace.Recorder
	// FrameInterval caps the rate frames are pushed to each browser.
	FrameInterval time.Duration
}

// Server is the console HTTP server.
type Server struct {
	address       string
	viewport      Viewport
	session       Session
	trace         *posetrace.Recorder
	frameInterval time.Duration
	logf          func(format string, v ...interface{})

	router *mux.Router
	debug  *http.ServeMux
	server *http.Server
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(cfg Config) *Server {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = time.Second / 30
	}
	s := &Server{
		address:       cfg.Address,
		viewport:      cfg.Viewport,
		session:       cfg.Session,
		trace:         cfg.Trace,
		frameInterval: cfg.FrameInterval,
		logf:          monitoring.Tagged("Console"),
		debug:         http.NewServeMux(),
	}
	s.router = s.setupRoutes()
	s.server = &http.Server{
		Addr:              s.address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// DebugMux is the mux behind /debug/. Other packages attach their admin
// routes here.
func (s *Server) DebugMux() *http.ServeMux { return s.debug }

func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware)

	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	r.Handle("/", http.FileServer(http.FS(static))).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleViewport).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/frame.png", s.handleFrame).Methods(http.MethodGet)
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/interaction-mode", s.handleInteractionMode).Methods(http.MethodPost)
	api.HandleFunc("/map/reset", s.handleMapReset).Methods(http.MethodPost)
	api.HandleFunc("/view/reset", s.handleViewReset).Methods(http.MethodPost)
	api.HandleFunc("/session/mode", s.handleSessionMode).Methods(http.MethodGet, http.MethodPost)

	debug := tsweb.Debugger(s.debug)
	debug.HandleFunc("pose-trace", "Displayed vs target pose residuals (PNG)", s.handlePoseTrace)
	debug.HandleFunc("occupancy", "Occupancy of the active map", s.handleOccupancy)
	r.PathPrefix("/debug/").Handler(s.debug)

	return r
}

// Start serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	return s.Serve(ctx, lis)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logf("serving console on http://%s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logf("HTTP server shutdown error: %v", err)
		// hijacked websockets are not tracked by Shutdown
		if err := s.server.Close(); err != nil {
			s.logf("HTTP server force close error: %v", err)
		}
	}
	s.logf("HTTP server routine stopped")
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	f, err := s.viewport.Snapshot(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, fmt.Sprintf("render failed: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(f.PNG)
}

type poseJSON struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Yaw float64 `json:"yaw"`
}

type goalJSON struct {
	ID string `json:"id"`
	poseJSON
}

type mapJSON struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Resolution float64 `json:"resolution"`
	OriginX    float64 `json:"origin_x"`
	OriginY    float64 `json:"origin_y"`
	Version    uint32  `json:"map_version"`
}

type viewJSON struct {
	Scale    float64 `json:"scale"`
	Rotation float64 `json:"rotation"`
	OffsetX  float64 `json:"offset_x"`
	OffsetY  float64 `json:"offset_y"`
	FitScale float64 `json:"fit_scale"`
}

type stateJSON struct {
	InteractionMode string    `json:"interaction_mode"`
	Drag            string    `json:"drag"`
	SessionMode     string    `json:"session_mode,omitempty"`
	View            viewJSON  `json:"view"`
	Map             *mapJSON  `json:"map,omitempty"`
	Tracking        string    `json:"tracking"`
	Robot           *poseJSON `json:"robot,omitempty"`
	Target          *poseJSON `json:"target,omitempty"`
	Draft           *poseJSON `json:"draft,omitempty"`
	Goal            *goalJSON `json:"goal,omitempty"`
}

func toPoseJSON(p mapview.Pose) *poseJSON {
	return &poseJSON{X: p.X, Y: p.Y, Yaw: p.Yaw}
}

func (s *Server) buildState(st mapview.State) stateJSON {
	out := stateJSON{
		InteractionMode: st.Mode.String(),
		Drag:            st.Drag.String(),
		View: viewJSON{
			Scale:    st.View.Scale,
			Rotation: st.View.Rotation,
			OffsetX:  st.View.OffsetX,
			OffsetY:  st.View.OffsetY,
			FitScale: st.FitScale,
		},
		Tracking: st.Tracking.String(),
	}
	if s.session != nil {
		out.SessionMode = string(s.session.Mode())
	}
	if g := st.Geometry; g != nil {
		out.Map = &mapJSON{
			Width:      g.Width,
			Height:     g.Height,
			Resolution: g.Resolution,
			OriginX:    g.Origin.X,
			OriginY:    g.Origin.Y,
			Version:    g.Version,
		}
	}
	if st.HasPose {
		out.Robot = toPoseJSON(st.Displayed)
		out.Target = toPoseJSON(st.Target)
	}
	if d := st.Draft; d != nil {
		out.Draft = &poseJSON{X: d.Anchor.X, Y: d.Anchor.Y, Yaw: d.Yaw}
	}
	if g := st.Goal; g != nil {
		out.Goal = &goalJSON{ID: g.ID, poseJSON: poseJSON{X: g.X, Y: g.Y, Yaw: g.Yaw}}
	}
	return out
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.viewport.State(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.buildState(st))
}

type modeRequest struct {
	Mode string `json:"mode"`
}

// readMode accepts {"mode": "..."} or a mode form value.
func readMode(r *http.Request) (string, error) {
	if r.Header.Get("Content-Type") == "application/json" {
		var req modeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", fmt.Errorf("invalid JSON body: %w", err)
		}
		return req.Mode, nil
	}
	return r.FormValue("mode"), nil
}

func (s *Server) handleInteractionMode(w http.ResponseWriter, r *http.Request) {
	raw, err := readMode(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := mapview.ParseInteractionMode(raw)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.viewport.SetInteractionMode(m)
	s.writeJSON(w, http.StatusOK, modeRequest{Mode: m.String()})
}

func (s *Server) handleMapReset(w http.ResponseWriter, r *http.Request) {
	s.viewport.ResetMap()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleViewReset(w http.ResponseWriter, r *http.Request) {
	s.viewport.ResetView()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionMode(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		s.writeJSONError(w, http.StatusNotFound, "no robot session")
		return
	}
	if r.Method == http.MethodGet {
		s.writeJSON(w, http.StatusOK, modeRequest{Mode: string(s.session.Mode())})
		return
	}

	raw, err := readMode(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := session.ParseMode(raw)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.session.SwitchMode(mode); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNotStarted) || errors.Is(err, session.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		s.writeJSONError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, modeRequest{Mode: string(mode)})
}
