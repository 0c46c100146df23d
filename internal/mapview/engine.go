package mapview

import (
	"image"
	"time"

	"github.com/banshee-data/operator.console/internal/config"
	"github.com/banshee-data/operator.console/internal/monitoring"
)

// Options configure an Engine.
type Options struct {
	ViewportWidth  int
	ViewportHeight int
	ZoomStep       float64
	MinScale       float64
	MaxScale       float64
	RotateGain     float64
	Smoothing      SmoothingParams

	// OnGoal receives each finalized goal. It runs on the engine's
	// goroutine and must not block.
	OnGoal func(Goal)
	// OnWarning receives dropped-update diagnostics. Defaults to
	// monitoring.Warnf.
	OnWarning func(format string, v ...interface{})
}

// DefaultOptions returns the stock engine options.
func DefaultOptions() Options {
	return Options{
		ViewportWidth:  800,
		ViewportHeight: 600,
		ZoomStep:       1.1,
		MinScale:       0.1,
		MaxScale:       20,
		RotateGain:     0.005,
		Smoothing:      DefaultSmoothing(),
	}
}

// OptionsFromConfig derives engine options from the console config.
func OptionsFromConfig(cfg *config.ConsoleConfig) Options {
	o := DefaultOptions()
	o.ViewportWidth = cfg.GetViewportWidth()
	o.ViewportHeight = cfg.GetViewportHeight()
	o.ZoomStep = cfg.GetZoomStep()
	o.MinScale = cfg.GetMinScale()
	o.MaxScale = cfg.GetMaxScale()
	o.RotateGain = cfg.GetRotateGain()
	o.Smoothing.Base = cfg.GetSmoothBase()
	o.Smoothing.Period = cfg.GetSmoothPeriod()
	o.Smoothing.SnapDistance = cfg.GetSnapDistance()
	o.Smoothing.SnapYaw = cfg.GetSnapYaw()
	return o
}

// State is a read-only snapshot of the engine for APIs and tests.
type State struct {
	Mode      InteractionMode
	Drag      DragState
	View      ViewState
	FitScale  float64
	Geometry  *Geometry
	Tracking  AnimatorState
	Displayed Pose
	Target    Pose
	HasPose   bool
	Draft     *GoalDraft
	Goal      *Goal
}

// Engine composes the decoder, surface, view, animator, interaction
// controller and compositor. It is not safe for concurrent use; Runner
// gives it a single owning goroutine.
type Engine struct {
	opts     Options
	warnf    func(format string, v ...interface{})
	logf     func(format string, v ...interface{})
	surface  *MapSurface
	view     *ViewTransform
	animator *PoseAnimator
	input    *InteractionController
	comp     *Compositor
	frame    *image.RGBA

	lastTick time.Time
	dirty    bool
}

// NewEngine builds an engine with no map and no pose.
func NewEngine(opts Options) *Engine {
	def := DefaultOptions()
	if opts.ViewportWidth <= 0 || opts.ViewportHeight <= 0 {
		opts.ViewportWidth, opts.ViewportHeight = def.ViewportWidth, def.ViewportHeight
	}
	if opts.ZoomStep <= 1 {
		opts.ZoomStep = def.ZoomStep
	}
	if opts.RotateGain == 0 {
		opts.RotateGain = def.RotateGain
	}
	if opts.Smoothing.Base <= 0 || opts.Smoothing.Base >= 1 {
		opts.Smoothing = def.Smoothing
	}
	warnf := opts.OnWarning
	if warnf == nil {
		warnf = monitoring.Warnf
	}

	e := &Engine{
		opts:     opts,
		warnf:    warnf,
		logf:     monitoring.Tagged("MapView"),
		surface:  NewMapSurface(),
		view:     NewViewTransform(opts.ViewportWidth, opts.ViewportHeight, opts.MinScale, opts.MaxScale, opts.ZoomStep),
		animator: NewPoseAnimator(opts.Smoothing),
		comp:     NewCompositor(),
		frame:    image.NewRGBA(image.Rect(0, 0, opts.ViewportWidth, opts.ViewportHeight)),
		dirty:    true,
	}
	e.input = NewInteractionController(e.view, opts.RotateGain, opts.OnGoal, e.logf)
	return e
}

// HandleSnapshot replaces the map. Invalid snapshots are dropped with a
// warning and the previous map is kept.
func (e *Engine) HandleSnapshot(s GridSnapshot) error {
	d, err := DecodeSnapshot(s)
	if err != nil {
		e.warnf("[MapView] dropped snapshot: %v", err)
		return err
	}
	fresh := !e.surface.Active()
	e.surface.ApplySnapshot(d)
	e.view.Bind(e.surface.Geometry())
	e.input.ClearGoals()
	if fresh {
		e.logf("map geometry %dx%d res=%.3f origin=(%.2f,%.2f)", d.Width, d.Height, d.Resolution, d.Origin.X, d.Origin.Y)
		if e.animator.Rearm() {
			e.view.CenterOn(e.animator.Displayed().Position())
		}
	}
	e.dirty = true
	return nil
}

// HandlePatch applies an incremental update. Undecodable or mismatched
// patches are dropped with a warning and the raster is left untouched.
func (e *Engine) HandlePatch(p GridPatch) error {
	d, err := DecodePatch(p, e.surface.Geometry())
	if err != nil {
		e.warnf("[MapView] dropped patch at (%d,%d) %dx%d: %v", p.X, p.Y, p.Width, p.Height, err)
		return err
	}
	if _, err := e.surface.ApplyPatch(d); err != nil {
		e.warnf("[MapView] dropped patch at (%d,%d): %v", p.X, p.Y, err)
		return err
	}
	e.dirty = true
	return nil
}

// HandlePose records a pose sample.
func (e *Engine) HandlePose(p Pose) {
	if e.animator.Observe(p) && e.surface.Active() {
		e.view.CenterOn(p.Position())
	}
	e.dirty = true
}

// HandlePoseSample records a quaternion pose sample.
func (e *Engine) HandlePoseSample(s PoseSample) {
	e.HandlePose(s.Pose())
}

// ResetMap drops the geometry, keeping the last pose for re-projection once
// a new map arrives.
func (e *Engine) ResetMap() {
	e.surface.Reset()
	e.view.Bind(nil)
	e.input.CancelDrag()
	e.input.ClearGoals()
	e.logf("map reset")
	e.dirty = true
}

// ResetView restores the identity view.
func (e *Engine) ResetView() {
	e.view.ResetView()
	e.dirty = true
}

// SetInteractionMode switches between panning and goal selection.
func (e *Engine) SetInteractionMode(m InteractionMode) {
	e.input.SetMode(m)
	e.dirty = true
}

// Resize changes the viewport; the output surface follows on next Render.
func (e *Engine) Resize(w, h int) {
	e.view.Resize(w, h)
	e.dirty = true
}

// PointerDown forwards a pointer press to the interaction controller.
func (e *Engine) PointerDown(ev PointerEvent) {
	e.input.PointerDown(ev)
	e.dirty = true
}

// PointerMove forwards pointer motion to the interaction controller.
func (e *Engine) PointerMove(ev PointerEvent) {
	e.input.PointerMove(ev)
	e.dirty = true
}

// PointerUp forwards a pointer release, which may finalize a goal.
func (e *Engine) PointerUp(ev PointerEvent) {
	e.input.PointerUp(ev)
	e.dirty = true
}

// PointerLeave forwards loss of the pointer to the interaction controller.
func (e *Engine) PointerLeave() {
	e.input.PointerLeave()
	e.dirty = true
}

// Wheel forwards a scroll step, zooming about the cursor.
func (e *Engine) Wheel(ev WheelEvent) {
	e.input.Wheel(ev)
	e.dirty = true
}

// DoubleClick forwards a double click to the interaction controller.
func (e *Engine) DoubleClick() {
	e.input.DoubleClick()
	e.dirty = true
}

// Key forwards a key press to the interaction controller.
func (e *Engine) Key(ev KeyEvent) {
	e.input.Key(ev)
	e.dirty = true
}

// CancelDrag abandons the gesture in progress without emitting a goal.
func (e *Engine) CancelDrag() {
	e.input.CancelDrag()
	e.dirty = true
}

func (e *Engine) View() *ViewTransform                { return e.view }
func (e *Engine) Surface() *MapSurface                { return e.surface }
func (e *Engine) Animator() *PoseAnimator             { return e.animator }
func (e *Engine) Interaction() *InteractionController { return e.input }
func (e *Engine) Mode() InteractionMode               { return e.input.Mode() }

// Tick advances the pose animation to now. It reports whether anything
// changed since the last Render.
func (e *Engine) Tick(now time.Time) bool {
	if !e.lastTick.IsZero() {
		if e.animator.Step(now.Sub(e.lastTick)) {
			e.dirty = true
		}
	}
	e.lastTick = now
	return e.dirty
}

// Render composes the current scene onto the engine's output surface and
// returns it. The image is reused by the next Render.
func (e *Engine) Render() *image.RGBA {
	w, h := e.view.Viewport()
	if e.frame == nil || e.frame.Rect.Dx() != w || e.frame.Rect.Dy() != h {
		e.frame = image.NewRGBA(image.Rect(0, 0, w, h))
	}

	sc := Scene{View: e.view, Raster: e.surface.Raster()}
	if e.animator.State() == AnimatorTracking {
		p := e.animator.Displayed()
		sc.Robot = &p
	}
	if d := e.input.Draft(); d != nil {
		sc.Arrow = &Pose{X: d.Anchor.X, Y: d.Anchor.Y, Yaw: d.Yaw}
	} else if g := e.input.Goal(); g != nil {
		sc.Arrow = &Pose{X: g.X, Y: g.Y, Yaw: g.Yaw}
	}
	e.comp.Compose(e.frame, sc)
	e.dirty = false
	return e.frame
}

// State returns a snapshot of the engine state.
func (e *Engine) State() State {
	return State{
		Mode:      e.input.Mode(),
		Drag:      e.input.Drag(),
		View:      e.view.State(),
		FitScale:  e.view.FitScale(),
		Geometry:  e.surface.Geometry(),
		Tracking:  e.animator.State(),
		Displayed: e.animator.Displayed(),
		Target:    e.animator.Target(),
		HasPose:   e.animator.HasSample(),
		Draft:     e.input.Draft(),
		Goal:      e.input.Goal(),
	}
}

// Release frees the raster and output surface.
func (e *Engine) Release() {
	e.surface.Release()
	e.view.Bind(nil)
	e.frame = nil
}
