package mapview

import (
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r2"
)

// yawEpsilon is the minimum anchor-to-pointer distance, in world units,
// that defines a heading.
const yawEpsilon = 1e-9

// InteractionController is the pointer state machine. Pan and rotate drags
// drive the view; a primary drag in ModeSetGoal picks a goal anchor and
// heading.
type InteractionController struct {
	view       *ViewTransform
	rotateGain float64
	onGoal     func(Goal)
	logf       func(format string, v ...interface{})

	mode  InteractionMode
	drag  DragState
	last  Point
	moved bool
	draft *GoalDraft
	goal  *Goal
}

// NewInteractionController returns a controller in ModePan.
func NewInteractionController(view *ViewTransform, rotateGain float64, onGoal func(Goal), logf func(string, ...interface{})) *InteractionController {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &InteractionController{
		view:       view,
		rotateGain: rotateGain,
		onGoal:     onGoal,
		logf:       logf,
		mode:       ModePan,
	}
}

// Mode returns the current interaction mode.
func (c *InteractionController) Mode() InteractionMode { return c.mode }

// Drag returns the gesture in progress, if any.
func (c *InteractionController) Drag() DragState { return c.drag }

// Draft returns a copy of the in-progress goal, or nil.
func (c *InteractionController) Draft() *GoalDraft {
	if c.draft == nil {
		return nil
	}
	d := *c.draft
	return &d
}

// Goal returns a copy of the last finalized goal still on display, or nil.
func (c *InteractionController) Goal() *Goal {
	if c.goal == nil {
		return nil
	}
	g := *c.goal
	return &g
}

// SetMode switches the interaction mode. A real change cancels any goal
// gesture and clears the goal marker.
func (c *InteractionController) SetMode(m InteractionMode) {
	if m != ModePan && m != ModeSetGoal {
		return
	}
	if m == c.mode {
		return
	}
	if c.drag == DragGoal {
		c.drag = DragNone
	}
	c.draft = nil
	c.goal = nil
	c.mode = m
	c.logf("interaction mode set to %s", m)
}

// ClearGoals drops the draft and the goal marker and aborts a goal drag.
func (c *InteractionController) ClearGoals() {
	if c.drag == DragGoal {
		c.drag = DragNone
	}
	c.draft = nil
	c.goal = nil
}

// CancelDrag aborts whatever gesture is in progress without emitting.
func (c *InteractionController) CancelDrag() {
	c.drag = DragNone
	c.draft = nil
	c.moved = false
}

// PointerDown starts a gesture. Gestures need a bound geometry.
func (c *InteractionController) PointerDown(ev PointerEvent) {
	if c.drag != DragNone || !c.view.Bound() {
		return
	}
	pos := Point{X: ev.X, Y: ev.Y}
	switch ev.Button {
	case ButtonSecondary:
		c.drag = DragRotate
		c.last = pos
	case ButtonPrimary:
		if c.mode == ModeSetGoal {
			c.draft = &GoalDraft{Anchor: c.view.ScreenToWorld(pos)}
			c.drag = DragGoal
			c.moved = false
			return
		}
		c.drag = DragPan
		c.last = pos
	}
}

// PointerMove continues the current gesture.
func (c *InteractionController) PointerMove(ev PointerEvent) {
	pos := Point{X: ev.X, Y: ev.Y}
	switch c.drag {
	case DragPan:
		c.view.Pan(pos.X-c.last.X, pos.Y-c.last.Y)
		c.last = pos
	case DragRotate:
		c.view.Rotate((pos.X - c.last.X) * c.rotateGain)
		c.last = pos
	case DragGoal:
		c.aim(pos)
	}
}

// PointerUp ends the current gesture; a goal gesture is finalized.
func (c *InteractionController) PointerUp(ev PointerEvent) {
	switch c.drag {
	case DragGoal:
		c.aim(Point{X: ev.X, Y: ev.Y})
		c.finalize()
	case DragPan, DragRotate:
		c.drag = DragNone
	}
}

// PointerLeave handles loss of the pointer. A goal gesture that never saw
// motion is cancelled and SetGoal stays armed; otherwise it finalizes.
func (c *InteractionController) PointerLeave() {
	switch c.drag {
	case DragGoal:
		if !c.moved {
			c.CancelDrag()
			return
		}
		c.finalize()
	case DragPan, DragRotate:
		c.drag = DragNone
	}
}

// Wheel zooms one notch per event.
func (c *InteractionController) Wheel(ev WheelEvent) {
	if ev.DeltaY == 0 || !c.view.Bound() {
		return
	}
	c.view.ZoomStep(ev.DeltaY)
}

// DoubleClick resets the view.
func (c *InteractionController) DoubleClick() {
	c.view.ResetView()
}

// Key handles keyboard shortcuts: Escape cancels and disarms, "0" resets
// the view.
func (c *InteractionController) Key(ev KeyEvent) {
	switch ev.Key {
	case "Escape", "Esc":
		c.CancelDrag()
		c.SetMode(ModePan)
	case "0":
		c.view.ResetView()
	}
}

func (c *InteractionController) aim(pos Point) {
	if c.draft == nil {
		return
	}
	d := r2.Sub(c.view.ScreenToWorld(pos), c.draft.Anchor)
	if r2.Norm(d) <= yawEpsilon {
		return
	}
	c.draft.Yaw = math.Atan2(d.Y, d.X)
	c.moved = true
}

func (c *InteractionController) finalize() {
	d := c.draft
	c.drag = DragNone
	c.draft = nil
	c.moved = false
	if d == nil {
		return
	}
	g := Goal{
		ID:  uuid.NewString(),
		X:   d.Anchor.X,
		Y:   d.Anchor.Y,
		Yaw: d.Yaw,
	}
	c.goal = &g
	// one goal per activation; the marker stays until a snapshot or an
	// external mode change
	c.mode = ModePan
	c.logf("goal selected x=%.3f y=%.3f yaw=%.3f", g.X, g.Y, g.Yaw)
	if c.onGoal != nil {
		c.onGoal(g)
	}
}
