package mapview

import (
	"math"

	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/spatial/r2"
)

// ViewState is the user-controlled part of the view transform.
type ViewState struct {
	Scale    float64
	Rotation float64
	OffsetX  float64
	OffsetY  float64
}

// IdentityView is the state restored by a view reset.
func IdentityView() ViewState {
	return ViewState{Scale: 1}
}

// ViewTransform maps between world and viewport pixel coordinates.
//
// The forward chain is world -> grid pixel (origin, resolution, row flip)
// -> centred on the raster -> scaled by FitScale*Scale -> rotated ->
// translated to the viewport centre plus the pan offset.
type ViewTransform struct {
	state    ViewState
	minScale float64
	maxScale float64
	zoomStep float64

	viewW, viewH int
	geom         *Geometry
}

// NewViewTransform returns an identity transform for a w x h viewport.
func NewViewTransform(w, h int, minScale, maxScale, zoomStep float64) *ViewTransform {
	return &ViewTransform{
		state:    IdentityView(),
		minScale: minScale,
		maxScale: maxScale,
		zoomStep: zoomStep,
		viewW:    w,
		viewH:    h,
	}
}

// State returns the current view state.
func (v *ViewTransform) State() ViewState { return v.state }

// Bind sets the geometry used for world conversions. Nil unbinds.
func (v *ViewTransform) Bind(g *Geometry) { v.geom = g }

// Bound reports whether a geometry is bound.
func (v *ViewTransform) Bound() bool { return v.geom != nil }

// Resize updates the viewport size. Non-positive sizes are ignored.
func (v *ViewTransform) Resize(w, h int) {
	if w <= 0 || h <= 0 {
		return
	}
	v.viewW, v.viewH = w, h
}

// Viewport returns the viewport size in pixels.
func (v *ViewTransform) Viewport() (int, int) { return v.viewW, v.viewH }

// FitScale is the scale at which the raster exactly fills the viewport. It
// is 1 when no geometry is bound.
func (v *ViewTransform) FitScale() float64 {
	if v.geom == nil {
		return 1
	}
	return math.Min(float64(v.viewW)/float64(v.geom.Width), float64(v.viewH)/float64(v.geom.Height))
}

// EffectiveScale is the total pixels-per-grid-cell factor.
func (v *ViewTransform) EffectiveScale() float64 {
	return v.FitScale() * v.state.Scale
}

func (v *ViewTransform) centre() r2.Vec {
	return r2.Vec{
		X: float64(v.viewW)/2 + v.state.OffsetX,
		Y: float64(v.viewH)/2 + v.state.OffsetY,
	}
}

// WorldToLocal maps a world point into the raster-centred frame used for
// drawing: X right, Y down, one unit per grid cell.
func (v *ViewTransform) WorldToLocal(p Point) Point {
	g := v.geom
	if g == nil {
		return p
	}
	px := (p.X - g.Origin.X) / g.Resolution
	py := (p.Y - g.Origin.Y) / g.Resolution
	return Point{
		X: px - float64(g.Width)/2,
		Y: float64(g.Height)/2 - py,
	}
}

// LocalToWorld inverts WorldToLocal.
func (v *ViewTransform) LocalToWorld(l Point) Point {
	g := v.geom
	if g == nil {
		return l
	}
	px := float64(g.Width)/2 + l.X
	py := float64(g.Height)/2 - l.Y
	return Point{
		X: g.Origin.X + px*g.Resolution,
		Y: g.Origin.Y + py*g.Resolution,
	}
}

// LocalToScreen applies scale, rotation and translation.
func (v *ViewTransform) LocalToScreen(l Point) Point {
	s := v.EffectiveScale()
	return r2.Add(v.centre(), r2.Scale(s, r2.Rotate(l, v.state.Rotation, r2.Vec{})))
}

// ScreenToLocal inverts LocalToScreen.
func (v *ViewTransform) ScreenToLocal(p Point) Point {
	s := v.EffectiveScale()
	d := r2.Scale(1/s, r2.Sub(p, v.centre()))
	return r2.Rotate(d, -v.state.Rotation, r2.Vec{})
}

// WorldToScreen maps a world point to viewport pixels.
func (v *ViewTransform) WorldToScreen(p Point) Point {
	return v.LocalToScreen(v.WorldToLocal(p))
}

// ScreenToWorld maps viewport pixels to a world point. It is the exact
// inverse of WorldToScreen.
func (v *ViewTransform) ScreenToWorld(p Point) Point {
	return v.LocalToWorld(v.ScreenToLocal(p))
}

// RasterToScreen returns the affine map from raster pixel coordinates to
// viewport pixels, in the form expected by x/image/draw.
func (v *ViewTransform) RasterToScreen() f64.Aff3 {
	var mw, mh float64
	if v.geom != nil {
		mw, mh = float64(v.geom.Width), float64(v.geom.Height)
	}
	s := v.EffectiveScale()
	sin, cos := math.Sincos(v.state.Rotation)
	c := v.centre()
	return f64.Aff3{
		s * cos, -s * sin, c.X - s*(cos*mw/2-sin*mh/2),
		s * sin, s * cos, c.Y - s*(sin*mw/2+cos*mh/2),
	}
}

// Pan moves the view by a screen-space delta.
func (v *ViewTransform) Pan(dx, dy float64) {
	v.state.OffsetX += dx
	v.state.OffsetY += dy
}

// Zoom multiplies the user scale by factor, clamped to the configured
// bounds. Non-positive factors are ignored.
func (v *ViewTransform) Zoom(factor float64) {
	if !(factor > 0) || math.IsInf(factor, 0) {
		return
	}
	v.state.Scale = clamp(v.state.Scale*factor, v.minScale, v.maxScale)
}

// ZoomStep applies one wheel notch: negative deltaY zooms in.
func (v *ViewTransform) ZoomStep(deltaY float64) {
	switch {
	case deltaY < 0:
		v.Zoom(v.zoomStep)
	case deltaY > 0:
		v.Zoom(1 / v.zoomStep)
	}
}

// Rotate adds dAngle radians to the view rotation.
func (v *ViewTransform) Rotate(dAngle float64) {
	v.state.Rotation = NormalizeAngle(v.state.Rotation + dAngle)
}

// ResetView restores the identity view.
func (v *ViewTransform) ResetView() {
	v.state = IdentityView()
}

// CenterOn pans so that the world point p sits at the viewport centre,
// keeping scale and rotation.
func (v *ViewTransform) CenterOn(p Point) {
	if v.geom == nil {
		return
	}
	s := v.EffectiveScale()
	l := r2.Rotate(v.WorldToLocal(p), v.state.Rotation, r2.Vec{})
	v.state.OffsetX = -s * l.X
	v.state.OffsetY = -s * l.Y
}

func clamp(x, lo, hi float64) float64 {
	if lo > 0 && x < lo {
		return lo
	}
	if hi > 0 && x > hi {
		return hi
	}
	return x
}
