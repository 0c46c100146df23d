package mapview

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/vector"
	"gonum.org/v1/gonum/spatial/r2"
)

// Marker colours.
var (
	ColorRobot = color.RGBA{R: 255, A: 255}
	ColorGoal  = color.RGBA{R: 50, G: 205, B: 50, A: 255}
)

// Scene is everything the compositor draws for one frame.
type Scene struct {
	View   *ViewTransform
	Raster *image.RGBA
	// Robot is nil until a pose has been received.
	Robot *Pose
	// Arrow is the draft heading while a goal gesture is active, otherwise
	// the last finalized goal. Nil draws nothing.
	Arrow *Pose
}

// Compositor draws a Scene onto the output surface.
type Compositor struct {
	z *vector.Rasterizer
}

// NewCompositor returns a compositor.
func NewCompositor() *Compositor {
	return &Compositor{}
}

// Compose clears dst and draws the raster, robot marker and goal arrow.
func (c *Compositor) Compose(dst *image.RGBA, sc Scene) {
	b := dst.Bounds()
	draw.Draw(dst, b, image.Transparent, image.Point{}, draw.Src)
	if sc.View == nil || sc.Raster == nil || !sc.View.Bound() {
		return
	}

	draw.NearestNeighbor.Transform(dst, sc.View.RasterToScreen(), sc.Raster, sc.Raster.Bounds(), draw.Over, nil)

	userScale := sc.View.State().Scale
	if sc.Robot != nil {
		c.fill(dst, sc.View, robotMarker(sc.View, *sc.Robot, userScale), ColorRobot)
	}
	if sc.Arrow != nil {
		for _, poly := range goalArrow(sc.View, *sc.Arrow, userScale) {
			c.fill(dst, sc.View, poly, ColorGoal)
		}
	}
}

// robotMarker is a triangle pointing along the pose heading, sized in
// raster cells and kept legible when zoomed out.
func robotMarker(v *ViewTransform, p Pose, userScale float64) []Point {
	m := 8 * math.Max(0.3, 1/userScale)
	// The triangle tip is local -Y; rotate it onto the heading in the
	// Y-down local frame.
	return placeLocal(v, p, math.Pi/2-p.Yaw, []Point{
		{X: 0, Y: -m},
		{X: 0.6 * m, Y: m},
		{X: -0.6 * m, Y: m},
	})
}

// goalArrow is a shaft ending at the goal position with a head pointing
// along the heading.
func goalArrow(v *ViewTransform, p Pose, userScale float64) [][]Point {
	length := 20 / userScale
	half := 1 / userScale
	head := 5 / userScale
	angle := -p.Yaw
	shaft := placeLocal(v, p, angle, []Point{
		{X: -length, Y: -half},
		{X: 0, Y: -half},
		{X: 0, Y: half},
		{X: -length, Y: half},
	})
	tip := placeLocal(v, p, angle, []Point{
		{X: 0, Y: 0},
		{X: -head, Y: -head},
		{X: -head, Y: head},
	})
	return [][]Point{shaft, tip}
}

// placeLocal rotates shape by angle and moves it to the pose position in
// the raster-centred frame.
func placeLocal(v *ViewTransform, p Pose, angle float64, shape []Point) []Point {
	at := v.WorldToLocal(p.Position())
	out := make([]Point, len(shape))
	for i, q := range shape {
		out[i] = r2.Add(at, r2.Rotate(q, angle, r2.Vec{}))
	}
	return out
}

func (c *Compositor) fill(dst *image.RGBA, v *ViewTransform, local []Point, col color.Color) {
	if len(local) < 3 {
		return
	}
	b := dst.Bounds()
	if c.z == nil {
		c.z = vector.NewRasterizer(b.Dx(), b.Dy())
	} else {
		c.z.Reset(b.Dx(), b.Dy())
	}
	for i, l := range local {
		s := v.LocalToScreen(l)
		x, y := float32(s.X-float64(b.Min.X)), float32(s.Y-float64(b.Min.Y))
		if i == 0 {
			c.z.MoveTo(x, y)
			continue
		}
		c.z.LineTo(x, y)
	}
	c.z.ClosePath()
	c.z.Draw(dst, b, image.NewUniform(col), image.Point{})
}
