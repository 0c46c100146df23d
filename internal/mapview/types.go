// Package mapview renders an occupancy grid with a tracked robot pose and
// turns pointer gestures into view changes and navigation goals.
//
// World coordinates are metres with Y up; yaw is counter-clockwise from +X.
// The raster is row-major with row 0 at the top, i.e. the highest world Y.
package mapview

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"
)

var (
	ErrSizeMismatch    = errors.New("mapview: cell count does not match width*height")
	ErrInvalidGeometry = errors.New("mapview: invalid grid geometry")
	ErrUnknownEncoding = errors.New("mapview: unknown patch encoding")
	ErrDecompress      = errors.New("mapview: patch decompression failed")
	ErrLengthMismatch  = errors.New("mapview: decoded patch length mismatch")
	ErrNoGeometry      = errors.New("mapview: no active grid")
	ErrVersionMismatch = errors.New("mapview: patch targets a superseded map version")
	ErrClosed          = errors.New("mapview: runner closed")
)

// Point is a 2-D vector in world or screen space depending on context.
type Point = r2.Vec

// Cell is the three-way occupancy classification.
type Cell uint8

const (
	CellUnknown Cell = iota
	CellFree
	CellOccupied
)

func (c Cell) String() string {
	switch c {
	case CellFree:
		return "free"
	case CellOccupied:
		return "occupied"
	default:
		return "unknown"
	}
}

// Raw occupancy values as published by the mapping stack.
const (
	RawOccupied int8 = 100
	RawFree     int8 = 0
	RawUnknown  int8 = -1
)

// ClassifyCell maps a raw occupancy value to a Cell. Only the exact occupied
// and free sentinels classify; every other value is unknown.
func ClassifyCell(v int8) Cell {
	switch v {
	case RawOccupied:
		return CellOccupied
	case RawFree:
		return CellFree
	default:
		return CellUnknown
	}
}

// Geometry describes the active grid. Origin is the world position of the
// lower-left corner of cell (0,0).
type Geometry struct {
	Width      int
	Height     int
	Resolution float64
	Origin     Point
	// Version is the map revision; zero means unversioned.
	Version uint32
}

// MaxCells bounds the cell count of a grid or patch.
const MaxCells = 1 << 26

// validSize reports whether a w x h rectangle is non-empty and holds at most
// MaxCells cells. The product is never formed before the bound is checked.
func validSize(w, h int) bool {
	return w > 0 && h > 0 && w <= MaxCells/h
}

// Validate reports whether g can back a raster.
func (g Geometry) Validate() error {
	if !validSize(g.Width, g.Height) {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidGeometry, g.Width, g.Height)
	}
	if !(g.Resolution > 0) {
		return fmt.Errorf("%w: resolution %v", ErrInvalidGeometry, g.Resolution)
	}
	return nil
}

// GridSnapshot is a full map as received: cells in grid order, row 0 at the
// lowest world Y.
type GridSnapshot struct {
	Geometry
	Cells []int8
}

// DecodedSnapshot is a validated snapshot with cells in raster order.
type DecodedSnapshot struct {
	Geometry
	Cells []Cell
}

// GridPatch is an incremental update to the rectangle [X, X+Width) x
// [Y, Y+Height) of the active grid, in grid coordinates.
type GridPatch struct {
	X, Y          int
	Width, Height int
	// Encoding is "<codec>" or "<codec>+base64" with codec one of zlib,
	// deflate or gzip.
	Encoding              string
	Payload               []byte
	ExpectedDecodedLength int
	Version               uint32
}

// DecodedPatch holds patch cells in raster order: the first row is the
// patch row with the highest grid Y.
type DecodedPatch struct {
	X, Y          int
	Width, Height int
	Version       uint32
	Cells         []Cell
}

// Pose is a planar robot pose in world coordinates.
type Pose struct {
	X, Y float64
	Yaw  float64
}

// Position returns the pose translation.
func (p Pose) Position() Point { return Point{X: p.X, Y: p.Y} }

// Quaternion is an orientation as carried by pose messages.
type Quaternion struct {
	X, Y, Z, W float64
}

// PoseSample is a pose message: position plus orientation quaternion.
type PoseSample struct {
	Position    Point
	Orientation Quaternion
}

// Pose converts the sample to a planar pose.
func (s PoseSample) Pose() Pose {
	return Pose{X: s.Position.X, Y: s.Position.Y, Yaw: QuaternionToYaw(s.Orientation)}
}

// Goal is a finalized navigation target.
type Goal struct {
	ID  string
	X   float64
	Y   float64
	Yaw float64
}

// GoalDraft exists while a goal gesture is in progress.
type GoalDraft struct {
	Anchor Point
	Yaw    float64
}

// InteractionMode selects what a primary-button drag does.
type InteractionMode int

const (
	ModePan InteractionMode = iota + 1
	ModeSetGoal
)

func (m InteractionMode) String() string {
	switch m {
	case ModePan:
		return "pan"
	case ModeSetGoal:
		return "set_goal"
	default:
		return fmt.Sprintf("InteractionMode(%d)", int(m))
	}
}

// ParseInteractionMode accepts the String forms of the modes.
func ParseInteractionMode(s string) (InteractionMode, error) {
	switch s {
	case "pan":
		return ModePan, nil
	case "set_goal", "setgoal", "goal":
		return ModeSetGoal, nil
	}
	return 0, fmt.Errorf("unknown interaction mode %q", s)
}

// DragState is the gesture in progress.
type DragState int

const (
	DragNone DragState = iota
	DragPan
	DragRotate
	DragGoal
)

func (d DragState) String() string {
	switch d {
	case DragPan:
		return "pan"
	case DragRotate:
		return "rotate"
	case DragGoal:
		return "goal"
	default:
		return "none"
	}
}

// Button identifies a pointer button using DOM numbering.
type Button int

const (
	ButtonPrimary   Button = 0
	ButtonAuxiliary Button = 1
	ButtonSecondary Button = 2
)

// PointerEvent is a pointer position in viewport pixels.
type PointerEvent struct {
	X, Y   float64
	Button Button
}

// WheelEvent is a scroll notch; negative DeltaY zooms in.
type WheelEvent struct {
	X, Y   float64
	DeltaY float64
}

// KeyEvent carries a DOM key name such as "Escape" or "0".
type KeyEvent struct {
	Key string
}
