package mapview

import (
	"image"
	"image/color"
)

// Cell colours on the raster.
var (
	ColorOccupied = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	ColorFree     = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	ColorUnknown  = color.RGBA{R: 200, G: 200, B: 200, A: 255}
)

// CellColor returns the raster colour for c.
func CellColor(c Cell) color.RGBA {
	switch c {
	case CellOccupied:
		return ColorOccupied
	case CellFree:
		return ColorFree
	default:
		return ColorUnknown
	}
}

// MapSurface owns the persistent raster of the active grid.
type MapSurface struct {
	geom   Geometry
	active bool
	cells  []Cell
	raster *image.RGBA
}

// NewMapSurface returns an empty surface with no active grid.
func NewMapSurface() *MapSurface {
	return &MapSurface{}
}

// Active reports whether a grid is loaded.
func (s *MapSurface) Active() bool { return s.active }

// Geometry returns the active geometry, or nil when no grid is loaded.
func (s *MapSurface) Geometry() *Geometry {
	if !s.active {
		return nil
	}
	g := s.geom
	return &g
}

// Raster returns the map raster. It is nil when no grid is loaded.
func (s *MapSurface) Raster() *image.RGBA {
	if !s.active {
		return nil
	}
	return s.raster
}

// ApplySnapshot replaces the geometry and the entire raster.
func (s *MapSurface) ApplySnapshot(d DecodedSnapshot) {
	w, h := d.Width, d.Height
	if s.raster == nil || s.raster.Rect.Dx() != w || s.raster.Rect.Dy() != h {
		s.raster = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	if cap(s.cells) >= len(d.Cells) {
		s.cells = s.cells[:len(d.Cells)]
	} else {
		s.cells = make([]Cell, len(d.Cells))
	}
	copy(s.cells, d.Cells)
	for i, c := range s.cells {
		s.paint(i%w, i/w, c)
	}
	s.geom = d.Geometry
	s.active = true
}

// ApplyPatch writes the patch rectangle into the raster, clipping anything
// outside the grid. It returns the number of cells written.
func (s *MapSurface) ApplyPatch(p DecodedPatch) (int, error) {
	if !s.active {
		return 0, ErrNoGeometry
	}
	if len(p.Cells) != p.Width*p.Height {
		return 0, ErrSizeMismatch
	}
	written := 0
	for pr := 0; pr < p.Height; pr++ {
		gy := p.Y + (p.Height - 1 - pr)
		if gy < 0 || gy >= s.geom.Height {
			continue
		}
		row := s.geom.Height - 1 - gy
		for pc := 0; pc < p.Width; pc++ {
			gx := p.X + pc
			if gx < 0 || gx >= s.geom.Width {
				continue
			}
			c := p.Cells[pr*p.Width+pc]
			s.cells[row*s.geom.Width+gx] = c
			s.paint(gx, row, c)
			written++
		}
	}
	return written, nil
}

// CellAt returns the cell at grid coordinates (gx, gy), gy counting up from
// the origin row.
func (s *MapSurface) CellAt(gx, gy int) (Cell, bool) {
	if !s.active || gx < 0 || gy < 0 || gx >= s.geom.Width || gy >= s.geom.Height {
		return CellUnknown, false
	}
	return s.cells[(s.geom.Height-1-gy)*s.geom.Width+gx], true
}

// Counts tallies the active cells by class.
func (s *MapSurface) Counts() map[Cell]int {
	out := map[Cell]int{}
	if !s.active {
		return out
	}
	for _, c := range s.cells {
		out[c]++
	}
	return out
}

// Reset drops the active grid. The raster buffer is kept for reuse.
func (s *MapSurface) Reset() {
	s.active = false
	s.geom = Geometry{}
	s.cells = s.cells[:0]
}

// Release drops the grid and frees the raster.
func (s *MapSurface) Release() {
	s.Reset()
	s.cells = nil
	s.raster = nil
}

func (s *MapSurface) paint(x, row int, c Cell) {
	col := CellColor(c)
	i := s.raster.PixOffset(x, row)
	px := s.raster.Pix[i : i+4 : i+4]
	px[0], px[1], px[2], px[3] = col.R, col.G, col.B, col.A
}
