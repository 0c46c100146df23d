package console

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/banshee-data/operator.console/internal/mapview"
	"github.com/banshee-data/operator.console/internal/posetrace"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot/vg"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handlePoseTrace renders the pose residual plot as a PNG.
func (s *Server) handlePoseTrace(w http.ResponseWriter, r *http.Request) {
	if s.trace == nil {
		s.writeJSONError(w, http.StatusNotFound, "pose tracing disabled")
		return
	}
	var buf bytes.Buffer
	err := s.trace.WritePNG(&buf, 12*vg.Inch, 5*vg.Inch)
	if errors.Is(err, posetrace.ErrEmpty) {
		s.writeJSONError(w, http.StatusNotFound, "no pose samples yet")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}

type occupancy struct {
	geom     mapview.Geometry
	counts   map[mapview.Cell]int
	occupied []opts.ScatterData
	stride   int
}

// collectOccupancy tallies the active grid and samples occupied cells in
// world coordinates. Runs on the engine goroutine.
func collectOccupancy(e *mapview.Engine, maxPoints int) *occupancy {
	surface := e.Surface()
	g := surface.Geometry()
	if g == nil {
		return nil
	}
	occ := &occupancy{geom: *g, counts: surface.Counts(), stride: 1}
	if n := occ.counts[mapview.CellOccupied]; n > maxPoints {
		occ.stride = int(math.Ceil(float64(n) / float64(maxPoints)))
	}

	seen := 0
	for gy := 0; gy < g.Height; gy++ {
		for gx := 0; gx < g.Width; gx++ {
			c, _ := surface.CellAt(gx, gy)
			if c != mapview.CellOccupied {
				continue
			}
			seen++
			if seen%occ.stride != 0 {
				continue
			}
			x := g.Origin.X + (float64(gx)+0.5)*g.Resolution
			y := g.Origin.Y + (float64(gy)+0.5)*g.Resolution
			occ.occupied = append(occ.occupied, opts.ScatterData{Value: []interface{}{x, y}})
		}
	}
	return occ
}

// handleOccupancy renders cell class counts and a scatter of occupied
// cells for the active map. Query params:
//   - max_points (optional; default 8000) to reduce payload size
func (s *Server) handleOccupancy(w http.ResponseWriter, r *http.Request) {
	maxPoints := 8000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}

	var occ *occupancy
	if err := s.viewport.Do(r.Context(), func(e *mapview.Engine) {
		occ = collectOccupancy(e, maxPoints)
	}); err != nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if occ == nil {
		s.writeJSONError(w, http.StatusNotFound, "no active map")
		return
	}
	g := occ.geom

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Map occupancy", Width: "100%", Height: "360px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Cell classes",
			Subtitle: fmt.Sprintf("%dx%d @ %.3f m, version %d", g.Width, g.Height, g.Resolution, g.Version),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis([]string{"unknown", "free", "occupied"}).
		AddSeries("cells", []opts.BarData{
			{Value: occ.counts[mapview.CellUnknown]},
			{Value: occ.counts[mapview.CellFree]},
			{Value: occ.counts[mapview.CellOccupied]},
		}, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	minX, minY := g.Origin.X, g.Origin.Y
	maxX := minX + float64(g.Width)*g.Resolution
	maxY := minY + float64(g.Height)*g.Resolution
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Occupied cells",
			Subtitle: fmt.Sprintf("points=%d stride=%d", len(occ.occupied), occ.stride),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: minX, Max: maxX, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: minY, Max: maxY, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("occupied", occ.occupied, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}))

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar, scatter)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
