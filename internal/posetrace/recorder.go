// Package posetrace records how the displayed robot pose trails the latest
// pose sample and plots the residuals.
package posetrace

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/operator.console/internal/mapview"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ErrEmpty is returned when plotting a recorder with no samples.
var ErrEmpty = errors.New("posetrace: no samples recorded")

// DefaultCapacity is the number of ticks kept when none is configured.
const DefaultCapacity = 1800

// Sample is one animation tick.
type Sample struct {
	At        time.Time
	Displayed mapview.Pose
	Target    mapview.Pose
}

// Residual returns target minus displayed, with the yaw difference wrapped
// to (-π, π].
func (s Sample) Residual() (dx, dy, dyaw float64) {
	return s.Target.X - s.Displayed.X,
		s.Target.Y - s.Displayed.Y,
		mapview.NormalizeAngle(s.Target.Yaw - s.Displayed.Yaw)
}

// Recorder keeps the most recent samples in a ring.
type Recorder struct {
	mu      sync.Mutex
	samples []Sample
	next    int
	full    bool
}

// NewRecorder creates a recorder holding up to capacity samples.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{samples: make([]Sample, capacity)}
}

// Record appends a tick, overwriting the oldest when full. Its signature
// matches mapview.RunnerConfig.OnTick.
func (r *Recorder) Record(at time.Time, displayed, target mapview.Pose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = Sample{At: at, Displayed: displayed, Target: target}
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

// Len returns the number of samples held.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.samples)
	}
	return r.next
}

// Samples returns the held samples, oldest first.
func (r *Recorder) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Sample(nil), r.samples[:r.next]...)
	}
	out := make([]Sample, 0, len(r.samples))
	out = append(out, r.samples[r.next:]...)
	return append(out, r.samples[:r.next]...)
}

// Reset drops all samples.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
	r.full = false
}

// Summary holds peak absolute residuals over the held samples.
type Summary struct {
	Samples     int           `json:"samples"`
	Span        time.Duration `json:"span_ns"`
	MaxPosition float64       `json:"max_position_m"`
	MaxYaw      float64       `json:"max_yaw_rad"`
}

// Summarize reports the peak residuals.
func (r *Recorder) Summarize() Summary {
	samples := r.Samples()
	var s Summary
	s.Samples = len(samples)
	if len(samples) == 0 {
		return s
	}
	s.Span = samples[len(samples)-1].At.Sub(samples[0].At)
	for _, sm := range samples {
		dx, dy, dyaw := sm.Residual()
		s.MaxPosition = math.Max(s.MaxPosition, math.Hypot(dx, dy))
		s.MaxYaw = math.Max(s.MaxYaw, math.Abs(dyaw))
	}
	return s
}

// Plot builds a residual plot: x and y in metres, yaw in radians, against
// seconds since the first held sample.
func (r *Recorder) Plot() (*plot.Plot, error) {
	samples := r.Samples()
	if len(samples) == 0 {
		return nil, ErrEmpty
	}

	start := samples[0].At
	xPts := make(plotter.XYs, 0, len(samples))
	yPts := make(plotter.XYs, 0, len(samples))
	yawPts := make(plotter.XYs, 0, len(samples))
	for _, s := range samples {
		t := s.At.Sub(start).Seconds()
		dx, dy, dyaw := s.Residual()
		xPts = append(xPts, plotter.XY{X: t, Y: dx})
		yPts = append(yPts, plotter.XY{X: t, Y: dy})
		yawPts = append(yawPts, plotter.XY{X: t, Y: dyaw})
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Pose residual (target - displayed), %d ticks", len(samples))
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Residual (m, rad)"
	p.Add(plotter.NewGrid())

	lines := []struct {
		label string
		pts   plotter.XYs
		color color.RGBA
	}{
		{"x (m)", xPts, color.RGBA{R: 214, G: 39, B: 40, A: 255}},
		{"y (m)", yPts, color.RGBA{R: 44, G: 160, B: 44, A: 255}},
		{"yaw (rad)", yawPts, color.RGBA{R: 31, G: 119, B: 180, A: 255}},
	}
	for _, l := range lines {
		line, err := plotter.NewLine(l.pts)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s line: %w", l.label, err)
		}
		line.Width = vg.Points(1)
		line.Color = l.color
		p.Add(line)
		p.Legend.Add(l.label, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WritePNG renders the residual plot as a PNG to w.
func (r *Recorder) WritePNG(w io.Writer, width, height vg.Length) error {
	p, err := r.Plot()
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// Save writes the residual plot to path; the format follows the extension.
func (r *Recorder) Save(path string) error {
	p, err := r.Plot()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save pose trace: %w", err)
	}
	return nil
}
