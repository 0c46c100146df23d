package posetrace

import (
	"bytes"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/operator.console/internal/mapview"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/plot/vg"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestNewRecorderDefaultCapacity(t *testing.T) {
	r := NewRecorder(0)
	if len(r.samples) != DefaultCapacity {
		t.Errorf("expected capacity %d, got %d", DefaultCapacity, len(r.samples))
	}
}

func TestRecorderRingOrder(t *testing.T) {
	r := NewRecorder(3)
	for i := 0; i < 5; i++ {
		r.Record(t0.Add(time.Duration(i)*time.Second), mapview.Pose{X: float64(i)}, mapview.Pose{})
	}
	if r.Len() != 3 {
		t.Fatalf("expected 3 samples, got %d", r.Len())
	}
	got := r.Samples()
	for i, want := range []float64{2, 3, 4} {
		if got[i].Displayed.X != want {
			t.Errorf("sample %d: expected X=%v, got %v", i, want, got[i].Displayed.X)
		}
	}

	r.Reset()
	if r.Len() != 0 || len(r.Samples()) != 0 {
		t.Errorf("expected empty recorder after Reset")
	}
}

func TestResidualWrapsYaw(t *testing.T) {
	s := Sample{
		Displayed: mapview.Pose{X: 1, Y: 2, Yaw: math.Pi - 0.1},
		Target:    mapview.Pose{X: 1.5, Y: 1, Yaw: -math.Pi + 0.1},
	}
	dx, dy, dyaw := s.Residual()
	if !scalar.EqualWithinAbs(dx, 0.5, 1e-12) || !scalar.EqualWithinAbs(dy, -1, 1e-12) {
		t.Errorf("unexpected position residual (%v, %v)", dx, dy)
	}
	if !scalar.EqualWithinAbs(dyaw, 0.2, 1e-9) {
		t.Errorf("expected yaw residual 0.2 across the seam, got %v", dyaw)
	}
}

func TestSummarize(t *testing.T) {
	r := NewRecorder(10)
	if s := r.Summarize(); s.Samples != 0 {
		t.Errorf("expected empty summary, got %+v", s)
	}
	r.Record(t0, mapview.Pose{}, mapview.Pose{X: 3, Y: 4, Yaw: 0.5})
	r.Record(t0.Add(2*time.Second), mapview.Pose{X: 3}, mapview.Pose{X: 3, Yaw: -1})

	s := r.Summarize()
	if s.Samples != 2 {
		t.Errorf("expected 2 samples, got %d", s.Samples)
	}
	if s.Span != 2*time.Second {
		t.Errorf("expected span 2s, got %v", s.Span)
	}
	if !scalar.EqualWithinAbs(s.MaxPosition, 5, 1e-12) {
		t.Errorf("expected max position 5, got %v", s.MaxPosition)
	}
	if !scalar.EqualWithinAbs(s.MaxYaw, 1, 1e-12) {
		t.Errorf("expected max yaw 1, got %v", s.MaxYaw)
	}
}

func TestPlotEmpty(t *testing.T) {
	r := NewRecorder(4)
	if _, err := r.Plot(); err != ErrEmpty {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
	var buf bytes.Buffer
	if err := r.WritePNG(&buf, 4*vg.Inch, 3*vg.Inch); err != ErrEmpty {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
}

func TestWritePNG(t *testing.T) {
	r := NewRecorder(100)
	for i := 0; i < 50; i++ {
		at := t0.Add(time.Duration(i) * 33 * time.Millisecond)
		d := math.Exp(-float64(i) / 10)
		r.Record(at, mapview.Pose{X: 1 - d, Y: 0, Yaw: 0}, mapview.Pose{X: 1, Y: 0, Yaw: d})
	}

	var buf bytes.Buffer
	if err := r.WritePNG(&buf, 6*vg.Inch, 3*vg.Inch); err != nil {
		t.Fatalf("WritePNG failed: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		t.Errorf("expected a non-empty image, got %v", img.Bounds())
	}
}

func TestSave(t *testing.T) {
	r := NewRecorder(10)
	r.Record(t0, mapview.Pose{}, mapview.Pose{X: 1})
	r.Record(t0.Add(time.Second), mapview.Pose{X: 0.5}, mapview.Pose{X: 1})

	path := filepath.Join(t.TempDir(), "traces", "pose.png")
	if err := r.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected plot file: %v", err)
	}
	if info.Size() == 0 {
		t.Error("expected non-empty plot file")
	}
}
