package mapstore

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/operator.console/internal/mapview"
	"github.com/banshee-data/operator.console/internal/monitoring"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
)

func init() {
	monitoring.SetLogger(nil)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "maps.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSnapshot(w, h int, version uint32) mapview.GridSnapshot {
	cells := make([]int8, w*h)
	for i := range cells {
		switch i % 3 {
		case 0:
			cells[i] = -1
		case 1:
			cells[i] = 0
		default:
			cells[i] = 100
		}
	}
	return mapview.GridSnapshot{
		Geometry: mapview.Geometry{
			Width:      w,
			Height:     h,
			Resolution: 0.05,
			Origin:     r2.Vec{X: -1.5, Y: 2.25},
			Version:    version,
		},
		Cells: cells,
	}
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openTestStore(t)
	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// a second run is a no-op
	require.NoError(t, s.MigrateUp())
}

func TestMigrateDownAndUp(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.MigrateTo(1))
	version, _, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, s.MigrateUp())
	version, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	want := testSnapshot(40, 25, 3)
	require.NoError(t, s.SaveStaticMap("warehouse", want))

	got, err := s.LoadStaticMap("warehouse")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadStaticMap mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveOverwrites(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveStaticMap("floor", testSnapshot(4, 4, 1)))
	second := testSnapshot(8, 2, 2)
	require.NoError(t, s.SaveStaticMap("floor", second))

	got, err := s.LoadStaticMap("floor")
	require.NoError(t, err)
	assert.Equal(t, 8, got.Width)
	assert.Equal(t, 2, got.Height)
	assert.Equal(t, uint32(2), got.Version)
	assert.Equal(t, second.Cells, got.Cells)

	maps, err := s.ListStaticMaps()
	require.NoError(t, err)
	assert.Len(t, maps, 1)
}

func TestLoadMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadStaticMap("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSaveRejectsBadSnapshots(t *testing.T) {
	s := openTestStore(t)

	bad := testSnapshot(4, 4, 1)
	bad.Cells = bad.Cells[:10]
	err := s.SaveStaticMap("bad", bad)
	assert.ErrorIs(t, err, mapview.ErrSizeMismatch)

	zero := testSnapshot(4, 4, 1)
	zero.Resolution = 0
	assert.ErrorIs(t, s.SaveStaticMap("zero", zero), mapview.ErrInvalidGeometry)

	assert.Error(t, s.SaveStaticMap("", testSnapshot(2, 2, 0)))
}

func TestListOrderAndDelete(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	require.NoError(t, s.SaveStaticMap("first", testSnapshot(2, 2, 1)))
	require.NoError(t, s.SaveStaticMap("second", testSnapshot(3, 3, 1)))
	require.NoError(t, s.SaveStaticMap("third", testSnapshot(4, 4, 1)))

	maps, err := s.ListStaticMaps()
	require.NoError(t, err)
	require.Len(t, maps, 3)
	assert.Equal(t, "third", maps[0].Name)
	assert.Equal(t, "second", maps[1].Name)
	assert.Equal(t, "first", maps[2].Name)
	assert.True(t, maps[0].UpdatedAt.Equal(base.Add(3*time.Minute)))
	assert.Greater(t, maps[0].Bytes, 0)

	require.NoError(t, s.DeleteStaticMap("second"))
	assert.ErrorIs(t, s.DeleteStaticMap("second"), ErrNotFound)

	maps, err = s.ListStaticMaps()
	require.NoError(t, err)
	assert.Len(t, maps, 2)
}

func TestDecodeCellsRejectsWrongLength(t *testing.T) {
	blob, err := encodeCells([]int8{1, 2, 3})
	require.NoError(t, err)
	_, err = decodeCells(blob, 4)
	assert.Error(t, err)
	_, err = decodeCells(blob, 2)
	assert.Error(t, err)

	cells, err := decodeCells(blob, 3)
	require.NoError(t, err)
	assert.Equal(t, []int8{1, 2, 3}, cells)
}

func TestAdminRoutes(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveStaticMap("dock", testSnapshot(5, 5, 9)))

	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/static-maps", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var maps []MapInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &maps))
	require.Len(t, maps, 1)
	assert.Equal(t, "dock", maps[0].Name)
	assert.Equal(t, uint32(9), maps[0].Version)

	req = httptest.NewRequest(http.MethodGet, "/debug/tailsql/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusNotFound, rec.Code)
}
