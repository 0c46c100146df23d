// Package mapstore keeps static navigation maps in a local sqlite database
// so the console can draw the last known map right after a restart.
package mapstore

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/banshee-data/operator.console/internal/mapview"
	"github.com/banshee-data/operator.console/internal/monitoring"
	"github.com/klauspost/compress/zlib"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

// ErrNotFound is returned when no map is stored under a name.
var ErrNotFound = errors.New("static map not found")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// Store is the static map database.
type Store struct {
	*sql.DB
	path string
	now  func() time.Time
	logf func(format string, v ...interface{})
}

// MapInfo describes a stored map without its cells.
type MapInfo struct {
	Name       string    `json:"name"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Resolution float64   `json:"resolution"`
	OriginX    float64   `json:"origin_x"`
	OriginY    float64   `json:"origin_y"`
	Version    uint32    `json:"map_version"`
	Bytes      int       `json:"bytes"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Open opens or creates the database at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	s := &Store{DB: db, path: path, now: time.Now, logf: monitoring.Tagged("MapStore")}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func encodeCells(cells []int8) ([]byte, error) {
	raw := make([]byte, len(cells))
	for i, v := range cells {
		raw[i] = byte(v)
	}
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeCells(blob []byte, n int) ([]int8, error) {
	zr, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	raw, err := io.ReadAll(io.LimitReader(zr, int64(n)+1))
	if err != nil {
		return nil, err
	}
	if len(raw) != n {
		return nil, fmt.Errorf("stored cells: got %d, want %d", len(raw), n)
	}
	cells := make([]int8, n)
	for i, b := range raw {
		cells[i] = int8(b)
	}
	return cells, nil
}

// SaveStaticMap stores snap under name, replacing any previous map.
func (s *Store) SaveStaticMap(name string, snap mapview.GridSnapshot) error {
	if name == "" {
		return errors.New("map name is required")
	}
	if err := snap.Geometry.Validate(); err != nil {
		return err
	}
	if len(snap.Cells) != snap.Width*snap.Height {
		return fmt.Errorf("%w: %d cells for %dx%d", mapview.ErrSizeMismatch, len(snap.Cells), snap.Width, snap.Height)
	}
	blob, err := encodeCells(snap.Cells)
	if err != nil {
		return fmt.Errorf("failed to compress cells: %w", err)
	}

	_, err = s.Exec(
		`INSERT INTO static_maps (
			name, width, height, resolution, origin_x, origin_y, map_version, cells, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			width = excluded.width,
			height = excluded.height,
			resolution = excluded.resolution,
			origin_x = excluded.origin_x,
			origin_y = excluded.origin_y,
			map_version = excluded.map_version,
			cells = excluded.cells,
			updated_at = excluded.updated_at`,
		name, snap.Width, snap.Height, snap.Resolution, snap.Origin.X, snap.Origin.Y,
		snap.Version, blob, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save static map %q: %w", name, err)
	}
	s.logf("saved static map %q %dx%d (%d bytes)", name, snap.Width, snap.Height, len(blob))
	return nil
}

// LoadStaticMap returns the map stored under name.
func (s *Store) LoadStaticMap(name string) (mapview.GridSnapshot, error) {
	var (
		snap    mapview.GridSnapshot
		blob    []byte
		version int64
	)
	err := s.QueryRow(
		`SELECT width, height, resolution, origin_x, origin_y, map_version, cells
		FROM static_maps WHERE name = ?`, name,
	).Scan(&snap.Width, &snap.Height, &snap.Resolution, &snap.Origin.X, &snap.Origin.Y, &version, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, ErrNotFound
	}
	if err != nil {
		return snap, fmt.Errorf("failed to load static map %q: %w", name, err)
	}
	snap.Version = uint32(version)

	snap.Cells, err = decodeCells(blob, snap.Width*snap.Height)
	if err != nil {
		return mapview.GridSnapshot{}, fmt.Errorf("static map %q is corrupt: %w", name, err)
	}
	return snap, nil
}

// ListStaticMaps returns every stored map, most recently updated first.
func (s *Store) ListStaticMaps() ([]MapInfo, error) {
	rows, err := s.Query(
		`SELECT name, width, height, resolution, origin_x, origin_y, map_version, length(cells), updated_at
		FROM static_maps ORDER BY updated_at DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var maps []MapInfo
	for rows.Next() {
		var (
			info    MapInfo
			version int64
			updated int64
		)
		if err := rows.Scan(&info.Name, &info.Width, &info.Height, &info.Resolution,
			&info.OriginX, &info.OriginY, &version, &info.Bytes, &updated); err != nil {
			return nil, err
		}
		info.Version = uint32(version)
		info.UpdatedAt = time.UnixMilli(updated)
		maps = append(maps, info)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return maps, nil
}

// DeleteStaticMap removes the map stored under name.
func (s *Store) DeleteStaticMap(name string) error {
	res, err := s.Exec(`DELETE FROM static_maps WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachAdminRoutes mounts a map listing and a tailsql console for the
// database under /debug/.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("static-maps", "Stored static maps", func(w http.ResponseWriter, r *http.Request) {
		maps, err := s.ListStaticMaps()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to list maps: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(maps)
	})

	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Printf("[MapStore] tailsql disabled: %v", err)
		return
	}
	tsql.SetDB("sqlite://"+s.path, s.DB, &tailsql.DBOptions{
		Label: "Map cache",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
}
