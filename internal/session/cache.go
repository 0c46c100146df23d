package session

import (
	"errors"
	"sync"

	"github.com/banshee-data/operator.console/internal/mapstore"
	"github.com/banshee-data/operator.console/internal/mapview"
	"github.com/banshee-data/operator.console/internal/monitoring"
)

// MapStore persists static maps by name.
type MapStore interface {
	SaveStaticMap(name string, s mapview.GridSnapshot) error
	LoadStaticMap(name string) (mapview.GridSnapshot, error)
}

// StaticMapCache holds the last static map received in navigation mode so
// that returning to navigation can draw it before the robot republishes.
// With a store attached the map also survives restarts.
type StaticMapCache struct {
	mu    sync.Mutex
	name  string
	snap  *mapview.GridSnapshot
	store MapStore
	logf  func(format string, v ...interface{})
}

// NewStaticMapCache creates a cache for the map called name. store may be
// nil for a memory-only cache.
func NewStaticMapCache(name string, store MapStore) *StaticMapCache {
	return &StaticMapCache{name: name, store: store, logf: monitoring.Tagged("Session")}
}

// Name returns the key the map is stored under.
func (c *StaticMapCache) Name() string { return c.name }

// Put replaces the cached map. A store failure is logged and the memory
// copy is kept.
func (c *StaticMapCache) Put(s mapview.GridSnapshot) {
	cp := s
	cp.Cells = append([]int8(nil), s.Cells...)

	c.mu.Lock()
	c.snap = &cp
	store, name := c.store, c.name
	c.mu.Unlock()

	if store != nil {
		if err := store.SaveStaticMap(name, cp); err != nil {
			c.logf("failed to persist static map %q: %v", name, err)
		}
	}
}

// Get returns the cached map, loading it from the store on first use.
func (c *StaticMapCache) Get() (mapview.GridSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap != nil {
		return *c.snap, true
	}
	if c.store == nil {
		return mapview.GridSnapshot{}, false
	}
	s, err := c.store.LoadStaticMap(c.name)
	if err != nil {
		if !errors.Is(err, mapstore.ErrNotFound) {
			c.logf("failed to load static map %q: %v", c.name, err)
		}
		return mapview.GridSnapshot{}, false
	}
	c.snap = &s
	return s, true
}

// Clear drops the memory copy. Stored maps are left alone.
func (c *StaticMapCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = nil
}
