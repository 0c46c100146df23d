// Package session binds the robot link to the map engine. It owns the
// topic subscriptions for the current operating mode and publishes goals
// picked on the map.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/banshee-data/operator.console/internal/mapview"
	"github.com/banshee-data/operator.console/internal/monitoring"
	"github.com/banshee-data/operator.console/internal/rosbridge"
	"github.com/banshee-data/operator.console/internal/timeutil"
)

var (
	ErrClosed      = errors.New("session closed")
	ErrNotStarted  = errors.New("session not started")
	ErrUnknownMode = errors.New("unknown operating mode")
)

// Mode is the robot operating mode.
type Mode string

const (
	// ModeSLAM draws a map being built: full maps plus incremental updates.
	ModeSLAM Mode = "slam"
	// ModeNav draws the fixed map used for navigation.
	ModeNav Mode = "nav"
)

// ParseMode parses "slam" or "nav".
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSLAM, ModeNav:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Topics names the robot topics a session uses.
type Topics struct {
	MapInfo   string
	MapUpdate string
	StaticMap string
	Odom      string
	Goal      string
}

// Bus is the topic transport, normally a *rosbridge.TopicMux.
type Bus interface {
	Subscribe(topic, msgType string) (string, <-chan json.RawMessage, error)
	Unsubscribe(id string)
	Publish(topic, msgType string, msg interface{}) error
}

// Viewer receives map and pose updates, normally a *mapview.Runner.
type Viewer interface {
	HandleSnapshot(mapview.GridSnapshot)
	HandlePatch(mapview.GridPatch)
	HandlePoseSample(mapview.PoseSample)
	ResetMap()
}

// Config wires a Controller.
type Config struct {
	Bus    Bus
	Viewer Viewer
	// Cache holds the navigation map across mode switches. A memory-only
	// cache is created when nil.
	Cache  *StaticMapCache
	Topics Topics
	Mode   Mode
	Clock  timeutil.Clock
	// OnModeChange, if set, is called after every mode switch.
	OnModeChange func(Mode)
}

// Controller is the parent session: it decides which map topics feed the
// viewer and publishes goals.
type Controller struct {
	bus          Bus
	viewer       Viewer
	cache        *StaticMapCache
	topics       Topics
	clock        timeutil.Clock
	onModeChange func(Mode)
	logf         func(format string, v ...interface{})

	mu      sync.Mutex
	ctx     context.Context
	mode    Mode
	started bool
	closed  bool

	mapSubs  []string
	mapStop  chan struct{}
	mapDone  chan struct{}
	odomSub  string
	odomDone chan struct{}
}

// NewController creates a controller. Nothing is subscribed until Start.
func NewController(cfg Config) *Controller {
	c := &Controller{
		bus:          cfg.Bus,
		viewer:       cfg.Viewer,
		cache:        cfg.Cache,
		topics:       cfg.Topics,
		clock:        cfg.Clock,
		onModeChange: cfg.OnModeChange,
		mode:         cfg.Mode,
		logf:         monitoring.Tagged("Session"),
	}
	if c.cache == nil {
		c.cache = NewStaticMapCache("default", nil)
	}
	if c.clock == nil {
		c.clock = timeutil.RealClock{}
	}
	if c.mode == "" {
		c.mode = ModeSLAM
	}
	return c
}

// Mode returns the current operating mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Cache returns the static map cache.
func (c *Controller) Cache() *StaticMapCache { return c.cache }

// Start subscribes to odometry and to the map topics of the configured
// mode. Message handling stops when ctx is cancelled or Close is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.ctx = ctx

	id, ch, err := c.bus.Subscribe(c.topics.Odom, rosbridge.TypeOdometry)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topics.Odom, err)
	}
	c.odomSub = id
	c.odomDone = make(chan struct{})
	go c.pumpOdom(ctx, ch, c.odomDone)

	if err := c.subscribeMapsLocked(c.mode); err != nil {
		c.bus.Unsubscribe(c.odomSub)
		<-c.odomDone
		return err
	}
	c.started = true
	c.logf("session started in %s mode", c.mode)
	return nil
}

// SwitchMode drops the current map subscriptions, clears the map and
// subscribes for mode. Entering navigation replays the cached static map
// straight away.
func (c *Controller) SwitchMode(mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.unsubscribeMapsLocked()
	c.viewer.ResetMap()
	c.mode = mode
	err := c.subscribeMapsLocked(mode)
	onChange := c.onModeChange
	c.mu.Unlock()

	if err != nil {
		return err
	}
	c.logf("switched to %s mode", mode)
	if onChange != nil {
		onChange(mode)
	}
	return nil
}

// subscribeMapsLocked starts the map pump for mode. c.mu must be held.
func (c *Controller) subscribeMapsLocked(mode Mode) error {
	var info, update <-chan json.RawMessage
	switch mode {
	case ModeSLAM:
		id, ch, err := c.bus.Subscribe(c.topics.MapInfo, rosbridge.TypeOccupancyGrid)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", c.topics.MapInfo, err)
		}
		c.mapSubs = append(c.mapSubs, id)
		info = ch

		id, ch, err = c.bus.Subscribe(c.topics.MapUpdate, rosbridge.TypeMapUpdate)
		if err != nil {
			c.unsubscribeMapsLocked()
			return fmt.Errorf("subscribe %s: %w", c.topics.MapUpdate, err)
		}
		c.mapSubs = append(c.mapSubs, id)
		update = ch

	case ModeNav:
		if s, ok := c.cache.Get(); ok {
			c.viewer.HandleSnapshot(s)
		}
		id, ch, err := c.bus.Subscribe(c.topics.StaticMap, rosbridge.TypeOccupancyGrid)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", c.topics.StaticMap, err)
		}
		c.mapSubs = append(c.mapSubs, id)
		info = ch
	}

	c.mapStop = make(chan struct{})
	c.mapDone = make(chan struct{})
	go c.pumpMaps(c.ctx, mode, info, update, c.mapStop, c.mapDone)
	return nil
}

// unsubscribeMapsLocked stops the map pump and waits for it. c.mu must be
// held.
func (c *Controller) unsubscribeMapsLocked() {
	if c.mapStop != nil {
		close(c.mapStop)
	}
	for _, id := range c.mapSubs {
		c.bus.Unsubscribe(id)
	}
	c.mapSubs = nil
	if c.mapDone != nil {
		<-c.mapDone
	}
	c.mapStop, c.mapDone = nil, nil
}

func (c *Controller) pumpMaps(ctx context.Context, mode Mode, info, update <-chan json.RawMessage, stop, done chan struct{}) {
	defer close(done)
	for info != nil || update != nil {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case raw, ok := <-info:
			if !ok {
				info = nil
				continue
			}
			c.handleGrid(mode, raw)
		case raw, ok := <-update:
			if !ok {
				update = nil
				continue
			}
			c.handleUpdate(raw)
		}
	}
}

func (c *Controller) handleGrid(mode Mode, raw json.RawMessage) {
	g, err := rosbridge.DecodeGrid(raw)
	if err != nil {
		c.logf("ignored map message: %v", err)
		return
	}
	s := g.Snapshot()
	if mode == ModeNav {
		c.cache.Put(s)
	}
	c.viewer.HandleSnapshot(s)
}

func (c *Controller) handleUpdate(raw json.RawMessage) {
	u, err := rosbridge.DecodeUpdate(raw)
	if err != nil {
		c.logf("ignored map update: %v", err)
		return
	}
	// the mapper only stamps real patches with a version
	if u.MapVersion == 0 {
		return
	}
	c.viewer.HandlePatch(u.Patch())
}

func (c *Controller) pumpOdom(ctx context.Context, ch <-chan json.RawMessage, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			s, err := rosbridge.PoseSampleFrom(raw)
			if err != nil {
				continue
			}
			c.viewer.HandlePoseSample(s)
		}
	}
}

// PublishGoal sends goal to the robot as a PoseStamped in the map frame.
func (c *Controller) PublishGoal(goal mapview.Goal) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg := rosbridge.GoalPoseStamped(goal, c.clock.Now())
	if err := c.bus.Publish(c.topics.Goal, rosbridge.TypePoseStamped, msg); err != nil {
		return fmt.Errorf("publish goal %s: %w", goal.ID, err)
	}
	c.logf("goal %s published: x=%.3f y=%.3f yaw=%.3f", goal.ID, goal.X, goal.Y, goal.Yaw)
	return nil
}

// Close drops every subscription and waits for the handlers to exit.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if !c.started {
		return nil
	}
	c.unsubscribeMapsLocked()
	c.bus.Unsubscribe(c.odomSub)
	<-c.odomDone
	c.logf("session closed")
	return nil
}
