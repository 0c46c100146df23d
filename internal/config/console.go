package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where the console looks for its config when no
// -config flag is given. A missing file at this path is not an error.
const DefaultConfigPath = "config/console.yaml"

// ConsoleConfig is the root configuration for the operator console. Every
// field is optional; the Get* accessors supply defaults for nil fields, so a
// partial file is always safe.
type ConsoleConfig struct {
	// HTTP and gRPC surfaces
	ListenAddr *string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty" mapstructure:"listen_addr"`
	GRPCAddr   *string `json:"grpc_addr,omitempty" yaml:"grpc_addr,omitempty" mapstructure:"grpc_addr"`

	// Robot link. SerialPort takes precedence over LinkURL when set.
	LinkURL        *string `json:"link_url,omitempty" yaml:"link_url,omitempty" mapstructure:"link_url"`
	SerialPort     *string `json:"serial_port,omitempty" yaml:"serial_port,omitempty" mapstructure:"serial_port"`
	SerialBaud     *int    `json:"serial_baud,omitempty" yaml:"serial_baud,omitempty" mapstructure:"serial_baud"`
	ReconnectDelay *string `json:"reconnect_delay,omitempty" yaml:"reconnect_delay,omitempty" mapstructure:"reconnect_delay"` // duration string like "3s"

	// Topics
	MapInfoTopic   *string `json:"map_info_topic,omitempty" yaml:"map_info_topic,omitempty" mapstructure:"map_info_topic"`
	MapUpdateTopic *string `json:"map_update_topic,omitempty" yaml:"map_update_topic,omitempty" mapstructure:"map_update_topic"`
	StaticMapTopic *string `json:"static_map_topic,omitempty" yaml:"static_map_topic,omitempty" mapstructure:"static_map_topic"`
	OdomTopic      *string `json:"odom_topic,omitempty" yaml:"odom_topic,omitempty" mapstructure:"odom_topic"`
	GoalTopic      *string `json:"goal_topic,omitempty" yaml:"goal_topic,omitempty" mapstructure:"goal_topic"`

	// Session
	Mode          *string `json:"mode,omitempty" yaml:"mode,omitempty" mapstructure:"mode"`
	StaticMapName *string `json:"static_map_name,omitempty" yaml:"static_map_name,omitempty" mapstructure:"static_map_name"`
	DatabasePath  *string `json:"database_path,omitempty" yaml:"database_path,omitempty" mapstructure:"database_path"`

	// Rendering and interaction
	FrameRate      *int     `json:"frame_rate,omitempty" yaml:"frame_rate,omitempty" mapstructure:"frame_rate"`
	ViewportWidth  *int     `json:"viewport_width,omitempty" yaml:"viewport_width,omitempty" mapstructure:"viewport_width"`
	ViewportHeight *int     `json:"viewport_height,omitempty" yaml:"viewport_height,omitempty" mapstructure:"viewport_height"`
	ZoomStep       *float64 `json:"zoom_step,omitempty" yaml:"zoom_step,omitempty" mapstructure:"zoom_step"`
	MinScale       *float64 `json:"min_scale,omitempty" yaml:"min_scale,omitempty" mapstructure:"min_scale"`
	MaxScale       *float64 `json:"max_scale,omitempty" yaml:"max_scale,omitempty" mapstructure:"max_scale"`
	RotateGain     *float64 `json:"rotate_gain,omitempty" yaml:"rotate_gain,omitempty" mapstructure:"rotate_gain"`

	// Pose smoothing
	SmoothBase        *float64 `json:"smooth_base,omitempty" yaml:"smooth_base,omitempty" mapstructure:"smooth_base"`
	SmoothPeriod      *string  `json:"smooth_period,omitempty" yaml:"smooth_period,omitempty" mapstructure:"smooth_period"`
	SnapDistance      *float64 `json:"snap_distance,omitempty" yaml:"snap_distance,omitempty" mapstructure:"snap_distance"`
	SnapYaw           *float64 `json:"snap_yaw,omitempty" yaml:"snap_yaw,omitempty" mapstructure:"snap_yaw"`
	PoseTraceCapacity *int     `json:"pose_trace_capacity,omitempty" yaml:"pose_trace_capacity,omitempty" mapstructure:"pose_trace_capacity"`
}

func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// EmptyConfig returns a ConsoleConfig with all fields set to nil.
func EmptyConfig() *ConsoleConfig {
	return &ConsoleConfig{}
}

// Load reads a YAML or JSON config file through viper. The format is chosen
// from the file extension.
func Load(path string) (*ConsoleConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.TrimPrefix(filepath.Ext(cleanPath), ".")
	switch ext {
	case "yaml", "yml", "json":
	default:
		return nil, fmt.Errorf("config file must be .yaml, .yml or .json, got %q", filepath.Ext(cleanPath))
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	vp := viper.New()
	vp.SetConfigFile(cleanPath)
	vp.SetConfigType(ext)
	if err := vp.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := vp.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to an empty config when path is the
// default location and no file exists there.
func LoadOrDefault(path string) (*ConsoleConfig, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && path == DefaultConfigPath {
		return EmptyConfig(), nil
	}
	return Load(path)
}

// Validate checks that the configuration values are valid.
func (c *ConsoleConfig) Validate() error {
	if c.ReconnectDelay != nil && *c.ReconnectDelay != "" {
		if _, err := time.ParseDuration(*c.ReconnectDelay); err != nil {
			return fmt.Errorf("invalid reconnect_delay '%s': %w", *c.ReconnectDelay, err)
		}
	}
	if c.SmoothPeriod != nil && *c.SmoothPeriod != "" {
		if d, err := time.ParseDuration(*c.SmoothPeriod); err != nil {
			return fmt.Errorf("invalid smooth_period '%s': %w", *c.SmoothPeriod, err)
		} else if d <= 0 {
			return fmt.Errorf("smooth_period must be positive, got %s", d)
		}
	}
	if c.Mode != nil && *c.Mode != "slam" && *c.Mode != "nav" {
		return fmt.Errorf("mode must be slam or nav, got %q", *c.Mode)
	}
	if c.FrameRate != nil && (*c.FrameRate < 1 || *c.FrameRate > 120) {
		return fmt.Errorf("frame_rate must be between 1 and 120, got %d", *c.FrameRate)
	}
	if c.ViewportWidth != nil && *c.ViewportWidth < 1 {
		return fmt.Errorf("viewport_width must be positive, got %d", *c.ViewportWidth)
	}
	if c.ViewportHeight != nil && *c.ViewportHeight < 1 {
		return fmt.Errorf("viewport_height must be positive, got %d", *c.ViewportHeight)
	}
	if c.ZoomStep != nil && *c.ZoomStep <= 1 {
		return fmt.Errorf("zoom_step must be greater than 1, got %f", *c.ZoomStep)
	}
	if c.GetMinScale() <= 0 {
		return fmt.Errorf("min_scale must be positive, got %f", c.GetMinScale())
	}
	if c.GetMinScale() > 1 || c.GetMaxScale() < 1 {
		return fmt.Errorf("scale bounds [%f, %f] must contain 1", c.GetMinScale(), c.GetMaxScale())
	}
	if c.SmoothBase != nil && (*c.SmoothBase <= 0 || *c.SmoothBase >= 1) {
		return fmt.Errorf("smooth_base must be between 0 and 1 exclusive, got %f", *c.SmoothBase)
	}
	if c.SerialBaud != nil && *c.SerialBaud <= 0 {
		return fmt.Errorf("serial_baud must be positive, got %d", *c.SerialBaud)
	}
	if c.PoseTraceCapacity != nil && *c.PoseTraceCapacity < 0 {
		return fmt.Errorf("pose_trace_capacity must be non-negative, got %d", *c.PoseTraceCapacity)
	}
	return nil
}

// Effective returns a copy with every field populated from its accessor.
func (c *ConsoleConfig) Effective() *ConsoleConfig {
	return &ConsoleConfig{
		ListenAddr:        ptrString(c.GetListenAddr()),
		GRPCAddr:          ptrString(c.GetGRPCAddr()),
		LinkURL:           ptrString(c.GetLinkURL()),
		SerialPort:        ptrString(c.GetSerialPort()),
		SerialBaud:        ptrInt(c.GetSerialBaud()),
		ReconnectDelay:    ptrString(c.GetReconnectDelay().String()),
		MapInfoTopic:      ptrString(c.GetMapInfoTopic()),
		MapUpdateTopic:    ptrString(c.GetMapUpdateTopic()),
		StaticMapTopic:    ptrString(c.GetStaticMapTopic()),
		OdomTopic:         ptrString(c.GetOdomTopic()),
		GoalTopic:         ptrString(c.GetGoalTopic()),
		Mode:              ptrString(c.GetMode()),
		StaticMapName:     ptrString(c.GetStaticMapName()),
		DatabasePath:      ptrString(c.GetDatabasePath()),
		FrameRate:         ptrInt(c.GetFrameRate()),
		ViewportWidth:     ptrInt(c.GetViewportWidth()),
		ViewportHeight:    ptrInt(c.GetViewportHeight()),
		ZoomStep:          ptrFloat64(c.GetZoomStep()),
		MinScale:          ptrFloat64(c.GetMinScale()),
		MaxScale:          ptrFloat64(c.GetMaxScale()),
		RotateGain:        ptrFloat64(c.GetRotateGain()),
		SmoothBase:        ptrFloat64(c.GetSmoothBase()),
		SmoothPeriod:      ptrString(c.GetSmoothPeriod().String()),
		SnapDistance:      ptrFloat64(c.GetSnapDistance()),
		SnapYaw:           ptrFloat64(c.GetSnapYaw()),
		PoseTraceCapacity: ptrInt(c.GetPoseTraceCapacity()),
	}
}

// WriteYAML renders the effective configuration as YAML.
func (c *ConsoleConfig) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Effective()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

// GetListenAddr returns the HTTP listen address.
func (c *ConsoleConfig) GetListenAddr() string { return stringOr(c.ListenAddr, ":8080") }

// GetGRPCAddr returns the events gRPC listen address. Empty disables it.
func (c *ConsoleConfig) GetGRPCAddr() string {
	if c.GRPCAddr == nil {
		return "localhost:50061"
	}
	return *c.GRPCAddr
}

// GetLinkURL returns the rosbridge websocket URL.
func (c *ConsoleConfig) GetLinkURL() string { return stringOr(c.LinkURL, "ws://localhost:9090") }

// GetSerialPort returns the serial device path, empty when unset.
func (c *ConsoleConfig) GetSerialPort() string { return stringOr(c.SerialPort, "") }

// GetSerialBaud returns the serial baud rate.
func (c *ConsoleConfig) GetSerialBaud() int {
	if c.SerialBaud == nil {
		return 115200
	}
	return *c.SerialBaud
}

// GetReconnectDelay returns the delay between link reconnect attempts.
func (c *ConsoleConfig) GetReconnectDelay() time.Duration {
	return durationOr(c.ReconnectDelay, 3*time.Second)
}

// GetMapInfoTopic returns the topic carrying full occupancy grids.
func (c *ConsoleConfig) GetMapInfoTopic() string { return stringOr(c.MapInfoTopic, "/map") }

// GetMapUpdateTopic returns the topic carrying compressed grid patches.
func (c *ConsoleConfig) GetMapUpdateTopic() string {
	return stringOr(c.MapUpdateTopic, "/map_updates")
}

// GetStaticMapTopic returns the topic carrying the navigation map.
func (c *ConsoleConfig) GetStaticMapTopic() string {
	return stringOr(c.StaticMapTopic, "/static_map")
}

// GetOdomTopic returns the odometry topic.
func (c *ConsoleConfig) GetOdomTopic() string { return stringOr(c.OdomTopic, "/odom") }

// GetGoalTopic returns the topic goals are published on.
func (c *ConsoleConfig) GetGoalTopic() string { return stringOr(c.GoalTopic, "/goal_pose") }

// GetMode returns the initial operating mode.
func (c *ConsoleConfig) GetMode() string { return stringOr(c.Mode, "slam") }

// GetStaticMapName returns the cache key for the navigation map.
func (c *ConsoleConfig) GetStaticMapName() string { return stringOr(c.StaticMapName, "default") }

// GetDatabasePath returns the map cache database path. Empty keeps the cache
// in memory only.
func (c *ConsoleConfig) GetDatabasePath() string {
	if c.DatabasePath == nil {
		return "console_maps.db"
	}
	return *c.DatabasePath
}

// GetFrameRate returns the render loop rate in frames per second.
func (c *ConsoleConfig) GetFrameRate() int {
	if c.FrameRate == nil {
		return 30
	}
	return *c.FrameRate
}

// GetFrameInterval returns the render loop period.
func (c *ConsoleConfig) GetFrameInterval() time.Duration {
	return time.Second / time.Duration(c.GetFrameRate())
}

// GetViewportWidth returns the initial viewport width in pixels.
func (c *ConsoleConfig) GetViewportWidth() int {
	if c.ViewportWidth == nil {
		return 800
	}
	return *c.ViewportWidth
}

// GetViewportHeight returns the initial viewport height in pixels.
func (c *ConsoleConfig) GetViewportHeight() int {
	if c.ViewportHeight == nil {
		return 600
	}
	return *c.ViewportHeight
}

// GetZoomStep returns the multiplicative zoom applied per wheel notch.
func (c *ConsoleConfig) GetZoomStep() float64 {
	if c.ZoomStep == nil {
		return 1.1
	}
	return *c.ZoomStep
}

// GetMinScale returns the lower zoom bound.
func (c *ConsoleConfig) GetMinScale() float64 {
	if c.MinScale == nil {
		return 0.1
	}
	return *c.MinScale
}

// GetMaxScale returns the upper zoom bound.
func (c *ConsoleConfig) GetMaxScale() float64 {
	if c.MaxScale == nil {
		return 20
	}
	return *c.MaxScale
}

// GetRotateGain returns radians of view rotation per pixel of drag.
func (c *ConsoleConfig) GetRotateGain() float64 {
	if c.RotateGain == nil {
		return 0.005
	}
	return *c.RotateGain
}

// GetSmoothBase returns the per-step pose smoothing fraction.
func (c *ConsoleConfig) GetSmoothBase() float64 {
	if c.SmoothBase == nil {
		return 0.03
	}
	return *c.SmoothBase
}

// GetSmoothPeriod returns the time that counts as one smoothing unit.
func (c *ConsoleConfig) GetSmoothPeriod() time.Duration {
	return durationOr(c.SmoothPeriod, 750*time.Millisecond)
}

// GetSnapDistance returns the residual distance below which the displayed
// pose snaps onto the target.
func (c *ConsoleConfig) GetSnapDistance() float64 {
	if c.SnapDistance == nil {
		return 0.0003
	}
	return *c.SnapDistance
}

// GetSnapYaw returns the residual heading below which the displayed pose
// snaps onto the target.
func (c *ConsoleConfig) GetSnapYaw() float64 {
	if c.SnapYaw == nil {
		return 0.001
	}
	return *c.SnapYaw
}

// GetPoseTraceCapacity returns how many pose samples the trace keeps.
func (c *ConsoleConfig) GetPoseTraceCapacity() int {
	if c.PoseTraceCapacity == nil {
		return 600
	}
	return *c.PoseTraceCapacity
}
