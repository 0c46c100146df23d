package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyConfig()

	if cfg.GetListenAddr() != ":8080" {
		t.Errorf("expected :8080, got %q", cfg.GetListenAddr())
	}
	if cfg.GetReconnectDelay() != 3*time.Second {
		t.Errorf("expected 3s reconnect delay, got %v", cfg.GetReconnectDelay())
	}
	if cfg.GetZoomStep() != 1.1 {
		t.Errorf("expected zoom step 1.1, got %f", cfg.GetZoomStep())
	}
	if cfg.GetMinScale() != 0.1 || cfg.GetMaxScale() != 20 {
		t.Errorf("expected scale bounds [0.1, 20], got [%f, %f]", cfg.GetMinScale(), cfg.GetMaxScale())
	}
	if cfg.GetSmoothPeriod() != 750*time.Millisecond {
		t.Errorf("expected 750ms smoothing period, got %v", cfg.GetSmoothPeriod())
	}
	if cfg.GetMode() != "slam" {
		t.Errorf("expected slam mode, got %q", cfg.GetMode())
	}
	if cfg.GetFrameInterval() != time.Second/30 {
		t.Errorf("expected 30 fps interval, got %v", cfg.GetFrameInterval())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config should validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.yaml")
	content := `
listen_addr: ":9000"
link_url: "ws://robot.local:9090"
reconnect_delay: "500ms"
mode: nav
frame_rate: 20
zoom_step: 1.25
odom_topic: /robot/odom
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.GetListenAddr())
	assert.Equal(t, "ws://robot.local:9090", cfg.GetLinkURL())
	assert.Equal(t, 500*time.Millisecond, cfg.GetReconnectDelay())
	assert.Equal(t, "nav", cfg.GetMode())
	assert.Equal(t, 20, cfg.GetFrameRate())
	assert.Equal(t, 1.25, cfg.GetZoomStep())
	assert.Equal(t, "/robot/odom", cfg.GetOdomTopic())
	// untouched fields keep defaults
	assert.Equal(t, "/goal_pose", cfg.GetGoalTopic())
	assert.Nil(t, cfg.SerialPort)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.json")
	content := `{"serial_port": "/dev/ttyUSB0", "serial_baud": 57600, "max_scale": 8}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", cfg.GetSerialPort())
	assert.Equal(t, 57600, cfg.GetSerialBaud())
	assert.Equal(t, 8.0, cfg.GetMaxScale())
}

func TestLoadRejects(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"extension", "console.toml", "mode = 'nav'", "must be .yaml"},
		{"mode", "bad_mode.yaml", "mode: explore", "mode must be slam or nav"},
		{"duration", "bad_delay.yaml", "reconnect_delay: soon", "invalid reconnect_delay"},
		{"zoom step", "bad_zoom.yaml", "zoom_step: 0.9", "zoom_step must be greater than 1"},
		{"scale bounds", "bad_bounds.yaml", "min_scale: 2", "must contain 1"},
		{"frame rate", "bad_rate.yaml", "frame_rate: 0", "frame_rate must be between"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadOrDefault_MissingDefaultPath(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer os.Chdir(wd)

	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.GetListenAddr())
}

func TestWriteYAML_RoundTripsThroughLoad(t *testing.T) {
	cfg := EmptyConfig()
	cfg.Mode = ptrString("nav")
	cfg.FrameRate = ptrInt(12)

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteYAML(&buf))
	if !strings.Contains(buf.String(), "mode: nav") {
		t.Errorf("expected mode in output, got:\n%s", buf.String())
	}

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "3s", decoded["reconnect_delay"])

	path := filepath.Join(t.TempDir(), "effective.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, loaded.GetFrameRate())
	assert.Equal(t, "nav", loaded.GetMode())
	assert.Equal(t, 0.005, loaded.GetRotateGain())
}
