// This file is part of the SmartCam Emulator package.
// Deals with configurations and settings for the emulator.
// It is licensed under the MIT License.
package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"smartcam_system/internal/capture"
	"smartcam_system/internal/timing"
)

// EnvDeviceID overrides the device id stamped on every event record.
const EnvDeviceID = "SMARTCAM_DEVICE_ID"

// MaxFPS bounds the requested frame rate.
const MaxFPS = 1000

// Capture strategies.
const (
	StrategyV4L2       = "v4l2"
	StrategySynthetic  = "synthetic"
	StrategySubprocess = "subprocess"
	StrategyNone       = "none"
)

type Config struct {
	DeviceID    string `yaml:"device_id"`
	Host        string `yaml:"host"`
	LabelPort   int    `yaml:"label_port"`
	SyncPort    int    `yaml:"sync_port"`
	UploadPort  int    `yaml:"upload_port"`
	StreamPort  int    `yaml:"stream_port"`
	OutputDir   string `yaml:"output_dir"`
	MetricsAddr string `yaml:"metrics_addr"`
	Verbose     bool   `yaml:"verbose"`

	Schedule ScheduleConfig `yaml:"schedule"`
	Camera   CameraConfig   `yaml:"camera"`
	Traffic  TrafficConfig  `yaml:"traffic"`
	Upload   UploadConfig   `yaml:"upload"`
}

// ScheduleConfig drives the phase loop. Idle and sync intervals are in
// IdleUnit and SyncUnit (ms, s or m); capture durations are in seconds. A
// zero SyncDuration disables sync bursts.
type ScheduleConfig struct {
	Idle         timing.Range  `yaml:"idle"`
	IdleUnit     string        `yaml:"idle_unit"`
	Capture      timing.Range  `yaml:"capture"`
	SyncInterval timing.Range  `yaml:"sync_interval"`
	SyncUnit     string        `yaml:"sync_unit"`
	SyncDuration time.Duration `yaml:"sync_duration"`
	Settle       time.Duration `yaml:"settle"`
}

// CameraConfig selects and tunes the capture strategy. Command is only used
// by the subprocess strategy.
type CameraConfig struct {
	Strategy    string        `yaml:"strategy"`
	Device      string        `yaml:"device"`
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	FPS         int           `yaml:"fps"`
	PixelFormat string        `yaml:"pixel_format"`
	Slots       int           `yaml:"slots"`
	Command     string        `yaml:"command"`
	Grace       time.Duration `yaml:"grace"`
}

// TrafficConfig enables paced streaming during idle and capture phases. Motion ranges
// are in seconds.
type TrafficConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BaselineMbps   float64       `yaml:"baseline_mbps"`
	MotionMbps     float64       `yaml:"motion_mbps"`
	PayloadSize    int           `yaml:"payload_size"`
	Keepalive      time.Duration `yaml:"keepalive"`
	MotionInterval timing.Range  `yaml:"motion_interval"`
	MotionDuration timing.Range  `yaml:"motion_duration"`
}

type UploadConfig struct {
	ChunkSize   int           `yaml:"chunk_size"`
	Jitter      timing.Range  `yaml:"jitter_ms"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// NewDefaultConfig returns a config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Host:       "127.0.0.1",
		LabelPort:  9000,
		SyncPort:   9001,
		UploadPort: 9000,
		StreamPort: 9002,
		OutputDir:  os.TempDir(),
		Schedule: ScheduleConfig{
			Idle:         timing.Range{Min: 10, Max: 30},
			IdleUnit:     "s",
			Capture:      timing.Range{Min: 3, Max: 7},
			SyncInterval: timing.Range{Min: 30, Max: 40},
			SyncUnit:     "m",
			SyncDuration: 1500 * time.Millisecond,
			Settle:       2 * time.Second,
		},
		Camera: CameraConfig{
			Strategy:    StrategyV4L2,
			Device:      "/dev/video0",
			Width:       640,
			Height:      480,
			FPS:         30,
			PixelFormat: "YUYV",
			Slots:       4,
			Command:     capture.DefaultCommand,
			Grace:       capture.DefaultGrace,
		},
		Traffic: TrafficConfig{
			BaselineMbps:   2.5,
			MotionMbps:     5.0,
			PayloadSize:    1200,
			Keepalive:      30 * time.Second,
			MotionInterval: timing.Range{Min: 600, Max: 7200},
			MotionDuration: timing.Range{Min: 10, Max: 30},
		},
		Upload: UploadConfig{
			ChunkSize:   4096,
			Jitter:      timing.Range{Min: 2, Max: 6},
			DialTimeout: 5 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults and applies the environment.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.DeviceID = getEnvString(EnvDeviceID, cfg.DeviceID)
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	for name, port := range map[string]int{
		"label_port":  c.LabelPort,
		"sync_port":   c.SyncPort,
		"upload_port": c.UploadPort,
		"stream_port": c.StreamPort,
	} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	if _, err := timing.ParseUnit(c.Schedule.IdleUnit); err != nil {
		errs = append(errs, fmt.Errorf("schedule.idle_unit: %w", err))
	}
	if _, err := timing.ParseUnit(c.Schedule.SyncUnit); err != nil {
		errs = append(errs, fmt.Errorf("schedule.sync_unit: %w", err))
	}
	idleUnit, syncUnit := c.Units()
	errs = append(errs,
		checkRange("schedule.idle", c.Schedule.Idle, idleUnit),
		checkRange("schedule.capture", c.Schedule.Capture, time.Second),
		checkRange("schedule.sync_interval", c.Schedule.SyncInterval, syncUnit),
	)
	if c.Schedule.SyncDuration < 0 || c.Schedule.Settle < 0 {
		errs = append(errs, errors.New("sync_duration and settle must not be negative"))
	}

	switch c.Camera.Strategy {
	case StrategyV4L2, StrategySynthetic:
		if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
			errs = append(errs, fmt.Errorf("invalid frame size %dx%d", c.Camera.Width, c.Camera.Height))
		}
		if c.Camera.Slots < 1 {
			errs = append(errs, errors.New("camera.slots must be at least 1"))
		}
		if c.Camera.FPS < 0 || c.Camera.FPS > MaxFPS {
			errs = append(errs, fmt.Errorf("camera.fps %d outside 0..%d", c.Camera.FPS, MaxFPS))
		}
	case StrategySubprocess:
		if c.Camera.Command == "" {
			errs = append(errs, errors.New("camera.command is required for the subprocess strategy"))
		}
	case StrategyNone:
		if !c.Traffic.Enabled {
			errs = append(errs, errors.New("strategy none needs traffic enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown capture strategy %q", c.Camera.Strategy))
	}
	if c.Camera.Strategy != StrategyNone && c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}

	if c.Traffic.Enabled {
		if c.Traffic.PayloadSize < 64 {
			errs = append(errs, fmt.Errorf("traffic.payload_size %d below 64", c.Traffic.PayloadSize))
		}
		if c.Traffic.BaselineMbps < 0 || c.Traffic.MotionMbps < 0 {
			errs = append(errs, errors.New("traffic rates must not be negative"))
		}
		errs = append(errs,
			checkRange("traffic.motion_interval", c.Traffic.MotionInterval, time.Second),
			checkRange("traffic.motion_duration", c.Traffic.MotionDuration, time.Second),
		)
	}
	return errors.Join(errs...)
}

// checkRange rejects negative bounds and bounds that overflow a
// time.Duration in unit. A zero unit means the unit itself was invalid.
func checkRange(name string, r timing.Range, unit time.Duration) error {
	if r.Min < 0 || r.Max < 0 {
		return fmt.Errorf("%s %s must not be negative", name, r)
	}
	if unit > 0 && (int64(r.Min) > math.MaxInt64/int64(unit) || int64(r.Max) > math.MaxInt64/int64(unit)) {
		return fmt.Errorf("%s %s is too large", name, r)
	}
	return nil
}

// Units resolves the configured unit names. Call after Validate.
func (c *Config) Units() (idle, sync time.Duration) {
	idle, _ = timing.ParseUnit(c.Schedule.IdleUnit)
	sync, _ = timing.ParseUnit(c.Schedule.SyncUnit)
	return idle, sync
}

func (c *Config) LabelAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.LabelPort))
}

func (c *Config) SyncAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.SyncPort))
}

func (c *Config) UploadAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.UploadPort))
}

func (c *Config) StreamAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.StreamPort))
}

func getEnvString(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
