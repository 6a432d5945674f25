package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// BindFlags registers every command line flag on fs with c's current
// values as defaults.
func BindFlags(fs *pflag.FlagSet, c *Config) {
	fs.StringVar(&c.Host, "host", c.Host, "Collector host for labels, sync and uploads")
	fs.IntVar(&c.LabelPort, "label-port", c.LabelPort, "UDP port for event labels")
	fs.IntVar(&c.SyncPort, "sync-port", c.SyncPort, "UDP port for sync bursts")
	fs.IntVar(&c.UploadPort, "upload-port", c.UploadPort, "TCP port for artifact uploads")
	fs.IntVar(&c.StreamPort, "stream-port", c.StreamPort, "UDP port for paced stream traffic")
	fs.StringVar(&c.OutputDir, "output-dir", c.OutputDir, "Directory for capture artifacts")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Address for the Prometheus endpoint, empty to disable")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "Enable verbose logging")

	s := &c.Schedule
	fs.IntVar(&s.Idle.Min, "idle-min", s.Idle.Min, "Minimum idle duration in idle units")
	fs.IntVar(&s.Idle.Max, "idle-max", s.Idle.Max, "Maximum idle duration in idle units")
	fs.StringVar(&s.IdleUnit, "idle-unit", s.IdleUnit, "Idle unit: ms, s or m")
	fs.IntVar(&s.Capture.Min, "capture-min", s.Capture.Min, "Minimum capture duration in seconds")
	fs.IntVar(&s.Capture.Max, "capture-max", s.Capture.Max, "Maximum capture duration in seconds")
	fs.IntVar(&s.SyncInterval.Min, "sync-min", s.SyncInterval.Min, "Minimum interval between sync bursts in sync units")
	fs.IntVar(&s.SyncInterval.Max, "sync-max", s.SyncInterval.Max, "Maximum interval between sync bursts in sync units")
	fs.StringVar(&s.SyncUnit, "sync-unit", s.SyncUnit, "Sync interval unit: ms, s or m")
	fs.DurationVar(&s.SyncDuration, "sync-duration", s.SyncDuration, "Length of a sync burst, 0 to disable")
	fs.DurationVar(&s.Settle, "settle", s.Settle, "Settle delay around every sync burst, 0 skips the start-up sync")

	cam := &c.Camera
	fs.StringVar(&cam.Strategy, "capture-strategy", cam.Strategy, "Capture strategy: v4l2, synthetic, subprocess or none")
	fs.StringVar(&cam.Device, "device", cam.Device, "Path to the camera device")
	fs.IntVar(&cam.Width, "width", cam.Width, "Width of the captured frames")
	fs.IntVar(&cam.Height, "height", cam.Height, "Height of the captured frames")
	fs.IntVar(&cam.FPS, "fps", cam.FPS, "Frames per second")
	fs.StringVar(&cam.PixelFormat, "pixel-format", cam.PixelFormat, "Pixel format of the captured frames")
	fs.IntVar(&cam.Slots, "slots", cam.Slots, "Number of frame buffer slots")
	fs.StringVar(&cam.Command, "capture-cmd", cam.Command, "Command template for the subprocess strategy")
	fs.DurationVar(&cam.Grace, "capture-grace", cam.Grace, "Time the capture tool gets to finish after interruption")

	tr := &c.Traffic
	fs.BoolVar(&tr.Enabled, "traffic", tr.Enabled, "Stream paced traffic during idle and capture phases")
	fs.Float64Var(&tr.BaselineMbps, "base-mbps", tr.BaselineMbps, "Baseline stream bitrate in Mbps")
	fs.Float64Var(&tr.MotionMbps, "motion-mbps", tr.MotionMbps, "Bitrate during motion events in Mbps")
	fs.IntVar(&tr.PayloadSize, "packet-size", tr.PayloadSize, "Stream packet size in bytes")
	fs.DurationVar(&tr.Keepalive, "keepalive", tr.Keepalive, "Keepalive interval, 0 to disable")
	fs.IntVar(&tr.MotionInterval.Min, "motion-min", tr.MotionInterval.Min, "Minimum seconds between motion events")
	fs.IntVar(&tr.MotionInterval.Max, "motion-max", tr.MotionInterval.Max, "Maximum seconds between motion events")
	fs.IntVar(&tr.MotionDuration.Min, "motion-duration-min", tr.MotionDuration.Min, "Minimum length of a motion event in seconds")
	fs.IntVar(&tr.MotionDuration.Max, "motion-duration-max", tr.MotionDuration.Max, "Maximum length of a motion event in seconds")
}

// Parse builds the configuration from defaults, the optional --config file,
// the environment and finally args. Explicit flags win over the file.
func Parse(name string, args []string) (*Config, error) {
	scratch := NewDefaultConfig()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	path := fs.String("config", "", "Path to a YAML configuration file")
	BindFlags(fs, scratch)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := Load(*path)
	if err != nil {
		return nil, err
	}

	replay := pflag.NewFlagSet(name, pflag.ContinueOnError)
	BindFlags(replay, cfg)
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || err != nil {
			return
		}
		if serr := replay.Set(f.Name, f.Value.String()); serr != nil {
			err = fmt.Errorf("failed to apply flag --%s: %w", f.Name, serr)
		}
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
