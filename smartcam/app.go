// This file is part of the SmartCam Emulator package.
// Wires the configured components into the phase scheduler.
// It is licensed under the MIT License.
package main

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"smartcam_system/internal/capture"
	"smartcam_system/internal/config"
	"smartcam_system/internal/events"
	"smartcam_system/internal/framering"
	"smartcam_system/internal/metrics"
	"smartcam_system/internal/pacer"
	"smartcam_system/internal/scheduler"
	"smartcam_system/internal/upload"
)

type app struct {
	scheduler *scheduler.Scheduler
	closers   []func() error
	closeOnce sync.Once
}

func newApp(cfg *config.Config, logger *zap.SugaredLogger, m *metrics.Metrics) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	emitter, err := events.NewEmitter(cfg.LabelAddr(), cfg.DeviceID, logger, m)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, emitter.Close)

	deps := scheduler.Deps{
		Notifier: emitter,
		Marker:   emitter,
		Logger:   logger,
		Metrics:  m,
	}

	if cfg.Schedule.SyncDuration > 0 {
		syncer, err := events.NewSyncer(cfg.SyncAddr(), cfg.DeviceID, logger, m)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, syncer.Close)
		deps.Syncer = syncer
	}

	strategy, err := newStrategy(cfg, logger, m)
	if err != nil {
		return nil, err
	}
	if strategy != nil {
		deps.Capture = strategy
		deps.Uploader = upload.NewUploader(cfg.UploadAddr(), upload.Options{
			ChunkSize:   cfg.Upload.ChunkSize,
			Jitter:      cfg.Upload.Jitter,
			DialTimeout: cfg.Upload.DialTimeout,
		}, logger, m)
	}

	if cfg.Traffic.Enabled {
		conn, err := net.Dial("udp", cfg.StreamAddr())
		if err != nil {
			return nil, fmt.Errorf("failed to open stream socket: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		streamer, err := pacer.NewStreamer(pacer.StreamConfig{
			Profile: pacer.Profile{
				BaselineMbps: cfg.Traffic.BaselineMbps,
				MotionMbps:   cfg.Traffic.MotionMbps,
				PayloadSize:  cfg.Traffic.PayloadSize,
			},
			Keepalive:      cfg.Traffic.Keepalive,
			MotionInterval: cfg.Traffic.MotionInterval,
			MotionDuration: cfg.Traffic.MotionDuration,
		}, conn, emitter, nil, logger, m)
		if err != nil {
			return nil, err
		}
		deps.Streamer = streamer
	}

	idleUnit, syncUnit := cfg.Units()
	sched, err := scheduler.New(scheduler.Config{
		Idle:         cfg.Schedule.Idle,
		IdleUnit:     idleUnit,
		Capture:      cfg.Schedule.Capture,
		SyncInterval: cfg.Schedule.SyncInterval,
		SyncUnit:     syncUnit,
		SyncDuration: cfg.Schedule.SyncDuration,
		Settle:       cfg.Schedule.Settle,
	}, deps)
	if err != nil {
		return nil, err
	}
	a.scheduler = sched
	ok = true
	return a, nil
}

// newStrategy returns nil for the traffic-only strategy.
func newStrategy(cfg *config.Config, logger *zap.SugaredLogger, m *metrics.Metrics) (capture.Strategy, error) {
	opts := framering.Options{
		Device: cfg.Camera.Device,
		Slots:  cfg.Camera.Slots,
		Format: framering.Format{
			Width:       cfg.Camera.Width,
			Height:      cfg.Camera.Height,
			PixelFormat: cfg.Camera.PixelFormat,
			FPS:         cfg.Camera.FPS,
		},
	}
	switch cfg.Camera.Strategy {
	case config.StrategyV4L2:
		src := capture.NewV4L2Source(cfg.Camera.Slots, logger)
		return capture.NewRingCapture(src, opts, cfg.OutputDir, logger, m), nil
	case config.StrategySynthetic:
		return capture.NewRingCapture(capture.NewSyntheticSource(), opts, cfg.OutputDir, logger, m), nil
	case config.StrategySubprocess:
		c, err := capture.NewSubprocessCapture(cfg.Camera.Command, cfg.Camera.Device, opts.Format, cfg.OutputDir, cfg.Camera.Grace, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.StrategyNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown capture strategy %q", cfg.Camera.Strategy)
	}
}

// Close releases sockets in reverse order of creation. Safe to call twice.
func (a *app) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
