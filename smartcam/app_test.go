package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartcam_system/internal/capture"
	"smartcam_system/internal/config"
	"smartcam_system/internal/metrics"
	"smartcam_system/internal/scheduler"
)

func TestNewStrategySelection(t *testing.T) {
	cfg := config.NewDefaultConfig()

	cases := map[string]any{
		config.StrategyV4L2:       &capture.RingCapture{},
		config.StrategySynthetic:  &capture.RingCapture{},
		config.StrategySubprocess: &capture.SubprocessCapture{},
	}
	for name, want := range cases {
		cfg.Camera.Strategy = name
		s, err := newStrategy(cfg, nil, nil)
		require.NoError(t, err, name)
		assert.IsType(t, want, s, name)
	}

	cfg.Camera.Strategy = config.StrategyNone
	s, err := newStrategy(cfg, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, s)

	cfg.Camera.Strategy = "bogus"
	_, err = newStrategy(cfg, nil, nil)
	assert.Error(t, err)
}

func TestAppRunsSyntheticCycleUntilCancelled(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.DeviceID = "test-cam"
	cfg.LabelPort, cfg.SyncPort, cfg.StreamPort = 39000, 39001, 39002
	cfg.UploadPort = 1
	cfg.OutputDir = t.TempDir()
	cfg.Camera.Strategy = config.StrategySynthetic
	cfg.Camera.Width, cfg.Camera.Height = 32, 24
	cfg.Schedule.IdleUnit = "ms"
	cfg.Schedule.Idle.Min, cfg.Schedule.Idle.Max = 5, 5
	cfg.Schedule.Capture.Min, cfg.Schedule.Capture.Max = 0, 0
	cfg.Schedule.SyncDuration = 0
	cfg.Traffic.Enabled = true
	cfg.Upload.DialTimeout = 100 * time.Millisecond
	require.NoError(t, cfg.Validate())

	a, err := newApp(cfg, nil, metrics.New())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, a.scheduler.Run(ctx))
	assert.Equal(t, scheduler.PhaseShuttingDown, a.scheduler.State().Phase)
	assert.NoError(t, a.Close())
}
