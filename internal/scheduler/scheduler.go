// Package scheduler runs the emulator's phase loop: idle, periodic sync,
// capture and upload, repeated until the context is cancelled.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartcam_system/internal/capture"
	"smartcam_system/internal/events"
	"smartcam_system/internal/logging"
	"smartcam_system/internal/metrics"
	"smartcam_system/internal/timing"
)

// ErrFatal marks failures that must terminate the process.
var ErrFatal = errors.New("fatal scheduler error")

type Phase int

const (
	PhaseStarting Phase = iota
	PhaseIdle
	PhaseSync
	PhaseCapturing
	PhaseUploading
	PhaseShuttingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseIdle:
		return "idle"
	case PhaseSync:
		return "sync"
	case PhaseCapturing:
		return "capturing"
	case PhaseUploading:
		return "uploading"
	case PhaseShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the active phase with its start and planned duration.
type State struct {
	Phase   Phase
	Start   time.Time
	Planned time.Duration
}

// Config holds the loop timing. Units default to seconds for idle and
// capture and to minutes for the sync interval.
type Config struct {
	Idle         timing.Range
	IdleUnit     time.Duration
	Capture      timing.Range
	CaptureUnit  time.Duration
	SyncInterval timing.Range
	SyncUnit     time.Duration
	SyncDuration time.Duration
	// Settle brackets every sync burst. Zero skips the start-up sync and
	// runs periodic bursts without pauses.
	Settle time.Duration
}

// Uploader transfers an artifact. It must not delete it.
type Uploader interface {
	Upload(ctx context.Context, path string) error
}

// Syncer emits a burst of sync datagrams for d.
type Syncer interface {
	Burst(ctx context.Context, d time.Duration) int
}

// Streamer generates paced traffic until the given instant.
type Streamer interface {
	Run(ctx context.Context, until time.Time) error
}

// Marker announces the start-up sync to the collector.
type Marker interface {
	StartSync()
}

// Deps are the collaborators of the loop. Notifier is required. A nil
// Capture runs the traffic-only loop; a nil Syncer disables sync phases.
type Deps struct {
	Notifier events.Notifier
	Capture  capture.Strategy
	Uploader Uploader
	Syncer   Syncer
	Streamer Streamer
	Marker   Marker
	Logger   *zap.SugaredLogger
	Metrics  *metrics.Metrics
	Rand     *rand.Rand
}

type Scheduler struct {
	cfg  Config
	deps Deps
	log  *zap.SugaredLogger
	rng  *rand.Rand

	mu       sync.Mutex
	state    State
	nextSync time.Time
}

// New checks the wiring and fills defaults.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Notifier == nil {
		return nil, errors.New("scheduler needs a notifier")
	}
	if deps.Capture != nil && deps.Uploader == nil {
		return nil, errors.New("capture strategy configured without an uploader")
	}
	if cfg.IdleUnit <= 0 {
		cfg.IdleUnit = time.Second
	}
	if cfg.CaptureUnit <= 0 {
		cfg.CaptureUnit = time.Second
	}
	if cfg.SyncUnit <= 0 {
		cfg.SyncUnit = time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Rand == nil {
		deps.Rand = timing.NewRand()
	}
	return &Scheduler{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Logger,
		rng:   deps.Rand,
		state: State{Phase: PhaseStarting, Start: time.Now()},
	}, nil
}

// State returns a snapshot of the active phase.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) enter(p Phase, planned time.Duration) {
	s.mu.Lock()
	prev := s.state.Phase
	s.state = State{Phase: p, Start: time.Now(), Planned: planned}
	s.mu.Unlock()

	s.deps.Metrics.PhaseEntered(prev.String(), p.String())
	s.log.Debugw("phase transition", "from", prev, "to", p, "planned", planned)
}

// Run probes the capture strategy and then loops until ctx is cancelled.
// It returns nil after a clean shutdown and an error wrapping ErrFatal when
// start-up fails.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.deps.Capture != nil {
		if err := s.deps.Capture.Probe(ctx); err != nil {
			return fmt.Errorf("%w: capture probe failed: %w", ErrFatal, err)
		}
	}
	s.log.Infow("scheduler started",
		"idle", s.cfg.Idle, "idle_unit", s.cfg.IdleUnit,
		"capture_s", s.cfg.Capture, "traffic", s.deps.Streamer != nil,
		"capture", s.deps.Capture != nil)

	s.startupSync(ctx)
	s.planSync(time.Now())

	for {
		if ctx.Err() != nil {
			return s.shutdown()
		}
		s.idle(ctx)
		if ctx.Err() != nil {
			continue
		}
		if s.syncDue(time.Now()) {
			s.settledSync(ctx)
			s.planSync(time.Now())
		}
		if s.deps.Capture == nil || ctx.Err() != nil {
			continue
		}
		art, ok := s.captureOnce(ctx)
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			s.discard(art.Path)
			continue
		}
		s.upload(ctx, art)
	}
}

func (s *Scheduler) shutdown() error {
	s.enter(PhaseShuttingDown, 0)
	s.deps.Notifier.Emit(events.LabelShutdown)
	s.log.Infow("scheduler stopped")
	return nil
}

func (s *Scheduler) idle(ctx context.Context) {
	d := s.cfg.Idle.SampleDuration(s.rng, s.cfg.IdleUnit)
	s.enter(PhaseIdle, d)
	s.log.Infow("idle", "duration", d)

	if s.deps.Streamer == nil {
		timing.Sleep(ctx, d)
		return
	}
	err := s.deps.Streamer.Run(ctx, time.Now().Add(d))
	if err != nil && ctx.Err() == nil {
		s.log.Warnw("traffic stream stopped early", "error", err)
		timing.Sleep(ctx, d-time.Since(s.State().Start))
	}
}

func (s *Scheduler) startupSync(ctx context.Context) {
	if s.cfg.Settle <= 0 || s.deps.Syncer == nil {
		return
	}
	if !timing.Sleep(ctx, s.cfg.Settle) {
		return
	}
	if s.deps.Marker != nil {
		s.deps.Marker.StartSync()
	}
	s.runSync(ctx)
	timing.Sleep(ctx, s.cfg.Settle)
}

// settledSync runs a periodic burst with the settle pause on both sides.
func (s *Scheduler) settledSync(ctx context.Context) {
	if !timing.Sleep(ctx, s.cfg.Settle) {
		return
	}
	s.runSync(ctx)
	timing.Sleep(ctx, s.cfg.Settle)
}

func (s *Scheduler) planSync(now time.Time) {
	if s.deps.Syncer == nil || s.cfg.SyncDuration <= 0 {
		return
	}
	s.nextSync = now.Add(s.cfg.SyncInterval.SampleDuration(s.rng, s.cfg.SyncUnit))
	s.log.Debugw("next sync planned", "at", s.nextSync)
}

func (s *Scheduler) syncDue(now time.Time) bool {
	return s.deps.Syncer != nil && s.cfg.SyncDuration > 0 && !now.Before(s.nextSync)
}

func (s *Scheduler) runSync(ctx context.Context) {
	s.enter(PhaseSync, s.cfg.SyncDuration)
	s.deps.Notifier.Emit(events.LabelSyncStart)
	n := s.deps.Syncer.Burst(ctx, s.cfg.SyncDuration)
	s.deps.Notifier.Emit(events.LabelSyncEnd, events.Int("datagrams", int64(n)))
	s.log.Infow("sync burst finished", "datagrams", n)
}

func (s *Scheduler) captureOnce(ctx context.Context) (capture.Artifact, bool) {
	d := s.cfg.Capture.SampleDuration(s.rng, s.cfg.CaptureUnit)
	s.enter(PhaseCapturing, d)
	s.deps.Notifier.Emit(events.LabelCaptureStart, events.Seconds("planned_s", d))

	stopStream := s.streamDuring(ctx, d)
	art, err := s.deps.Capture.Capture(ctx, d)
	stopStream()
	if err != nil {
		s.deps.Notifier.Emit(events.LabelCaptureFailed, events.String("error", err.Error()))
		s.log.Warnw("capture failed", "error", err)
		return capture.Artifact{}, false
	}
	s.deps.Notifier.Emit(events.LabelCaptureEnd,
		events.Seconds("duration_s", art.Duration),
		events.Int("bytes", art.Size))
	s.log.Infow("capture finished", "artifact", art.Path, "bytes", art.Size, "frames", art.Frames)
	return art, true
}

// streamDuring keeps paced traffic flowing for the capture window. The
// returned func stops the stream and waits for it.
func (s *Scheduler) streamDuring(ctx context.Context, d time.Duration) func() {
	if s.deps.Streamer == nil {
		return func() {}
	}
	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := s.deps.Streamer.Run(streamCtx, time.Now().Add(d))
		if err != nil && streamCtx.Err() == nil {
			s.log.Warnw("traffic stream stopped during capture", "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *Scheduler) upload(ctx context.Context, art capture.Artifact) {
	s.enter(PhaseUploading, 0)
	defer s.discard(art.Path)

	s.deps.Notifier.Emit(events.LabelUploadStart, events.Int("bytes", art.Size))
	if err := s.deps.Uploader.Upload(ctx, art.Path); err != nil {
		s.deps.Notifier.Emit(events.LabelUploadFailed, events.String("error", err.Error()))
	}
	s.deps.Notifier.Emit(events.LabelUploadEnd)
}

// discard deletes the artifact whatever the upload outcome.
func (s *Scheduler) discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warnw("failed to delete artifact", "artifact", path, "error", err)
	}
}
