package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"smartcam_system/internal/framering"
	"smartcam_system/internal/logging"
	"smartcam_system/internal/metrics"
)

// RingCapture drives a frame ring for the length of the capture phase and
// appends every frame verbatim to a raw artifact.
type RingCapture struct {
	src     framering.Source
	opts    framering.Options
	dir     string
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewRingCapture writes artifacts to dir using src.
func NewRingCapture(src framering.Source, opts framering.Options, dir string, logger *zap.SugaredLogger, m *metrics.Metrics) *RingCapture {
	if logger == nil {
		logger = logging.Nop()
	}
	return &RingCapture{src: src, opts: opts, dir: dir, logger: logger, metrics: m}
}

// Probe opens the device and negotiates the format without streaming.
func (c *RingCapture) Probe(ctx context.Context) error {
	if err := c.src.Open(c.opts.Device); err != nil {
		return &framering.DeviceError{Op: "open", Device: c.opts.Device, Err: err}
	}
	defer c.src.Close()
	if err := c.src.NegotiateFormat(c.opts.Format); err != nil {
		return &framering.DeviceError{Op: "negotiate format on", Device: c.opts.Device, Err: err}
	}
	return nil
}

// Capture streams frames until d elapses or ctx is cancelled.
func (c *RingCapture) Capture(ctx context.Context, d time.Duration) (Artifact, error) {
	started := time.Now()
	phaseCtx, cancel := context.WithDeadline(ctx, started.Add(d))
	defer cancel()

	ring, err := framering.Open(phaseCtx, c.src, c.opts, c.logger)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	defer func() {
		if err := ring.Shutdown(); err != nil {
			c.logger.Warnw("frame ring shutdown failed", "error", err)
		}
	}()

	path := artifactPath(c.dir, ".raw")
	f, err := os.Create(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: failed to create artifact: %v", ErrCaptureFailed, err)
	}
	w := bufio.NewWriterSize(f, 1<<20)

	frames, skipped, err := c.drain(phaseCtx, ring, w)
	if flushErr := w.Flush(); err == nil {
		err = flushErr
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return Artifact{}, fmt.Errorf("%w: failed to write artifact: %v", ErrCaptureFailed, err)
	}

	c.logger.Infow("capture finished", "artifact", path, "frames", frames, "skipped", skipped)
	return finish(path, frames, started)
}

// drain copies frames out of the ring until the phase deadline. Transient
// dequeue or requeue failures skip the frame; a slot whose requeue failed is
// retried by the next AcquireFilled.
func (c *RingCapture) drain(ctx context.Context, ring *framering.Ring, w *bufio.Writer) (frames, skipped int, err error) {
	for ctx.Err() == nil {
		slot, _, err := ring.AcquireFilled(ctx)
		switch {
		case err == nil:
		case errors.Is(err, framering.ErrWouldBlock):
			return frames, skipped, nil
		case errors.Is(err, framering.ErrTransient):
			skipped++
			c.metrics.FrameSkipped()
			c.logger.Debugw("frame skipped", "error", err)
			continue
		default:
			return frames, skipped, err
		}

		_, werr := w.Write(slot.Bytes())
		if rerr := ring.Release(slot); rerr != nil {
			c.logger.Debugw("slot requeue failed", "slot", slot.Index(), "error", rerr)
			if !errors.Is(rerr, framering.ErrTransient) {
				return frames, skipped, rerr
			}
		}
		if werr != nil {
			return frames, skipped, werr
		}
		frames++
		c.metrics.FrameCaptured()
	}
	return frames, skipped, nil
}
