package capture

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"smartcam_system/internal/framering"
	"smartcam_system/internal/logging"
)

// DefaultCommand records H.264 into an MP4 with GStreamer. -e makes the
// pipeline finalize the container on SIGINT.
const DefaultCommand = "gst-launch-1.0 -e v4l2src device={device} ! " +
	"video/x-raw,width={width},height={height},framerate={fps}/1 ! " +
	"x264enc tune=zerolatency ! mp4mux ! filesink location={output}"

// DefaultGrace is how long the tool gets to finalize after being
// interrupted before it is killed.
const DefaultGrace = 5 * time.Second

const stderrTail = 512

// SubprocessCapture delegates the whole capture phase to an external tool.
// The tool is interrupted when the phase ends and killed at the hard limit
// of phase duration plus twice the grace period.
type SubprocessCapture struct {
	template []string
	device   string
	format   framering.Format
	dir      string
	ext      string
	grace    time.Duration
	logger   *zap.SugaredLogger
}

// NewSubprocessCapture parses command, a whitespace-separated template
// with {output}, {duration}, {device}, {width}, {height} and {fps}
// placeholders. Arguments cannot contain spaces.
func NewSubprocessCapture(command, device string, format framering.Format, dir string, grace time.Duration, logger *zap.SugaredLogger) (*SubprocessCapture, error) {
	template := strings.Fields(command)
	if len(template) == 0 {
		return nil, fmt.Errorf("empty capture command")
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &SubprocessCapture{
		template: template,
		device:   device,
		format:   format,
		dir:      dir,
		ext:      ".mp4",
		grace:    grace,
		logger:   logger,
	}, nil
}

// Probe checks that the tool is installed.
func (c *SubprocessCapture) Probe(context.Context) error {
	if _, err := exec.LookPath(c.template[0]); err != nil {
		return fmt.Errorf("capture tool unavailable: %w", err)
	}
	return nil
}

// Capture runs the tool for d and collects its output file.
func (c *SubprocessCapture) Capture(ctx context.Context, d time.Duration) (Artifact, error) {
	started := time.Now()
	path := artifactPath(c.dir, c.ext)
	args := c.expand(path, d)

	hardCtx, cancel := context.WithTimeout(ctx, d+c.grace)
	defer cancel()

	cmd := exec.CommandContext(hardCtx, args[0], args[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = c.grace
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Artifact{}, fmt.Errorf("%w: failed to start %s: %v", ErrCaptureFailed, args[0], err)
	}
	stop := time.AfterFunc(d, func() { _ = cmd.Process.Signal(os.Interrupt) })
	defer stop.Stop()

	err := cmd.Wait()
	if cmd.ProcessState == nil || !cmd.ProcessState.Success() {
		_ = os.Remove(path)
		return Artifact{}, fmt.Errorf("%w: %s: %v: %s", ErrCaptureFailed, args[0], err, tail(stderr.String()))
	}

	c.logger.Infow("capture tool finished", "artifact", path, "elapsed", time.Since(started))
	return finish(path, 0, started)
}

func (c *SubprocessCapture) expand(output string, d time.Duration) []string {
	r := strings.NewReplacer(
		"{output}", output,
		"{duration}", strconv.Itoa(int(math.Ceil(d.Seconds()))),
		"{device}", c.device,
		"{width}", strconv.Itoa(c.format.Width),
		"{height}", strconv.Itoa(c.format.Height),
		"{fps}", strconv.Itoa(c.format.FPS),
	)
	args := make([]string, len(c.template))
	for i, a := range c.template {
		args[i] = r.Replace(a)
	}
	return args
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		return s[len(s)-stderrTail:]
	}
	return s
}
