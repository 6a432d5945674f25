// Package capture implements the capture phase strategies: writing frames
// from a frame ring into a local artifact, or delegating to an external
// capture-and-encode tool.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrCaptureFailed marks a capture phase that produced no usable artifact.
// The scheduler labels it and skips the upload.
var ErrCaptureFailed = errors.New("capture failed")

// Artifact is the local file produced by one capture phase.
type Artifact struct {
	Path     string
	Size     int64
	Frames   int
	Duration time.Duration
}

// Strategy is the capture path selected at configuration time.
type Strategy interface {
	// Probe checks at start-up that the capture surface is usable. A probe
	// failure is fatal for the process.
	Probe(ctx context.Context) error
	// Capture records for d and returns the resulting artifact.
	Capture(ctx context.Context, d time.Duration) (Artifact, error)
}

// artifactPath names a new artifact in dir: capture_<unix>_<id><ext>.
func artifactPath(dir, ext string) string {
	id := uuid.New().String()[:8]
	return filepath.Join(dir, fmt.Sprintf("capture_%d_%s%s", time.Now().Unix(), id, ext))
}

// finish stats the artifact and removes it when it is empty.
func finish(path string, frames int, started time.Time) (Artifact, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: no output: %v", ErrCaptureFailed, err)
	}
	if st.Size() == 0 {
		_ = os.Remove(path)
		return Artifact{}, fmt.Errorf("%w: empty output %s", ErrCaptureFailed, path)
	}
	return Artifact{
		Path:     path,
		Size:     st.Size(),
		Frames:   frames,
		Duration: time.Since(started),
	}, nil
}
