package upload

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"smartcam_system/internal/logging"
	"smartcam_system/internal/metrics"
	"smartcam_system/internal/timing"
)

const (
	DefaultChunkSize   = 4096
	DefaultDialTimeout = 5 * time.Second
)

// Options tunes the transfer. Jitter is in milliseconds and applied between
// chunks; the zero range disables it.
type Options struct {
	ChunkSize   int
	Jitter      timing.Range
	DialTimeout time.Duration
}

// Session describes one transfer in flight.
type Session struct {
	Path string
	Name string
	Size int64
	Peer string
}

// Uploader sends artifacts to a single collector address.
type Uploader struct {
	addr    string
	opts    Options
	rng     *rand.Rand
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewUploader targets addr ("host:port").
func NewUploader(addr string, opts Options, logger *zap.SugaredLogger, m *metrics.Metrics) *Uploader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Uploader{addr: addr, opts: opts, rng: timing.NewRand(), logger: logger, metrics: m}
}

// Upload streams the file at path. It does not delete the file; the caller
// owns the artifact.
func (u *Uploader) Upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat artifact: %w", err)
	}
	s := Session{Path: path, Name: filepath.Base(path), Size: st.Size(), Peer: u.addr}

	sent, err := u.send(ctx, s, f)
	u.metrics.UploadFinished(err == nil, sent)
	if err != nil {
		u.logger.Warnw("upload failed", "artifact", s.Name, "peer", s.Peer, "sent", sent, "error", err)
		return err
	}
	u.logger.Infow("upload finished", "artifact", s.Name, "peer", s.Peer, "bytes", sent)
	return nil
}

func (u *Uploader) send(ctx context.Context, s Session, r io.Reader) (int64, error) {
	dialer := net.Dialer{Timeout: u.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.Peer)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to collector: %w", err)
	}
	defer conn.Close()

	// Unblock writes when the context ends mid-transfer.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetWriteDeadline(time.Now()) })
	defer stop()

	if err := WriteHeader(conn, Header{Size: uint64(s.Size), Name: s.Name}); err != nil {
		return 0, fmt.Errorf("failed to send header: %w", err)
	}

	buf := make([]byte, u.opts.ChunkSize)
	var sent int64
	for sent < s.Size {
		n, rerr := io.ReadFull(r, buf[:min(int64(len(buf)), s.Size-sent)])
		if n > 0 {
			if _, err := conn.Write(buf[:n]); err != nil {
				return sent, fmt.Errorf("failed to send payload: %w", err)
			}
			sent += int64(n)
		}
		if rerr != nil {
			return sent, fmt.Errorf("failed to read artifact: %w", rerr)
		}
		if sent < s.Size && u.opts.Jitter.Max > 0 {
			if !timing.Sleep(ctx, u.opts.Jitter.SampleDuration(u.rng, time.Millisecond)) {
				return sent, ctx.Err()
			}
		}
	}
	return sent, nil
}
