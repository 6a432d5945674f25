package events

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"smartcam_system/internal/logging"
	"smartcam_system/internal/metrics"
)

const (
	DefaultSyncInterval = 5 * time.Millisecond
	// Busy-loop iterations per datagram; produces the power spike that the
	// network spike is matched against.
	DefaultBurnIterations = 50000
)

// burnSink keeps the busy loop observable to the compiler.
var burnSink int

// Syncer emits aggressive sync bursts to the sync port.
type Syncer struct {
	conn           net.Conn
	device         string
	interval       time.Duration
	burnIterations int
	logger         *zap.SugaredLogger
	metrics        *metrics.Metrics
}

// NewSyncer opens the sync socket.
func NewSyncer(addr, device string, logger *zap.SugaredLogger, m *metrics.Metrics) (*Syncer, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sync socket: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Syncer{
		conn:           conn,
		device:         device,
		interval:       DefaultSyncInterval,
		burnIterations: DefaultBurnIterations,
		logger:         logger,
		metrics:        m,
	}, nil
}

// Burst sends SYNC datagrams until d elapses or ctx is done and returns how
// many were written successfully.
func (s *Syncer) Burst(ctx context.Context, d time.Duration) int {
	deadline := time.Now().Add(d)
	buf := make([]byte, 0, 160)
	sent, failed := 0, 0

	for time.Now().Before(deadline) && ctx.Err() == nil {
		for i := 0; i < s.burnIterations; i++ {
			burnSink += i
		}

		now := time.Now()
		buf = Record{Type: TypeSync, Time: now, Device: s.device}.AppendLine(buf[:0])
		_ = s.conn.SetWriteDeadline(now.Add(DefaultWriteTimeout))
		if _, err := s.conn.Write(buf); err != nil {
			failed++
		} else {
			sent++
		}

		select {
		case <-ctx.Done():
		case <-time.After(s.interval):
		}
	}

	if failed > 0 {
		s.metrics.LabelDropped()
	}
	s.logger.Debugw("sync burst finished", "sent", sent, "failed", failed, "duration", d)
	return sent
}

// Close releases the socket.
func (s *Syncer) Close() error {
	return s.conn.Close()
}
