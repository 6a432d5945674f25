// Package events sends the best-effort UDP markers used to align power and
// network traces: phase labels, keepalives and sync bursts.
//
// Nothing in this package reports send failures to its caller. A lost label
// must never shift the timing of the phase it annotates.
package events

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartcam_system/internal/logging"
	"smartcam_system/internal/metrics"
)

// DefaultWriteTimeout bounds a single datagram send.
const DefaultWriteTimeout = 5 * time.Millisecond

// Notifier is the narrow best-effort interface the scheduler and the traffic
// streamer depend on.
type Notifier interface {
	Emit(label string, fields ...Field)
}

// Emitter writes label records to one UDP destination.
type Emitter struct {
	conn         net.Conn
	device       string
	writeTimeout time.Duration
	logger       *zap.SugaredLogger
	metrics      *metrics.Metrics
	now          func() time.Time

	mu  sync.Mutex
	buf []byte
}

// NewEmitter connects a UDP socket to addr. Connecting a datagram socket
// only fixes the peer, so this fails only on bad addresses.
func NewEmitter(addr, device string, logger *zap.SugaredLogger, m *metrics.Metrics) (*Emitter, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open label socket: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Emitter{
		conn:         conn,
		device:       device,
		writeTimeout: DefaultWriteTimeout,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
		buf:          make([]byte, 0, 256),
	}, nil
}

// Emit sends a LABEL record.
func (e *Emitter) Emit(label string, fields ...Field) {
	e.send(Record{Type: TypeLabel, Event: label, Fields: fields})
}

// Keepalive sends a heartbeat record.
func (e *Emitter) Keepalive() {
	e.send(Record{Type: TypeKeepalive})
}

// StartSync sends the start-up marker the collector uses as time origin.
func (e *Emitter) StartSync() {
	e.send(Record{Type: TypeStartSync})
}

// MotionMetadata sends the motion event descriptor.
func (e *Emitter) MotionMetadata(start time.Time, d time.Duration) {
	e.send(Record{
		Type:   TypeMotion,
		Fields: []Field{Int("start_ms", start.UnixMilli()), Seconds("duration_s", d)},
	})
}

func (e *Emitter) send(r Record) {
	r.Time = e.now()
	r.Device = e.device
	label := r.Event
	if label == "" {
		label = r.Type
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf = r.AppendLine(e.buf[:0])
	_ = e.conn.SetWriteDeadline(r.Time.Add(e.writeTimeout))
	if _, err := e.conn.Write(e.buf); err != nil {
		e.metrics.LabelDropped()
		e.logger.Debugw("label send failed", "label", label, "error", err)
		return
	}
	e.metrics.LabelSent(label)
	e.logger.Debugw("label sent", "label", label)
}

// Close releases the socket.
func (e *Emitter) Close() error {
	return e.conn.Close()
}
