package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"smartcam_system/internal/events"
	"smartcam_system/internal/logging"
)

const maxDatagram = 64 * 1024

// Received is a decoded event record. Extra keys stay in Fields.
type Received struct {
	Type      string
	Event     string
	Timestamp string
	TMs       int64
	Device    string
	Fields    map[string]any
}

// ParseRecord decodes one JSON record line.
func ParseRecord(line []byte) (Received, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Received{}, fmt.Errorf("failed to decode record: %w", err)
	}
	rec := Received{Fields: map[string]any{}}
	for k, v := range raw {
		switch k {
		case "type":
			rec.Type, _ = v.(string)
		case "event":
			rec.Event, _ = v.(string)
		case "timestamp":
			rec.Timestamp, _ = v.(string)
		case "device":
			rec.Device, _ = v.(string)
		case "t_ms":
			if n, ok := v.(json.Number); ok {
				rec.TMs, _ = n.Int64()
			}
		default:
			rec.Fields[k] = v
		}
	}
	if rec.Type == "" {
		return Received{}, errors.New("record without type")
	}
	return rec, nil
}

// LabelListener logs every record arriving on a packet socket.
type LabelListener struct {
	name   string
	logger *zap.SugaredLogger

	// OnRecord, when set, sees every decoded record.
	OnRecord func(Received)
}

// NewLabelListener names the socket in logs, e.g. "labels" or "sync".
func NewLabelListener(name string, logger *zap.SugaredLogger) *LabelListener {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LabelListener{name: name, logger: logger}
}

// Serve reads datagrams from conn until ctx is done.
func (l *LabelListener) Serve(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read %s socket: %w", l.name, err)
		}
		rec, err := ParseRecord(buf[:n])
		if err != nil {
			l.logger.Debugw("malformed record", "socket", l.name, "peer", addr.String(), "error", err)
			continue
		}
		if rec.Type != events.TypeSync {
			l.logger.Infow("record",
				"socket", l.name, "type", rec.Type, "event", rec.Event,
				"device", rec.Device, "timestamp", rec.Timestamp, "fields", rec.Fields)
		}
		if l.OnRecord != nil {
			l.OnRecord(rec)
		}
	}
}
