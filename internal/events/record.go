package events

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Record types carried in the "type" field.
const (
	TypeLabel     = "LABEL"
	TypeKeepalive = "keepalive"
	TypeStartSync = "START_SYNC"
	TypeSync      = "SYNC"
	TypeMotion    = "motion_event"
)

// Labels emitted around phases and sub-states.
const (
	LabelCaptureStart  = "CAPTURE_START"
	LabelCaptureEnd    = "CAPTURE_END"
	LabelCaptureFailed = "CAPTURE_FAILED"
	LabelUploadStart   = "UPLOAD_START"
	LabelUploadEnd     = "UPLOAD_END"
	LabelUploadFailed  = "UPLOAD_FAILED"
	LabelSyncStart     = "SYNC_START"
	LabelSyncEnd       = "SYNC_END"
	LabelMotionStart   = "MOTION_START"
	LabelMotionEnd     = "MOTION_END"
	LabelShutdown      = "SHUTDOWN"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Field is an optional extra attribute of a record, e.g. a duration.
type Field struct {
	Key   string
	Value any
}

func Int(key string, v int64) Field {
	return Field{Key: key, Value: v}
}

func Float(key string, v float64) Field {
	return Field{Key: key, Value: v}
}

func String(key string, v string) Field {
	return Field{Key: key, Value: v}
}

// Seconds records d as fractional seconds.
func Seconds(key string, d time.Duration) Field {
	return Field{Key: key, Value: d.Seconds()}
}

// Record is one ephemeral event datagram.
type Record struct {
	Type   string
	Event  string
	Time   time.Time
	Device string
	Fields []Field
}

// AppendLine appends the compact JSON encoding of r followed by a newline.
// Fixed fields come first in a stable order so receivers can grep raw
// captures.
func (r Record) AppendLine(dst []byte) []byte {
	buf := bytes.NewBuffer(dst)
	buf.WriteString(`{"type":`)
	writeJSONString(buf, r.Type)
	if r.Event != "" {
		buf.WriteString(`,"event":`)
		writeJSONString(buf, r.Event)
	}
	buf.WriteString(`,"timestamp":"`)
	buf.WriteString(r.Time.UTC().Format(timestampLayout))
	buf.WriteString(`","t_ms":`)
	buf.WriteString(strconv.FormatInt(r.Time.UnixMilli(), 10))
	if r.Device != "" {
		buf.WriteString(`,"device":`)
		writeJSONString(buf, r.Device)
	}
	for _, f := range r.Fields {
		v, err := json.Marshal(f.Value)
		if err != nil {
			continue
		}
		buf.WriteByte(',')
		writeJSONString(buf, f.Key)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
