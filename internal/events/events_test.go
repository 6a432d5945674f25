package events

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readRecord(t *testing.T, conn *net.UDPConn) (string, map[string]any) {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	line := string(buf[:n])
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	return line, rec
}

func TestRecordEncoding(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 891_000_000, time.UTC)
	line := string(Record{
		Type:   TypeLabel,
		Event:  LabelCaptureEnd,
		Time:   ts,
		Device: "cam-1",
		Fields: []Field{Float("duration_s", 3.5), String("note", `a"b`)},
	}.AppendLine(nil))

	assert.True(t, strings.HasSuffix(line, "}\n"))
	assert.True(t, strings.HasPrefix(line, `{"type":"LABEL","event":"CAPTURE_END","timestamp":"2025-03-04T05:06:07.891Z"`))

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "cam-1", rec["device"])
	assert.Equal(t, 3.5, rec["duration_s"])
	assert.Equal(t, `a"b`, rec["note"])
	assert.Equal(t, float64(ts.UnixMilli()), rec["t_ms"])
}

func TestRecordWithoutEventOmitsField(t *testing.T) {
	line := Record{Type: TypeKeepalive, Time: time.Unix(0, 0)}.AppendLine(nil)
	assert.NotContains(t, string(line), `"event"`)
	assert.NotContains(t, string(line), `"device"`)
}

func TestEmitterSendsLabel(t *testing.T) {
	srv := listenUDP(t)
	e, err := NewEmitter(srv.LocalAddr().String(), "dev-42", nil, nil)
	require.NoError(t, err)
	defer e.Close()

	e.Emit(LabelUploadStart, Int("bytes", 2048))

	line, rec := readRecord(t, srv)
	assert.Equal(t, TypeLabel, rec["type"])
	assert.Equal(t, LabelUploadStart, rec["event"])
	assert.Equal(t, "dev-42", rec["device"])
	assert.Equal(t, 2048.0, rec["bytes"])
	assert.True(t, strings.HasSuffix(line, "\n"))

	e.Keepalive()
	_, rec = readRecord(t, srv)
	assert.Equal(t, TypeKeepalive, rec["type"])

	e.StartSync()
	_, rec = readRecord(t, srv)
	assert.Equal(t, TypeStartSync, rec["type"])
}

func TestEmitterSwallowsSendFailures(t *testing.T) {
	srv := listenUDP(t)
	e, err := NewEmitter(srv.LocalAddr().String(), "dev", nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	assert.NotPanics(t, func() {
		e.Emit(LabelShutdown)
		e.Keepalive()
	})
}

func TestSyncerBurst(t *testing.T) {
	srv := listenUDP(t)
	s, err := NewSyncer(srv.LocalAddr().String(), "dev", nil, nil)
	require.NoError(t, err)
	defer s.Close()
	s.burnIterations = 10

	sent := s.Burst(context.Background(), 60*time.Millisecond)
	assert.Greater(t, sent, 1)

	_, rec := readRecord(t, srv)
	assert.Equal(t, TypeSync, rec["type"])
}

func TestSyncerBurstStopsOnCancel(t *testing.T) {
	srv := listenUDP(t)
	s, err := NewSyncer(srv.LocalAddr().String(), "dev", nil, nil)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.Equal(t, 0, s.Burst(ctx, time.Minute))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Emit("A")
	r.Emit("B", Int("n", 1))
	r.Emit("A")

	assert.Equal(t, []string{"A", "B", "A"}, r.Labels())
	assert.Equal(t, 2, r.Count("A"))
	assert.Equal(t, []Field{Int("n", 1)}, r.Fields(1))
	assert.Nil(t, r.Fields(0))
}
