package collector

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartcam_system/internal/events"
	"smartcam_system/internal/upload"
)

func startReceiver(t *testing.T) (string, string, <-chan Stored) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	dir := t.TempDir()
	stored := make(chan Stored, 4)
	r := NewReceiver(dir, nil)
	r.OnStored = func(s Stored) { stored <- s }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return ln.Addr().String(), dir, stored
}

func TestReceiverStoresUpload(t *testing.T) {
	addr, dir, stored := startReceiver(t)

	src := filepath.Join(t.TempDir(), "capture_1_deadbeef.raw")
	payload := []byte(strings.Repeat("frame", 3000))
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	u := upload.NewUploader(addr, upload.Options{ChunkSize: 1000}, nil, nil)
	require.NoError(t, u.Upload(context.Background(), src))

	select {
	case s := <-stored:
		assert.Equal(t, filepath.Join(dir, "capture_1_deadbeef.raw"), s.Path)
		assert.Equal(t, int64(len(payload)), s.Size)
		got, err := os.ReadFile(s.Path)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	case <-time.After(5 * time.Second):
		t.Fatal("artifact not stored")
	}
}

func sendRaw(t *testing.T, addr string, h upload.Header, payload []byte) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, upload.WriteHeader(conn, h))
	_, err = conn.Write(payload)
	require.NoError(t, err)
}

func TestReceiverGeneratesNameWhenMissing(t *testing.T) {
	addr, dir, stored := startReceiver(t)
	sendRaw(t, addr, upload.Header{Size: 3}, []byte("abc"))

	s := <-stored
	assert.Equal(t, dir, filepath.Dir(s.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(s.Path), "upload_"))
}

func TestReceiverDropsTruncatedUpload(t *testing.T) {
	addr, dir, stored := startReceiver(t)
	sendRaw(t, addr, upload.Header{Size: 100, Name: "short.raw"}, []byte("only a few bytes"))

	select {
	case s := <-stored:
		t.Fatalf("truncated upload stored at %s", s.Path)
	case <-time.After(200 * time.Millisecond):
	}
	_, err := os.Stat(filepath.Join(dir, "short.raw"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStoredNameStripsDirectories(t *testing.T) {
	assert.Equal(t, "cap.raw", storedName("../../etc/cap.raw"))
	assert.Equal(t, "cap.raw", storedName(`C:\captures\cap.raw`))
	assert.True(t, strings.HasPrefix(storedName(".."), "upload_"))
	assert.True(t, strings.HasPrefix(storedName(""), "upload_"))
}

func TestParseRecord(t *testing.T) {
	line := events.Record{
		Type:   events.TypeLabel,
		Event:  events.LabelCaptureEnd,
		Time:   time.UnixMilli(1_700_000_000_123),
		Device: "cam-1",
		Fields: []events.Field{events.Int("bytes", 42)},
	}.AppendLine(nil)

	rec, err := ParseRecord(line)
	require.NoError(t, err)
	assert.Equal(t, events.TypeLabel, rec.Type)
	assert.Equal(t, events.LabelCaptureEnd, rec.Event)
	assert.Equal(t, "cam-1", rec.Device)
	assert.Equal(t, int64(1_700_000_000_123), rec.TMs)
	assert.Equal(t, "2023-11-14T22:13:20.123Z", rec.Timestamp)
	assert.EqualValues(t, "42", rec.Fields["bytes"])

	_, err = ParseRecord([]byte("not json"))
	assert.Error(t, err)
	_, err = ParseRecord([]byte(`{"event":"X"}`))
	assert.Error(t, err)
}

func TestLabelListenerReceivesEmitterRecords(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	got := make(chan Received, 4)
	l := NewLabelListener("labels", nil)
	l.OnRecord = func(r Received) { got <- r }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx, conn) }()

	em, err := events.NewEmitter(conn.LocalAddr().String(), "cam-2", nil, nil)
	require.NoError(t, err)
	defer em.Close()
	em.Emit(events.LabelUploadStart)

	select {
	case r := <-got:
		assert.Equal(t, events.LabelUploadStart, r.Event)
		assert.Equal(t, "cam-2", r.Device)
	case <-time.After(5 * time.Second):
		t.Fatal("record not received")
	}

	cancel()
	assert.NoError(t, <-done)
}
