// Package collector is the host side of the emulator: it stores uploaded
// artifacts and logs the event records sent to the label and sync ports.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"smartcam_system/internal/logging"
	"smartcam_system/internal/upload"
)

// Stored describes one artifact written to disk.
type Stored struct {
	Path string
	Size int64
	Peer string
}

// Receiver accepts upload connections and writes each payload to Dir.
type Receiver struct {
	dir    string
	logger *zap.SugaredLogger

	// OnStored, when set, is called after each complete artifact.
	OnStored func(Stored)
}

func NewReceiver(dir string, logger *zap.SugaredLogger) *Receiver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Receiver{dir: dir, logger: logger}
}

// Serve accepts connections on ln until ctx is done. In-flight transfers
// are allowed to finish.
func (r *Receiver) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept upload: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			st, err := r.receive(conn)
			if err != nil {
				r.logger.Warnw("upload dropped", "peer", conn.RemoteAddr().String(), "error", err)
				return
			}
			r.logger.Infow("artifact stored", "path", st.Path, "bytes", st.Size, "peer", st.Peer)
			if r.OnStored != nil {
				r.OnStored(st)
			}
		}()
	}
}

func (r *Receiver) receive(conn net.Conn) (Stored, error) {
	h, err := upload.ReadHeader(conn)
	if err != nil {
		return Stored{}, fmt.Errorf("failed to read header: %w", err)
	}
	path := filepath.Join(r.dir, storedName(h.Name))
	f, err := os.Create(path)
	if err != nil {
		return Stored{}, fmt.Errorf("failed to create %s: %w", path, err)
	}

	n, err := io.CopyN(f, conn, int64(h.Size))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Stored{}, fmt.Errorf("payload truncated at %d of %d bytes: %w", n, h.Size, err)
	}
	return Stored{Path: path, Size: n, Peer: conn.RemoteAddr().String()}, nil
}

// storedName keeps only the base of the sender's name and falls back to a
// generated one when nothing usable is left.
func storedName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return fmt.Sprintf("upload_%d_%s.bin", time.Now().Unix(), uuid.NewString()[:8])
	}
	return name
}
