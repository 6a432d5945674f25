package collector

import (
	"context"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds the collector listen addresses and the artifact directory.
type Config struct {
	UploadAddr string
	LabelAddr  string
	SyncAddr   string
	Dir        string
}

// Run listens on all three sockets and serves them until ctx is done or one
// of them fails.
func Run(ctx context.Context, cfg Config, logger *zap.SugaredLogger) error {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	ln, err := net.Listen("tcp", cfg.UploadAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for uploads: %w", err)
	}
	labels, err := net.ListenPacket("udp", cfg.LabelAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("failed to listen for labels: %w", err)
	}
	syncConn, err := net.ListenPacket("udp", cfg.SyncAddr)
	if err != nil {
		ln.Close()
		labels.Close()
		return fmt.Errorf("failed to listen for sync: %w", err)
	}

	logger.Infow("collector listening",
		"uploads", ln.Addr().String(),
		"labels", labels.LocalAddr().String(),
		"sync", syncConn.LocalAddr().String(),
		"dir", cfg.Dir)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return NewReceiver(cfg.Dir, logger).Serve(ctx, ln) })
	g.Go(func() error { return NewLabelListener("labels", logger).Serve(ctx, labels) })
	g.Go(func() error { return NewLabelListener("sync", logger).Serve(ctx, syncConn) })
	return g.Wait()
}
