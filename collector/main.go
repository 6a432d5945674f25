// Collector Program for the SmartCam Emulator
// Receives uploaded artifacts and logs event records.
// It is licensed under the MIT License.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"smartcam_system/internal/collector"
	"smartcam_system/internal/logging"
)

func main() {
	cfg := collector.Config{
		UploadAddr: ":9000",
		LabelAddr:  ":9000",
		SyncAddr:   ":9001",
		Dir:        "received",
	}
	var verbose bool

	fs := pflag.NewFlagSet("collector", pflag.ContinueOnError)
	fs.StringVar(&cfg.UploadAddr, "upload-addr", cfg.UploadAddr, "TCP address for artifact uploads")
	fs.StringVar(&cfg.LabelAddr, "label-addr", cfg.LabelAddr, "UDP address for event labels")
	fs.StringVar(&cfg.SyncAddr, "sync-addr", cfg.SyncAddr, "UDP address for sync bursts")
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "Directory to store received artifacts")
	fs.BoolVar(&verbose, "verbose", verbose, "Enable verbose logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "collector: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.NewLogger(verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "collector: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := collector.Run(ctx, cfg, logger); err != nil {
		logger.Fatalw("collector failed", "error", err)
	}
	logger.Infow("collector stopped")
}
