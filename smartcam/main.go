// Main Program for the SmartCam Emulator
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
	"golang.org/x/sync/errgroup"

	"smartcam_system/internal/config"
	"smartcam_system/internal/logging"
	"smartcam_system/internal/metrics"
	"smartcam_system/internal/scheduler"
)

func main() {
	// Parse command line flags into config
	cfg, err := config.Parse("smartcam", os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "smartcam: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "smartcam: invalid configuration:\n%v\n", err)
		os.Exit(2)
	}

	// Set up logger
	logger, err := logging.NewLogger(cfg.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "smartcam: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infow("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	m := metrics.New()
	app, err := newApp(cfg, logger, m)
	if err != nil {
		logger.Fatalw("failed to initialize emulator", "error", err)
	}
	defer app.Close()

	logger.Infow("smartcam emulator started",
		"device_id", cfg.DeviceID,
		"strategy", cfg.Camera.Strategy,
		"labels", cfg.LabelAddr(),
		"uploads", cfg.UploadAddr(),
		"traffic", cfg.Traffic.Enabled)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return m.Serve(gctx, cfg.MetricsAddr) })
	}
	g.Go(func() error {
		defer cancel()
		return app.scheduler.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, scheduler.ErrFatal) {
			app.Close()
			logger.Fatalw("camera unavailable", "error", err)
		}
		logger.Errorw("emulator stopped with error", "error", err)
		app.Close()
		logger.Sync()
		os.Exit(1)
	}
	logger.Infow("shutdown complete")
}
