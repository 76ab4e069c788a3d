// Command diagnose opens a single live-view session against one device
// and records it to a local file, logging every stage of signalling,
// ICE, and media flow. Use it to pinpoint where a failing capture
// breaks without running the full daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethan/ring-capture/pkg/config"
	"github.com/ethan/ring-capture/pkg/liveview"
	"github.com/ethan/ring-capture/pkg/logger"
	"github.com/ethan/ring-capture/pkg/ring"
	"github.com/ethan/ring-capture/pkg/sink"
)

func main() {
	configPath := flag.String("config", ".env", "Path to configuration file")
	deviceID := flag.String("device", "", "Device id to record (required)")
	duration := flag.Duration("duration", 30*time.Second, "Recording duration")
	output := flag.String("output", "", "Output file (default: diagnostic-<device>-<ts>.mp4)")
	flag.Parse()

	// Everything on for a diagnostic run.
	logCfg := logger.NewConfig()
	logCfg.Level = logger.LevelDebug
	logCfg.EnableCategory(logger.DebugAll)
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	log.Info("=== Live View Diagnostic Tool ===")
	log.Info("This tool will:")
	log.Info("  1. Authenticate and request a signalling ticket")
	log.Info("  2. Negotiate one live view session for the device")
	log.Info("  3. Record the video track to a local MP4")
	log.Info("  4. Log every signalling, ICE, and media event")

	if *deviceID == "" {
		log.Error("a device id is required; pass --device")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := ring.NewClient(cfg.Ring.RefreshToken, cfg.Ring.HardwareID,
		log.With("component", "ring"))
	if err := client.Authenticate(ctx); err != nil {
		log.Error("authentication failed", "error", err)
		os.Exit(1)
	}
	log.Info("✓ authenticated")

	path := *output
	if path == "" {
		path = filepath.Join(os.TempDir(),
			fmt.Sprintf("diagnostic-%s-%d.mp4", *deviceID, time.Now().Unix()))
	}

	done := make(chan struct{})
	mp4 := sink.NewMP4Sink(path, func(finalPath string, size int64) {
		log.Info("recording finalised", "path", finalPath, "size_bytes", size)
		close(done)
	}, log)

	tickets := liveview.NewTicketCache(client, client, log)
	lv, err := liveview.New(liveview.Config{
		DeviceID: *deviceID,
		Duration: *duration,
		Auth:     client,
		Tickets:  tickets,
		Sink:     mp4,
		Log:      log,
	})
	if err != nil {
		log.Error("failed to create live view client", "error", err)
		os.Exit(1)
	}

	start := time.Now()
	if err := lv.Start(ctx); err != nil {
		log.Error("session failed to start", "error", err)
		lv.Stop()
		os.Exit(1)
	}
	log.Info("✓ session connected",
		"negotiation", time.Since(start).Round(time.Millisecond))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	waitErr := make(chan error, 1)
	go func() { waitErr <- lv.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil {
			log.Error("session ended with error", "error", err)
		} else {
			log.Info("session ended cleanly")
		}
	case <-sigChan:
		log.Info("interrupted by user")
		lv.Stop()
		<-waitErr
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("recording completion callback did not fire")
	}

	log.Info("=== Diagnostic Summary ===")
	log.Info("session", "device_id", *deviceID, "elapsed", time.Since(start).Round(time.Second))
	if info, err := os.Stat(path); err == nil {
		log.Info("output", "path", path, "size_bytes", info.Size())
		if info.Size() < 1000 {
			log.Warn("file is below the 1000 byte minimum; the daemon would discard it")
		}
	} else {
		log.Warn("no output file produced", "path", path)
	}
}
