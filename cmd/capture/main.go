// Command capture is the long-running daemon: it listens for camera
// event notifications, persists them to the configured storages, and
// records live view video for triggering events.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethan/ring-capture/pkg/api"
	"github.com/ethan/ring-capture/pkg/backoff"
	"github.com/ethan/ring-capture/pkg/capture"
	"github.com/ethan/ring-capture/pkg/config"
	"github.com/ethan/ring-capture/pkg/events"
	"github.com/ethan/ring-capture/pkg/liveview"
	"github.com/ethan/ring-capture/pkg/logger"
	"github.com/ethan/ring-capture/pkg/ring"
	"github.com/ethan/ring-capture/pkg/sleep"
	"github.com/ethan/ring-capture/pkg/storage"
	"github.com/ethan/ring-capture/pkg/wake"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitSIGINT  = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", ".env", "Path to configuration file")
	sleepModeFlag := flag.String("sleep-mode", "system",
		"Sleep prevention mode: all, system, disk, none")
	noSleepPrevention := flag.Bool("no-sleep-prevention", false,
		"Disable sleep prevention entirely")
	logFlags := logger.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	defer log.Close()
	logger.SetDefault(log)

	log.Info("starting ring capture daemon", "flags", logFlags.String())

	sleepMode, err := sleep.ParseMode(*sleepModeFlag)
	if err != nil {
		log.Error("invalid flag", "error", err)
		return exitFailure
	}
	if *noSleepPrevention {
		sleepMode = sleep.ModeNone
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		return exitFailure
	}
	log.Info("configuration loaded", "storage_root", cfg.Storage.Root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Authenticate before wiring anything else. Transient network
	// failures at boot get the standard retry schedule; a bad refresh
	// token is not recoverable at runtime.
	client := ring.NewClient(cfg.Ring.RefreshToken, cfg.Ring.HardwareID,
		log.With("component", "ring"))
	if err := backoff.Retry(ctx, backoff.Default(), client.Authenticate); err != nil {
		log.Error("authentication failed", "error", err)
		return exitFailure
	}
	log.Info("authenticated with cloud API")

	storages, index, err := buildStorages(cfg, log)
	if err != nil {
		log.Error("failed to initialise storage", "error", err)
		return exitFailure
	}
	defer func() {
		for _, st := range storages {
			if err := st.Close(); err != nil {
				log.Warn("storage close failed", "error", err)
			}
		}
	}()

	bus := events.NewBus(log)
	tickets := liveview.NewTicketCache(client, client, log)

	recorder := capture.NewLiveViewRecorder(client, tickets,
		cfg.Capture.TicketCheckInterval, log)
	recorder.SetWakeMonitorFactory(func() liveview.WakeMonitor {
		m := wake.NewMonitor(wake.DefaultInterval, log)
		m.Start(ctx)
		return m
	})

	engine := capture.NewEngine(storages, bus, log)

	supervisor, err := capture.NewSupervisor(capture.SupervisorConfig{
		Root:           cfg.Storage.Root,
		Storages:       storages,
		Bus:            bus,
		Recorder:       recorder,
		DingDuration:   cfg.Capture.DingDuration,
		MotionDuration: cfg.Capture.MotionDuration,
		Log:            log,
	})
	if err != nil {
		log.Error("failed to initialise supervisor", "error", err)
		return exitFailure
	}
	supervisor.Subscribe()

	var server *api.Server
	if cfg.API.Listen != "" {
		metrics := api.NewMetrics(func() float64 {
			return float64(supervisor.ActiveRecordings())
		})
		engine.OnCaptured(func(rec *events.Record, saved bool) {
			if saved {
				metrics.EventsCaptured.WithLabelValues(rec.Kind).Inc()
			} else {
				metrics.EventSaveFailed.Inc()
			}
		})
		supervisor.OnRecording(func(outcome string) {
			metrics.RecordingsByEnd.WithLabelValues(outcome).Inc()
		})

		server = api.NewServer(index, supervisor, metrics, log)
		if err := server.Start(ctx, cfg.API.Listen); err != nil {
			log.Error("failed to start status API", "error", err)
			return exitFailure
		}
	}

	preventer := sleep.NewPreventer(sleepMode, log)
	if err := preventer.Start(ctx); err != nil {
		log.Warn("sleep prevention unavailable", "error", err)
	}

	listener := ring.NewListener(client, cfg.Capture.PollInterval,
		func(raw events.RawEvent) {
			if _, err := engine.Capture(ctx, raw); err != nil {
				log.Error("event capture failed", "error", err)
			}
		}, log)
	if err := listener.Start(ctx); err != nil {
		log.Error("failed to start event listener", "error", err)
		return exitFailure
	}
	log.Info("event listener running", "poll_interval", cfg.Capture.PollInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("received shutdown signal", "signal", sig.String())

	listener.Stop()
	supervisor.Shutdown()
	bus.Wait()

	if server != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Stop(stopCtx); err != nil {
			log.Warn("status API shutdown failed", "error", err)
		}
		stopCancel()
	}
	preventer.Stop()
	cancel()

	log.Info("graceful shutdown complete")
	if sig == os.Interrupt {
		return exitSIGINT
	}
	return exitOK
}

// buildStorages assembles the configured backends: the relational index
// and filesystem backend always, the remote backend when a URL is set.
func buildStorages(cfg *config.Config, log *logger.Logger) ([]storage.Storage, *storage.SQLiteStorage, error) {
	if err := os.MkdirAll(cfg.Storage.Root, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create storage root: %w", err)
	}

	index, err := storage.NewSQLiteStorage(cfg.Storage.SQLitePath,
		log.With("component", "sqlite-storage"))
	if err != nil {
		return nil, nil, err
	}

	files, err := storage.NewFileStorage(cfg.Storage.Root,
		log.With("component", "file-storage"))
	if err != nil {
		index.Close()
		return nil, nil, err
	}

	storages := []storage.Storage{index, files}
	if cfg.Storage.RemoteURL != "" {
		remote := storage.NewRemoteStorage(cfg.Storage.RemoteURL,
			cfg.Storage.RemoteToken, log.With("component", "remote-storage"))
		storages = append(storages, remote)
	}
	return storages, index, nil
}
