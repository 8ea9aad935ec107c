// Command peerbridge runs a peer connection host: it drives the lifecycle
// controller from a fixed-rate tick and drains both frame queues.
//
// Usage:
//
//	peerbridge -config peerbridge.yaml
//	PEERBRIDGE_SIGNALING_URL=ws://localhost:8080/ws peerbridge
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thesyncim/peerbridge/internal/config"
	"github.com/thesyncim/peerbridge/internal/ffi"
	"github.com/thesyncim/peerbridge/internal/signaling"
	"github.com/thesyncim/peerbridge/pkg/engine"
	"github.com/thesyncim/peerbridge/pkg/engine/native"
	"github.com/thesyncim/peerbridge/pkg/engine/pionengine"
	"github.com/thesyncim/peerbridge/pkg/peer"
	"github.com/thesyncim/peerbridge/pkg/platform"
)

const (
	shutdownTimeout = 10 * time.Second
	reportInterval  = time.Second
	statsTimeout    = reportInterval / 2
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	logLevel := flag.String("log-level", "", "Override the configured log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		slog.Error("invalid log level", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("peerbridge stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	peerCfg, err := cfg.PeerConfig()
	if err != nil {
		return err
	}

	local := newCountingSink("local")
	remote := newCountingSink("remote")
	opts := []peer.Option{
		peer.WithLogger(logger),
		peer.WithLocalSink(local),
		peer.WithRemoteSink(remote),
		peer.WithPermissions(permissionsFor(cfg.Engine)),
	}
	var host *peer.Controller
	if cfg.SignalingURL != "" {
		sig, err := signaling.New(signaling.Config{
			URL:        cfg.SignalingURL,
			Role:       signaling.Role(cfg.SignalingRole),
			VideoCodec: cfg.VideoCodec,
			Logger:     logger,
			OnError:    func(err error) { host.ReportError(err) },
		})
		if err != nil {
			return err
		}
		opts = append(opts, peer.WithSignaler(sig))
	}

	host = peer.New(eng, peerCfg, opts...)
	events := host.Events()
	defer events.OnInitialized(func() {
		logger.Info("peer initialized", "state", host.State().String())
	})()
	defer events.OnShutdown(func() {
		logger.Info("peer shut down")
	})()
	defer events.OnError(func(err error) {
		logger.Error("peer error", "error", err)
	})()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting peerbridge",
		"engine", cfg.Engine,
		"ice_servers", len(peerCfg.ICEServers),
		"signaling", cfg.SignalingURL != "",
		"tick", cfg.TickInterval(),
	)
	started := host.Start(ctx)
	startDone := started.Done()

	tick := time.NewTicker(cfg.TickInterval())
	defer tick.Stop()
	report := time.NewTicker(reportInterval)
	defer report.Stop()

	var startErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-startDone:
			startDone = nil
			if err := started.Err(); err != nil && !errors.Is(err, context.Canceled) {
				startErr = fmt.Errorf("start: %w", err)
				break loop
			}
		case <-tick.C:
			host.Tick()
			local.Drain()
			remote.Drain()
		case <-report.C:
			local.Report(logger)
			remote.Report(logger)
			go func() {
				statsCtx, cancel := context.WithTimeout(ctx, statsTimeout)
				defer cancel()
				reportStats(statsCtx, host, logger)
			}()
		}
	}

	logger.Info("shutting down", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(startErr, host.Shutdown(shutdownCtx))
}

// permissionsFor returns the capture check for engineKind. Only the native
// engine opens real devices; the pion engine captures synthetic frames.
func permissionsFor(engineKind string) platform.Permissions {
	if engineKind == config.EngineNative {
		return platform.Default()
	}
	return platform.Granted
}

func newEngine(cfg config.Config, logger *slog.Logger) (engine.Engine, error) {
	switch cfg.Engine {
	case config.EngineNative:
		if cfg.NativeLibrary != "" {
			if err := os.Setenv(ffi.LibraryPathEnv, cfg.NativeLibrary); err != nil {
				return nil, err
			}
		}
		return native.New(native.WithLogger(logger)), nil
	default:
		return pionengine.New(pionengine.WithLogger(logger))
	}
}
