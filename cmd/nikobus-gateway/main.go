package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nikobus-gateway/internal/button"
	"nikobus-gateway/internal/config"
	"nikobus-gateway/internal/diag"
	"nikobus-gateway/internal/events"
	"nikobus-gateway/internal/gateway"
	"nikobus-gateway/internal/store"
	"nikobus-gateway/internal/transport"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("nikobus-gateway starting", "version", version)

	ledger, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open button ledger", "err", err)
		os.Exit(1)
	}

	conn := transport.NewConnector(dialFunc(cfg), logger.With("component", "transport"))
	bus := events.NewBus(logger.With("component", "events"))

	gw := gateway.New(conn, bus, ledger, gateway.Options{
		Modules:         cfg.Modules,
		Buttons:         cfg.Buttons,
		Scenes:          cfg.Scenes,
		FeedbackModule:  cfg.FeedbackModule,
		RefreshInterval: time.Duration(cfg.RefreshIntervalS) * time.Second,
		Button: button.Config{
			LongPressThresholdMS: cfg.LongPressThresholdMS,
			ReleaseWindowMS:      cfg.ReleaseWindowMS,
		},
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := gw.Start(ctx); err != nil {
		logger.Error("start gateway", "err", err)
		cancel()
		os.Exit(1)
	}
	cancel()

	var tap *diag.Tap
	var httpServer *http.Server
	if cfg.Diag.Enabled {
		tap = diag.NewTap(bus, logger.With("component", "diag"))
		go tap.Run()

		httpServer = &http.Server{
			Addr:         cfg.Diag.Listen,
			Handler:      tap,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			logger.Info("diagnostic tap listening", "addr", cfg.Diag.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("diag server", "err", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("diag server shutdown", "err", err)
		}
		shutdownCancel()
	}
	if tap != nil {
		tap.Stop()
	}
	gw.Stop()

	logger.Info("goodbye")
}

// dialFunc returns the transport opener matching the configured mode.
// The Connector calls it on every (re)connect so a fresh link is opened
// each time.
func dialFunc(cfg *config.Config) func() (transport.Transport, error) {
	switch cfg.Transport.Mode {
	case "tcp":
		return func() (transport.Transport, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return transport.OpenTCP(ctx, cfg.Transport.Host)
		}
	default:
		return func() (transport.Transport, error) {
			return transport.OpenSerial(cfg.Transport.Port, cfg.Transport.Baud)
		}
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
