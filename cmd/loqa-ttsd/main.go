package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/daemon"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/telemetry"
)

var version = "0.1.0-dev"

type globalFlags struct {
	configPath string
	socket     string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:           "loqa-ttsd",
		Short:         "Local text-to-speech daemon",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Telemetry.LogLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := runDaemon(ctx, cfg, logger); err != nil {
				logger.Error("daemon exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&flags.socket, "socket", "", "Socket path (overrides config)")

	cmd.AddCommand(
		newStartCommand(&flags),
		newStopCommand(&flags),
		newRestartCommand(&flags),
		newStatusCommand(&flags),
		newEventsCommand(&flags),
	)
	return cmd
}

func (f *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if f.socket != "" {
		cfg.Socket.Path = f.socket
	}
	return cfg, nil
}

// daemonArgs are passed to a detached daemon so it reads the same config.
func (f *globalFlags) daemonArgs(cfg config.Config) []string {
	var args []string
	if f.configPath != "" {
		args = append(args, "--config", f.configPath)
	}
	return append(args, "--socket", cfg.Socket.Path)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func runDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	sessionID := uuid.NewString()
	logger = logger.With(slog.String("session", sessionID))

	tel, err := telemetry.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()
	metrics, err := telemetry.NewMetrics(tel.Meter())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	defer store.Close()
	if err := store.BeginSession(ctx, eventstore.Session{
		ID:      sessionID,
		PID:     os.Getpid(),
		Socket:  cfg.Socket.Path,
		Version: version,
	}); err != nil {
		logger.Warn("failed to journal session start", slog.String("error", err.Error()))
	}
	defer func() {
		if err := store.EndSession(context.Background(), sessionID); err != nil {
			logger.Warn("failed to journal session end", slog.String("error", err.Error()))
		}
	}()

	recorder := &daemon.JournalRecorder{Store: store, Logger: logger, Limiter: daemon.NewFailureLimiter(20, 50)}
	if cfg.Bus.Enabled {
		embedded, err := bus.StartEmbedded(cfg.Bus, logger)
		if err != nil {
			return fmt.Errorf("event bus: %w", err)
		}
		defer embedded.Shutdown()
		servers := cfg.Bus.Servers
		if embedded != nil {
			servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, cfg.Bus, servers, logger)
		if err != nil {
			logger.Warn("event bus unavailable, events are only journaled", slog.String("error", err.Error()))
		} else {
			defer client.Close()
			recorder.Bus = client
		}
	}

	eng, err := engine.New(cfg.Engine)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c, ok := eng.(interface{ Close(context.Context) error }); ok {
		defer c.Close(context.Background())
	}

	srv, err := daemon.New(daemon.Options{
		Config:         cfg,
		Engine:         eng,
		Catalog:        engine.NewCatalog(cfg.Engine.Models),
		Logger:         logger,
		Version:        version,
		SessionID:      sessionID,
		Metrics:        metrics,
		MetricsHandler: tel.MetricsHandler(),
		Tracer:         tel.Tracer(),
		Recorder:       recorder,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// exitCode separates "another daemon owns the socket" from other failures
// so scripts can tell them apart.
func exitCode(err error) int {
	var running *daemon.AlreadyRunningError
	var bind *daemon.BindError
	switch {
	case errors.As(err, &running):
		fmt.Fprintln(os.Stderr, err)
		return 3
	case errors.As(err, &bind):
		fmt.Fprintln(os.Stderr, err)
		return 4
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
}
