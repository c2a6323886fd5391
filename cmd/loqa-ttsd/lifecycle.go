package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-tts/internal/client"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/daemon"
	"github.com/loqalabs/loqa-tts/internal/launcher"
)

var errNotRunning = errors.New("daemon is not running")

func cliLogger(cfg config.Config) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.Telemetry.LogLevel)); err != nil || lvl < slog.LevelWarn {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newStartCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return startDaemon(cmd.Context(), flags, cfg, cmd.OutOrStdout())
		},
	}
}

func newStopCommand(flags *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return stopDaemon(cmd.Context(), cfg, timeout, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "How long to wait for the daemon to exit")
	return cmd
}

func newRestartCommand(flags *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop the daemon if it runs, then start it again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := stopDaemon(cmd.Context(), cfg, timeout, out); err != nil && !errors.Is(err, errNotRunning) {
				return err
			}
			return startDaemon(cmd.Context(), flags, cfg, out)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "How long to wait for the old daemon to exit")
	return cmd
}

func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			conn, err := client.Dial(ctx, cfg.Socket.Path, client.DialOptions{MaxFrameBytes: cfg.Socket.MaxFrameBytes})
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "not running (%s)\n", cfg.Socket.Path)
				return errNotRunning
			}
			defer conn.Close()
			report, err := conn.Status(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "state:       %s\n", report.State)
			fmt.Fprintf(out, "pid:         %d\n", report.PID)
			fmt.Fprintf(out, "version:     %s\n", report.Version)
			fmt.Fprintf(out, "uptime:      %s\n", (time.Duration(report.UptimeMS) * time.Millisecond).Round(time.Second))
			fmt.Fprintf(out, "socket:      %s\n", cfg.Socket.Path)
			fmt.Fprintf(out, "connections: %d\n", report.Connections)
			fmt.Fprintf(out, "in flight:   %d\n", report.InFlight)
			fmt.Fprintf(out, "models:      %d of %d resident [%s], pinned [%s]\n", len(report.Resident), report.Capacity, joinIDs(report.Resident), joinIDs(report.Pinned))
			return nil
		},
	}
}

// startDaemon launches a detached daemon through a client session, which
// spawns it and waits until it answers.
func startDaemon(ctx context.Context, flags *globalFlags, cfg config.Config, out io.Writer) error {
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	conn, err := client.Dial(dialCtx, cfg.Socket.Path, client.DialOptions{MaxFrameBytes: cfg.Socket.MaxFrameBytes})
	cancel()
	if err == nil {
		defer conn.Close()
		report, err := conn.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "already running (pid %d)\n", report.PID)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate daemon executable: %w", err)
	}
	opts := client.OptionsFromConfig(cfg, cliLogger(cfg))
	opts.AutoStart = true
	if opts.MaxAttempts < 2 {
		opts.MaxAttempts = 10
	}
	opts.DaemonExecutable = exe
	opts.DaemonArgs = flags.daemonArgs(cfg)
	session := client.NewSession(opts)
	defer session.Close()

	report, err := session.Status(ctx)
	if err != nil {
		hint := ""
		if cfg.Daemon.LogFile != "" {
			hint = " (see " + cfg.Daemon.LogFile + ")"
		}
		return fmt.Errorf("daemon did not come up%s: %w", hint, err)
	}
	fmt.Fprintf(out, "started (pid %d, socket %s)\n", report.PID, cfg.Socket.Path)
	return nil
}

// stopDaemon asks the daemon to shut down and falls back to signalling the
// lock owner when it does not answer.
func stopDaemon(ctx context.Context, cfg config.Config, timeout time.Duration, out io.Writer) error {
	lockPath := config.LockPath(cfg.Socket.Path)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pid := 0
	conn, err := client.Dial(ctx, cfg.Socket.Path, client.DialOptions{MaxFrameBytes: cfg.Socket.MaxFrameBytes})
	if err == nil {
		if report, err := conn.Status(ctx); err == nil {
			pid = int(report.PID)
		}
		err = conn.Shutdown(ctx)
		_ = conn.Close()
		if err == nil && waitUnlocked(ctx, lockPath) {
			fmt.Fprintf(out, "stopped (pid %d)\n", pid)
			return nil
		}
	}

	if !daemon.LockHeld(lockPath) {
		if pid == 0 {
			fmt.Fprintln(out, "not running")
			return errNotRunning
		}
		fmt.Fprintf(out, "stopped (pid %d)\n", pid)
		return nil
	}
	owner, err := daemon.ReadLockOwner(lockPath)
	if err != nil || owner <= 0 {
		return fmt.Errorf("daemon holds %s but its pid is unknown", lockPath)
	}
	if err := launcher.Terminate(ctx, owner, timeout/2); err != nil {
		return fmt.Errorf("terminate pid %d: %w", owner, err)
	}
	fmt.Fprintf(out, "terminated (pid %d)\n", owner)
	return nil
}

func waitUnlocked(ctx context.Context, lockPath string) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for daemon.LockHeld(lockPath) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

func joinIDs(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}
