package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/daemon"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(dir, "run"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEventsListsJournal(t *testing.T) {
	isolate(t)
	cfg, err := config.Load("")
	require.NoError(t, err)

	ctx := context.Background()
	store, err := eventstore.Open(ctx, cfg.EventStore, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, store.BeginSession(ctx, eventstore.Session{ID: "0123456789abcdef", PID: 42, Version: "test"}))
	require.NoError(t, store.AppendEvent(ctx, eventstore.Event{
		SessionID: "0123456789abcdef",
		Type:      daemon.EventModelFailed,
		Level:     "error",
		Message:   "model failed to load",
		Attrs:     map[string]string{"model_id": "3"},
	}))
	require.NoError(t, store.Close())

	out, err := execute(t, "events")
	require.NoError(t, err)
	assert.Contains(t, out, "01234567")
	assert.Contains(t, out, "model.failed")
	assert.Contains(t, out, "model failed to load model_id=3")

	out, err = execute(t, "events", "--sessions")
	require.NoError(t, err)
	assert.Contains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "42")
}

func TestForegroundDaemonStatusAndStop(t *testing.T) {
	dir := isolate(t)
	socket := filepath.Join(dir, "tts.sock")
	t.Setenv("LOQA_TTS_SOCKET", socket)
	cfg, err := config.Load("")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- runDaemon(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()
	require.Eventually(t, func() bool {
		_, err := os.Stat(socket)
		return err == nil && daemon.LockHeld(config.LockPath(socket))
	}, 5*time.Second, 20*time.Millisecond)

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "state:       listening")
	assert.Contains(t, out, socket)

	out, err = execute(t, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not exit")
	}

	out, err = execute(t, "status")
	assert.ErrorIs(t, err, errNotRunning)
	assert.Contains(t, out, "not running")

	// Session start and stop are journaled.
	store, err := eventstore.Open(context.Background(), cfg.EventStore, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer store.Close()
	sessions, err := store.ListSessions(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, os.Getpid(), sessions[0].PID)
	assert.False(t, sessions[0].StoppedAt.IsZero())
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 3, exitCode(&daemon.AlreadyRunningError{PID: 1, Path: "/x.lock"}))
	assert.Equal(t, 4, exitCode(&daemon.BindError{Path: "/x.sock", Err: os.ErrPermission}))
	assert.Equal(t, 1, exitCode(errNotRunning))
}
