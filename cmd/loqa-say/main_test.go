package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-tts/internal/client"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/daemon"
	"github.com/loqalabs/loqa-tts/internal/engine"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	return dir
}

func startDaemon(t *testing.T) (string, *engine.Mock) {
	t.Helper()
	dir := isolate(t)
	cfg := config.Default()
	cfg.Socket.Path = filepath.Join(dir, "tts.sock")

	mock := engine.NewMock(cfg.Engine.SampleRate, cfg.Engine.Channels)
	srv, err := daemon.New(daemon.Options{
		Config:  cfg,
		Engine:  mock,
		Catalog: engine.NewCatalog(cfg.Engine.Models),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version: "test",
	})
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(context.Background())
	}()
	select {
	case <-srv.Listening():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not start")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		<-done
	})
	return cfg.Socket.Path, mock
}

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestSayWritesWAV(t *testing.T) {
	socket, mock := startDaemon(t)
	path := filepath.Join(t.TempDir(), "out.wav")

	_, _, err := execute(t, "", "--socket", socket, "--no-autostart", "--style", "5", "--out", path, "こんにちは。", "元気ですか？")
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 24000, buf.Format.SampleRate)
	assert.NotEmpty(t, buf.Data)
	// Style 5 belongs to model 1.
	assert.Equal(t, 1, mock.Loads(1))
}

func TestSayReadsStdinAndSkipsFailedSegments(t *testing.T) {
	socket, mock := startDaemon(t)
	mock.FailSynthesis(func(text string) error {
		if strings.Contains(text, "broken") {
			return errors.New("cannot say that")
		}
		return nil
	})

	_, stderr, err := execute(t, "First line.\nThis one is broken.\nLast line.", "--socket", socket, "--no-autostart", "--discard")
	require.NoError(t, err)
	assert.Contains(t, stderr, "skipped segment 2")
}

func TestSayWithoutDaemonGivesUp(t *testing.T) {
	dir := isolate(t)
	_, _, err := execute(t, "", "--socket", filepath.Join(dir, "none.sock"), "--no-autostart", "--discard", "hello")
	var giveUp *client.GiveUpError
	require.ErrorAs(t, err, &giveUp)
}

func TestSayNothing(t *testing.T) {
	dir := isolate(t)
	_, _, err := execute(t, "  \n ", "--socket", filepath.Join(dir, "x.sock"), "--discard")
	assert.ErrorContains(t, err, "nothing to say")
}

func TestSpeakersAndModels(t *testing.T) {
	socket, _ := startDaemon(t)

	out, _, err := execute(t, "", "speakers", "--socket", socket, "--no-autostart")
	require.NoError(t, err)
	assert.Contains(t, out, "speaker-2")
	assert.Contains(t, out, "9:sweet")

	out, _, err = execute(t, "", "models", "--socket", socket, "--no-autostart")
	require.NoError(t, err)
	assert.Contains(t, out, "model-7")
}
