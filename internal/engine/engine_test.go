package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-tts/internal/config"
)

func TestCatalogLookups(t *testing.T) {
	catalog := NewCatalog(config.Default().Engine.Models)

	spec, ok := catalog.ModelFor(3)
	require.True(t, ok)
	assert.Equal(t, ModelID(0), spec.ID)

	spec, ok = catalog.ModelFor(29)
	require.True(t, ok)
	assert.Equal(t, ModelID(7), spec.ID)
	assert.Equal(t, "speaker-7", spec.Speaker)

	_, ok = catalog.ModelFor(999)
	assert.False(t, ok)

	models := catalog.Models()
	require.Len(t, models, 8)
	for i := 1; i < len(models); i++ {
		assert.Less(t, models[i-1].ID, models[i].ID)
	}
	assert.Len(t, catalog.Speakers(), 8)
}

func TestMockTracksLoadsAndUnloads(t *testing.T) {
	ctx := context.Background()
	mock := NewMock(16000, 1)

	model, err := mock.LoadModel(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, ModelID(4), model.ID())
	assert.Equal(t, 1, mock.Loads(4))
	assert.Equal(t, 1, mock.Resident(4))

	pcm, err := mock.Synthesize(ctx, model, 16, "hello", 1)
	require.NoError(t, err)
	assert.Equal(t, 16000, pcm.SampleRate)
	// 5 runes at 20ms each
	assert.Len(t, pcm.Data, 5*16000/50*2)

	require.NoError(t, mock.UnloadModel(ctx, model))
	assert.Equal(t, 0, mock.Resident(4))
	_, err = mock.Synthesize(ctx, model, 16, "hello", 1)
	assert.ErrorIs(t, err, ErrModelUnloaded)
}

func TestMockInjectedFailures(t *testing.T) {
	ctx := context.Background()
	mock := NewMock(0, 0)
	boom := errors.New("boom")

	mock.FailLoad(1, boom)
	_, err := mock.LoadModel(ctx, 1)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, mock.Resident(1))

	model, err := mock.LoadModel(ctx, 2)
	require.NoError(t, err)
	mock.FailUnload(2, boom)
	assert.ErrorIs(t, mock.UnloadModel(ctx, model), boom)
	assert.Equal(t, 1, mock.Resident(2))

	mock.FailSynthesis(func(text string) error {
		if text == "bad" {
			return boom
		}
		return nil
	})
	_, err = mock.Synthesize(ctx, model, 8, "bad", 1)
	assert.ErrorIs(t, err, boom)
	_, err = mock.Synthesize(ctx, model, 8, "good", 1)
	assert.NoError(t, err)
}

func TestMockHonoursContext(t *testing.T) {
	mock := NewMock(24000, 1)
	mock.SetDelays(time.Minute, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := mock.LoadModel(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecEngine(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "engine.sh")
	body := `#!/bin/sh
input=$(cat)
case "$input" in
  *'"op":"synthesize"'*)
    printf '{"pcm_base64":"AQI="}\n'
    printf '{"pcm_base64":"AwQ=","final":true}\n'
    ;;
  *'"op":"load"'*'"model":9'*)
    echo "no such model" >&2
    exit 3
    ;;
esac
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	eng, err := New(config.EngineConfig{Mode: "exec", Command: "sh " + script, SampleRate: 22050, Channels: 1})
	require.NoError(t, err)

	ctx := context.Background()
	model, err := eng.LoadModel(ctx, 1)
	require.NoError(t, err)
	pcm, err := eng.Synthesize(ctx, model, 4, "hi", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, pcm.Data)
	assert.Equal(t, 22050, pcm.SampleRate)
	require.NoError(t, eng.UnloadModel(ctx, model))

	_, err = eng.LoadModel(ctx, 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such model")
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(config.EngineConfig{Mode: "cloud"})
	assert.Error(t, err)
	_, err = NewExec("", 1, 1)
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	cfg := config.Default().Engine
	assert.NoError(t, Check(cfg))

	cfg.Mode = "exec"
	cfg.Command = "/nonexistent/loqa-voice --fast"
	assert.ErrorContains(t, Check(cfg), "engine program")

	cfg.Command = "sh -c true"
	assert.NoError(t, Check(cfg))

	cfg.Models = nil
	assert.ErrorContains(t, Check(cfg), "no voice models")
}
