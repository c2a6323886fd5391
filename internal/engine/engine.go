package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/loqalabs/loqa-tts/internal/config"
)

type ModelID uint32

type StyleID uint32

// Model is an opaque handle returned by LoadModel. It stays valid until it is
// passed to UnloadModel.
type Model interface {
	ID() ModelID
}

// PCM is interleaved signed 16-bit little endian audio.
type PCM struct {
	SampleRate int
	Channels   int
	Data       []byte
}

// Engine is the inference backend. All methods may be slow and may fail;
// callers treat errors as opaque.
type Engine interface {
	LoadModel(ctx context.Context, id ModelID) (Model, error)
	UnloadModel(ctx context.Context, m Model) error
	Synthesize(ctx context.Context, m Model, style StyleID, text string, rate float64) (PCM, error)
}

// New builds the engine selected by cfg.Mode.
func New(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Mode {
	case "mock":
		return NewMock(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		e, err := NewExec(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "wasm":
		w, err := NewWasm(context.Background(), cfg.Module, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}

// Check reports whether an engine built from cfg could serve anything: the
// catalog must not be empty and the program or module an engine runs must
// be on disk.
func Check(cfg config.EngineConfig) error {
	if len(cfg.Models) == 0 {
		return errors.New("no voice models configured")
	}
	switch cfg.Mode {
	case "exec":
	case "wasm":
		if _, err := os.Stat(cfg.Module); err != nil {
			return fmt.Errorf("engine module: %w", err)
		}
		return nil
	default:
		_, err := New(cfg)
		return err
	}
	e, err := NewExec(cfg.Command, cfg.SampleRate, cfg.Channels)
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return fmt.Errorf("engine program: %w", err)
	}
	return nil
}
