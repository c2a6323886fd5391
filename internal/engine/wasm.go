package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Wasm runs a WASI voice program inside the daemon. The module is compiled
// once; every operation instantiates it with the JSON request on stdin and
// reads JSON lines from stdout, the same exchange Exec has with a process.
type Wasm struct {
	rt         wazero.Runtime
	compiled   wazero.CompiledModule
	sampleRate int
	channels   int
	seq        atomic.Uint64
}

func NewWasm(ctx context.Context, path string, sampleRate, channels int) (*Wasm, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	return newWasm(ctx, bin, sampleRate, channels)
}

func newWasm(ctx context.Context, bin []byte, sampleRate, channels int) (*Wasm, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}
	return &Wasm{rt: rt, compiled: compiled, sampleRate: sampleRate, channels: channels}, nil
}

// Close releases the compiled module and the runtime.
func (w *Wasm) Close(ctx context.Context) error {
	return errors.Join(w.compiled.Close(ctx), w.rt.Close(ctx))
}

func (w *Wasm) LoadModel(ctx context.Context, id ModelID) (Model, error) {
	if _, err := w.run(ctx, execRequest{Op: "load", Model: uint32(id)}); err != nil {
		return nil, err
	}
	return execModel{id: id}, nil
}

func (w *Wasm) UnloadModel(ctx context.Context, m Model) error {
	_, err := w.run(ctx, execRequest{Op: "unload", Model: uint32(m.ID())})
	return err
}

func (w *Wasm) Synthesize(ctx context.Context, m Model, style StyleID, text string, rate float64) (PCM, error) {
	data, err := w.run(ctx, execRequest{
		Op:    "synthesize",
		Model: uint32(m.ID()),
		Style: uint32(style),
		Text:  text,
		Rate:  rate,
	})
	if err != nil {
		return PCM{}, err
	}
	return PCM{SampleRate: w.sampleRate, Channels: w.channels, Data: data}, nil
}

func (w *Wasm) run(ctx context.Context, req execRequest) ([]byte, error) {
	req.SampleRate = w.sampleRate
	req.Channels = w.channels
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("voice-%d", w.seq.Add(1))).
		WithArgs("voice", req.Op).
		WithStdin(bytes.NewReader(payload)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	mod, err := w.rt.InstantiateModule(ctx, w.compiled, cfg)
	if mod != nil {
		_ = mod.Close(ctx)
	}
	if err != nil {
		var exit *sys.ExitError
		if !errors.As(err, &exit) || exit.ExitCode() != 0 {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return nil, fmt.Errorf("engine %s: %w: %s", req.Op, err, msg)
			}
			return nil, fmt.Errorf("engine %s: %w", req.Op, err)
		}
	}
	pcm, err := decodeOutput(&stdout)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", req.Op, err)
	}
	return pcm, nil
}
