package engine

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-tts/internal/config"
)

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func wasmName(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func wasmSection(id byte, body []byte) []byte {
	return append(append([]byte{id}, uleb(uint32(len(body)))...), body...)
}

// echoModule builds a WASI program whose _start writes output to stdout
// with a single fd_write call, whatever the request was.
func echoModule(output string) []byte {
	const i32 = 0x7f
	types := []byte{2,
		0x60, 4, i32, i32, i32, i32, 1, i32, // fd_write
		0x60, 0, 0, // _start
	}
	imports := append([]byte{1}, wasmName("wasi_snapshot_preview1")...)
	imports = append(imports, wasmName("fd_write")...)
	imports = append(imports, 0x00, 0x00)
	funcs := []byte{1, 1}
	memory := []byte{1, 0x00, 1}
	exports := append([]byte{2}, wasmName("memory")...)
	exports = append(exports, 0x02, 0)
	exports = append(exports, wasmName("_start")...)
	exports = append(exports, 0x00, 1)

	// fd_write(stdout, iovs=0, iovs_len=1, nwritten=8)
	body := []byte{0, 0x41, 1, 0x41, 0, 0x41, 1, 0x41, 8, 0x10, 0, 0x1a, 0x0b}
	code := append([]byte{1}, uleb(uint32(len(body)))...)
	code = append(code, body...)

	// The iovec at 0 points at the text stored from offset 16.
	mem := make([]byte, 16, 16+len(output))
	binary.LittleEndian.PutUint32(mem[0:], 16)
	binary.LittleEndian.PutUint32(mem[4:], uint32(len(output)))
	mem = append(mem, output...)
	data := []byte{1, 0x00, 0x41, 0, 0x0b}
	data = append(data, uleb(uint32(len(mem)))...)
	data = append(data, mem...)

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, wasmSection(1, types)...)
	out = append(out, wasmSection(2, imports)...)
	out = append(out, wasmSection(3, funcs)...)
	out = append(out, wasmSection(5, memory)...)
	out = append(out, wasmSection(7, exports)...)
	out = append(out, wasmSection(10, code)...)
	out = append(out, wasmSection(11, data)...)
	return out
}

func TestWasmEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voice.wasm")
	require.NoError(t, os.WriteFile(path, echoModule("{\"pcm_base64\":\"AQI=\"}\n{\"pcm_base64\":\"AwQ=\",\"final\":true}\n"), 0o644))

	eng, err := New(config.EngineConfig{Mode: "wasm", Module: path, SampleRate: 16000, Channels: 1})
	require.NoError(t, err)
	w := eng.(*Wasm)
	ctx := context.Background()
	t.Cleanup(func() { _ = w.Close(ctx) })

	model, err := eng.LoadModel(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, ModelID(2), model.ID())

	// Every call runs in a fresh instance.
	for i := 0; i < 3; i++ {
		pcm, err := eng.Synthesize(ctx, model, 8, "こんにちは", 1)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3, 4}, pcm.Data)
		assert.Equal(t, 16000, pcm.SampleRate)
	}
	require.NoError(t, eng.UnloadModel(ctx, model))
}

func TestWasmEngineReportsErrors(t *testing.T) {
	ctx := context.Background()
	w, err := newWasm(ctx, echoModule("{\"error\":\"voice data missing\"}\n"), 24000, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close(ctx) })

	_, err = w.LoadModel(ctx, 0)
	assert.ErrorContains(t, err, "voice data missing")

	_, err = newWasm(ctx, []byte("not wasm"), 24000, 1)
	assert.ErrorContains(t, err, "compile wasm module")

	_, err = NewWasm(ctx, filepath.Join(t.TempDir(), "missing.wasm"), 24000, 1)
	assert.ErrorContains(t, err, "read wasm module")
}

func TestCheckWasm(t *testing.T) {
	cfg := config.Default().Engine
	cfg.Mode = "wasm"
	cfg.Module = filepath.Join(t.TempDir(), "missing.wasm")
	assert.ErrorContains(t, Check(cfg), "engine module")

	require.NoError(t, os.WriteFile(cfg.Module, echoModule("\n"), 0o644))
	assert.NoError(t, Check(cfg))
}
