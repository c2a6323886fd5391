//go:build linux

package client

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/fdpass"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

func TestZeroCopyAudio(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.ZeroCopyMinBytes = 1
	cfg.Client.ZeroCopy = true
	startDaemon(t, cfg)
	s := NewSession(sessionOptions(cfg))
	t.Cleanup(func() { _ = s.Close() })

	text := "共有メモリ"
	audio, err := s.Synthesize(context.Background(), SynthesisRequest{Text: text, StyleID: 6, Rate: 1})
	require.NoError(t, err)
	assert.True(t, audio.ZeroCopy())

	ref := engine.NewMock(cfg.Engine.SampleRate, cfg.Engine.Channels)
	model, err := ref.LoadModel(context.Background(), 1)
	require.NoError(t, err)
	want, err := ref.Synthesize(context.Background(), model, 6, text, 1)
	require.NoError(t, err)
	assert.Equal(t, want.Data, audio.PCM())

	require.NoError(t, audio.Close())
	require.NoError(t, audio.Close())
	assert.Nil(t, audio.PCM())
}

// fakeDaemon answers zero-copy requests with a shared handle announcing
// announce bytes. The handle comes with a memfd holding shared, or with no
// descriptor at all when shared is nil. Inline requests get inline.
type fakeDaemon struct {
	announce uint64
	shared   []byte
	inline   []byte

	mu    sync.Mutex
	wants []bool
}

func (f *fakeDaemon) sendShared(conn net.Conn, id uint64) error {
	buf, err := fdpass.NewSharedBuffer("fake", f.shared)
	if err != nil {
		return err
	}
	defer buf.Close()
	frame, err := protocol.AppendResponseFrame(nil, protocol.Response{ID: id, Body: protocol.Audio{
		Format:     protocol.FormatS16LE,
		SampleRate: 16000,
		Channels:   1,
		Payload:    protocol.SharedHandle{Size: f.announce, Token: 1},
	}})
	if err != nil {
		return err
	}
	return fdpass.SendFrame(conn.(*net.UnixConn), frame, buf.Fd())
}

func (f *fakeDaemon) serve(t *testing.T, ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	dec := protocol.NewDecoder(conn, 0)
	enc := protocol.NewEncoder(conn)
	for {
		req, err := dec.ReadRequest()
		if err != nil {
			return
		}
		synth, ok := req.Body.(protocol.Synthesize)
		if !ok {
			_ = enc.WriteResponse(protocol.Response{ID: req.ID, Body: protocol.Ack{}})
			continue
		}
		f.mu.Lock()
		f.wants = append(f.wants, synth.WantsZeroCopy)
		f.mu.Unlock()
		if synth.WantsZeroCopy && f.shared != nil {
			if err := f.sendShared(conn, req.ID); err != nil {
				t.Log(err)
				return
			}
			continue
		}
		audio := protocol.Audio{Format: protocol.FormatS16LE, SampleRate: 16000, Channels: 1}
		if synth.WantsZeroCopy {
			audio.Payload = protocol.SharedHandle{Size: f.announce, Token: 1}
		} else {
			audio.Payload = protocol.Inline{Data: f.inline}
		}
		if err := enc.WriteResponse(protocol.Response{ID: req.ID, Body: audio}); err != nil {
			t.Log(err)
			return
		}
	}
}

func TestMissingDescriptorFallsBackInline(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "fake.sock")
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	fake := &fakeDaemon{announce: 4, inline: []byte{1, 2, 3, 4}}
	go fake.serve(t, ln)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, socket, DialOptions{ZeroCopy: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	audio, err := c.Synthesize(ctx, SynthesisRequest{Text: "x"})
	require.NoError(t, err)
	assert.False(t, audio.ZeroCopy())
	assert.Equal(t, []byte{1, 2, 3, 4}, audio.PCM())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []bool{true, false}, fake.wants)
}

func TestSizeMismatchFallsBackInline(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "fake.sock")
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	fake := &fakeDaemon{announce: 4096, shared: make([]byte, 64), inline: []byte{9, 9}}
	go fake.serve(t, ln)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, socket, DialOptions{ZeroCopy: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	audio, err := c.Synthesize(ctx, SynthesisRequest{Text: "x"})
	require.NoError(t, err)
	assert.False(t, audio.ZeroCopy())
	assert.Equal(t, []byte{9, 9}, audio.PCM())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []bool{true, false}, fake.wants)
}
