package playback

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samples(vals ...int16) []byte {
	out := make([]byte, 0, 2*len(vals))
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint16(out, uint16(v))
	}
	return out
}

func TestWAVWriterConcatenatesClips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := NewWAVWriter(f)
	ctx := context.Background()
	require.NoError(t, w.Play(ctx, Audio{SampleRate: 24000, Channels: 1, PCM: samples(1, -2, 300)}))
	require.NoError(t, w.Play(ctx, Audio{SampleRate: 24000, Channels: 1, PCM: samples(-32768, 32767)}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	in, err := os.Open(path)
	require.NoError(t, err)
	defer in.Close()
	dec := wav.NewDecoder(in)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 24000, buf.Format.SampleRate)
	assert.Equal(t, 1, buf.Format.NumChannels)
	assert.Equal(t, []int{1, -2, 300, -32768, 32767}, buf.Data)
}

func TestWAVWriterRejectsFormatChange(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out.wav"))
	require.NoError(t, err)
	defer f.Close()

	w := NewWAVWriter(f)
	require.NoError(t, w.Play(context.Background(), Audio{SampleRate: 24000, Channels: 1, PCM: samples(1)}))
	err = w.Play(context.Background(), Audio{SampleRate: 16000, Channels: 1, PCM: samples(1)})
	assert.ErrorContains(t, err, "format mismatch")
	require.NoError(t, w.Close())
	assert.Error(t, w.Play(context.Background(), Audio{SampleRate: 24000, Channels: 1, PCM: samples(1)}))
}

func TestDiscardCounts(t *testing.T) {
	var d Discard
	ctx := context.Background()
	require.NoError(t, d.Play(ctx, Audio{SampleRate: 8000, Channels: 2, PCM: samples(1, 2, 3, 4)}))
	require.NoError(t, d.Play(ctx, Audio{SampleRate: 8000, Channels: 1, PCM: nil}))
	assert.Error(t, d.Play(ctx, Audio{SampleRate: 8000, Channels: 2, PCM: samples(1)}))
	assert.Error(t, d.Play(ctx, Audio{Channels: 1}))

	clips, frames := d.Counts()
	assert.Equal(t, 2, clips)
	assert.Equal(t, 2, frames)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, d.Play(cancelled, Audio{SampleRate: 8000, Channels: 1}), context.Canceled)
}
