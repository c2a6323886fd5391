package playback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// WAVWriter concatenates clips into one WAV stream. The format is fixed by
// the first clip; later clips must match it. Close finalises the header.
type WAVWriter struct {
	mu     sync.Mutex
	w      io.WriteSeeker
	enc    *wav.Encoder
	format *audio.Format
	closed bool
}

func NewWAVWriter(w io.WriteSeeker) *WAVWriter {
	return &WAVWriter{w: w}
}

func (ww *WAVWriter) Play(ctx context.Context, a Audio) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.validate(); err != nil {
		return err
	}
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("wav writer closed")
	}
	if ww.enc == nil {
		ww.format = &audio.Format{SampleRate: a.SampleRate, NumChannels: a.Channels}
		ww.enc = wav.NewEncoder(ww.w, a.SampleRate, bitDepth, a.Channels, 1)
	} else if ww.format.SampleRate != a.SampleRate || ww.format.NumChannels != a.Channels {
		return fmt.Errorf("format mismatch: expected %d Hz, %d ch; got %d Hz, %d ch",
			ww.format.SampleRate, ww.format.NumChannels, a.SampleRate, a.Channels)
	}
	buf := &audio.IntBuffer{
		Format:         ww.format,
		Data:           make([]int, len(a.PCM)/2),
		SourceBitDepth: bitDepth,
	}
	for i := range buf.Data {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(a.PCM[2*i:])))
	}
	return ww.enc.Write(buf)
}

// Close writes the final header. Without any clip there is nothing to
// finalise and the stream is left empty.
func (ww *WAVWriter) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if ww.enc == nil {
		return nil
	}
	return ww.enc.Close()
}
