package client

import (
	"github.com/loqalabs/loqa-tts/internal/fdpass"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

// Audio is one synthesised clip. Shared-memory clips stay mapped until
// Close; PCM must not be used afterwards.
type Audio struct {
	Format     protocol.Format
	SampleRate int
	Channels   int

	data    []byte
	mapping *fdpass.Mapping
}

// NewAudio wraps PCM that is already in memory.
func NewAudio(sampleRate, channels int, pcm []byte) *Audio {
	return &Audio{Format: protocol.FormatS16LE, SampleRate: sampleRate, Channels: channels, data: pcm}
}

// PCM returns interleaved signed 16-bit little-endian samples.
func (a *Audio) PCM() []byte {
	return a.data
}

// ZeroCopy reports whether the samples live in a shared mapping.
func (a *Audio) ZeroCopy() bool {
	return a.mapping != nil
}

func (a *Audio) Close() error {
	a.data = nil
	if a.mapping == nil {
		return nil
	}
	err := a.mapping.Close()
	a.mapping = nil
	return err
}
