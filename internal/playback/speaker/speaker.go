// Package speaker plays audio on the default output device.
package speaker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/loqalabs/loqa-tts/internal/playback"
)

// Speaker owns the process-wide audio context, so create at most one.
type Speaker struct {
	ctx      *oto.Context
	rate     int
	channels int
	logger   *slog.Logger
	mu       sync.Mutex
}

func New(sampleRate, channels int, logger *slog.Logger) (*Speaker, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}
	octx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("open audio device: %w", err)
	}
	<-ready
	logger = logger.With(slog.String("component", "speaker"))
	logger.Debug("audio device ready", slog.Int("sample_rate", sampleRate), slog.Int("channels", channels))
	return &Speaker{ctx: octx, rate: sampleRate, channels: channels, logger: logger}, nil
}

// Play blocks until the clip finished playing. Cancelling ctx stops it.
func (s *Speaker) Play(ctx context.Context, a playback.Audio) error {
	if a.SampleRate != s.rate || a.Channels != s.channels {
		return fmt.Errorf("speaker opened for %d Hz, %d ch; got %d Hz, %d ch", s.rate, s.channels, a.SampleRate, a.Channels)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	player := s.ctx.NewPlayer(bytes.NewReader(a.PCM))
	defer player.Close()
	player.Play()

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			s.logger.Debug("playback interrupted")
			return ctx.Err()
		case <-tick.C:
		}
	}
	return player.Err()
}
