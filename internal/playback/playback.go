// Package playback defines where synthesised audio goes once it is ready.
package playback

import (
	"context"
	"fmt"
	"sync"
)

// Audio is interleaved signed 16-bit little-endian PCM.
type Audio struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// Frames is the number of sample frames in a.
func (a Audio) Frames() int {
	if a.Channels <= 0 {
		return 0
	}
	return len(a.PCM) / (2 * a.Channels)
}

func (a Audio) validate() error {
	if a.SampleRate <= 0 || a.Channels <= 0 {
		return fmt.Errorf("invalid audio format: %d Hz, %d channels", a.SampleRate, a.Channels)
	}
	if len(a.PCM)%(2*a.Channels) != 0 {
		return fmt.Errorf("pcm length %d is not a whole number of frames", len(a.PCM))
	}
	return nil
}

// Player consumes clips in order. Play returns once the clip has been
// handed off completely or ctx ends.
type Player interface {
	Play(ctx context.Context, a Audio) error
}

// Discard accepts every clip and keeps counts.
type Discard struct {
	mu     sync.Mutex
	clips  int
	frames int
}

func (d *Discard) Play(ctx context.Context, a Audio) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clips++
	d.frames += a.Frames()
	return nil
}

// Counts returns the clips and frames played so far.
func (d *Discard) Counts() (clips, frames int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clips, d.frames
}
