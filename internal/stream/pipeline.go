package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-tts/internal/client"
	"github.com/loqalabs/loqa-tts/internal/playback"
)

type Synthesizer interface {
	Synthesize(ctx context.Context, req client.SynthesisRequest) (*client.Audio, error)
}

// Canceler tells the daemon to abandon a session's outstanding work.
type Canceler interface {
	CancelSession(ctx context.Context, session string) error
}

// SegmentError is one segment that could not be synthesised or played.
type SegmentError struct {
	Index int
	Text  string
	Err   error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d: %v", e.Index, e.Err)
}

func (e *SegmentError) Unwrap() error {
	return e.Err
}

// AbortError ends a run that saw more failed segments than allowed.
type AbortError struct {
	Failures []*SegmentError
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("aborted after %d failed segments: %v", len(e.Failures), errors.Join(e.errs()...))
}

func (e *AbortError) Unwrap() []error {
	return e.errs()
}

func (e *AbortError) errs() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f
	}
	return out
}

// MinAhead is the smallest usable window. A slot is freed only once its
// segment has played, so a window of one would never synthesise during
// playback.
const MinAhead = 2

type Pipeline struct {
	Synth  Synthesizer
	Player playback.Player
	// Canceler, when set, is told about the session of a cancelled run.
	Canceler Canceler
	StyleID  uint32
	Rate     float64
	// Ahead bounds segments synthesised or in flight but not yet played.
	// Values below MinAhead are raised to it.
	Ahead int
	// MaxFailures is how many failed segments are skipped before the run
	// aborts.
	MaxFailures int
	Logger      *slog.Logger
	OnError     func(*SegmentError)
}

type Result struct {
	Session string
	Played  int
	Failed  []*SegmentError
	Elapsed time.Duration
}

type outcome struct {
	audio *client.Audio
	err   error
}

// Run synthesises segments in order and plays each as soon as it and all
// segments before it are done.
func (p *Pipeline) Run(ctx context.Context, segments []string) (Result, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With(slog.String("component", "stream"))
	ahead := p.Ahead
	if ahead < MinAhead {
		ahead = MinAhead
	}
	res := Result{Session: uuid.NewString()}
	start := time.Now()
	logger.Debug("stream started", slog.String("session", res.Session), slog.Int("segments", len(segments)), slog.Int("ahead", ahead))

	results := make([]chan outcome, len(segments))
	for i := range results {
		results[i] = make(chan outcome, 1)
	}
	window := make(chan struct{}, ahead)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i, text := range segments {
			select {
			case window <- struct{}{}:
			case <-gctx.Done():
				return nil
			}
			g.Go(func() error {
				audio, err := p.Synth.Synthesize(gctx, client.SynthesisRequest{
					Text:    text,
					StyleID: p.StyleID,
					Rate:    p.Rate,
					Session: res.Session,
				})
				results[i] <- outcome{audio: audio, err: err}
				return nil
			})
		}
		return nil
	})

	g.Go(func() error {
		for i, text := range segments {
			var o outcome
			select {
			case o = <-results[i]:
			case <-gctx.Done():
				return gctx.Err()
			}
			err := o.err
			if err == nil {
				err = p.play(gctx, o.audio)
				_ = o.audio.Close()
			}
			<-window
			if err == nil {
				res.Played++
				continue
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			serr := &SegmentError{Index: i, Text: text, Err: err}
			res.Failed = append(res.Failed, serr)
			logger.Warn("segment failed", slog.Int("index", i), slog.String("error", err.Error()))
			if p.OnError != nil {
				p.OnError(serr)
			}
			if len(res.Failed) > p.MaxFailures {
				return &AbortError{Failures: res.Failed}
			}
		}
		return nil
	})

	err := g.Wait()
	// Release audio that was synthesised but never played.
	for _, ch := range results {
		select {
		case o := <-ch:
			if o.audio != nil {
				_ = o.audio.Close()
			}
		default:
		}
	}
	res.Elapsed = time.Since(start)

	if ctx.Err() != nil {
		p.cancelSession(res.Session, logger)
		return res, ctx.Err()
	}
	if err != nil {
		p.cancelSession(res.Session, logger)
		return res, err
	}
	logger.Debug("stream finished", slog.Int("played", res.Played), slog.Int("failed", len(res.Failed)), slog.Duration("elapsed", res.Elapsed))
	return res, nil
}

func (p *Pipeline) play(ctx context.Context, a *client.Audio) error {
	return p.Player.Play(ctx, playback.Audio{SampleRate: a.SampleRate, Channels: a.Channels, PCM: a.PCM()})
}

func (p *Pipeline) cancelSession(session string, logger *slog.Logger) {
	if p.Canceler == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Canceler.CancelSession(ctx, session); err != nil {
		logger.Debug("cancelling session failed", slog.String("session", session), slog.String("error", err.Error()))
	}
}
