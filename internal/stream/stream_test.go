package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-tts/internal/client"
	"github.com/loqalabs/loqa-tts/internal/playback"
)

func TestSplitSentences(t *testing.T) {
	got := Split("こんにちは。今日はいい天気ですね！ 散歩に行きましょうか？", Options{})
	assert.Equal(t, []string{"こんにちは。", "今日はいい天気ですね！", "散歩に行きましょうか？"}, got)

	got = Split("Hello there. Pi is 3.14, roughly!? Yes...\n\nNew line", Options{})
	assert.Equal(t, []string{"Hello there.", "Pi is 3.14, roughly!?", "Yes...", "New line"}, got)

	got = Split("「そうですか。」と彼は言った。", Options{})
	assert.Equal(t, []string{"「そうですか。」", "と彼は言った。"}, got)
}

func TestSplitDropsBlanks(t *testing.T) {
	assert.Empty(t, Split("  \n\n \t ", Options{}))
	assert.Equal(t, []string{"!"}, Split("\n!\n", Options{}))
}

func TestSplitNormalises(t *testing.T) {
	got := Split("Cafe\u0301 au lait.", Options{})
	assert.Equal(t, []string{"Caf\u00e9 au lait."}, got)

	// Half-width katakana stays as it is under NFC.
	got = Split("ｶﾞ", Options{})
	assert.Equal(t, []string{"ｶﾞ"}, got)
}

func TestSplitLongSentenceAtClauses(t *testing.T) {
	text := "一つ目の節です、二つ目の節です、三つ目の節です。"
	got := Split(text, Options{MaxRunes: 16})
	assert.Equal(t, []string{"一つ目の節です、二つ目の節です、", "三つ目の節です。"}, got)
	for _, s := range got {
		assert.LessOrEqual(t, utf8.RuneCountInString(s), 16)
	}
}

func TestSplitHardLimit(t *testing.T) {
	text := strings.Repeat("あ", 25)
	got := Split(text, Options{MaxRunes: 10})
	require.Len(t, got, 3)
	assert.Equal(t, strings.Repeat("あ", 10), got[0])
	assert.Equal(t, strings.Repeat("あ", 5), got[2])
	assert.Equal(t, text, strings.Join(got, ""))
}

// rig is a synthesizer and player that tracks the look-ahead window.
type rig struct {
	mu        sync.Mutex
	fail      map[string]error
	delay     time.Duration
	issued    int
	played    []string
	maxAhead  int
	clips     []*client.Audio
	sessions  map[string]bool
	cancelled []string

	blockPlay chan struct{}
	playing   chan struct{}
}

func newRig() *rig {
	return &rig{fail: map[string]error{}, sessions: map[string]bool{}}
}

func (r *rig) Synthesize(ctx context.Context, req client.SynthesisRequest) (*client.Audio, error) {
	r.mu.Lock()
	r.issued++
	if ahead := r.issued - len(r.played); ahead > r.maxAhead {
		r.maxAhead = ahead
	}
	r.sessions[req.Session] = true
	err := r.fail[req.Text]
	delay := r.delay
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	audio := client.NewAudio(24000, 1, []byte(req.Text))
	r.mu.Lock()
	r.clips = append(r.clips, audio)
	r.mu.Unlock()
	return audio, nil
}

func (r *rig) Play(ctx context.Context, a playback.Audio) error {
	if r.blockPlay != nil {
		select {
		case r.playing <- struct{}{}:
		default:
		}
		select {
		case <-r.blockPlay:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.played = append(r.played, string(a.PCM))
	return nil
}

func (r *rig) CancelSession(_ context.Context, session string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, session)
	return nil
}

func TestPipelineSkipsFailedSegment(t *testing.T) {
	r := newRig()
	r.fail["two"] = errors.New("engine hiccup")
	r.delay = 5 * time.Millisecond
	var reported []*SegmentError
	p := &Pipeline{Synth: r, Player: r, Canceler: r, Ahead: 2, MaxFailures: 3, OnError: func(e *SegmentError) { reported = append(reported, e) }}

	res, err := p.Run(context.Background(), []string{"one", "two", "three", "four"})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "three", "four"}, r.played)
	assert.Equal(t, 3, res.Played)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 1, res.Failed[0].Index)
	assert.Equal(t, "two", res.Failed[0].Text)
	require.Len(t, reported, 1)
	assert.Same(t, res.Failed[0], reported[0])
	assert.Empty(t, r.cancelled)
	assert.Equal(t, map[string]bool{res.Session: true}, r.sessions)
}

func TestPipelineRespectsLookAhead(t *testing.T) {
	r := newRig()
	r.delay = time.Millisecond
	p := &Pipeline{Synth: r, Player: r, Ahead: 2}

	segments := make([]string, 20)
	for i := range segments {
		segments[i] = strings.Repeat("x", i+1)
	}
	res, err := p.Run(context.Background(), segments)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Played)
	assert.Equal(t, segments, r.played)
	assert.LessOrEqual(t, r.maxAhead, 2)
}

func TestPipelineSmallWindowStillOverlapsPlayback(t *testing.T) {
	for _, ahead := range []int{0, 1} {
		r := newRig()
		r.blockPlay = make(chan struct{})
		r.playing = make(chan struct{}, 1)
		p := &Pipeline{Synth: r, Player: r, Ahead: ahead}

		done := make(chan error, 1)
		go func() {
			_, err := p.Run(context.Background(), []string{"a", "b", "c"})
			done <- err
		}()
		select {
		case <-r.playing:
		case <-time.After(2 * time.Second):
			t.Fatal("playback never started")
		}
		// "b" is synthesised while "a" is still playing.
		require.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return r.issued == 2
		}, 2*time.Second, 5*time.Millisecond, "ahead=%d", ahead)
		close(r.blockPlay)

		require.NoError(t, <-done)
		assert.Equal(t, []string{"a", "b", "c"}, r.played)
	}
}

func TestPipelineAbortsAfterTooManyFailures(t *testing.T) {
	r := newRig()
	r.fail["b"] = errors.New("bad b")
	r.fail["c"] = errors.New("bad c")
	p := &Pipeline{Synth: r, Player: r, Canceler: r, Ahead: 2, MaxFailures: 1}

	res, err := p.Run(context.Background(), []string{"a", "b", "c", "d"})
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Len(t, abort.Failures, 2)
	assert.ErrorContains(t, err, "bad c")
	assert.Equal(t, []string{"a"}, r.played)
	assert.Equal(t, []string{res.Session}, r.cancelled)
}

func TestPipelineCancellation(t *testing.T) {
	r := newRig()
	r.blockPlay = make(chan struct{})
	r.playing = make(chan struct{}, 1)
	p := &Pipeline{Synth: r, Player: r, Canceler: r, Ahead: 2, MaxFailures: 3}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var (
		res Result
		err error
	)
	go func() {
		defer close(done)
		res, err = p.Run(ctx, []string{"s1", "s2", "s3", "s4", "s5"})
	}()

	select {
	case <-r.playing:
	case <-time.After(2 * time.Second):
		t.Fatal("playback never started")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{res.Session}, r.cancelled)
	assert.LessOrEqual(t, r.issued, 2)
	assert.Empty(t, r.played)
	for _, clip := range r.clips {
		assert.Nil(t, clip.PCM(), "clip left open")
	}
}
