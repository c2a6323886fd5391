package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/launcher"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateSpawningDaemon
	StateRetryConnecting
	StateGiveUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSpawningDaemon:
		return "spawning_daemon"
	case StateRetryConnecting:
		return "retry_connecting"
	case StateGiveUp:
		return "give_up"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	Socket string
	// AutoStart spawns a daemon when none answers.
	AutoStart bool
	// MaxAttempts bounds dial attempts per connection cycle, the first
	// one included.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxWait bounds the time spent waiting for a spawned daemon.
	MaxWait       time.Duration
	ZeroCopy      bool
	MaxFrameBytes int
	Logger        *slog.Logger

	// DaemonExecutable, DaemonArgs and DaemonLog describe the process
	// Spawn starts by default.
	DaemonExecutable string
	DaemonArgs       []string
	DaemonLog        string

	// Spawn replaces the default detached launch.
	Spawn func(ctx context.Context) error
	// CheckModels runs before a daemon is spawned; an error gives up.
	CheckModels func(ctx context.Context) error
	// OnTransition observes every state change.
	OnTransition func(from, to State)
}

// OptionsFromConfig fills Options from the client, daemon and socket
// sections of cfg.
func OptionsFromConfig(cfg config.Config, logger *slog.Logger) Options {
	return Options{
		Socket:           cfg.Socket.Path,
		AutoStart:        cfg.Client.AutoStart,
		MaxAttempts:      cfg.Client.MaxAttempts,
		InitialBackoff:   time.Duration(cfg.Client.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:       time.Duration(cfg.Client.MaxBackoffMS) * time.Millisecond,
		MaxWait:          time.Duration(cfg.Client.MaxWaitMS) * time.Millisecond,
		ZeroCopy:         cfg.Client.ZeroCopy && cfg.Daemon.ZeroCopy,
		MaxFrameBytes:    cfg.Socket.MaxFrameBytes,
		Logger:           logger,
		DaemonExecutable: cfg.Daemon.Executable,
		DaemonLog:        cfg.Daemon.LogFile,
	}
}

// Session holds at most one daemon connection and reconnects, spawning the
// daemon if needed, on the first call after it was lost.
type Session struct {
	opts   Options
	logger *slog.Logger

	dialMu sync.Mutex

	mu    sync.Mutex
	state State
	conn  *Conn
}

func NewSession(opts Options) *Session {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Logger = logger
	return &Session{opts: opts, logger: logger.With(slog.String("component", "session"))}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	s.logger.Debug("session state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(from, to)
	}
}

// daemonAbsent reports dial errors that mean nobody is listening.
func daemonAbsent(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
}

func (s *Session) dial(ctx context.Context) (*Conn, error) {
	return Dial(ctx, s.opts.Socket, DialOptions{
		ZeroCopy:      s.opts.ZeroCopy,
		MaxFrameBytes: s.opts.MaxFrameBytes,
		Logger:        s.opts.Logger,
	})
}

// Conn returns the live connection, running a connection cycle first when
// there is none.
func (s *Session) Conn(ctx context.Context) (*Conn, error) {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c != nil && !c.Closed() {
		return c, nil
	}
	if c != nil {
		s.drop(c)
	}

	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
	s.transition(StateConnected)
	return c, nil
}

func (s *Session) connect(ctx context.Context) (*Conn, error) {
	s.transition(StateConnecting)
	c, err := s.dial(ctx)
	if err == nil {
		return c, nil
	}
	if ctx.Err() != nil {
		s.transition(StateIdle)
		return nil, ctx.Err()
	}
	if !daemonAbsent(err) {
		return nil, s.giveUp(err.Error(), 1, err)
	}
	if !s.opts.AutoStart {
		return nil, s.giveUp("daemon is not running and auto-start is disabled", 1, err)
	}
	if s.opts.MaxAttempts <= 1 {
		return nil, s.giveUp("no connection attempts left to wait for a spawned daemon", 1, err)
	}
	if s.opts.CheckModels != nil {
		if cerr := s.opts.CheckModels(ctx); cerr != nil {
			return nil, s.giveUp("model check failed: "+cerr.Error(), 1, cerr)
		}
	}

	s.transition(StateSpawningDaemon)
	if serr := s.spawn(ctx); serr != nil {
		return nil, s.giveUp("spawning daemon failed: "+serr.Error(), 1, serr)
	}

	s.transition(StateRetryConnecting)
	waitCtx := ctx
	if s.opts.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.opts.MaxWait)
		defer cancel()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2

	attempts := 1
	c, err = backoff.Retry(waitCtx, func() (*Conn, error) {
		attempts++
		c, err := s.dial(waitCtx)
		if err != nil && !daemonAbsent(err) && waitCtx.Err() == nil {
			return nil, backoff.Permanent(err)
		}
		return c, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.opts.MaxAttempts-1)),
		backoff.WithMaxElapsedTime(s.opts.MaxWait),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("daemon not ready", slog.Int("attempt", attempts), slog.Duration("retry_in", next), slog.String("error", err.Error()))
		}),
	)
	if err == nil {
		s.logger.Info("connected to spawned daemon", slog.Int("attempts", attempts))
		return c, nil
	}
	switch {
	case ctx.Err() != nil:
		s.transition(StateIdle)
		return nil, ctx.Err()
	case waitCtx.Err() != nil || attempts < s.opts.MaxAttempts && daemonAbsent(err):
		return nil, s.giveUp(fmt.Sprintf("daemon did not answer within %s", s.opts.MaxWait), attempts, errors.Join(ErrConnectTimeout, err))
	default:
		return nil, s.giveUp("daemon did not accept connections: "+err.Error(), attempts, err)
	}
}

func (s *Session) spawn(ctx context.Context) error {
	if s.opts.Spawn != nil {
		return s.opts.Spawn(ctx)
	}
	name := s.opts.DaemonExecutable
	if name == "" {
		name = "loqa-ttsd"
	}
	exe, err := launcher.ResolveExecutable(name)
	if err != nil {
		return err
	}
	pid, err := launcher.Spawn(launcher.Spec{
		Executable: exe,
		Args:       s.opts.DaemonArgs,
		LogFile:    s.opts.DaemonLog,
		Env:        []string{"LOQA_TTS_SOCKET=" + s.opts.Socket},
	})
	if err != nil {
		return err
	}
	s.logger.Info("spawned daemon", slog.String("executable", exe), slog.Int("pid", pid))
	return nil
}

func (s *Session) giveUp(reason string, attempts int, err error) error {
	s.transition(StateGiveUp)
	s.logger.Warn("giving up on daemon connection", slog.String("reason", reason), slog.Int("attempts", attempts))
	return &GiveUpError{Reason: reason, Attempts: attempts, Err: err}
}

// drop forgets c; the next call runs a fresh connection cycle.
func (s *Session) drop(c *Conn) {
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()
	_ = c.Close()
	s.transition(StateIdle)
}

// Close drops the current connection, if any.
func (s *Session) Close() error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		s.drop(c)
	}
	return nil
}

func do[T any](ctx context.Context, s *Session, fn func(*Conn) (T, error)) (T, error) {
	c, err := s.Conn(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := fn(c)
	if err != nil && (errors.Is(err, ErrDisconnected) || c.Closed()) {
		s.drop(c)
	}
	return v, err
}

func (s *Session) Synthesize(ctx context.Context, req SynthesisRequest) (*Audio, error) {
	return do(ctx, s, func(c *Conn) (*Audio, error) { return c.Synthesize(ctx, req) })
}

func (s *Session) ListModels(ctx context.Context) ([]protocol.ModelInfo, error) {
	return do(ctx, s, func(c *Conn) ([]protocol.ModelInfo, error) { return c.ListModels(ctx) })
}

func (s *Session) ListSpeakers(ctx context.Context) ([]protocol.SpeakerInfo, error) {
	return do(ctx, s, func(c *Conn) ([]protocol.SpeakerInfo, error) { return c.ListSpeakers(ctx) })
}

func (s *Session) Status(ctx context.Context) (protocol.StatusReport, error) {
	return do(ctx, s, func(c *Conn) (protocol.StatusReport, error) { return c.Status(ctx) })
}

func (s *Session) Shutdown(ctx context.Context) error {
	_, err := do(ctx, s, func(c *Conn) (struct{}, error) { return struct{}{}, c.Shutdown(ctx) })
	return err
}

// CancelSession aborts a streaming session's outstanding requests on the
// current connection. Without a connection there is nothing to cancel.
func (s *Session) CancelSession(ctx context.Context, session string) error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil || c.Closed() {
		return nil
	}
	return c.CancelSession(ctx, session)
}
