// Package daemon serves synthesis requests on a Unix socket.
//
// A Server moves through NotRunning, Starting, Listening, ShuttingDown and
// Stopped exactly once. Only one Server may listen on a socket path; the
// singleton is an flock on "<socket>.lock" taken before the socket is
// touched.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/modelcache"
	"github.com/loqalabs/loqa-tts/internal/telemetry"
)

type Options struct {
	Config  config.Config
	Engine  engine.Engine
	Catalog *engine.Catalog
	Logger  *slog.Logger
	Version string
	// SessionID tags journal events of this run.
	SessionID      string
	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler
	Tracer         trace.Tracer
	Recorder       Recorder
}

type Server struct {
	cfg       config.Config
	engine    engine.Engine
	catalog   *engine.Catalog
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	recorder  Recorder
	version   string
	sessionID string
	pinned    []engine.ModelID
	metricsH  http.Handler

	started   atomic.Bool
	state     atomic.Int32
	startedAt time.Time
	cache     *modelcache.Cache
	listener  *net.UnixListener
	lock      *Lock
	http      *http.Server

	requests requestTracker
	bg       sync.WaitGroup
	connWG   sync.WaitGroup
	connMu   sync.Mutex
	conns    map[*conn]struct{}
	connSeq  atomic.Uint64

	stopOnce  sync.Once
	stop      chan struct{}
	listening chan struct{}
	stopped   chan struct{}
}

func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("daemon: engine is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("daemon: logger is required")
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = engine.NewCatalog(opts.Config.Engine.Models)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	pinned := make([]engine.ModelID, 0, len(opts.Config.Cache.Pinned))
	for _, id := range opts.Config.Cache.Pinned {
		pinned = append(pinned, engine.ModelID(id))
	}
	return &Server{
		cfg:       opts.Config,
		engine:    opts.Engine,
		catalog:   catalog,
		logger:    opts.Logger.With(slog.String("component", "daemon")),
		metrics:   metrics,
		tracer:    tracer,
		recorder:  recorder,
		version:   opts.Version,
		sessionID: opts.SessionID,
		pinned:    pinned,
		metricsH:  opts.MetricsHandler,
		conns:     make(map[*conn]struct{}),
		stop:      make(chan struct{}),
		listening: make(chan struct{}),
		stopped:   make(chan struct{}),
	}, nil
}

func (s *Server) State() State {
	return State(s.state.Load())
}

// Listening is closed once the socket accepts connections.
func (s *Server) Listening() <-chan struct{} {
	return s.listening
}

// Stopped is closed once Run has released every resource.
func (s *Server) Stopped() <-chan struct{} {
	return s.stopped
}

// Shutdown asks a running server to stop. It does not wait.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Server) setState(to State) {
	from := State(s.state.Load())
	if !canTransition(from, to) {
		s.logger.Error("invalid state transition", slog.String("from", from.String()), slog.String("to", to.String()))
		return
	}
	s.state.Store(int32(to))
	s.logger.Info("daemon state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	s.record(context.Background(), EventState, "info", to.String(), map[string]string{"from": from.String()})
}

func (s *Server) record(ctx context.Context, typ, level, msg string, attrs map[string]string) {
	s.recorder.Record(ctx, eventstore.Event{
		SessionID: s.sessionID,
		Type:      typ,
		Level:     level,
		Message:   msg,
		Attrs:     attrs,
	})
}

// Run starts the server and blocks until it has stopped, either because ctx
// ended, Shutdown was called or a client sent a Shutdown request. Start-up
// failures are returned as *AlreadyRunningError or *BindError.
func (s *Server) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("daemon: server already started")
	}
	defer close(s.stopped)
	s.setState(StateStarting)

	if err := s.start(); err != nil {
		s.setState(StateStopped)
		return err
	}
	s.setState(StateListening)
	close(s.listening)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	if s.cfg.Cache.PreloadPinned && len(s.pinned) > 0 {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			if err := s.cache.Preload(runCtx, s.pinned); err != nil {
				s.logger.Warn("preloading pinned models failed", slog.String("error", err.Error()))
			}
		}()
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.acceptLoop()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested", slog.String("reason", ctx.Err().Error()))
	case <-s.stop:
		s.logger.Info("shutdown requested", slog.String("reason", "request"))
	}
	cancelRun()
	return s.shutdown()
}

func (s *Server) start() error {
	socket := s.cfg.Socket.Path
	lockPath := config.LockPath(socket)
	lock, err := AcquireLock(lockPath)
	if err != nil {
		return err
	}

	// Holding the lock proves any existing socket file is stale.
	if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = lock.Release()
		return &BindError{Path: socket, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(socket), 0o700); err != nil {
		_ = lock.Release()
		return &BindError{Path: socket, Err: err}
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: socket, Net: "unix"})
	if err != nil {
		_ = lock.Release()
		return &BindError{Path: socket, Err: err}
	}
	if err := os.Chmod(socket, 0o600); err != nil {
		ln.Close()
		_ = lock.Release()
		return &BindError{Path: socket, Err: err}
	}

	cache, err := modelcache.New(modelcache.Config{Capacity: s.cfg.Cache.Capacity, Pinned: s.pinned}, s.engine, s.logger, s.metrics)
	if err != nil {
		ln.Close()
		_ = lock.Release()
		return err
	}

	s.lock = lock
	s.cache = cache
	s.listener = ln
	s.startedAt = time.Now()

	if bind := s.cfg.Telemetry.HTTPBind; bind != "" {
		hl, err := net.Listen("tcp", bind)
		if err != nil {
			_ = cache.Close(context.Background())
			ln.Close()
			_ = lock.Release()
			return &BindError{Path: bind, Err: err}
		}
		s.http = &http.Server{Handler: s.httpHandler(), ReadHeaderTimeout: 5 * time.Second}
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			if err := s.http.Serve(hl); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server failed", slog.String("error", err.Error()))
			}
		}()
		s.logger.Info("http endpoints enabled", slog.String("addr", hl.Addr().String()))
	}

	s.logger.Info("daemon listening",
		slog.String("socket", socket),
		slog.Int("pid", os.Getpid()),
		slog.Int("capacity", s.cfg.Cache.Capacity),
		slog.Int("pinned", len(s.pinned)),
	)
	return nil
}

func (s *Server) acceptLoop() {
	var delay time.Duration
	for {
		uc, err := s.listener.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			s.logger.Warn("accept failed", slog.String("error", err.Error()), slog.Duration("retry_in", delay))
			time.Sleep(delay)
			continue
		}
		delay = 0

		c := newConn(s, uc, s.connSeq.Add(1))
		s.connMu.Lock()
		s.conns[c] = struct{}{}
		s.connMu.Unlock()

		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			c.serve()
			s.connMu.Lock()
			delete(s.conns, c)
			s.connMu.Unlock()
		}()
	}
}

func (s *Server) connectionCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

func (s *Server) shutdown() error {
	s.setState(StateShuttingDown)
	s.listener.Close()

	grace := s.cfg.Daemon.ShutdownGrace()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), grace)
	if err := s.requests.drain(drainCtx); err != nil {
		s.logger.Warn("shutdown grace period expired with requests in flight",
			slog.Int("in_flight", s.requests.count()),
			slog.Duration("grace", grace),
		)
	}
	cancelDrain()

	s.connMu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.connMu.Unlock()
	s.connWG.Wait()

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCleanup()

	var errs []error
	if err := s.cache.Close(cleanupCtx); err != nil {
		s.logger.Error("releasing models failed", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if s.http != nil {
		if err := s.http.Shutdown(cleanupCtx); err != nil {
			s.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	s.bg.Wait()

	if err := os.Remove(s.cfg.Socket.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("removing socket failed", slog.String("error", err.Error()))
	}
	if err := s.lock.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release lock: %w", err))
	}
	s.setState(StateStopped)
	return errors.Join(errs...)
}

// requestTracker counts in-flight requests and refuses new ones once a
// drain has begun.
type requestTracker struct {
	mu       sync.Mutex
	n        int
	draining bool
	idle     chan struct{}
}

func (t *requestTracker) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.n++
	return true
}

func (t *requestTracker) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 && t.idle != nil {
		close(t.idle)
		t.idle = nil
	}
}

func (t *requestTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func (t *requestTracker) drain(ctx context.Context) error {
	t.mu.Lock()
	t.draining = true
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	if t.idle == nil {
		t.idle = make(chan struct{})
	}
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
