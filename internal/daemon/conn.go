package daemon

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/semaphore"

	"github.com/loqalabs/loqa-tts/internal/fdpass"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

// cancelledSessions bounds how many cancelled session ids a connection
// remembers.
const cancelledSessions = 256

type conn struct {
	srv    *Server
	uc     *net.UnixConn
	id     uint64
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	writeMu sync.Mutex
	tokens  uint64

	sessMu    sync.Mutex
	sessions  map[string]map[uint64]context.CancelFunc
	cancelled *simplelru.LRU[string, struct{}]

	closeOnce sync.Once
}

func newConn(s *Server, uc *net.UnixConn, id uint64) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	limit := s.cfg.Daemon.MaxInflightPerConn
	if limit <= 0 {
		limit = 1
	}
	cancelled, _ := simplelru.NewLRU[string, struct{}](cancelledSessions, nil)
	return &conn{
		srv:       s,
		uc:        uc,
		id:        id,
		logger:    s.logger.With(slog.Uint64("conn", id)),
		ctx:       ctx,
		cancel:    cancel,
		sem:       semaphore.NewWeighted(int64(limit)),
		sessions:  make(map[string]map[uint64]context.CancelFunc),
		cancelled: cancelled,
	}
}

// close drops the connection and abandons its outstanding requests.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.uc.Close()
	})
}

func (c *conn) serve() {
	s := c.srv
	s.metrics.Connection(c.ctx, 1)
	c.logger.Debug("connection accepted")
	defer func() {
		c.close()
		c.wg.Wait()
		s.metrics.Connection(context.Background(), -1)
		c.logger.Debug("connection closed")
	}()

	dec := protocol.NewDecoder(bufio.NewReader(c.uc), s.cfg.Socket.MaxFrameBytes)
	for {
		req, err := dec.ReadRequest()
		if err != nil {
			c.readFailed(err)
			return
		}
		// Reading stops while the connection is at its in-flight limit.
		if err := c.sem.Acquire(c.ctx, 1); err != nil {
			return
		}
		if !s.requests.begin() {
			c.sem.Release(1)
			c.reply(req.ID, protocol.Error{Kind: protocol.KindShuttingDown, Message: "daemon is shutting down"}, nil)
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.sem.Release(1)
			defer s.requests.end()
			c.handle(req)
		}()
	}
}

func (c *conn) readFailed(err error) {
	var perr *protocol.ProtocolError
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return
	case errors.As(err, &perr):
		c.logger.Warn("protocol error, closing connection", slog.String("error", err.Error()))
		c.srv.metrics.ProtocolError(context.Background())
		c.srv.record(context.Background(), EventProtocolError, "warn", err.Error(), map[string]string{"reason": perr.Reason})
	default:
		c.logger.Debug("connection read failed", slog.String("error", err.Error()))
	}
}

func (c *conn) handle(req protocol.Request) {
	start := time.Now()
	kind := requestKind(req.Body)
	ctx, span := c.srv.tracer.Start(c.ctx, "tts."+kind)
	defer span.End()

	body, buf := c.srv.dispatch(ctx, c, req)
	outcome := "ok"
	if e, ok := body.(protocol.Error); ok {
		outcome = e.Kind.String()
	}
	if err := c.reply(req.ID, body, buf); err != nil {
		outcome = "write_failed"
		c.logger.Debug("writing response failed", slog.Uint64("request_id", req.ID), slog.String("error", err.Error()))
	}
	c.srv.metrics.Request(ctx, kind, outcome, time.Since(start))

	if _, ok := req.Body.(protocol.Shutdown); ok {
		c.srv.Shutdown()
	}
}

// reply writes one response frame. A shared buffer, when given, is attached
// to the frame and closed afterwards.
func (c *conn) reply(id uint64, body protocol.ResponseBody, buf *fdpass.SharedBuffer) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if buf != nil {
		defer buf.Close()
		c.tokens++
		audio := body.(protocol.Audio)
		audio.Payload = protocol.SharedHandle{Size: uint64(buf.Size()), Token: c.tokens}
		body = audio
	}
	frame, err := protocol.AppendResponseFrame(nil, protocol.Response{ID: id, Body: body})
	if err != nil {
		c.logger.Error("encoding response failed", slog.Uint64("request_id", id), slog.String("error", err.Error()))
		frame, err = protocol.AppendResponseFrame(nil, protocol.Response{ID: id, Body: protocol.Error{Kind: protocol.KindInternal, Message: "response encoding failed"}})
		if err != nil {
			return err
		}
		buf = nil
	}
	if buf != nil {
		return fdpass.SendFrame(c.uc, frame, buf.Fd())
	}
	_, err = c.uc.Write(frame)
	return err
}

// sessionContext derives a request context that CancelSession for the same
// session aborts. The returned func must be called when the request ends.
func (c *conn) sessionContext(parent context.Context, session string, reqID uint64) (context.Context, func()) {
	if session == "" {
		return parent, func() {}
	}
	ctx, cancel := context.WithCancel(parent)
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.cancelled.Contains(session) {
		cancel()
		return ctx, func() {}
	}
	reqs := c.sessions[session]
	if reqs == nil {
		reqs = make(map[uint64]context.CancelFunc)
		c.sessions[session] = reqs
	}
	reqs[reqID] = cancel
	return ctx, func() {
		cancel()
		c.sessMu.Lock()
		defer c.sessMu.Unlock()
		delete(reqs, reqID)
		if cur, ok := c.sessions[session]; ok && len(cur) == 0 {
			delete(c.sessions, session)
		}
	}
}

// cancelSession aborts the session's in-flight requests and refuses later
// ones. It returns how many requests were cancelled.
func (c *conn) cancelSession(session string) int {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	c.cancelled.Add(session, struct{}{})
	reqs := c.sessions[session]
	for _, cancel := range reqs {
		cancel()
	}
	delete(c.sessions, session)
	return len(reqs)
}

func requestKind(body protocol.RequestBody) string {
	switch body.(type) {
	case protocol.Synthesize:
		return "synthesize"
	case protocol.ListModels:
		return "list_models"
	case protocol.ListSpeakers:
		return "list_speakers"
	case protocol.Status:
		return "status"
	case protocol.Shutdown:
		return "shutdown"
	case protocol.CancelSession:
		return "cancel_session"
	default:
		return "unknown"
	}
}
