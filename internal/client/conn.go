// Package client talks to the synthesis daemon over its Unix socket.
//
// A Conn multiplexes concurrent calls over one connection. A Session wraps
// Conn with the connect, spawn and retry cycle that starts the daemon on
// demand.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/fdpass"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

type DialOptions struct {
	// ZeroCopy asks the daemon for shared-memory audio where supported.
	ZeroCopy      bool
	MaxFrameBytes int
	Logger        *slog.Logger
}

type result struct {
	resp    protocol.Response
	mapping *fdpass.Mapping
	err     error
}

func (r result) release() {
	if r.mapping != nil {
		_ = r.mapping.Close()
	}
}

type Conn struct {
	uc       *net.UnixConn
	reader   *fdpass.Reader
	logger   *slog.Logger
	zeroCopy bool

	writeMu sync.Mutex
	enc     *protocol.Encoder

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan result
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the daemon socket. It does not start a daemon.
func Dial(ctx context.Context, socket string, opts DialOptions) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	uc := nc.(*net.UnixConn)
	c := &Conn{
		uc:       uc,
		reader:   fdpass.NewReader(uc, 4),
		logger:   logger.With(slog.String("component", "client")),
		zeroCopy: opts.ZeroCopy && fdpass.Supported,
		enc:      protocol.NewEncoder(uc),
		pending:  make(map[uint64]chan result),
		done:     make(chan struct{}),
	}
	go c.readLoop(opts.MaxFrameBytes)
	return c, nil
}

func (c *Conn) readLoop(maxFrame int) {
	dec := protocol.NewDecoder(bufio.NewReader(c.reader), maxFrame)
	for {
		resp, err := dec.ReadResponse()
		if err != nil {
			c.fail(err)
			return
		}
		r := result{resp: resp}
		if audio, ok := resp.Body.(protocol.Audio); ok {
			if handle, ok := audio.Payload.(protocol.SharedHandle); ok {
				r.mapping, r.err = c.openShared(handle)
			}
		}
		c.deliver(r)
	}
}

func (c *Conn) openShared(handle protocol.SharedHandle) (*fdpass.Mapping, error) {
	fd, err := c.reader.TakeFD()
	if err != nil {
		return nil, err
	}
	return fdpass.OpenShared(fd, handle.Size)
}

func (c *Conn) deliver(r result) {
	c.mu.Lock()
	ch, ok := c.pending[r.resp.ID]
	delete(c.pending, r.resp.ID)
	c.mu.Unlock()
	if !ok {
		// The caller gave up on this request.
		c.logger.Debug("dropping late response", slog.Uint64("request_id", r.resp.ID))
		r.release()
		return
	}
	ch <- r
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		if errors.Is(err, net.ErrClosed) {
			err = ErrClosed
		}
		c.err = err
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.uc.Close()
	})
	_ = c.reader.Close()
}

// Close drops the connection. Outstanding calls fail with ErrClosed and
// descriptors received but not yet claimed are closed.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	return nil
}

// Closed reports whether the connection is no longer usable.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(c.err, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, c.err)
}

func (c *Conn) roundTrip(ctx context.Context, body protocol.RequestBody) (result, error) {
	ch := make(chan result, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return result{}, c.closedErr()
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.enc.WriteRequest(protocol.Request{ID: id, Body: body})
	c.writeMu.Unlock()
	if err != nil {
		c.abandon(id, ch)
		var perr *protocol.ProtocolError
		if errors.As(err, &perr) {
			return result{}, err
		}
		c.fail(err)
		return result{}, c.closedErr()
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		c.abandon(id, ch)
		return result{}, ctx.Err()
	case <-c.done:
		c.abandon(id, ch)
		return result{}, c.closedErr()
	}
}

// abandon forgets id. A response that raced in is released.
func (c *Conn) abandon(id uint64, ch chan result) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	select {
	case r := <-ch:
		r.release()
	default:
	}
}

func unexpected(body protocol.ResponseBody) error {
	if e, ok := body.(protocol.Error); ok {
		return &RemoteError{Kind: e.Kind, Message: e.Message}
	}
	return &protocol.ProtocolError{Reason: fmt.Sprintf("unexpected response %T", body)}
}

type SynthesisRequest struct {
	Text    string
	StyleID uint32
	Rate    float64
	// Session groups requests that CancelSession can abort together.
	Session string
}

// Synthesize renders req. When shared-memory delivery fails for this call it
// is repeated once with inline audio.
func (c *Conn) Synthesize(ctx context.Context, req SynthesisRequest) (*Audio, error) {
	if c.zeroCopy {
		audio, err := c.synthesize(ctx, req, true)
		var terr *fdpass.TransferError
		if !errors.As(err, &terr) {
			return audio, err
		}
		c.logger.Debug("zero-copy delivery failed, retrying inline", slog.String("error", err.Error()))
	}
	return c.synthesize(ctx, req, false)
}

func (c *Conn) synthesize(ctx context.Context, req SynthesisRequest, zeroCopy bool) (*Audio, error) {
	r, err := c.roundTrip(ctx, protocol.Synthesize{
		Text:          req.Text,
		StyleID:       req.StyleID,
		Rate:          req.Rate,
		WantsZeroCopy: zeroCopy,
		Session:       req.Session,
	})
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	a, ok := r.resp.Body.(protocol.Audio)
	if !ok {
		return nil, unexpected(r.resp.Body)
	}
	audio := &Audio{
		Format:     a.Format,
		SampleRate: int(a.SampleRate),
		Channels:   int(a.Channels),
	}
	switch p := a.Payload.(type) {
	case protocol.Inline:
		audio.data = p.Data
	case protocol.SharedHandle:
		audio.mapping = r.mapping
		audio.data = r.mapping.Bytes()
	}
	return audio, nil
}

func (c *Conn) ListModels(ctx context.Context) ([]protocol.ModelInfo, error) {
	r, err := c.roundTrip(ctx, protocol.ListModels{})
	if err != nil {
		return nil, err
	}
	list, ok := r.resp.Body.(protocol.ModelList)
	if !ok {
		return nil, unexpected(r.resp.Body)
	}
	return list.Models, nil
}

func (c *Conn) ListSpeakers(ctx context.Context) ([]protocol.SpeakerInfo, error) {
	r, err := c.roundTrip(ctx, protocol.ListSpeakers{})
	if err != nil {
		return nil, err
	}
	list, ok := r.resp.Body.(protocol.SpeakerList)
	if !ok {
		return nil, unexpected(r.resp.Body)
	}
	return list.Speakers, nil
}

func (c *Conn) Status(ctx context.Context) (protocol.StatusReport, error) {
	r, err := c.roundTrip(ctx, protocol.Status{})
	if err != nil {
		return protocol.StatusReport{}, err
	}
	st, ok := r.resp.Body.(protocol.StatusReport)
	if !ok {
		return protocol.StatusReport{}, unexpected(r.resp.Body)
	}
	return st, nil
}

// Shutdown asks the daemon to stop. It returns once the daemon acknowledged.
func (c *Conn) Shutdown(ctx context.Context) error {
	return c.ack(ctx, protocol.Shutdown{})
}

func (c *Conn) CancelSession(ctx context.Context, session string) error {
	return c.ack(ctx, protocol.CancelSession{Session: session})
}

func (c *Conn) ack(ctx context.Context, body protocol.RequestBody) error {
	r, err := c.roundTrip(ctx, body)
	if err != nil {
		return err
	}
	if _, ok := r.resp.Body.(protocol.Ack); !ok {
		return unexpected(r.resp.Body)
	}
	return nil
}
