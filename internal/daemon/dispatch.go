package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/fdpass"
	"github.com/loqalabs/loqa-tts/internal/modelcache"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

// frameOverhead covers the envelope and audio header around inline PCM.
const frameOverhead = 64

// SynthesisError reports an engine failure for one request.
type SynthesisError struct {
	ModelID engine.ModelID
	StyleID engine.StyleID
	Cause   error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis with model %d style %d failed: %v", e.ModelID, e.StyleID, e.Cause)
}

func (e *SynthesisError) Unwrap() error {
	return e.Cause
}

func (s *Server) dispatch(ctx context.Context, c *conn, req protocol.Request) (protocol.ResponseBody, *fdpass.SharedBuffer) {
	switch body := req.Body.(type) {
	case protocol.Synthesize:
		return s.synthesize(ctx, c, req.ID, body)
	case protocol.ListModels:
		return s.listModels(), nil
	case protocol.ListSpeakers:
		return s.listSpeakers(), nil
	case protocol.Status:
		return s.status(), nil
	case protocol.Shutdown:
		c.logger.Info("shutdown requested by client")
		return protocol.Ack{}, nil
	case protocol.CancelSession:
		n := c.cancelSession(body.Session)
		c.logger.Debug("session cancelled", slog.String("session", body.Session), slog.Int("requests", n))
		return protocol.Ack{}, nil
	case protocol.UnknownRequest:
		return protocol.Error{Kind: protocol.KindUnsupported, Message: fmt.Sprintf("unsupported request variant %d", body.Field)}, nil
	default:
		return protocol.Error{Kind: protocol.KindUnsupported, Message: fmt.Sprintf("unsupported request %T", body)}, nil
	}
}

func (s *Server) synthesize(ctx context.Context, c *conn, reqID uint64, req protocol.Synthesize) (protocol.ResponseBody, *fdpass.SharedBuffer) {
	style := engine.StyleID(req.StyleID)
	spec, ok := s.catalog.ModelFor(style)
	if !ok {
		return protocol.Error{Kind: protocol.KindUnknownStyle, Message: fmt.Sprintf("unknown style %d", req.StyleID)}, nil
	}

	ctx, done := c.sessionContext(ctx, req.Session, reqID)
	defer done()
	if timeout := s.cfg.Daemon.SynthTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if ctx.Err() != nil {
		return s.failure(ctx, c, ctx.Err()), nil
	}

	lease, err := s.cache.Acquire(ctx, spec.ID)
	if err != nil {
		return s.failure(ctx, c, err), nil
	}
	defer lease.Release()

	pcm, err := s.engine.Synthesize(ctx, lease.Model(), style, req.Text, req.Rate)
	if err != nil {
		if ctx.Err() != nil {
			return s.failure(ctx, c, ctx.Err()), nil
		}
		return s.failure(ctx, c, &SynthesisError{ModelID: spec.ID, StyleID: style, Cause: err}), nil
	}

	audio := protocol.Audio{
		Format:     protocol.FormatS16LE,
		SampleRate: uint32(pcm.SampleRate),
		Channels:   uint32(pcm.Channels),
	}
	if req.WantsZeroCopy && s.cfg.Daemon.ZeroCopy && len(pcm.Data) >= s.cfg.Daemon.ZeroCopyMinBytes {
		buf, err := fdpass.NewSharedBuffer("loqa-tts-audio", pcm.Data)
		if err == nil {
			s.metrics.Delivery(ctx, "shared")
			audio.Payload = protocol.SharedHandle{Size: uint64(buf.Size())}
			return audio, buf
		}
		c.logger.Debug("zero-copy unavailable, answering inline", slog.String("error", err.Error()))
		s.metrics.Delivery(ctx, "fallback")
	}
	if len(pcm.Data)+frameOverhead > s.cfg.Socket.MaxFrameBytes {
		return protocol.Error{
			Kind:    protocol.KindUnsupported,
			Message: fmt.Sprintf("%d bytes of audio exceed the inline frame limit; request zero-copy or shorter text", len(pcm.Data)),
		}, nil
	}
	s.metrics.Delivery(ctx, "inline")
	audio.Payload = protocol.Inline{Data: pcm.Data}
	return audio, nil
}

// failure maps an error to the Error response sent for it.
func (s *Server) failure(ctx context.Context, c *conn, err error) protocol.Error {
	var (
		loadErr  *modelcache.ModelLoadError
		synthErr *SynthesisError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return protocol.Error{Kind: protocol.KindCancelled, Message: "request cancelled"}
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.Error{Kind: protocol.KindSynthesis, Message: "synthesis timed out"}
	case errors.Is(err, modelcache.ErrClosed):
		return protocol.Error{Kind: protocol.KindShuttingDown, Message: "daemon is shutting down"}
	case errors.As(err, &loadErr):
		c.logger.Warn("model load failed", slog.Uint64("model_id", uint64(loadErr.ID)), slog.String("error", err.Error()))
		s.record(ctx, EventModelFailed, "error", err.Error(), map[string]string{"model_id": strconv.FormatUint(uint64(loadErr.ID), 10)})
		return protocol.Error{Kind: protocol.KindModelLoad, Message: err.Error()}
	case errors.As(err, &synthErr):
		c.logger.Warn("synthesis failed",
			slog.Uint64("model_id", uint64(synthErr.ModelID)),
			slog.Uint64("style_id", uint64(synthErr.StyleID)),
			slog.String("error", err.Error()),
		)
		s.record(ctx, EventRequestFailed, "warn", err.Error(), map[string]string{
			"model_id": strconv.FormatUint(uint64(synthErr.ModelID), 10),
			"style_id": strconv.FormatUint(uint64(synthErr.StyleID), 10),
		})
		return protocol.Error{Kind: protocol.KindSynthesis, Message: err.Error()}
	default:
		c.logger.Error("request failed", slog.String("error", err.Error()))
		return protocol.Error{Kind: protocol.KindInternal, Message: err.Error()}
	}
}

func toStyleInfo(styles []engine.Style) []protocol.StyleInfo {
	out := make([]protocol.StyleInfo, 0, len(styles))
	for _, st := range styles {
		out = append(out, protocol.StyleInfo{ID: uint32(st.ID), Name: st.Name})
	}
	return out
}

func (s *Server) listModels() protocol.ModelList {
	snap := s.cache.Snapshot()
	pinned := make(map[engine.ModelID]bool, len(snap.Pinned))
	for _, id := range snap.Pinned {
		pinned[id] = true
	}
	var list protocol.ModelList
	for _, m := range s.catalog.Models() {
		info := protocol.ModelInfo{
			ID:      uint32(m.ID),
			Name:    m.Name,
			Speaker: m.Speaker,
			Styles:  toStyleInfo(m.Styles),
			Pinned:  pinned[m.ID],
		}
		if e, ok := snap.Resident(m.ID); ok {
			info.Resident = true
			info.InUse = uint32(e.Refs)
		}
		list.Models = append(list.Models, info)
	}
	return list
}

func (s *Server) listSpeakers() protocol.SpeakerList {
	var list protocol.SpeakerList
	for _, sp := range s.catalog.Speakers() {
		list.Speakers = append(list.Speakers, protocol.SpeakerInfo{
			Name:    sp.Name,
			ModelID: uint32(sp.ModelID),
			Styles:  toStyleInfo(sp.Styles),
		})
	}
	return list
}

func (s *Server) status() protocol.StatusReport {
	snap := s.cache.Snapshot()
	report := protocol.StatusReport{
		PID:         uint32(os.Getpid()),
		State:       s.State().String(),
		Version:     s.version,
		UptimeMS:    uint64(time.Since(s.startedAt).Milliseconds()),
		Connections: uint32(s.connectionCount()),
		InFlight:    uint32(s.requests.count()),
		Capacity:    uint32(snap.Capacity),
	}
	for _, e := range snap.Entries {
		report.Resident = append(report.Resident, uint32(e.ID))
	}
	for _, id := range snap.Pinned {
		report.Pinned = append(report.Pinned, uint32(id))
	}
	return report
}
