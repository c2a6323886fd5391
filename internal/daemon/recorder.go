package daemon

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
)

// Event types written to the journal and the bus.
const (
	EventState         = "state"
	EventModelFailed   = "model.failed"
	EventRequestFailed = "request.failed"
	EventProtocolError = "protocol.error"
)

// Recorder receives notable daemon events. Implementations must not block
// request handling for long.
type Recorder interface {
	Record(ctx context.Context, evt eventstore.Event)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, eventstore.Event) {}

// JournalRecorder appends events to the event store and, when connected,
// publishes them on the bus.
type JournalRecorder struct {
	Store  *eventstore.Store
	Bus    *bus.Client
	Logger *slog.Logger
	// Limiter, when set, bounds failure events; state changes always pass.
	Limiter *rate.Limiter

	dropped atomic.Int64
}

// NewFailureLimiter allows bursts of burst failure events and perSecond
// afterwards.
func NewFailureLimiter(perSecond float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Dropped is the number of failure events the limiter discarded.
func (r *JournalRecorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *JournalRecorder) Record(ctx context.Context, evt eventstore.Event) {
	if evt.Type != EventState && r.Limiter != nil && !r.Limiter.Allow() {
		if r.dropped.Add(1) == 1 && r.Logger != nil {
			r.Logger.Warn("too many failure events, dropping some", slog.String("type", evt.Type))
		}
		return
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	if r.Store != nil {
		if err := r.Store.AppendEvent(ctx, evt); err != nil && r.Logger != nil {
			r.Logger.Warn("failed to journal event", slog.String("type", evt.Type), slog.String("error", err.Error()))
		}
	}
	if r.Bus != nil {
		if err := r.Bus.Publish(evt); err != nil && r.Logger != nil {
			r.Logger.Warn("failed to publish event", slog.String("type", evt.Type), slog.String("error", err.Error()))
		}
	}
}
