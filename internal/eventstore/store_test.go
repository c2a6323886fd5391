package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if es.Enabled() {
		t.Fatal("ephemeral store should not persist")
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s", Type: "state"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	sessionID := "session-123"
	if err := es.BeginSession(ctx, Session{ID: sessionID, PID: 42, Socket: "/tmp/d.sock", Version: "dev"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	evt := Event{SessionID: sessionID, Type: "model.loaded", Level: "info", Message: "model loaded", Attrs: map[string]string{"model_id": "7"}}
	if err := es.AppendEvent(ctx, evt); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: sessionID, Type: "state", Message: "listening"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.EndSession(ctx, sessionID); err != nil {
		t.Fatalf("end session: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Attrs["model_id"] != "7" || events[0].Message != "model loaded" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Attrs != nil {
		t.Fatalf("expected no attrs, got %v", events[1].Attrs)
	}

	recent, err := es.RecentEvents(ctx, 1)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(recent) != 1 || recent[0].Type != "state" {
		t.Fatalf("unexpected recent events: %+v", recent)
	}

	sessions, err := es.ListSessions(ctx, 5)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].PID != 42 || sessions[0].StoppedAt.IsZero() {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, Session{ID: "old-session"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, Session{ID: "new-session"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "new-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("expected only the new session, got %+v", sessions)
	}
}
