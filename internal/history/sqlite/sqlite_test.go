package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/hostd/internal/history"
)

func TestSQLiteSink_SendAndCount(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	ctx := context.Background()

	events := []history.Event{
		{Kind: history.EventProcessStarted, OccurredAt: time.Now(), Backend: "backend", RunID: "r1", PID: 42, Port: 8765},
		{Kind: history.EventStateChanged, OccurredAt: time.Now(), Backend: "backend", FromState: "starting", ToState: "healthy"},
		{Kind: history.EventProcessExited, OccurredAt: time.Now(), Backend: "backend", RunID: "r1", PID: 42, ExitCode: -1, Signal: "killed", Error: "signal: killed"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Kind, err)
		}
	}
	all, err := sink.Count(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if all != 3 {
		t.Fatalf("expected 3 events, got %d", all)
	}
	exited, err := sink.Count(ctx, history.EventProcessExited)
	if err != nil {
		t.Fatal(err)
	}
	if exited != 1 {
		t.Fatalf("expected 1 exit event, got %d", exited)
	}
}

func TestSQLiteSink_MemoryAndSchemaIdempotent(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.ensureSchema(context.Background()); err != nil {
		t.Fatalf("second ensureSchema: %v", err)
	}
	if err := sink.Send(context.Background(), history.Event{Kind: history.EventRecoveryExhausted, OccurredAt: time.Now()}); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
	if _, err := New("sqlite://"); err == nil {
		t.Fatal("expected error for prefix-only DSN")
	}
}
