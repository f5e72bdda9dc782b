package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/KockaAdmiralac/Lux/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	events := []history.Event{
		{Type: "stateChanged", OccurredAt: time.Now().UTC(), Service: "web", Instance: "i-1", From: "dead", State: "starting"},
		{Type: "waiting", OccurredAt: time.Now().UTC(), Service: "web", Instance: "i-1", State: "connecting", Dependencies: []string{"db", "cache"}},
		{Type: "serviceError", OccurredAt: time.Now().UTC(), Service: "web", Error: "process exited"},
		{Type: "registered", OccurredAt: time.Now().UTC(), Service: "db"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	n, err := sink.Count(ctx, "web")
	if err != nil {
		t.Fatalf("Failed to count events: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 events for web, got %d", n)
	}

	var deps string
	err = sink.db.QueryRowContext(ctx, `SELECT dependencies FROM service_history WHERE type = 'waiting'`).Scan(&deps)
	if err != nil {
		t.Fatalf("Failed to query dependencies: %v", err)
	}
	if deps != "db,cache" {
		t.Errorf("Expected dependencies db,cache, got %q", deps)
	}

	var errText *string
	if err := sink.db.QueryRowContext(ctx, `SELECT error FROM service_history WHERE type = 'registered'`).Scan(&errText); err != nil {
		t.Fatalf("Failed to query error: %v", err)
	}
	if errText != nil {
		t.Errorf("Expected NULL error, got %q", *errText)
	}
}

func TestSQLiteSink_Memory(t *testing.T) {
	for _, dsn := range []string{":memory:", "sqlite://:memory:"} {
		sink, err := New(dsn)
		if err != nil {
			t.Fatalf("New(%q): %v", dsn, err)
		}
		if err := sink.Send(context.Background(), history.Event{Type: "removed", Service: "x", OccurredAt: time.Now()}); err != nil {
			t.Fatalf("Send: %v", err)
		}
		n, err := sink.Count(context.Background(), "x")
		if err != nil || n != 1 {
			t.Fatalf("Count = %d, %v", n, err)
		}
		_ = sink.Close()
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
