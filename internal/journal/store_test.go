package journal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.JournalConfig) *Store {
	t.Helper()
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	s := openStore(t, config.JournalConfig{RetentionMode: RetentionEphemeral})
	if err := s.Append(context.Background(), protocol.PlaybackEvent{Room: "r1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := s.ListRoomEvents(context.Background(), "r1", 10)
	if err != nil || entries != nil {
		t.Fatalf("expected nothing recorded, got %v %v", entries, err)
	}
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
}

func TestAppendAndList(t *testing.T) {
	cfg := config.JournalConfig{Path: filepath.Join(t.TempDir(), "journal.db"), RetentionMode: RetentionSession}
	s := openStore(t, cfg)

	ctx := context.Background()
	s.Observe(ctx, protocol.PlaybackEvent{Room: "r1", MessageID: "m1", AuthorID: "u1", Status: protocol.PlaybackSpoken, Bytes: 960, Duration: 20 * time.Millisecond})
	s.Observe(ctx, protocol.PlaybackEvent{Room: "r1", MessageID: "m2", Status: protocol.PlaybackFailed, Reason: "transport", Detail: "down"})
	s.Observe(ctx, protocol.PlaybackEvent{Room: "r2", MessageID: "m3", Status: protocol.PlaybackSpoken})

	entries, err := s.ListRoomEvents(ctx, "r1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first, second := entries[0], entries[1]
	if first.MessageID != "m1" || first.Bytes != 960 || first.Duration != 20*time.Millisecond || first.Status != protocol.PlaybackSpoken {
		t.Fatalf("unexpected first entry %+v", first)
	}
	if second.Reason != "transport" || second.Detail != "down" || second.Status != protocol.PlaybackFailed {
		t.Fatalf("unexpected second entry %+v", second)
	}
	if first.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be filled in")
	}
}

func TestSessionRetentionStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	persistent, err := Open(ctx, config.JournalConfig{Path: path, RetentionMode: RetentionPersistent}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = persistent.Append(ctx, protocol.PlaybackEvent{Room: "r1", Status: protocol.PlaybackSpoken})
	_ = persistent.Close()

	reopened := openStore(t, config.JournalConfig{Path: path, RetentionMode: RetentionPersistent})
	if entries, _ := reopened.ListRoomEvents(ctx, "r1", 10); len(entries) != 1 {
		t.Fatalf("expected persistent entry to survive reopen, got %d", len(entries))
	}
	_ = reopened.Close()

	session := openStore(t, config.JournalConfig{Path: path, RetentionMode: RetentionSession})
	if entries, _ := session.ListRoomEvents(ctx, "r1", 10); len(entries) != 0 {
		t.Fatalf("expected session retention to clear old entries, got %d", len(entries))
	}
}

func TestPruneByDaysAndRooms(t *testing.T) {
	cfg := config.JournalConfig{Path: filepath.Join(t.TempDir(), "journal.db"), RetentionMode: RetentionPersistent, RetentionDays: 1, MaxRooms: 1}
	s := openStore(t, cfg)
	ctx := context.Background()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return recent }

	_ = s.Append(ctx, protocol.PlaybackEvent{Room: "stale", Status: protocol.PlaybackSpoken, Timestamp: old})
	_ = s.Append(ctx, protocol.PlaybackEvent{Room: "older", Status: protocol.PlaybackSpoken, Timestamp: recent.Add(-2 * time.Hour)})
	_ = s.Append(ctx, protocol.PlaybackEvent{Room: "newest", Status: protocol.PlaybackSpoken, Timestamp: recent.Add(-time.Hour)})

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	for room, want := range map[string]int{"stale": 0, "older": 0, "newest": 1} {
		entries, err := s.ListRoomEvents(ctx, room, 10)
		if err != nil {
			t.Fatalf("list %s: %v", room, err)
		}
		if len(entries) != want {
			t.Fatalf("room %s: expected %d entries, got %d", room, want, len(entries))
		}
	}
}

func TestRunPrunerAppliesRetention(t *testing.T) {
	cfg := config.JournalConfig{Path: filepath.Join(t.TempDir(), "journal.db"), RetentionMode: RetentionPersistent, RetentionDays: 1}
	s := openStore(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())

	now := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }
	if err := s.Append(ctx, protocol.PlaybackEvent{Room: "r1", Status: protocol.PlaybackSpoken, Timestamp: now.Add(-48 * time.Hour)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunPruner(ctx, 10*time.Millisecond)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := s.ListRoomEvents(context.Background(), "r1", 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected expired event pruned while running")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pruner did not stop on cancel")
	}
}
