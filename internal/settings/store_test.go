package settings

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-relay/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openMemory(t *testing.T) *Store {
	t.Helper()
	cfg := config.Default().Settings
	cfg.Mode = "memory"
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestVoicePreference(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	voice, err := s.VoicePreference(ctx, "u1")
	if err != nil || voice != "" {
		t.Fatalf("expected empty preference, got %q %v", voice, err)
	}
	if err := s.SetVoicePreference(ctx, "u1", "en-GB-RyanNeural"); err != nil {
		t.Fatalf("set voice: %v", err)
	}
	if err := s.SetVoicePreference(ctx, "u1", "en-US-AriaNeural"); err != nil {
		t.Fatalf("overwrite voice: %v", err)
	}
	if voice, _ := s.VoicePreference(ctx, "u1"); voice != "en-US-AriaNeural" {
		t.Fatalf("unexpected voice %q", voice)
	}
	if err := s.SetVoicePreference(ctx, "u1", " "); err != nil {
		t.Fatalf("clear voice: %v", err)
	}
	if voice, _ := s.VoicePreference(ctx, "u1"); voice != "" {
		t.Fatalf("expected cleared voice, got %q", voice)
	}
}

func TestPrefixDefaultsWithoutWriting(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	prefix, err := s.Prefix(ctx, "r1")
	if err != nil || prefix != `\` {
		t.Fatalf("expected default prefix, got %q %v", prefix, err)
	}
	var rows int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_settings`).Scan(&rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 0 {
		t.Fatalf("expected read to leave table empty, got %d rows", rows)
	}
}

func TestSetPrefixInvalidatesCache(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	if _, err := s.Prefix(ctx, "r1"); err != nil {
		t.Fatalf("prefix: %v", err)
	}
	if _, ok := s.Prefixes().Get("r1"); !ok {
		t.Fatal("expected prefix cached after read")
	}
	if err := s.SetPrefix(ctx, "r1", "!"); err != nil {
		t.Fatalf("set prefix: %v", err)
	}
	if _, ok := s.Prefixes().Get("r1"); ok {
		t.Fatal("expected cache entry invalidated by write")
	}
	if prefix, _ := s.Prefix(ctx, "r1"); prefix != "!" {
		t.Fatalf("expected new prefix, got %q", prefix)
	}
	if prefix, _ := s.Prefix(ctx, "r2"); prefix != `\` {
		t.Fatalf("expected other rooms unaffected, got %q", prefix)
	}
}

func TestPrefixReadRacingWriteIsNotCached(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	cache := s.Prefixes()

	// a read that queried before the write lands its result after it
	gen := cache.Generation()
	if err := s.SetPrefix(ctx, "r1", "!"); err != nil {
		t.Fatalf("set prefix: %v", err)
	}
	if cache.PutIfCurrent("r1", `\`, gen) {
		t.Fatal("expected stale read to be rejected")
	}
	if prefix, _ := s.Prefix(ctx, "r1"); prefix != "!" {
		t.Fatalf("expected new prefix, got %q", prefix)
	}
	if !cache.PutIfCurrent("r2", "%", cache.Generation()) {
		t.Fatal("expected current generation to be stored")
	}
}

func TestSetPrefixRejectsBlank(t *testing.T) {
	s := openMemory(t)
	if err := s.SetPrefix(context.Background(), "r1", "  "); !errors.Is(err, ErrBlankPrefix) {
		t.Fatalf("expected ErrBlankPrefix, got %v", err)
	}
}

func TestSQLitePersistsAcrossOpen(t *testing.T) {
	cfg := config.Default().Settings
	cfg.Path = filepath.Join(t.TempDir(), "nested", "settings.db")
	cfg.DefaultPrefix = "?"

	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SetPrefix(context.Background(), "r1", "$"); err != nil {
		t.Fatalf("set prefix: %v", err)
	}
	if err := s.SetVoicePreference(context.Background(), "u1", "en-AU-WilliamNeural"); err != nil {
		t.Fatalf("set voice: %v", err)
	}
	_ = s.Close()

	s, err = Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if prefix, _ := s.Prefix(context.Background(), "r1"); prefix != "$" {
		t.Fatalf("expected persisted prefix, got %q", prefix)
	}
	if prefix, _ := s.Prefix(context.Background(), "r2"); prefix != "?" {
		t.Fatalf("expected configured default prefix, got %q", prefix)
	}
	if voice, _ := s.VoicePreference(context.Background(), "u1"); voice != "en-AU-WilliamNeural" {
		t.Fatalf("expected persisted voice, got %q", voice)
	}
}

func TestOpenRejectsUnknownMode(t *testing.T) {
	cfg := config.Default().Settings
	cfg.Mode = "redis"
	if _, err := Open(context.Background(), cfg, newLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
