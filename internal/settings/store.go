// Package settings persists per-user voice preferences and per-room command
// prefixes.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-relay/internal/config"
	_ "modernc.org/sqlite"
)

var ErrBlankPrefix = errors.New("prefix must not be blank")

// Store wraps the SQLite settings database.
type Store struct {
	db            *sql.DB
	defaultPrefix string
	prefixes      *PrefixCache
	log           *slog.Logger
}

// Open initializes the settings database according to config.
func Open(ctx context.Context, cfg config.SettingsConfig, log *slog.Logger) (*Store, error) {
	var dsn string
	switch cfg.Mode {
	case "memory":
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	case "", "sqlite":
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	default:
		return nil, fmt.Errorf("unknown settings mode %q", cfg.Mode)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.Mode == "memory" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	prefix := cfg.DefaultPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = config.Default().Settings.DefaultPrefix
	}
	s := &Store{
		db:            db,
		defaultPrefix: prefix,
		prefixes:      NewPrefixCache(0),
		log:           log.With(slog.String("component", "settings")),
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS user_settings (
    user_id TEXT PRIMARY KEY,
    voice TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS room_settings (
    room_id TEXT PRIMARY KEY,
    prefix TEXT NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// VoicePreference returns the user's voice, or "" when none is stored.
func (s *Store) VoicePreference(ctx context.Context, userID string) (string, error) {
	var voice string
	err := s.db.QueryRowContext(ctx, `SELECT voice FROM user_settings WHERE user_id = ?`, userID).Scan(&voice)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read voice preference: %w", err)
	}
	return voice, nil
}

// SetVoicePreference stores voice for userID. An empty voice clears it.
func (s *Store) SetVoicePreference(ctx context.Context, userID, voice string) error {
	voice = strings.TrimSpace(voice)
	var err error
	if voice == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM user_settings WHERE user_id = ?`, userID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO user_settings(user_id, voice) VALUES(?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET voice=excluded.voice`,
			userID, voice)
	}
	if err != nil {
		return fmt.Errorf("write voice preference: %w", err)
	}
	s.log.Debug("voice preference updated", slog.String("user_id", userID), slog.String("voice", voice))
	return nil
}

// Prefix returns the room's command prefix, falling back to the configured
// default. Reads never create rows.
func (s *Store) Prefix(ctx context.Context, room string) (string, error) {
	if prefix, ok := s.prefixes.Get(room); ok {
		return prefix, nil
	}
	gen := s.prefixes.Generation()
	var prefix string
	err := s.db.QueryRowContext(ctx, `SELECT prefix FROM room_settings WHERE room_id = ?`, room).Scan(&prefix)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prefix = s.defaultPrefix
	case err != nil:
		return s.defaultPrefix, fmt.Errorf("read prefix: %w", err)
	}
	s.prefixes.PutIfCurrent(room, prefix, gen)
	return prefix, nil
}

func (s *Store) SetPrefix(ctx context.Context, room, prefix string) error {
	if strings.TrimSpace(prefix) == "" {
		return ErrBlankPrefix
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_settings(room_id, prefix) VALUES(?, ?)
		 ON CONFLICT(room_id) DO UPDATE SET prefix=excluded.prefix`,
		room, prefix)
	s.prefixes.Invalidate(room)
	if err != nil {
		return fmt.Errorf("write prefix: %w", err)
	}
	s.log.Debug("prefix updated", slog.String("room", room), slog.String("prefix", prefix))
	return nil
}

// Prefixes exposes the store's prefix cache.
func (s *Store) Prefixes() *PrefixCache { return s.prefixes }
