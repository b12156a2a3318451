// Package journal keeps a SQLite timeline of playback outcomes per room.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	_ "modernc.org/sqlite"
)

const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

// Entry is one recorded playback outcome.
type Entry struct {
	ID int64
	protocol.PlaybackEvent
}

// Store wraps the playback journal database. In ephemeral mode it has no
// database and every operation is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. Session retention starts
// from an empty timeline; persistent retention keeps rows across restarts
// subject to retention_days and max_rooms.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "journal"))
	if cfg.RetentionMode == RetentionEphemeral {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.RetentionMode == RetentionSession {
		if err := s.reset(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS rooms (
    room_id TEXT PRIMARY KEY,
    last_seen INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS playback_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    room_id TEXT NOT NULL,
    message_id TEXT,
    author_id TEXT,
    status TEXT NOT NULL,
    reason TEXT,
    detail TEXT,
    bytes INTEGER NOT NULL DEFAULT 0,
    duration_ns INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(room_id) REFERENCES rooms(room_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_playback_room_created ON playback_events(room_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM playback_events; DELETE FROM rooms;`); err != nil {
		return fmt.Errorf("reset journal: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Observe records event, logging instead of returning failures.
func (s *Store) Observe(ctx context.Context, event protocol.PlaybackEvent) {
	if err := s.Append(ctx, event); err != nil {
		s.log.Warn("failed to journal playback event",
			slog.String("room", event.Room),
			slog.String("error", err.Error()))
	}
}

// Append writes event and touches its room.
func (s *Store) Append(ctx context.Context, event protocol.PlaybackEvent) (err error) {
	if s.db == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	created := event.Timestamp.UnixNano()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO rooms(room_id, last_seen) VALUES(?, ?)
		 ON CONFLICT(room_id) DO UPDATE SET last_seen=MAX(last_seen, excluded.last_seen)`,
		event.Room, created); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO playback_events(room_id, message_id, author_id, status, reason, detail, bytes, duration_ns, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Room, event.MessageID, event.AuthorID, string(event.Status), event.Reason, event.Detail,
		event.Bytes, int64(event.Duration), created); err != nil {
		return err
	}
	return tx.Commit()
}

// ListRoomEvents retrieves up to limit events for room ordered oldest first.
func (s *Store) ListRoomEvents(ctx context.Context, room string, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, message_id, author_id, status, reason, detail, bytes, duration_ns, created_at
		 FROM playback_events WHERE room_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, room, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var status string
		var duration, created int64
		if err := rows.Scan(&e.ID, &e.Room, &e.MessageID, &e.AuthorID, &status, &e.Reason, &e.Detail, &e.Bytes, &duration, &created); err != nil {
			return nil, err
		}
		e.Status = protocol.PlaybackStatus(status)
		e.Duration = time.Duration(duration)
		e.Timestamp = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies retention_days and max_rooms. Open runs it once; RunPruner
// repeats it.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM playback_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM rooms WHERE last_seen < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRooms > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM rooms WHERE room_id IN (
			SELECT room_id FROM rooms ORDER BY last_seen DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRooms)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunPruner calls Prune every interval until ctx is done. Failures are
// logged and retried on the next tick.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if s.db == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("journal prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
