// Package journal persists bridge lifecycle events to SQLite so operators
// can reconstruct what the daemon and the device did after the fact: daemon
// starts and stops, device attach and detach, session turnover, protocol
// violations.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"sidbridge/internal/config"
)

// Event kinds recorded in the journal.
const (
	KindDaemonStart    = "daemon_start"
	KindDaemonStop     = "daemon_stop"
	KindDeviceAttach   = "device_attach"
	KindDeviceDetach   = "device_detach"
	KindDeviceOpen     = "device_open"
	KindDeviceClose    = "device_close"
	KindSessionOpen    = "session_open"
	KindSessionClose   = "session_close"
	KindProtocolError  = "protocol_error"
	KindWriteRejected  = "write_rejected"
	KindDeviceRecovery = "device_recovery"
)

// Event is one journal row.
type Event struct {
	ID        int64
	SessionID string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// Store manages journal persistence backed by SQLite.
type Store struct {
	db        *sql.DB
	path      string
	retention int
}

// Open initializes or connects to the journal database and applies
// migrations. retention caps how many events Prune keeps.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := cfg.JournalPath()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath, retention: cfg.Journal.Retention}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records one event. sessionID may be empty for daemon-scoped events.
func (s *Store) Append(ctx context.Context, sessionID, kind, detail string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO events (session_id, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		nullableString(sessionID),
		kind,
		nullableString(detail),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, session_id, kind, detail, created_at FROM events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Prune deletes the oldest events beyond the configured retention count and
// returns how many were removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)`,
		s.retention,
	)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var (
		id         int64
		sessionID  sql.NullString
		kind       string
		detail     sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(&id, &sessionID, &kind, &detail, &createdRaw); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	event := Event{
		ID:        id,
		SessionID: sessionID.String,
		Kind:      kind,
		Detail:    detail.String,
	}
	if created, err := time.Parse(time.RFC3339Nano, createdRaw); err == nil {
		event.CreatedAt = created
	}
	return event, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
