package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNoRoom is returned by LoadRoom when no room row has been persisted.
var ErrNoRoom = errors.New("no persisted room")

// RoomRow is the persisted room record.
type RoomRow struct {
	RoomID    string
	Name      string
	Locked    bool
	CreatedAt int64 // unix ms
	UpdatedAt int64
}

// TransferRow is one terminal transfer outcome.
type TransferRow struct {
	TransferID  string
	FileID      string
	RequesterID string
	OwnerID     string
	SizeBytes   int64
	BytesMoved  int64
	State       string
	ErrorCode   string
	StartedAt   int64 // unix ms
	FinishedAt  int64
}

// Store persists operational records in SQLite. A nil *Store is a no-op on
// every method, so the phone-hosted variant can run with persistence off.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	locked INTEGER NOT NULL CHECK(locked IN (0, 1)),
	created_at_unix_ms INTEGER NOT NULL,
	updated_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transfers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id TEXT NOT NULL,
	file_id TEXT NOT NULL,
	requester_peer_id TEXT NOT NULL,
	owner_peer_id TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	bytes_moved INTEGER NOT NULL,
	state TEXT NOT NULL,
	error_code TEXT NOT NULL DEFAULT '',
	started_at_unix_ms INTEGER NOT NULL,
	finished_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_finished ON transfers(finished_at_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// SaveRoom upserts the room record. Only one row is kept.
func (s *Store) SaveRoom(ctx context.Context, room RoomRow) error {
	if s == nil {
		return nil
	}
	const q = `
INSERT INTO rooms (room_id, name, locked, created_at_unix_ms, updated_at_unix_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(room_id) DO UPDATE SET
	name = excluded.name,
	locked = excluded.locked,
	updated_at_unix_ms = excluded.updated_at_unix_ms
`
	locked := 0
	if room.Locked {
		locked = 1
	}
	if _, err := s.db.ExecContext(ctx, q, room.RoomID, room.Name, locked, room.CreatedAt, room.UpdatedAt); err != nil {
		return fmt.Errorf("save room: %w", err)
	}
	return nil
}

// LoadRoom returns the most recently updated room record.
func (s *Store) LoadRoom(ctx context.Context) (RoomRow, error) {
	if s == nil {
		return RoomRow{}, ErrNoRoom
	}
	const q = `
SELECT room_id, name, locked, created_at_unix_ms, updated_at_unix_ms
FROM rooms ORDER BY updated_at_unix_ms DESC LIMIT 1
`
	var (
		row    RoomRow
		locked int
	)
	err := s.db.QueryRowContext(ctx, q).Scan(&row.RoomID, &row.Name, &locked, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RoomRow{}, ErrNoRoom
		}
		return RoomRow{}, fmt.Errorf("load room: %w", err)
	}
	row.Locked = locked == 1
	return row, nil
}

// RecordTransfer appends one terminal transfer outcome.
func (s *Store) RecordTransfer(ctx context.Context, row TransferRow) error {
	if s == nil {
		return nil
	}
	const q = `
INSERT INTO transfers (
	transfer_id, file_id, requester_peer_id, owner_peer_id,
	size_bytes, bytes_moved, state, error_code,
	started_at_unix_ms, finished_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(ctx, q,
		row.TransferID, row.FileID, row.RequesterID, row.OwnerID,
		row.SizeBytes, row.BytesMoved, row.State, row.ErrorCode,
		row.StartedAt, row.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	slog.Debug("transfer recorded", "transfer_id", row.TransferID, "state", row.State, "bytes", row.BytesMoved)
	return nil
}

// RecentTransfers returns the newest transfer rows, most recent first.
func (s *Store) RecentTransfers(ctx context.Context, limit int) ([]TransferRow, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT transfer_id, file_id, requester_peer_id, owner_peer_id,
	size_bytes, bytes_moved, state, error_code,
	started_at_unix_ms, finished_at_unix_ms
FROM transfers ORDER BY finished_at_unix_ms DESC, id DESC LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var out []TransferRow
	for rows.Next() {
		var r TransferRow
		if err := rows.Scan(
			&r.TransferID, &r.FileID, &r.RequesterID, &r.OwnerID,
			&r.SizeBytes, &r.BytesMoved, &r.State, &r.ErrorCode,
			&r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TransferCounts returns how many transfers finished in each terminal state.
func (s *Store) TransferCounts(ctx context.Context) (map[string]int, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM transfers GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count transfers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan transfer count: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}
