// Package catalog persists rooms and (user, room) memberships in an
// embedded SQLite database. It is the source of truth for room existence
// and historical memberships; the hub mirrors it in memory for routing.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// MainRoom is the permanent default room. It cannot be deleted or left.
const MainRoom = "main"

// Sentinel errors surfaced to the dispatcher. Texts are user-facing.
var (
	ErrRoomExists   = errors.New("Room already exists")
	ErrRoomNotFound = errors.New("room not found")
	ErrMainRoom     = errors.New("the main room is permanent")
)

// Room is one catalog row.
type Room struct {
	ID        int64
	Name      string
	CreatedBy string
	CreatedAt time.Time
	IsActive  bool
}

// Store is the SQLite-backed room catalog.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the catalog database, runs migrations, and seeds
// the main room.
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

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("room catalog opened", "path", path)
	return s, nil
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
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	created_by TEXT NOT NULL,
	created_at INTEGER NOT NULL DEFAULT (unixepoch()),
	is_active  INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS user_rooms (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	username  TEXT NOT NULL,
	room_name TEXT NOT NULL,
	joined_at INTEGER NOT NULL DEFAULT (unixepoch()),
	UNIQUE(username, room_name)
);
CREATE INDEX IF NOT EXISTS idx_user_rooms_room ON user_rooms(room_name);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run catalog migrations: %w", err)
	}

	const seed = `INSERT OR IGNORE INTO rooms (name, created_by) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, seed, MainRoom, "system"); err != nil {
		return fmt.Errorf("seed main room: %w", err)
	}
	return nil
}

// Create adds a room. The name is reserved forever: a name that exists
// soft-deleted still collides (the unique constraint is authoritative).
func (s *Store) Create(ctx context.Context, name, creator string) error {
	const q = `INSERT INTO rooms (name, created_by) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, q, name, creator); err != nil {
		if isUniqueViolation(err) {
			return ErrRoomExists
		}
		return fmt.Errorf("insert room: %w", err)
	}
	slog.Info("room created", "room", name, "creator", creator)
	return nil
}

// Delete soft-deletes a room and removes all of its memberships in one
// transaction. Deleting main is refused.
func (s *Store) Delete(ctx context.Context, name string) error {
	if name == MainRoom {
		return ErrMainRoom
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete room: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE rooms SET is_active = 0 WHERE name = ? AND is_active = 1`, name)
	if err != nil {
		return fmt.Errorf("deactivate room: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRoomNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_rooms WHERE room_name = ?`, name); err != nil {
		return fmt.Errorf("clear room memberships: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete room: %w", err)
	}
	slog.Info("room deleted", "room", name)
	return nil
}

// Join records a membership. Joining an inactive or unknown room fails;
// joining a room twice is a no-op.
func (s *Store) Join(ctx context.Context, username, room string) error {
	active, err := s.IsActive(ctx, room)
	if err != nil {
		return err
	}
	if !active {
		return ErrRoomNotFound
	}
	const q = `INSERT OR IGNORE INTO user_rooms (username, room_name) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, q, username, room); err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// Leave removes a membership. Leaving main is refused.
func (s *Store) Leave(ctx context.Context, username, room string) error {
	if room == MainRoom {
		return ErrMainRoom
	}
	const q = `DELETE FROM user_rooms WHERE username = ? AND room_name = ?`
	if _, err := s.db.ExecContext(ctx, q, username, room); err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	return nil
}

// IsActive reports whether room exists with is_active=1.
func (s *Store) IsActive(ctx context.Context, room string) (bool, error) {
	var active int
	err := s.db.QueryRowContext(ctx, `SELECT is_active FROM rooms WHERE name = ?`, room).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query room: %w", err)
	}
	return active == 1, nil
}

// ActiveRooms returns the names of all active rooms, main first, the rest
// in creation order.
func (s *Store) ActiveRooms(ctx context.Context) ([]string, error) {
	const q = `SELECT name FROM rooms WHERE is_active = 1 ORDER BY name != ?, id`
	rows, err := s.db.QueryContext(ctx, q, MainRoom)
	if err != nil {
		return nil, fmt.Errorf("query active rooms: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Members returns the usernames with a membership row for room.
func (s *Store) Members(ctx context.Context, room string) ([]string, error) {
	const q = `SELECT username FROM user_rooms WHERE room_name = ? ORDER BY joined_at, id`
	rows, err := s.db.QueryContext(ctx, q, room)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// RoomsOf returns the active rooms username is a member of, oldest join
// first. Memberships pointing at deleted rooms are excluded.
func (s *Store) RoomsOf(ctx context.Context, username string) ([]string, error) {
	const q = `
SELECT ur.room_name
FROM user_rooms ur
JOIN rooms r ON r.name = ur.room_name AND r.is_active = 1
WHERE ur.username = ?
ORDER BY ur.joined_at, ur.id
`
	rows, err := s.db.QueryContext(ctx, q, username)
	if err != nil {
		return nil, fmt.Errorf("query user rooms: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan user room: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// RenameUser rewrites all membership rows from old to new in one
// transaction.
func (s *Store) RenameUser(ctx context.Context, old, new string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rename: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE user_rooms SET username = ? WHERE username = ?`, new, old); err != nil {
		return fmt.Errorf("rewrite memberships: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rename: %w", err)
	}
	return nil
}

// RoomCount returns the number of active rooms.
func (s *Store) RoomCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms WHERE is_active = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rooms: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text;
	// it does not export a typed constraint error.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
