package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_snapshots (
	room_id  TEXT PRIMARY KEY,
	mode     TEXT NOT NULL DEFAULT 'realtime',
	version  INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	state    BLOB NOT NULL,
	saved_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_actions (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	player_id TEXT NOT NULL,
	payload   BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS pending_actions_player ON pending_actions (player_id);`

// SQLiteStore persists snapshots in a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the snapshot database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// under concurrent room checkpoints.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_id, mode, version, checksum, state, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			mode = excluded.mode,
			version = excluded.version,
			checksum = excluded.checksum,
			state = excluded.state,
			saved_at = excluded.saved_at`,
		rec.RoomID, rec.Mode, rec.Version, rec.Checksum, rec.State, rec.SavedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("persist: save %s: %w", rec.RoomID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, roomID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT mode, version, checksum, state, saved_at
		FROM room_snapshots WHERE room_id = ?`, roomID)

	rec := Record{RoomID: roomID}
	var savedAt int64
	if err := row.Scan(&rec.Mode, &rec.Version, &rec.Checksum, &rec.State, &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("persist: load %s: %w", roomID, err)
	}
	rec.SavedAt = time.UnixMilli(savedAt)
	return rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_snapshots WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("persist: delete %s: %w", roomID, err)
	}
	return nil
}

func (s *SQLiteStore) QueueAction(ctx context.Context, playerID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_actions (player_id, payload) VALUES (?, ?)`,
		playerID, payload)
	if err != nil {
		return fmt.Errorf("persist: queue action for %s: %w", playerID, err)
	}
	return nil
}

func (s *SQLiteStore) PendingActions(ctx context.Context, playerID string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM pending_actions
		WHERE player_id = ? ORDER BY id`, playerID)
	if err != nil {
		return nil, fmt.Errorf("persist: pending actions for %s: %w", playerID, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("persist: scan pending action: %w", err)
		}
		out = append(out, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persist: pending actions for %s: %w", playerID, err)
	}
	return out, nil
}

func (s *SQLiteStore) ClearActions(ctx context.Context, playerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE player_id = ?`, playerID); err != nil {
		return fmt.Errorf("persist: clear actions for %s: %w", playerID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
