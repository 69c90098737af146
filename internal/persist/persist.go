// Package persist checkpoints room state so sessions survive a server
// restart. One row per room, latest snapshot wins.
package persist

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a missing snapshot for a room id.
var ErrNotFound = errors.New("persist: snapshot not found")

// Record is one checkpointed room state.
type Record struct {
	RoomID   string
	Mode     string
	Version  uint64
	Checksum string
	State    []byte
	SavedAt  time.Time
}

// SnapshotStore saves and restores room checkpoints, and holds actions a
// player submitted while offline until their next session drains them.
type SnapshotStore interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, roomID string) (Record, error)
	Delete(ctx context.Context, roomID string) error
	QueueAction(ctx context.Context, playerID string, payload []byte) error
	PendingActions(ctx context.Context, playerID string) ([][]byte, error)
	ClearActions(ctx context.Context, playerID string) error
	Close() error
}
