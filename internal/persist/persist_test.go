package persist

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testStores(t *testing.T) map[string]SnapshotStore {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]SnapshotStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := Record{
				RoomID:   "room-1",
				Mode:     "turn-based",
				Version:  42,
				Checksum: "abc123",
				State:    []byte(`{"version":42}`),
				SavedAt:  time.UnixMilli(1_700_000_000_000),
			}
			if err := store.Save(ctx, rec); err != nil {
				t.Fatalf("save: %v", err)
			}

			got, err := store.Load(ctx, "room-1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got.Version != 42 || got.Checksum != "abc123" || got.Mode != "turn-based" {
				t.Fatalf("unexpected record: %+v", got)
			}
			if string(got.State) != `{"version":42}` {
				t.Fatalf("state mismatch: %s", got.State)
			}
			if !got.SavedAt.Equal(rec.SavedAt) {
				t.Fatalf("saved_at mismatch: %v", got.SavedAt)
			}
		})
	}
}

func TestLatestSnapshotWins(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for v := uint64(1); v <= 3; v++ {
				rec := Record{RoomID: "room-1", Version: v, Checksum: "c", State: []byte("s"), SavedAt: time.Now()}
				if err := store.Save(ctx, rec); err != nil {
					t.Fatalf("save v%d: %v", v, err)
				}
			}
			got, err := store.Load(ctx, "room-1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got.Version != 3 {
				t.Fatalf("expected latest version 3, got %d", got.Version)
			}
		})
	}
}

func TestLoadMissingRoom(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Load(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestPendingActionsDrainInOrder(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, payload := range []string{"a-1", "a-2", "a-3"} {
				if err := store.QueueAction(ctx, "p-1", []byte(payload)); err != nil {
					t.Fatalf("queue %s: %v", payload, err)
				}
			}
			if err := store.QueueAction(ctx, "p-2", []byte("other")); err != nil {
				t.Fatalf("queue for p-2: %v", err)
			}

			got, err := store.PendingActions(ctx, "p-1")
			if err != nil {
				t.Fatalf("pending: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("expected 3 pending actions, got %d", len(got))
			}
			for i, want := range []string{"a-1", "a-2", "a-3"} {
				if string(got[i]) != want {
					t.Fatalf("pending[%d] = %s, want %s", i, got[i], want)
				}
			}

			if err := store.ClearActions(ctx, "p-1"); err != nil {
				t.Fatalf("clear: %v", err)
			}
			got, err = store.PendingActions(ctx, "p-1")
			if err != nil {
				t.Fatalf("pending after clear: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("expected empty queue after clear, got %d", len(got))
			}

			other, err := store.PendingActions(ctx, "p-2")
			if err != nil {
				t.Fatalf("pending for p-2: %v", err)
			}
			if len(other) != 1 {
				t.Fatalf("clear for p-1 touched p-2's queue")
			}
		})
	}
}

func TestDeleteRemovesSnapshot(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := Record{RoomID: "room-1", Version: 1, Checksum: "c", State: []byte("s"), SavedAt: time.Now()}
			if err := store.Save(ctx, rec); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := store.Delete(ctx, "room-1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.Load(ctx, "room-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}
