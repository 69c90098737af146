package room

import (
	"errors"
	"fmt"

	"tradewind/server/internal/action"
	"tradewind/server/internal/state"
)

// ErrNoSnapshot reports a rollback target older than the snapshot ring.
var ErrNoSnapshot = errors.New("room: no snapshot at or before target version")

// recordHistoryLocked appends the applied envelope to the bounded history
// ring. Entries carry the version the state reached after applying them.
func (r *Room) recordHistoryLocked(env action.Envelope) {
	r.history = append(r.history, historyEntry{env: env, version: r.st.Version})
	if len(r.history) > r.cfg.HistoryRing {
		r.history = r.history[len(r.history)-r.cfg.HistoryRing:]
	}
}

// maybeSnapshotLocked captures a state clone every SnapshotEvery versions
// into the bounded snapshot ring.
func (r *Room) maybeSnapshotLocked() {
	if r.st.Version%r.cfg.SnapshotEvery != 0 {
		return
	}
	r.forceSnapshotLocked()
}

// forceSnapshotLocked captures a snapshot unconditionally. Structural
// mutations (join, leave, spawned ships and ports) snapshot immediately so a
// rollback replay range never spans a change that no action envelope can
// reproduce.
func (r *Room) forceSnapshotLocked() {
	if n := len(r.snapshots); n > 0 && r.snapshots[n-1].version == r.st.Version {
		r.snapshots[n-1] = snapshotEntry{version: r.st.Version, state: r.st.Clone()}
		return
	}
	r.snapshots = append(r.snapshots, snapshotEntry{version: r.st.Version, state: r.st.Clone()})
	if len(r.snapshots) > r.cfg.SnapshotRing {
		r.snapshots = r.snapshots[len(r.snapshots)-r.cfg.SnapshotRing:]
	}
	r.metrics.Store("room_snapshot_newest", r.st.Version)
}

// stateAtLocked reconstructs the state at an historical version from the
// nearest snapshot at or below it plus replayed history.
func (r *Room) stateAtLocked(targetVersion uint64) (*state.GameState, error) {
	var base *snapshotEntry
	for i := len(r.snapshots) - 1; i >= 0; i-- {
		if r.snapshots[i].version <= targetVersion {
			base = &r.snapshots[i]
			break
		}
	}
	if base == nil {
		return nil, ErrNoSnapshot
	}

	restored := base.state.Clone()
	for _, entry := range r.history {
		if entry.version <= base.version || entry.version > targetVersion {
			continue
		}
		if err := applyEnvelope(restored, entry.env); err != nil {
			return nil, fmt.Errorf("room: replay action %s at version %d: %w", entry.env.ID, entry.version, err)
		}
		restored.Version = entry.version
	}
	if restored.Version != targetVersion {
		return nil, fmt.Errorf("room: replay reached version %d, wanted %d", restored.Version, targetVersion)
	}
	return restored, nil
}

// StateAt returns a reconstructed copy of the state as it existed at the
// given version, without disturbing the live state.
func (r *Room) StateAt(targetVersion uint64) (*state.GameState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if targetVersion == r.st.Version {
		return r.st.Clone(), nil
	}
	if targetVersion > r.st.Version {
		return nil, fmt.Errorf("room: version %d is in the future (current %d)", targetVersion, r.st.Version)
	}
	return r.stateAtLocked(targetVersion)
}

// Rollback rewinds the live state to targetVersion by restoring the nearest
// snapshot at or below it and replaying buffered actions up to it. History
// and snapshots past the target are discarded; subsequent actions re-derive
// versions above it.
func (r *Room) Rollback(targetVersion uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if targetVersion >= r.st.Version {
		return fmt.Errorf("room: rollback target %d not below current version %d", targetVersion, r.st.Version)
	}
	restored, err := r.stateAtLocked(targetVersion)
	if err != nil {
		return err
	}

	r.st = restored
	// Drop history and snapshots past the rollback point.
	trimmedHistory := r.history[:0]
	for _, entry := range r.history {
		if entry.version <= targetVersion {
			trimmedHistory = append(trimmedHistory, entry)
		}
	}
	r.history = trimmedHistory
	trimmedSnapshots := r.snapshots[:0]
	for _, snap := range r.snapshots {
		if snap.version <= targetVersion {
			trimmedSnapshots = append(trimmedSnapshots, snap)
		}
	}
	r.snapshots = trimmedSnapshots
	r.dirty = true
	r.metrics.Add("room_rollbacks", 1)
	return nil
}
