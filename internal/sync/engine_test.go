package sync

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"tradewind/server/internal/config"
	"tradewind/server/internal/proto"
	"tradewind/server/internal/state"
)

type fakeSource struct {
	current *state.GameState
	history map[uint64]*state.GameState
}

func newFakeSource(st *state.GameState) *fakeSource {
	f := &fakeSource{
		current: st,
		history: make(map[uint64]*state.GameState),
	}
	f.remember()
	return f
}

func (f *fakeSource) Snapshot() *state.GameState { return f.current.Clone() }

func (f *fakeSource) StateAt(version uint64) (*state.GameState, error) {
	st, ok := f.history[version]
	if !ok {
		return nil, errors.New("no state at version")
	}
	return st.Clone(), nil
}

func (f *fakeSource) remember() {
	f.history[f.current.Version] = f.current.Clone()
}

func (f *fakeSource) mutate(fn func(*state.GameState)) {
	fn(f.current)
	f.current.Version++
	f.remember()
}

func syncCfg() config.SyncConfig {
	return config.SyncConfig{
		DeltaThreshold:  0.9,
		BandwidthBudget: 50 * 1024,
		PendingLimit:    10,
		ShipRadius:      2000,
		EntityRadius:    800,
	}
}

func bigPrices(n int) map[string]int64 {
	prices := make(map[string]int64, n)
	for i := 0; i < n; i++ {
		prices[fmt.Sprintf("exotic-%03d", i)] = int64(100 + i)
	}
	return prices
}

func worldState() *state.GameState {
	st := state.NewGameState()
	st.Version = 1
	st.Players["player-1"] = &state.Player{ID: "player-1", Currency: 1000}
	st.Players["player-2"] = &state.Player{ID: "player-2", Currency: 1000}
	st.Ships["ship-1"] = &state.Ship{ID: "ship-1", OwnerID: "player-1", Capacity: 200}
	st.Ships["ship-2"] = &state.Ship{ID: "ship-2", OwnerID: "player-2", Capacity: 200}
	st.Ports["port-1"] = &state.Port{
		ID:     "port-1",
		Prices: map[string]int64{"grain": 50},
		Stock:  map[string]int{"grain": 500},
	}
	return st
}

func TestFirstUpdateIsFullState(t *testing.T) {
	e := New(syncCfg(), Deps{})
	src := newFakeSource(worldState())
	e.Register("player-1")

	now := time.UnixMilli(1_700_000_000_000)
	upd, err := e.PlanFor(now, "room-1", src, "player-1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if upd == nil || upd.Full == nil {
		t.Fatalf("expected full state for a fresh client")
	}
	if upd.Full.Version != 1 {
		t.Fatalf("expected version 1, got %d", upd.Full.Version)
	}

	decoded, err := DecodeFullState(upd.Full)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Checksum() != upd.Full.Checksum {
		t.Fatalf("checksum mismatch after decode")
	}
}

func TestSmallChangeYieldsDelta(t *testing.T) {
	e := New(syncCfg(), Deps{})
	src := newFakeSource(worldState())
	e.Register("player-1")

	now := time.UnixMilli(1_700_000_000_000)
	if _, err := e.PlanFor(now, "room-1", src, "player-1"); err != nil {
		t.Fatalf("initial plan: %v", err)
	}
	e.Ack("player-1", 1)

	src.mutate(func(st *state.GameState) {
		st.Players["player-1"].Currency = 500
		st.Ships["ship-1"].Cargo = map[string]int{"grain": 10}
	})

	upd, err := e.PlanFor(now.Add(50*time.Millisecond), "room-1", src, "player-1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if upd == nil || upd.Delta == nil {
		t.Fatalf("expected a delta")
	}
	if upd.Delta.BaseVersion != 1 || upd.Delta.Version != 2 {
		t.Fatalf("expected delta 1->2, got %d->%d", upd.Delta.BaseVersion, upd.Delta.Version)
	}

	changes, err := DecodeDelta(upd.Delta)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	fields := map[string]bool{}
	for _, ch := range changes {
		fields[ch.EntityID+"."+ch.Field] = true
	}
	if !fields["player-1.currency"] || !fields["ship-1.cargo"] {
		t.Fatalf("missing expected changes, got %v", fields)
	}
}

func TestWideChangeForcesFullState(t *testing.T) {
	e := New(syncCfg(), Deps{})
	st := worldState()
	bigStock := make(map[string]int, 60)
	for i := 0; i < 60; i++ {
		bigStock[fmt.Sprintf("good-%02d", i)] = i
	}
	st.Ports["port-1"].Stock = bigStock
	src := newFakeSource(st)
	e.Register("player-1")

	now := time.UnixMilli(1_700_000_000_000)
	if _, err := e.PlanFor(now, "room-1", src, "player-1"); err != nil {
		t.Fatalf("initial plan: %v", err)
	}
	e.Ack("player-1", 1)

	// Rewriting the dominant stock map puts it in the delta twice (old and
	// new values), pushing the delta past 90% of a full encoding.
	src.mutate(func(st *state.GameState) {
		for _, p := range st.Players {
			p.Currency += 7
		}
		for _, s := range st.Ships {
			s.Position.X += 1
		}
		for k := range st.Ports["port-1"].Stock {
			st.Ports["port-1"].Stock[k]++
		}
	})

	upd, err := e.PlanFor(now.Add(50*time.Millisecond), "room-1", src, "player-1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if upd == nil || upd.Full == nil {
		t.Fatalf("expected full state when the delta outweighs a full encoding")
	}
}

func TestInterestFilterDropsFarShips(t *testing.T) {
	e := New(syncCfg(), Deps{})
	st := worldState()
	st.Players["player-1"].Position = state.Vec2{X: 0, Y: 0}
	st.Ships["ship-2"].Position = state.Vec2{X: 10_000, Y: 0}
	src := newFakeSource(st)
	e.Register("player-1")

	now := time.UnixMilli(1_700_000_000_000)
	if _, err := e.PlanFor(now, "room-1", src, "player-1"); err != nil {
		t.Fatalf("initial plan: %v", err)
	}
	e.Ack("player-1", 1)

	src.mutate(func(s *state.GameState) {
		s.Ships["ship-2"].Velocity = state.Vec2{X: 5, Y: 0} // far away
		s.Ships["ship-1"].Velocity = state.Vec2{X: 3, Y: 0} // own ship
	})

	upd, err := e.PlanFor(now.Add(50*time.Millisecond), "room-1", src, "player-1")
	if err != nil || upd == nil || upd.Delta == nil {
		t.Fatalf("expected delta, got upd=%v err=%v", upd, err)
	}
	changes, err := DecodeDelta(upd.Delta)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, ch := range changes {
		if ch.EntityID == "ship-2" {
			t.Fatalf("far ship change leaked through interest filter")
		}
	}
	found := false
	for _, ch := range changes {
		if ch.EntityID == "ship-1" && ch.Field == "velocity" {
			found = true
		}
	}
	if !found {
		t.Fatalf("own ship change missing from delta")
	}
}

func TestPendingOverflowForcesResync(t *testing.T) {
	cfg := syncCfg()
	cfg.PendingLimit = 3
	e := New(cfg, Deps{})
	src := newFakeSource(worldState())
	e.Register("player-1")

	now := time.UnixMilli(1_700_000_000_000)
	if _, err := e.PlanFor(now, "room-1", src, "player-1"); err != nil {
		t.Fatalf("initial plan: %v", err)
	}
	e.Ack("player-1", 1)

	// The client stops acking; each tick sends another delta until the
	// pending ceiling forces a full state.
	sawFull := false
	for i := 0; i < 6; i++ {
		src.mutate(func(st *state.GameState) {
			st.Players["player-1"].Currency += 10
		})
		upd, err := e.PlanFor(now.Add(time.Duration(i+1)*time.Second), "room-1", src, "player-1")
		if err != nil {
			t.Fatalf("plan %d: %v", i, err)
		}
		if upd != nil && upd.Full != nil {
			sawFull = true
			break
		}
	}
	if !sawFull {
		t.Fatalf("expected a forced full resync after unacked deltas piled up")
	}
}

func TestMissingHistoryFallsBackToFull(t *testing.T) {
	e := New(syncCfg(), Deps{})
	src := newFakeSource(worldState())
	e.Register("player-1")

	now := time.UnixMilli(1_700_000_000_000)
	if _, err := e.PlanFor(now, "room-1", src, "player-1"); err != nil {
		t.Fatalf("initial plan: %v", err)
	}
	e.Ack("player-1", 1)
	delete(src.history, uint64(1)) // base version evicted

	src.mutate(func(st *state.GameState) {
		st.Players["player-1"].Currency = 750
	})

	upd, err := e.PlanFor(now.Add(time.Second), "room-1", src, "player-1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if upd == nil || upd.Full == nil {
		t.Fatalf("expected full state when the delta base is gone")
	}
}

func TestRequestResyncForcesFullState(t *testing.T) {
	e := New(syncCfg(), Deps{})
	src := newFakeSource(worldState())
	e.Register("player-1")

	now := time.UnixMilli(1_700_000_000_000)
	if _, err := e.PlanFor(now, "room-1", src, "player-1"); err != nil {
		t.Fatalf("initial plan: %v", err)
	}
	e.Ack("player-1", 1)
	e.RequestResync("player-1")

	upd, err := e.PlanFor(now.Add(time.Second), "room-1", src, "player-1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if upd == nil || upd.Full == nil {
		t.Fatalf("expected full state after resync request")
	}
}

func TestUpToDateClientGetsNothing(t *testing.T) {
	e := New(syncCfg(), Deps{})
	src := newFakeSource(worldState())
	e.Register("player-1")

	now := time.UnixMilli(1_700_000_000_000)
	if _, err := e.PlanFor(now, "room-1", src, "player-1"); err != nil {
		t.Fatalf("initial plan: %v", err)
	}
	e.Ack("player-1", 1)

	upd, err := e.PlanFor(now.Add(time.Second), "room-1", src, "player-1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if upd != nil {
		t.Fatalf("expected no update for an up-to-date client")
	}
}

func TestBandwidthSheddingDropsLowPriority(t *testing.T) {
	cfg := syncCfg()
	cfg.BandwidthBudget = 512
	e := New(cfg, Deps{})

	st := worldState()
	bigStock := make(map[string]int, 60)
	for i := 0; i < 60; i++ {
		bigStock[fmt.Sprintf("good-%02d", i)] = i
	}
	st.Ports["port-1"].Stock = bigStock
	// A large unchanged price list keeps the full encoding well above the
	// delta, so the plan stays a delta and shedding gets exercised.
	st.Ports["port-1"].Prices = bigPrices(200)
	src := newFakeSource(st)
	e.Register("player-1")

	now := time.UnixMilli(1_700_000_000_000)
	if _, err := e.PlanFor(now, "room-1", src, "player-1"); err != nil {
		t.Fatalf("initial plan: %v", err)
	}
	e.Ack("player-1", 1)

	src.mutate(func(s *state.GameState) {
		s.Ships["ship-1"].Position = state.Vec2{X: 5, Y: 5} // high priority
		for k := range s.Ports["port-1"].Stock {
			s.Ports["port-1"].Stock[k]++ // one big low-priority change
		}
	})

	upd, err := e.PlanFor(now.Add(time.Second), "room-1", src, "player-1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if upd == nil || upd.Delta == nil {
		t.Fatalf("expected a shed delta, got %v", upd)
	}
	changes, err := DecodeDelta(upd.Delta)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, ch := range changes {
		if ch.EntityID == "port-1" {
			t.Fatalf("low-priority stock change survived shedding")
		}
	}
	foundMove := false
	for _, ch := range changes {
		if ch.EntityID == "ship-1" && ch.Field == "position" {
			foundMove = true
		}
	}
	if !foundMove {
		t.Fatalf("high-priority position change was shed")
	}
}

func TestDeltaCompressionRoundTrip(t *testing.T) {
	e := New(syncCfg(), Deps{})
	st := worldState()
	bigStock := make(map[string]int, 80)
	for i := 0; i < 80; i++ {
		bigStock[fmt.Sprintf("good-%02d", i)] = 100
	}
	st.Ports["port-1"].Stock = bigStock
	st.Ports["port-1"].Prices = bigPrices(200)
	src := newFakeSource(st)
	e.Register("player-1")

	now := time.UnixMilli(1_700_000_000_000)
	if _, err := e.PlanFor(now, "room-1", src, "player-1"); err != nil {
		t.Fatalf("initial plan: %v", err)
	}
	e.Ack("player-1", 1)

	src.mutate(func(s *state.GameState) {
		for k := range s.Ports["port-1"].Stock {
			s.Ports["port-1"].Stock[k] = 99
		}
	})

	upd, err := e.PlanFor(now.Add(time.Second), "room-1", src, "player-1")
	if err != nil || upd == nil || upd.Delta == nil {
		t.Fatalf("expected delta, got upd=%v err=%v", upd, err)
	}
	if !upd.Delta.Compressed {
		t.Fatalf("expected a compressed delta for a large repetitive change")
	}
	changes, err := DecodeDelta(upd.Delta)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(changes) != 1 || changes[0].Field != "stock" {
		t.Fatalf("unexpected decoded changes: %v", changes)
	}
}

func TestSpawnAndRemovalChangesAreCritical(t *testing.T) {
	old := worldState()
	updated := old.Clone()
	updated.Ships["ship-3"] = &state.Ship{ID: "ship-3", OwnerID: "player-1", Capacity: 100}
	delete(updated.Players, "player-2")
	updated.Players["player-1"].Currency = 500
	updated.Ships["ship-1"].Position = state.Vec2{X: 3, Y: 3}
	updated.Version = 2

	changes := Diff(old, updated)
	for _, ch := range changes {
		if (ch.Field == "spawned" || ch.Field == "removed") && ch.Priority != PriorityCritical {
			t.Fatalf("%s %s has priority %s, want %s", ch.EntityID, ch.Field, ch.Priority, PriorityCritical)
		}
	}

	orderByPriority(changes)
	if changes[0].Priority != PriorityCritical {
		t.Fatalf("expected a critical change delivered first, got %s", changes[0].Priority)
	}
	for i := 1; i < len(changes); i++ {
		if priorityRank(changes[i-1].Priority) < priorityRank(changes[i].Priority) {
			t.Fatalf("delivery order breaks priority at index %d", i)
		}
	}
}

func TestShedKeepsCriticalAndHigh(t *testing.T) {
	changes := []proto.StateChange{
		{EntityID: "ship-3", Field: "spawned", Priority: PriorityCritical},
		{EntityID: "ship-1", Field: "position", Priority: PriorityHigh},
	}
	if _, dropped := shedLowest(changes); dropped != 0 {
		t.Fatalf("shed dropped %d unsheddable changes", dropped)
	}
}

func TestApplyChangesIsIdempotent(t *testing.T) {
	old := worldState()
	updated := old.Clone()
	updated.Players["player-1"].Currency = 500
	updated.Ships["ship-1"].Position = state.Vec2{X: 9, Y: 9}
	updated.Version = 2

	changes := Diff(old, updated)

	clientView := old.Clone()
	if err := ApplyChanges(clientView, changes, 2); err != nil {
		t.Fatalf("apply: %v", err)
	}
	first := clientView.Checksum()
	if first != updated.Checksum() {
		t.Fatalf("applied state diverges from authoritative state")
	}

	// Last-write-wins: replaying the same delta changes nothing.
	if err := ApplyChanges(clientView, changes, 2); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if clientView.Checksum() != first {
		t.Fatalf("reapplying a delta changed the state")
	}
}

func TestApplySpawnAndRemoval(t *testing.T) {
	old := worldState()
	updated := old.Clone()
	updated.Ships["ship-3"] = &state.Ship{ID: "ship-3", OwnerID: "player-1", Capacity: 100}
	delete(updated.Players, "player-2")
	delete(updated.Ships, "ship-2")
	updated.Version = 2

	changes := Diff(old, updated)
	clientView := old.Clone()
	if err := ApplyChanges(clientView, changes, 2); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := clientView.Ships["ship-3"]; !ok {
		t.Fatalf("spawned ship missing")
	}
	if _, ok := clientView.Players["player-2"]; ok {
		t.Fatalf("removed player still present")
	}
	if clientView.Checksum() != updated.Checksum() {
		t.Fatalf("state mismatch after spawn/removal delta")
	}
}
