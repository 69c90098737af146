package room

import (
	"fmt"
	"testing"
	"time"

	"tradewind/server/internal/action"
	"tradewind/server/internal/config"
	"tradewind/server/internal/state"
)

type allowAll struct{}

func (allowAll) ValidateAction(action.Envelope, *state.GameState) (string, bool) {
	return "", true
}

type denyAll struct{ reason string }

func (d denyAll) ValidateAction(action.Envelope, *state.GameState) (string, bool) {
	return d.reason, false
}

func testConfig() config.RoomConfig {
	return config.RoomConfig{
		MinPlayers:    2,
		MaxPlayers:    16,
		SnapshotEvery: 10,
		SnapshotRing:  10,
		HistoryRing:   256,
	}
}

func newTestRoom(t *testing.T, mode Mode) *Room {
	t.Helper()
	r := New("room-1", mode, testConfig(), Deps{Validator: allowAll{}})
	now := time.UnixMilli(1_700_000_000_000)
	for i := 1; i <= 2; i++ {
		id := fmt.Sprintf("player-%d", i)
		player := &state.Player{ID: id, Name: id, Currency: 1000}
		if err := r.Join(player, now); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
		ship := &state.Ship{ID: fmt.Sprintf("ship-%d", i), OwnerID: id, Capacity: 200}
		if err := r.AddShip(ship); err != nil {
			t.Fatalf("add ship for %s: %v", id, err)
		}
	}
	r.AddPort(&state.Port{
		ID:       "port-1",
		Name:     "Port Royal",
		Position: state.Vec2{X: 500, Y: 500},
		Prices:   map[string]int64{"grain": 50, "silk": 200},
		Stock:    map[string]int{"grain": 500, "silk": 40},
	})
	return r
}

func moveEnvelope(player, ship string, x, y float64, at time.Time) action.Envelope {
	return action.Envelope{
		ID:            fmt.Sprintf("act-%s-%d", player, at.UnixMilli()),
		PlayerID:      player,
		Kind:          action.KindMoveShip,
		ServerTime:    at,
		EffectiveTime: at,
		Move:          &action.MoveParams{ShipID: ship, TargetX: x, TargetY: y},
	}
}

func buyEnvelope(player, ship string, good string, qty int, at time.Time) action.Envelope {
	return action.Envelope{
		ID:            fmt.Sprintf("buy-%s-%d", player, at.UnixMilli()),
		PlayerID:      player,
		Kind:          action.KindBuyCargo,
		ServerTime:    at,
		EffectiveTime: at,
		Trade:         &action.TradeParams{ShipID: ship, PortID: "port-1", Good: good, Quantity: qty},
	}
}

func TestRoomActivatesAtMinPlayers(t *testing.T) {
	r := New("room-1", ModeRealtime, testConfig(), Deps{Validator: allowAll{}})
	now := time.Now()

	if err := r.Join(&state.Player{ID: "player-1"}, now); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := r.Phase(); got != PhaseWaiting {
		t.Fatalf("expected phase %s after one join, got %s", PhaseWaiting, got)
	}
	if err := r.Join(&state.Player{ID: "player-2"}, now); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := r.Phase(); got != PhaseActive {
		t.Fatalf("expected phase %s after two joins, got %s", PhaseActive, got)
	}
	if got := r.HostID(); got != "player-1" {
		t.Fatalf("expected host player-1, got %s", got)
	}
}

func TestRoomRejectsJoinsBeyondMaxPlayers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPlayers = 3
	r := New("room-1", ModeRealtime, cfg, Deps{Validator: allowAll{}})
	now := time.Now()
	for i := 1; i <= 3; i++ {
		if err := r.Join(&state.Player{ID: fmt.Sprintf("player-%d", i)}, now); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}
	if err := r.Join(&state.Player{ID: "player-4"}, now); err != ErrRoomFull {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
}

func TestVersionAdvancesOnlyOnAcceptedActions(t *testing.T) {
	r := newTestRoom(t, ModeRealtime)
	base := r.Version()
	at := time.UnixMilli(1_700_000_001_000)

	res := r.ApplyAction(moveEnvelope("player-1", "ship-1", 10, 10, at))
	if !res.Applied {
		t.Fatalf("expected move to apply, got reason %q", res.Reason)
	}
	if got := r.Version(); got != base+1 {
		t.Fatalf("expected version %d after accepted action, got %d", base+1, got)
	}

	// Unknown ship is rejected by apply; version must not move.
	res = r.ApplyAction(moveEnvelope("player-1", "ship-404", 20, 20, at.Add(time.Second)))
	if res.Applied {
		t.Fatalf("expected move against unknown ship to be rejected")
	}
	if res.Reason != "unknown_ship" {
		t.Fatalf("expected reason unknown_ship, got %q", res.Reason)
	}
	if got := r.Version(); got != base+1 {
		t.Fatalf("expected version to stay %d after rejection, got %d", base+1, got)
	}
}

func TestValidatorRejectionLeavesVersionUntouched(t *testing.T) {
	r := New("room-1", ModeRealtime, testConfig(), Deps{Validator: denyAll{reason: "speedHack"}})
	now := time.Now()
	for i := 1; i <= 2; i++ {
		if err := r.Join(&state.Player{ID: fmt.Sprintf("player-%d", i)}, now); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	base := r.Version()

	res := r.ApplyAction(moveEnvelope("player-1", "ship-1", 100, 100, now))
	if res.Applied {
		t.Fatalf("expected validator rejection")
	}
	if res.Reason != "speedHack" {
		t.Fatalf("expected reason speedHack, got %q", res.Reason)
	}
	if got := r.Version(); got != base {
		t.Fatalf("expected version %d, got %d", base, got)
	}
}

func TestBuyCargoMutatesBalanceAndCargo(t *testing.T) {
	r := newTestRoom(t, ModeRealtime)
	at := time.UnixMilli(1_700_000_001_000)

	res := r.ApplyAction(buyEnvelope("player-1", "ship-1", "grain", 10, at))
	if !res.Applied {
		t.Fatalf("expected buy to apply, got reason %q", res.Reason)
	}

	st := r.Snapshot()
	if got := st.Players["player-1"].Currency; got != 500 {
		t.Fatalf("expected balance 500 after buying 10 grain at 50, got %d", got)
	}
	if got := st.Ships["ship-1"].Cargo["grain"]; got != 10 {
		t.Fatalf("expected 10 grain aboard, got %d", got)
	}
	if got := st.Ports["port-1"].Stock["grain"]; got != 490 {
		t.Fatalf("expected port stock 490, got %d", got)
	}
}

func TestBuyCargoRejectsOverdraft(t *testing.T) {
	r := newTestRoom(t, ModeRealtime)
	at := time.UnixMilli(1_700_000_001_000)

	res := r.ApplyAction(buyEnvelope("player-1", "ship-1", "silk", 10, at))
	if res.Applied {
		t.Fatalf("expected overdraft rejection (cost 2000 > balance 1000)")
	}
	if res.Reason != "insufficient_funds" {
		t.Fatalf("expected reason insufficient_funds, got %q", res.Reason)
	}
	st := r.Snapshot()
	if got := st.Players["player-1"].Currency; got != 1000 {
		t.Fatalf("expected balance unchanged at 1000, got %d", got)
	}
}

func TestRollbackReplayIsBitIdentical(t *testing.T) {
	r := newTestRoom(t, ModeRealtime)
	at := time.UnixMilli(1_700_000_001_000)

	envelopes := make([]action.Envelope, 0, 30)
	for i := 0; i < 30; i++ {
		var env action.Envelope
		switch i % 3 {
		case 0:
			env = moveEnvelope("player-1", "ship-1", float64(10+i), float64(10+i), at.Add(time.Duration(i)*time.Second))
		case 1:
			env = buyEnvelope("player-1", "ship-1", "grain", 1, at.Add(time.Duration(i)*time.Second))
		default:
			env = moveEnvelope("player-2", "ship-2", float64(5+i), float64(5+i), at.Add(time.Duration(i)*time.Second))
		}
		envelopes = append(envelopes, env)
		if res := r.ApplyAction(env); !res.Applied {
			t.Fatalf("action %d rejected: %s", i, res.Reason)
		}
	}

	final := r.Version()
	wantChecksum := r.Snapshot().Checksum()

	target := final - 7
	if err := r.Rollback(target); err != nil {
		t.Fatalf("rollback to %d: %v", target, err)
	}
	if got := r.Version(); got != target {
		t.Fatalf("expected version %d after rollback, got %d", target, got)
	}

	// Replaying the same envelopes forward must reproduce the exact state.
	for _, env := range envelopes[len(envelopes)-7:] {
		if res := r.ApplyAction(env); !res.Applied {
			t.Fatalf("replay of %s rejected: %s", env.ID, res.Reason)
		}
	}
	if got := r.Version(); got != final {
		t.Fatalf("expected version %d after replay, got %d", final, got)
	}
	if got := r.Snapshot().Checksum(); got != wantChecksum {
		t.Fatalf("expected checksum %s after rollback+replay, got %s", wantChecksum, got)
	}
}

func TestStateAtReconstructsHistoricalVersion(t *testing.T) {
	r := newTestRoom(t, ModeRealtime)
	at := time.UnixMilli(1_700_000_001_000)

	checksums := make(map[uint64]string)
	for i := 0; i < 20; i++ {
		env := moveEnvelope("player-1", "ship-1", float64(i), float64(i), at.Add(time.Duration(i)*time.Second))
		res := r.ApplyAction(env)
		if !res.Applied {
			t.Fatalf("action %d rejected: %s", i, res.Reason)
		}
		checksums[res.Version] = r.Snapshot().Checksum()
	}

	target := r.Version() - 5
	st, err := r.StateAt(target)
	if err != nil {
		t.Fatalf("state at %d: %v", target, err)
	}
	if got := st.Checksum(); got != checksums[target] {
		t.Fatalf("expected checksum %s at version %d, got %s", checksums[target], target, got)
	}
}

func TestTurnRotationAndTransferOnLeave(t *testing.T) {
	r := newTestRoom(t, ModeTurnBased)
	at := time.UnixMilli(1_700_000_001_000)

	first := r.CurrentTurn()
	if first != "player-1" {
		t.Fatalf("expected player-1 to open, got %s", first)
	}

	// Out-of-turn actions are rejected.
	res := r.ApplyAction(moveEnvelope("player-2", "ship-2", 1, 1, at))
	if res.Applied || res.Reason != RejectNotYourTurn {
		t.Fatalf("expected not_your_turn, got applied=%v reason=%q", res.Applied, res.Reason)
	}

	end := action.Envelope{
		ID: "end-1", PlayerID: "player-1", Kind: action.KindEndTurn,
		ServerTime: at, EffectiveTime: at,
	}
	if res := r.ApplyAction(end); !res.Applied {
		t.Fatalf("end turn rejected: %s", res.Reason)
	}
	if got := r.CurrentTurn(); got != "player-2" {
		t.Fatalf("expected turn to pass to player-2, got %s", got)
	}

	// The turn holder leaving passes the turn along.
	r.Leave("player-2", at.Add(time.Second))
	if got := r.CurrentTurn(); got != "player-1" {
		t.Fatalf("expected turn back to player-1 after leave, got %s", got)
	}
}

func TestRoomClosesWhenEmpty(t *testing.T) {
	r := newTestRoom(t, ModeRealtime)
	now := time.Now()
	r.Leave("player-1", now)
	r.Leave("player-2", now)
	if got := r.Phase(); got != PhaseClosed {
		t.Fatalf("expected phase %s, got %s", PhaseClosed, got)
	}
	if err := r.Join(&state.Player{ID: "player-3"}, now); err != ErrRoomClosed {
		t.Fatalf("expected ErrRoomClosed, got %v", err)
	}
}

func TestAdvanceDrainsQueueInReceiptOrder(t *testing.T) {
	r := newTestRoom(t, ModeRealtime)
	at := time.UnixMilli(1_700_000_001_000)

	for i := 0; i < 5; i++ {
		env := moveEnvelope("player-1", "ship-1", float64(i), float64(i), at.Add(time.Duration(i)*time.Second))
		if ok, reason := r.Enqueue(env); !ok {
			t.Fatalf("enqueue %d: %s", i, reason)
		}
	}

	result := r.Advance(at.Add(10 * time.Second))
	if len(result.Results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(result.Results))
	}
	for i, res := range result.Results {
		if !res.Applied {
			t.Fatalf("result %d rejected: %s", i, res.Reason)
		}
		if i > 0 && res.Version != result.Results[i-1].Version+1 {
			t.Fatalf("expected receipt-order version progression, got %d then %d", result.Results[i-1].Version, res.Version)
		}
	}
	if !result.Dirty {
		t.Fatalf("expected room to be dirty after applied actions")
	}

	st := r.Snapshot()
	if st.Ships["ship-1"].Position.X != 4 {
		t.Fatalf("expected final position 4, got %v", st.Ships["ship-1"].Position)
	}
}

func TestRestoreRebuildsRoster(t *testing.T) {
	src := newTestRoom(t, ModeRealtime)
	at := time.UnixMilli(1_700_000_001_000)
	if res := src.ApplyAction(buyEnvelope("player-1", "ship-1", "grain", 5, at)); !res.Applied {
		t.Fatalf("buy rejected: %s", res.Reason)
	}
	snapshot := src.Snapshot()

	fresh := New("room-1", ModeRealtime, testConfig(), Deps{Validator: allowAll{}})
	fresh.Restore(snapshot, at.Add(time.Minute))

	if fresh.Phase() != PhaseActive {
		t.Fatalf("expected restored room active, got %s", fresh.Phase())
	}
	if fresh.PlayerCount() != 2 {
		t.Fatalf("expected 2 players, got %d", fresh.PlayerCount())
	}
	if fresh.Version() != snapshot.Version {
		t.Fatalf("version %d, want %d", fresh.Version(), snapshot.Version)
	}
	if fresh.HostID() != "player-1" {
		t.Fatalf("expected deterministic host player-1, got %s", fresh.HostID())
	}
	if got := fresh.Snapshot().Checksum(); got != snapshot.Checksum() {
		t.Fatalf("restored state diverges from snapshot")
	}

	// The restored room accepts new actions where it left off.
	res := fresh.ApplyAction(moveEnvelope("player-2", "ship-2", 10, 10, at.Add(2*time.Minute)))
	if !res.Applied {
		t.Fatalf("action rejected after restore: %s", res.Reason)
	}
	if res.Version != snapshot.Version+1 {
		t.Fatalf("expected version %d, got %d", snapshot.Version+1, res.Version)
	}
}
