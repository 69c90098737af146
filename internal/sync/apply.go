package sync

import (
	"encoding/json"
	"fmt"

	"tradewind/server/internal/proto"
	"tradewind/server/internal/state"
)

// ApplyChanges folds a delta's changes into a client-side state copy.
// Every change carries the full new value, so application is last-write-
// wins and reapplying the same delta is a no-op.
func ApplyChanges(st *state.GameState, changes []proto.StateChange, version uint64) error {
	for _, ch := range changes {
		if err := applyChange(st, ch); err != nil {
			return err
		}
	}
	st.Version = version
	return nil
}

func applyChange(st *state.GameState, ch proto.StateChange) error {
	if ch.Field == "removed" {
		delete(st.Players, ch.EntityID)
		delete(st.Ships, ch.EntityID)
		delete(st.Ports, ch.EntityID)
		return nil
	}

	if ch.Field == "spawned" {
		return spawnEntity(st, ch)
	}

	if p, ok := st.Players[ch.EntityID]; ok {
		return applyPlayerField(p, ch)
	}
	if s, ok := st.Ships[ch.EntityID]; ok {
		return applyShipField(s, ch)
	}
	if port, ok := st.Ports[ch.EntityID]; ok {
		return applyPortField(port, ch)
	}
	// Unknown entity: the client missed its spawn; a resync will follow
	// from the checksum mismatch, so skipping here is safe.
	return nil
}

// spawnEntity decodes the entity payload by trying each shape; spawn
// changes serialize the whole entity.
func spawnEntity(st *state.GameState, ch proto.StateChange) error {
	data, err := json.Marshal(ch.New)
	if err != nil {
		return fmt.Errorf("sync: marshal spawn %s: %w", ch.EntityID, err)
	}

	var ship state.Ship
	if err := json.Unmarshal(data, &ship); err == nil && ship.OwnerID != "" {
		ship.ID = ch.EntityID
		st.Ships[ch.EntityID] = &ship
		return nil
	}
	var port state.Port
	if err := json.Unmarshal(data, &port); err == nil && (port.Prices != nil || port.Stock != nil) {
		port.ID = ch.EntityID
		st.Ports[ch.EntityID] = &port
		return nil
	}
	var player state.Player
	if err := json.Unmarshal(data, &player); err != nil {
		return fmt.Errorf("sync: decode spawn %s: %w", ch.EntityID, err)
	}
	player.ID = ch.EntityID
	st.Players[ch.EntityID] = &player
	return nil
}

func applyPlayerField(p *state.Player, ch proto.StateChange) error {
	switch ch.Field {
	case "position":
		return decodeInto(ch, &p.Position)
	case "currency":
		return decodeInto(ch, &p.Currency)
	case "reputation":
		return decodeInto(ch, &p.Reputation)
	case "shipIds":
		return decodeInto(ch, &p.ShipIDs)
	default:
		return nil
	}
}

func applyShipField(s *state.Ship, ch proto.StateChange) error {
	switch ch.Field {
	case "position":
		return decodeInto(ch, &s.Position)
	case "velocity":
		return decodeInto(ch, &s.Velocity)
	case "capacity":
		return decodeInto(ch, &s.Capacity)
	case "cargo":
		return decodeInto(ch, &s.Cargo)
	default:
		return nil
	}
}

func applyPortField(p *state.Port, ch proto.StateChange) error {
	switch ch.Field {
	case "stock":
		return decodeInto(ch, &p.Stock)
	case "prices":
		return decodeInto(ch, &p.Prices)
	default:
		return nil
	}
}

// decodeInto round-trips the change value through JSON so deltas decoded
// from the wire (where New is a generic map) and deltas built in-process
// (where New is a typed value) both apply.
func decodeInto(ch proto.StateChange, target any) error {
	data, err := json.Marshal(ch.New)
	if err != nil {
		return fmt.Errorf("sync: marshal change %s.%s: %w", ch.EntityID, ch.Field, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("sync: apply change %s.%s: %w", ch.EntityID, ch.Field, err)
	}
	return nil
}
