package sync

import (
	"tradewind/server/internal/proto"
	"tradewind/server/internal/state"
)

// filterByInterest drops changes about entities too far from the viewer to
// matter. The viewer's own entities and structural changes (spawns and
// removals) always pass; ships use the wide radius, everything else the
// narrow one. Unknown viewers see everything, which covers spectators.
func filterByInterest(viewerID string, st *state.GameState, changes []proto.StateChange, shipRadius, entityRadius float64) []proto.StateChange {
	viewer, ok := st.Players[viewerID]
	if !ok {
		return changes
	}

	kept := changes[:0]
	for _, ch := range changes {
		if ch.Field == "spawned" || ch.Field == "removed" {
			kept = append(kept, ch)
			continue
		}
		if owns(viewerID, st, ch.EntityID) {
			kept = append(kept, ch)
			continue
		}
		pos, radius, known := entityScope(st, ch.EntityID, shipRadius, entityRadius)
		if !known {
			kept = append(kept, ch)
			continue
		}
		if viewer.Position.Distance(pos) <= radius {
			kept = append(kept, ch)
		}
	}
	return kept
}

func owns(viewerID string, st *state.GameState, entityID string) bool {
	if entityID == viewerID {
		return true
	}
	if ship, ok := st.Ships[entityID]; ok {
		return ship.OwnerID == viewerID
	}
	return false
}

func entityScope(st *state.GameState, entityID string, shipRadius, entityRadius float64) (state.Vec2, float64, bool) {
	if ship, ok := st.Ships[entityID]; ok {
		return ship.Position, shipRadius, true
	}
	if p, ok := st.Players[entityID]; ok {
		return p.Position, entityRadius, true
	}
	if port, ok := st.Ports[entityID]; ok {
		return port.Position, entityRadius, true
	}
	return state.Vec2{}, 0, false
}
