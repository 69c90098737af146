package sync

import (
	"reflect"
	"sort"

	"tradewind/server/internal/proto"
	"tradewind/server/internal/state"
)

// Change priorities. Critical covers structure: spawns and removals, which
// a client cannot reconstruct from later field updates. Shedding under
// bandwidth pressure drops low first, then normal; critical and high
// changes are never shed.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityNormal   = "normal"
	PriorityLow      = "low"
)

func priorityRank(p string) int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	default:
		return 1
	}
}

// orderByPriority sorts changes for delivery, critical first. The sort is
// stable so equal-priority changes keep their deterministic diff order.
func orderByPriority(changes []proto.StateChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		return priorityRank(changes[i].Priority) > priorityRank(changes[j].Priority)
	})
}

// Diff computes field-level changes that transform old into new. Entity
// iteration is sorted so identical inputs always yield identical deltas.
func Diff(old, new *state.GameState) []proto.StateChange {
	var changes []proto.StateChange

	for _, id := range sortedKeys(new.Players) {
		np := new.Players[id]
		op, existed := old.Players[id]
		if !existed {
			changes = append(changes, proto.StateChange{EntityID: id, Field: "spawned", New: np, Priority: PriorityCritical})
			continue
		}
		if op.Position != np.Position {
			changes = append(changes, proto.StateChange{EntityID: id, Field: "position", Old: op.Position, New: np.Position, Priority: PriorityHigh})
		}
		if op.Currency != np.Currency {
			changes = append(changes, proto.StateChange{EntityID: id, Field: "currency", Old: op.Currency, New: np.Currency, Priority: PriorityNormal})
		}
		if op.Reputation != np.Reputation {
			changes = append(changes, proto.StateChange{EntityID: id, Field: "reputation", Old: op.Reputation, New: np.Reputation, Priority: PriorityLow})
		}
		if !reflect.DeepEqual(op.ShipIDs, np.ShipIDs) {
			changes = append(changes, proto.StateChange{EntityID: id, Field: "shipIds", Old: op.ShipIDs, New: np.ShipIDs, Priority: PriorityNormal})
		}
	}
	for _, id := range sortedKeys(old.Players) {
		if _, alive := new.Players[id]; !alive {
			changes = append(changes, proto.StateChange{EntityID: id, Field: "removed", New: true, Priority: PriorityCritical})
		}
	}

	for _, id := range sortedKeys(new.Ships) {
		ns := new.Ships[id]
		os, existed := old.Ships[id]
		if !existed {
			changes = append(changes, proto.StateChange{EntityID: id, Field: "spawned", New: ns, Priority: PriorityCritical})
			continue
		}
		if os.Position != ns.Position {
			changes = append(changes, proto.StateChange{EntityID: id, Field: "position", Old: os.Position, New: ns.Position, Priority: PriorityHigh})
		}
		if os.Velocity != ns.Velocity {
			changes = append(changes, proto.StateChange{EntityID: id, Field: "velocity", Old: os.Velocity, New: ns.Velocity, Priority: PriorityHigh})
		}
		if os.Capacity != ns.Capacity {
			changes = append(changes, proto.StateChange{EntityID: id, Field: "capacity", Old: os.Capacity, New: ns.Capacity, Priority: PriorityNormal})
		}
		if !reflect.DeepEqual(os.Cargo, ns.Cargo) {
			changes = append(changes, proto.StateChange{EntityID: id, Field: "cargo", Old: os.Cargo, New: ns.Cargo, Priority: PriorityNormal})
		}
	}
	for _, id := range sortedKeys(old.Ships) {
		if _, alive := new.Ships[id]; !alive {
			changes = append(changes, proto.StateChange{EntityID: id, Field: "removed", New: true, Priority: PriorityCritical})
		}
	}

	for _, id := range sortedKeys(new.Ports) {
		np := new.Ports[id]
		op, existed := old.Ports[id]
		if !existed {
			changes = append(changes, proto.StateChange{EntityID: id, Field: "spawned", New: np, Priority: PriorityCritical})
			continue
		}
		if !reflect.DeepEqual(op.Stock, np.Stock) {
			changes = append(changes, proto.StateChange{EntityID: id, Field: "stock", Old: op.Stock, New: np.Stock, Priority: PriorityLow})
		}
		if !reflect.DeepEqual(op.Prices, np.Prices) {
			changes = append(changes, proto.StateChange{EntityID: id, Field: "prices", Old: op.Prices, New: np.Prices, Priority: PriorityLow})
		}
	}

	return changes
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
