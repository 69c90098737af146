package room

import (
	"errors"

	"tradewind/server/internal/action"
	"tradewind/server/internal/state"
)

// Apply errors double as reject reasons in action results.
var (
	errUnknownShip     = errors.New("unknown_ship")
	errUnknownPort     = errors.New("unknown_port")
	errUnknownGood     = errors.New("unknown_good")
	errUnknownUpgrade  = errors.New("unknown_upgrade")
	errNotShipOwner    = errors.New("not_ship_owner")
	errInsufficientFunds = errors.New("insufficient_funds")
	errInsufficientCargo = errors.New("insufficient_cargo")
	errInsufficientStock = errors.New("insufficient_stock")
	errOverCapacity    = errors.New("over_capacity")
	errNoParams        = errors.New("missing_parameters")
)

// Apply mutates st for one action. It is shared with optimistic
// prediction, which replays the same rules against a local copy.
func Apply(st *state.GameState, env action.Envelope) error {
	return applyEnvelope(st, env)
}

// applyEnvelope mutates the state for one validated action. It is a pure
// function of (state, envelope) so rollback replay reproduces the original
// result bit for bit. The caller bumps the version on success.
func applyEnvelope(st *state.GameState, env action.Envelope) error {
	switch env.Kind {
	case action.KindMoveShip:
		return applyMove(st, env)
	case action.KindBuyCargo:
		return applyTrade(st, env, true)
	case action.KindSellCargo:
		return applyTrade(st, env, false)
	case action.KindBuildUpgrade:
		return applyBuild(st, env)
	case action.KindEndTurn:
		// Turn rotation is room metadata; no entity state changes.
		return nil
	default:
		return action.ErrUnknownKind
	}
}

func shipOwnedBy(st *state.GameState, shipID, playerID string) (*state.Ship, error) {
	ship, ok := st.Ships[shipID]
	if !ok {
		return nil, errUnknownShip
	}
	if ship.OwnerID != playerID {
		return nil, errNotShipOwner
	}
	return ship, nil
}

func applyMove(st *state.GameState, env action.Envelope) error {
	if env.Move == nil {
		return errNoParams
	}
	ship, err := shipOwnedBy(st, env.Move.ShipID, env.PlayerID)
	if err != nil {
		return err
	}

	target := env.Move.Target()
	effectiveMs := env.EffectiveTime.UnixMilli()
	elapsed := float64(effectiveMs-ship.LastMoveMs) / 1000.0
	if ship.LastMoveMs == 0 || elapsed <= 0 {
		elapsed = 1
	}
	ship.Velocity = state.Vec2{
		X: (target.X - ship.Position.X) / elapsed,
		Y: (target.Y - ship.Position.Y) / elapsed,
	}
	ship.Position = target
	ship.LastMoveMs = effectiveMs

	if owner, ok := st.Players[env.PlayerID]; ok {
		owner.Position = target
		owner.LastActionID = env.ID
	}
	return nil
}

func applyTrade(st *state.GameState, env action.Envelope, buy bool) error {
	if env.Trade == nil {
		return errNoParams
	}
	player, ok := st.Players[env.PlayerID]
	if !ok {
		return errors.New(RejectNotInRoom)
	}
	ship, err := shipOwnedBy(st, env.Trade.ShipID, env.PlayerID)
	if err != nil {
		return err
	}
	port, ok := st.Ports[env.Trade.PortID]
	if !ok {
		return errUnknownPort
	}
	price, ok := port.Prices[env.Trade.Good]
	if !ok {
		return errUnknownGood
	}

	qty := env.Trade.Quantity
	cost := price * int64(qty)

	if buy {
		if player.Currency < cost {
			return errInsufficientFunds
		}
		if port.Stock[env.Trade.Good] < qty {
			return errInsufficientStock
		}
		if ship.CargoTotal()+qty > ship.Capacity {
			return errOverCapacity
		}
		player.Currency -= cost
		port.Stock[env.Trade.Good] -= qty
		if ship.Cargo == nil {
			ship.Cargo = make(map[string]int)
		}
		ship.Cargo[env.Trade.Good] += qty
	} else {
		if ship.Cargo[env.Trade.Good] < qty {
			return errInsufficientCargo
		}
		player.Currency += cost
		ship.Cargo[env.Trade.Good] -= qty
		if ship.Cargo[env.Trade.Good] == 0 {
			delete(ship.Cargo, env.Trade.Good)
		}
		if port.Stock == nil {
			port.Stock = make(map[string]int)
		}
		port.Stock[env.Trade.Good] += qty
	}

	player.LastActionID = env.ID
	return nil
}

func applyBuild(st *state.GameState, env action.Envelope) error {
	if env.Build == nil {
		return errNoParams
	}
	player, ok := st.Players[env.PlayerID]
	if !ok {
		return errors.New(RejectNotInRoom)
	}
	ship, err := shipOwnedBy(st, env.Build.ShipID, env.PlayerID)
	if err != nil {
		return err
	}
	spec, ok := state.Upgrades[env.Build.Upgrade]
	if !ok {
		return errUnknownUpgrade
	}
	if player.Currency < spec.Cost {
		return errInsufficientFunds
	}
	if ship.Capacity+spec.CapacityBonus > state.MaxShipCapacity {
		return errOverCapacity
	}

	player.Currency -= spec.Cost
	ship.Capacity += spec.CapacityBonus
	player.LastActionID = env.ID
	return nil
}
