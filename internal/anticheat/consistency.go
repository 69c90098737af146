package anticheat

import (
	"math"
	"regexp"

	"tradewind/server/internal/action"
	"tradewind/server/internal/state"
)

// World coordinate bound; targets beyond it are malformed regardless of
// speed.
const worldCoordinateLimit = 1_000_000

// Trades settle at the authoritative port price. A client quote drifting
// more than this fraction from it is stale and the trade is rejected.
const quoteTolerance = 0.10

var injectionPattern = regexp.MustCompile(`(?i)(<\s*script|javascript:|on\w+\s*=|['";]\s*(or|and)\s+|union\s+select|drop\s+table|\x00)`)

// containsInjection reports whether free-text input carries a known
// injection pattern.
func containsInjection(text string) bool {
	return injectionPattern.MatchString(text)
}

// checkParams validates ranges and free-text fields. Returns a violation
// kind and severity on failure.
func (p *Pipeline) checkParams(env action.Envelope) (string, Severity, bool) {
	switch env.Kind {
	case action.KindMoveShip:
		m := env.Move
		if m == nil {
			return ViolationBadParams, SeverityMedium, false
		}
		if math.IsNaN(m.TargetX) || math.IsNaN(m.TargetY) ||
			math.IsInf(m.TargetX, 0) || math.IsInf(m.TargetY, 0) {
			return ViolationBadParams, SeverityMedium, false
		}
		if math.Abs(m.TargetX) > worldCoordinateLimit || math.Abs(m.TargetY) > worldCoordinateLimit {
			return ViolationBadParams, SeverityMedium, false
		}
	case action.KindBuyCargo, action.KindSellCargo:
		tr := env.Trade
		if tr == nil {
			return ViolationBadParams, SeverityMedium, false
		}
		if tr.Quantity <= 0 || tr.Quantity > state.MaxTradeQuantity {
			return ViolationBadParams, SeverityMedium, false
		}
		if !state.KnownGood(tr.Good) {
			return ViolationBadParams, SeverityMedium, false
		}
		if containsInjection(tr.Good) || containsInjection(tr.PortID) || containsInjection(tr.ShipID) {
			return ViolationInjection, SeverityCritical, false
		}
	case action.KindBuildUpgrade:
		b := env.Build
		if b == nil {
			return ViolationBadParams, SeverityMedium, false
		}
		if _, ok := state.Upgrades[b.Upgrade]; !ok {
			return ViolationBadParams, SeverityMedium, false
		}
	case action.KindChat:
		c := env.Chat
		if c == nil || len(c.Text) == 0 || len(c.Text) > 512 {
			return ViolationBadParams, SeverityLow, false
		}
		if containsInjection(c.Text) {
			return ViolationInjection, SeverityCritical, false
		}
	case action.KindEndTurn:
		// No parameters.
	default:
		return ViolationBadParams, SeverityMedium, false
	}
	return "", 0, true
}

// checkConsistency rejects actions implying impossible state transitions.
func (p *Pipeline) checkConsistency(env action.Envelope, st *state.GameState) (string, Severity, bool) {
	switch env.Kind {
	case action.KindMoveShip:
		return p.checkMovement(env, st)
	case action.KindBuyCargo:
		return p.checkTrade(env, st, true)
	case action.KindSellCargo:
		return p.checkTrade(env, st, false)
	case action.KindBuildUpgrade:
		return p.checkBuild(env, st)
	default:
		return "", 0, true
	}
}

func (p *Pipeline) checkMovement(env action.Envelope, st *state.GameState) (string, Severity, bool) {
	ship, ok := st.Ships[env.Move.ShipID]
	if !ok || ship.OwnerID != env.PlayerID {
		return ViolationImpossible, SeverityHigh, false
	}

	distance := ship.Position.Distance(env.Move.Target())
	elapsed := float64(env.EffectiveTime.UnixMilli()-ship.LastMoveMs) / 1000.0
	if ship.LastMoveMs == 0 {
		// First move of this ship has no baseline; accept any in-bounds target.
		return "", 0, true
	}
	if elapsed <= 0 {
		elapsed = 1.0 / 1000.0
	}

	if distance > p.cfg.TeleportDistance && elapsed < 1.0 {
		return ViolationTeleport, SeverityHigh, false
	}
	if distance/elapsed > p.cfg.MaxSpeed {
		return ViolationSpeedHack, SeverityHigh, false
	}
	return "", 0, true
}

func (p *Pipeline) checkTrade(env action.Envelope, st *state.GameState, buy bool) (string, Severity, bool) {
	player, ok := st.Players[env.PlayerID]
	if !ok {
		return ViolationImpossible, SeverityHigh, false
	}
	ship, ok := st.Ships[env.Trade.ShipID]
	if !ok || ship.OwnerID != env.PlayerID {
		return ViolationImpossible, SeverityHigh, false
	}
	port, ok := st.Ports[env.Trade.PortID]
	if !ok {
		return ViolationImpossible, SeverityHigh, false
	}
	price, ok := port.Prices[env.Trade.Good]
	if !ok {
		return ViolationImpossible, SeverityMedium, false
	}
	if env.Trade.UnitPrice > 0 {
		drift := math.Abs(float64(env.Trade.UnitPrice - price))
		if drift > quoteTolerance*float64(price) {
			return ViolationStaleQuote, SeverityLow, false
		}
	}

	total := price * int64(env.Trade.Quantity)
	if total > p.cfg.TransactionCeiling {
		return ViolationExcessiveTxn, SeverityHigh, false
	}

	if buy {
		if player.Currency-total < 0 {
			return ViolationImpossible, SeverityMedium, false
		}
		if ship.CargoTotal()+env.Trade.Quantity > ship.Capacity {
			return ViolationImpossible, SeverityMedium, false
		}
	} else if ship.Cargo[env.Trade.Good] < env.Trade.Quantity {
		return ViolationImpossible, SeverityMedium, false
	}

	// Rapid identical transactions suggest a duplication exploit.
	key := env.PlayerID
	sig := tradeSignature{
		portID: env.Trade.PortID,
		good:   env.Trade.Good,
		qty:    env.Trade.Quantity,
		buy:    buy,
	}
	if last, ok := p.lastTrades[key]; ok && last.sig == sig {
		if env.ServerTime.Sub(last.at) < p.cfg.DuplicateWindow {
			return ViolationDuplicateTxn, SeverityHigh, false
		}
	}
	p.lastTrades[key] = tradeStamp{sig: sig, at: env.ServerTime}
	return "", 0, true
}

func (p *Pipeline) checkBuild(env action.Envelope, st *state.GameState) (string, Severity, bool) {
	player, ok := st.Players[env.PlayerID]
	if !ok {
		return ViolationImpossible, SeverityHigh, false
	}
	ship, ok := st.Ships[env.Build.ShipID]
	if !ok || ship.OwnerID != env.PlayerID {
		return ViolationImpossible, SeverityHigh, false
	}
	spec := state.Upgrades[env.Build.Upgrade]
	if player.Currency < spec.Cost {
		return ViolationImpossible, SeverityMedium, false
	}
	if ship.Capacity+spec.CapacityBonus > state.MaxShipCapacity {
		return ViolationImpossible, SeverityMedium, false
	}
	return "", 0, true
}
