// Package action defines the closed set of player actions. The wire schema
// is {playerId, actionType, parameters, timestamp}; parameters decode into
// one narrow typed struct per kind, with unknown fields and unknown kinds
// rejected at the boundary.
package action

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradewind/server/internal/state"
)

// Kind discriminates action variants.
type Kind string

const (
	KindMoveShip     Kind = "move_ship"
	KindBuyCargo     Kind = "buy_cargo"
	KindSellCargo    Kind = "sell_cargo"
	KindBuildUpgrade Kind = "build_upgrade"
	KindEndTurn      Kind = "end_turn"
	KindChat         Kind = "chat"
)

var (
	// ErrUnknownKind reports an action type outside the closed set.
	ErrUnknownKind = errors.New("action: unknown action type")
	// ErrBadParams reports parameters that fail schema validation.
	ErrBadParams = errors.New("action: invalid parameters")
)

// MoveParams steers a ship toward a target position.
type MoveParams struct {
	ShipID  string  `json:"shipId"`
	TargetX float64 `json:"targetX"`
	TargetY float64 `json:"targetY"`
}

// TradeParams buys or sells cargo at a port. UnitPrice is the price the
// client observed; the server re-prices from the authoritative port state
// and rejects stale quotes beyond tolerance.
type TradeParams struct {
	ShipID    string `json:"shipId"`
	PortID    string `json:"portId"`
	Good      string `json:"good"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// BuildParams installs an upgrade on a ship.
type BuildParams struct {
	ShipID  string `json:"shipId"`
	Upgrade string `json:"upgrade"`
}

// ChatParams relays a chat line.
type ChatParams struct {
	Text string `json:"text"`
}

// Envelope is one immutable action instance. Exactly one params pointer is
// set, matching Kind. Envelopes are stored in room history for replay.
type Envelope struct {
	ID         string    `json:"id"`
	PlayerID   string    `json:"playerId"`
	Kind       Kind      `json:"actionType"`
	ClientTime time.Time `json:"clientTime"`
	ServerTime time.Time `json:"serverTime"`
	// EffectiveTime is ServerTime shifted back by the estimated one-way
	// latency. Validation and application evaluate the action at this time.
	EffectiveTime time.Time    `json:"effectiveTime"`
	Move          *MoveParams  `json:"move,omitempty"`
	Trade         *TradeParams `json:"trade,omitempty"`
	Build         *BuildParams `json:"build,omitempty"`
	Chat          *ChatParams  `json:"chat,omitempty"`
}

// Target returns the move target as a vector.
func (m *MoveParams) Target() state.Vec2 {
	if m == nil {
		return state.Vec2{}
	}
	return state.Vec2{X: m.TargetX, Y: m.TargetY}
}

// wireAction is the transport schema clients send.
type wireAction struct {
	PlayerID   string          `json:"playerId"`
	ActionType string          `json:"actionType"`
	Parameters json.RawMessage `json:"parameters"`
	Timestamp  int64           `json:"timestamp"`
}

func decodeStrict(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	return nil
}

// Decode parses a wire action into an immutable envelope. receivedAt becomes
// the server timestamp; the client timestamp is taken from the wire.
func Decode(payload []byte, receivedAt time.Time) (Envelope, error) {
	var wire wireAction
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	if wire.PlayerID == "" {
		return Envelope{}, fmt.Errorf("%w: missing playerId", ErrBadParams)
	}

	env := Envelope{
		ID:            uuid.NewString(),
		PlayerID:      wire.PlayerID,
		Kind:          Kind(wire.ActionType),
		ClientTime:    time.UnixMilli(wire.Timestamp),
		ServerTime:    receivedAt,
		EffectiveTime: receivedAt,
	}

	params := wire.Parameters
	if len(params) == 0 {
		params = []byte("{}")
	}

	switch env.Kind {
	case KindMoveShip:
		var move MoveParams
		if err := decodeStrict(params, &move); err != nil {
			return Envelope{}, err
		}
		if move.ShipID == "" {
			return Envelope{}, fmt.Errorf("%w: move_ship requires shipId", ErrBadParams)
		}
		env.Move = &move
	case KindBuyCargo, KindSellCargo:
		var trade TradeParams
		if err := decodeStrict(params, &trade); err != nil {
			return Envelope{}, err
		}
		if trade.ShipID == "" || trade.PortID == "" || trade.Good == "" {
			return Envelope{}, fmt.Errorf("%w: trade requires shipId, portId and good", ErrBadParams)
		}
		if trade.Quantity <= 0 {
			return Envelope{}, fmt.Errorf("%w: trade quantity must be positive", ErrBadParams)
		}
		env.Trade = &trade
	case KindBuildUpgrade:
		var build BuildParams
		if err := decodeStrict(params, &build); err != nil {
			return Envelope{}, err
		}
		if build.ShipID == "" || build.Upgrade == "" {
			return Envelope{}, fmt.Errorf("%w: build_upgrade requires shipId and upgrade", ErrBadParams)
		}
		env.Build = &build
	case KindEndTurn:
		var empty struct{}
		if err := decodeStrict(params, &empty); err != nil {
			return Envelope{}, err
		}
	case KindChat:
		var chat ChatParams
		if err := decodeStrict(params, &chat); err != nil {
			return Envelope{}, err
		}
		if chat.Text == "" {
			return Envelope{}, fmt.Errorf("%w: chat requires text", ErrBadParams)
		}
		env.Chat = &chat
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, wire.ActionType)
	}

	return env, nil
}
