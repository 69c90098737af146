// Package state holds the authoritative game state shared by rooms, the
// sync engine and client prediction. All mutation goes through a room's
// single writer; everything here is plain data plus deep-copy helpers.
package state

import (
	"encoding/hex"
	"encoding/json"
	"math"

	"lukechampine.com/blake3"
)

// Vec2 is a 2D world position or velocity in world units.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the euclidean distance to other.
func (v Vec2) Distance(other Vec2) float64 {
	return math.Hypot(v.X-other.X, v.Y-other.Y)
}

// Player is one participant's per-player sub-state.
type Player struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Position     Vec2           `json:"position"`
	Currency     int64          `json:"currency"`
	Reputation   float64        `json:"reputation"`
	ShipIDs      []string       `json:"shipIds"`
	Holdings     map[string]int `json:"holdings,omitempty"`
	LastActionID string         `json:"lastActionId,omitempty"`
}

// Ship is a movable cargo carrier owned by a player. LastMoveMs records the
// effective time of the last accepted move in unix milliseconds; speed
// validation and rollback replay both depend on it being part of the state.
type Ship struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"ownerId"`
	Position   Vec2           `json:"position"`
	Velocity   Vec2           `json:"velocity"`
	Capacity   int            `json:"capacity"`
	Cargo      map[string]int `json:"cargo,omitempty"`
	LastMoveMs int64          `json:"lastMoveMs,omitempty"`
}

// CargoTotal sums all units aboard.
func (s *Ship) CargoTotal() int {
	if s == nil {
		return 0
	}
	total := 0
	for _, qty := range s.Cargo {
		total += qty
	}
	return total
}

// Port is a fixed trading post with per-good prices and stock.
type Port struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Position Vec2             `json:"position"`
	Prices   map[string]int64 `json:"prices,omitempty"`
	Stock    map[string]int   `json:"stock,omitempty"`
}

// GameState is the full authoritative state of one room.
type GameState struct {
	Version uint64             `json:"version"`
	Tick    uint64             `json:"tick"`
	Players map[string]*Player `json:"players"`
	Ships   map[string]*Ship   `json:"ships"`
	Ports   map[string]*Port   `json:"ports"`
}

// NewGameState returns an empty state at version 0.
func NewGameState() *GameState {
	return &GameState{
		Players: make(map[string]*Player),
		Ships:   make(map[string]*Ship),
		Ports:   make(map[string]*Port),
	}
}

// Clone deep-copies the state so snapshots never alias live maps.
func (g *GameState) Clone() *GameState {
	if g == nil {
		return nil
	}
	out := &GameState{
		Version: g.Version,
		Tick:    g.Tick,
		Players: make(map[string]*Player, len(g.Players)),
		Ships:   make(map[string]*Ship, len(g.Ships)),
		Ports:   make(map[string]*Port, len(g.Ports)),
	}
	for id, p := range g.Players {
		out.Players[id] = p.Clone()
	}
	for id, s := range g.Ships {
		out.Ships[id] = s.Clone()
	}
	for id, p := range g.Ports {
		out.Ports[id] = p.Clone()
	}
	return out
}

// Clone deep-copies a player.
func (p *Player) Clone() *Player {
	if p == nil {
		return nil
	}
	cloned := *p
	cloned.ShipIDs = append([]string(nil), p.ShipIDs...)
	cloned.Holdings = cloneIntMap(p.Holdings)
	return &cloned
}

// Clone deep-copies a ship.
func (s *Ship) Clone() *Ship {
	if s == nil {
		return nil
	}
	cloned := *s
	cloned.Cargo = cloneIntMap(s.Cargo)
	return &cloned
}

// Clone deep-copies a port.
func (p *Port) Clone() *Port {
	if p == nil {
		return nil
	}
	cloned := *p
	cloned.Stock = cloneIntMap(p.Stock)
	if p.Prices != nil {
		cloned.Prices = make(map[string]int64, len(p.Prices))
		for k, v := range p.Prices {
			cloned.Prices[k] = v
		}
	}
	return &cloned
}

func cloneIntMap(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Checksum hashes the canonical JSON encoding of the state. Go sorts map
// keys during marshaling, so equal states hash identically.
func (g *GameState) Checksum() string {
	if g == nil {
		return ""
	}
	data, err := json.Marshal(g)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Encode serializes the state for full-state messages and persistence.
func (g *GameState) Encode() ([]byte, error) {
	return json.Marshal(g)
}

// Decode parses a state blob produced by Encode.
func Decode(data []byte) (*GameState, error) {
	var g GameState
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	if g.Players == nil {
		g.Players = make(map[string]*Player)
	}
	if g.Ships == nil {
		g.Ships = make(map[string]*Ship)
	}
	if g.Ports == nil {
		g.Ports = make(map[string]*Port)
	}
	return &g, nil
}
