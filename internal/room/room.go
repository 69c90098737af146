// Package room owns one game's canonical state. All mutation is serialized:
// actions enter a bounded receipt-order queue and a single caller drains it
// per tick, so concurrent senders in the same room never race while distinct
// rooms proceed in parallel.
package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"tradewind/server/internal/action"
	"tradewind/server/internal/config"
	"tradewind/server/internal/state"
	"tradewind/server/internal/telemetry"
)

// Mode selects the room's pacing rules.
type Mode string

const (
	ModeRealtime  Mode = "realtime"
	ModeTurnBased Mode = "turn-based"
)

// Phase is the room lifecycle state machine.
type Phase string

const (
	PhaseWaiting Phase = "waiting"
	PhaseActive  Phase = "active"
	PhaseClosed  Phase = "closed"
)

var (
	// ErrRoomFull reports a join against a room at max capacity.
	ErrRoomFull = errors.New("room: full")
	// ErrRoomClosed reports an operation against a closed room.
	ErrRoomClosed = errors.New("room: closed")
	// ErrAlreadyJoined reports a duplicate join for a player id.
	ErrAlreadyJoined = errors.New("room: player already joined")
)

// Reject reasons surfaced in action results.
const (
	RejectQueueFull  = "queue_full"
	RejectNotInRoom  = "not_in_room"
	RejectNotActive  = "room_not_active"
	RejectNotYourTurn = "not_your_turn"
)

// Validator gatekeeps every action before it mutates state. ok=false
// rejects with the given reason; the severity feeds violation accounting
// upstream.
type Validator interface {
	ValidateAction(env action.Envelope, st *state.GameState) (reason string, ok bool)
}

// Event announces a lifecycle change to subscribers.
type Event struct {
	Type     string
	PlayerID string
	Detail   string
}

// Event types.
const (
	EventPlayerJoined    = "player_joined"
	EventPlayerLeft      = "player_left"
	EventHostTransferred = "host_transferred"
	EventTurnAdvanced    = "turn_advanced"
	EventPhaseChanged    = "phase_changed"
	EventChat            = "chat"
)

// Result is the authoritative outcome of one action.
type Result struct {
	ActionID string
	PlayerID string
	Applied  bool
	Reason   string
	Version  uint64
}

// AdvanceResult is everything one drain produced.
type AdvanceResult struct {
	Results []Result
	Events  []Event
	Dirty   bool
	Version uint64
}

type snapshotEntry struct {
	version uint64
	state   *state.GameState
}

type historyEntry struct {
	env     action.Envelope
	version uint64
}

// Room is one authoritative game instance.
type Room struct {
	ID   string
	mode Mode

	mu           sync.Mutex
	phase        Phase
	cfg          config.RoomConfig
	st           *state.GameState
	order        []string
	hostID       string
	turnIndex    int
	queue        []action.Envelope
	history      []historyEntry
	snapshots    []snapshotEntry
	events       []Event
	lastActivity time.Time
	dirty        bool

	validator Validator
	logger    telemetry.Logger
	metrics   telemetry.Metrics
}

// Deps carries the injected collaborators.
type Deps struct {
	Validator Validator
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
}

// New constructs a room in the Waiting phase.
func New(id string, mode Mode, cfg config.RoomConfig, deps Deps) *Room {
	if cfg.MaxPlayers <= 0 || cfg.MaxPlayers > 16 {
		cfg.MaxPlayers = 16
	}
	if cfg.MinPlayers <= 0 {
		cfg.MinPlayers = 2
	}
	if cfg.SnapshotEvery == 0 {
		cfg.SnapshotEvery = 10
	}
	if cfg.SnapshotRing <= 0 {
		cfg.SnapshotRing = 10
	}
	if cfg.HistoryRing <= 0 {
		cfg.HistoryRing = 256
	}
	if cfg.ActionQueueLimit <= 0 {
		cfg.ActionQueueLimit = 128
	}
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	return &Room{
		ID:        id,
		mode:      mode,
		phase:     PhaseWaiting,
		cfg:       cfg,
		st:        state.NewGameState(),
		validator: deps.Validator,
		logger:    logger,
		metrics:   metrics,
	}
}

// Mode returns the room's pacing mode.
func (r *Room) Mode() Mode {
	return r.mode
}

// Phase returns the current lifecycle phase.
func (r *Room) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Version returns the current state version.
func (r *Room) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.Version
}

// HostID returns the current host.
func (r *Room) HostID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostID
}

// CurrentTurn returns the player whose turn it is, or "" outside turn-based
// play.
func (r *Room) CurrentTurn() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTurnLocked()
}

func (r *Room) currentTurnLocked() string {
	if r.mode != ModeTurnBased || r.phase != PhaseActive || len(r.order) == 0 {
		return ""
	}
	return r.order[r.turnIndex%len(r.order)]
}

// PlayerCount returns the number of active players.
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// LastActivity returns the time of the last join, leave or accepted action.
func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Join admits a player, spawning their starting ship. The first player
// becomes host. Reaching MinPlayers activates the room.
func (r *Room) Join(p *state.Player, now time.Time) error {
	if p == nil || p.ID == "" {
		return errors.New("room: nil player")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase == PhaseClosed {
		return ErrRoomClosed
	}
	if _, ok := r.st.Players[p.ID]; ok {
		return ErrAlreadyJoined
	}
	if len(r.order) >= r.cfg.MaxPlayers {
		return ErrRoomFull
	}

	r.st.Players[p.ID] = p.Clone()
	r.order = append(r.order, p.ID)
	if r.hostID == "" {
		r.hostID = p.ID
	}
	r.st.Version++
	r.forceSnapshotLocked()
	r.lastActivity = now
	r.dirty = true
	r.events = append(r.events, Event{Type: EventPlayerJoined, PlayerID: p.ID})

	if r.phase == PhaseWaiting && len(r.order) >= r.cfg.MinPlayers {
		r.phase = PhaseActive
		r.turnIndex = 0
		r.events = append(r.events, Event{Type: EventPhaseChanged, Detail: string(PhaseActive)})
		if r.mode == ModeTurnBased {
			r.events = append(r.events, Event{Type: EventTurnAdvanced, PlayerID: r.currentTurnLocked()})
		}
	}
	return nil
}

// AddShip registers a ship for a joined player. Used at spawn and by tests.
func (r *Room) AddShip(s *state.Ship) error {
	if s == nil || s.ID == "" {
		return errors.New("room: nil ship")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.st.Players[s.OwnerID]
	if !ok {
		return errors.New("room: ship owner not in room")
	}
	r.st.Ships[s.ID] = s.Clone()
	owner.ShipIDs = append(owner.ShipIDs, s.ID)
	r.st.Version++
	r.forceSnapshotLocked()
	r.dirty = true
	return nil
}

// AddPort registers a trading post.
func (r *Room) AddPort(p *state.Port) {
	if p == nil || p.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.Ports[p.ID] = p.Clone()
	r.st.Version++
	r.forceSnapshotLocked()
	r.dirty = true
}

// Leave removes a player, transferring host and turn if needed. The room
// closes when the last player leaves.
func (r *Room) Leave(playerID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.st.Players[playerID]; !ok {
		return
	}

	wasTurn := r.currentTurnLocked() == playerID

	delete(r.st.Players, playerID)
	for id, ship := range r.st.Ships {
		if ship.OwnerID == playerID {
			delete(r.st.Ships, id)
		}
	}
	for i, id := range r.order {
		if id == playerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			if i < r.turnIndex {
				r.turnIndex--
			}
			break
		}
	}
	r.st.Version++
	r.forceSnapshotLocked()
	r.lastActivity = now
	r.dirty = true
	r.events = append(r.events, Event{Type: EventPlayerLeft, PlayerID: playerID})

	if len(r.order) == 0 {
		r.phase = PhaseClosed
		r.events = append(r.events, Event{Type: EventPhaseChanged, Detail: string(PhaseClosed)})
		return
	}

	if r.hostID == playerID {
		r.hostID = r.order[0]
		r.events = append(r.events, Event{Type: EventHostTransferred, PlayerID: r.hostID})
	}
	if wasTurn && r.mode == ModeTurnBased && r.phase == PhaseActive {
		r.turnIndex = r.turnIndex % len(r.order)
		r.events = append(r.events, Event{Type: EventTurnAdvanced, PlayerID: r.currentTurnLocked()})
	}
}

// Close transitions the room to Closed regardless of population.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhaseClosed {
		return
	}
	r.phase = PhaseClosed
	r.events = append(r.events, Event{Type: EventPhaseChanged, Detail: string(PhaseClosed)})
}

// Enqueue stages an action in receipt order for the next Advance.
func (r *Room) Enqueue(env action.Envelope) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhaseClosed {
		return false, RejectNotActive
	}
	if len(r.queue) >= r.cfg.ActionQueueLimit {
		r.metrics.Add("room_queue_full", 1)
		return false, RejectQueueFull
	}
	r.queue = append(r.queue, env)
	return true, ""
}

// Advance drains the staged queue in receipt order, applying each action
// through the validator, and returns the outcomes plus any pending events.
func (r *Room) Advance(now time.Time) AdvanceResult {
	r.mu.Lock()
	queue := r.queue
	r.queue = nil
	r.mu.Unlock()

	results := make([]Result, 0, len(queue))
	for _, env := range queue {
		results = append(results, r.ApplyAction(env))
	}

	r.mu.Lock()
	events := r.events
	r.events = nil
	dirty := r.dirty
	r.dirty = false
	version := r.st.Version
	r.mu.Unlock()

	return AdvanceResult{Results: results, Events: events, Dirty: dirty, Version: version}
}

// ApplyAction validates and applies one action. On success the state
// version advances by exactly one and a snapshot is captured on the
// configured cadence. Rejected actions leave the version untouched.
func (r *Room) ApplyAction(env action.Envelope) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := Result{ActionID: env.ID, PlayerID: env.PlayerID, Version: r.st.Version}

	if r.phase != PhaseActive {
		res.Reason = RejectNotActive
		return res
	}
	if _, ok := r.st.Players[env.PlayerID]; !ok {
		res.Reason = RejectNotInRoom
		return res
	}
	if r.mode == ModeTurnBased && env.Kind != action.KindChat {
		if r.currentTurnLocked() != env.PlayerID {
			res.Reason = RejectNotYourTurn
			return res
		}
	}

	if r.validator != nil {
		if reason, ok := r.validator.ValidateAction(env, r.st); !ok {
			r.metrics.Add("room_actions_rejected", 1)
			res.Reason = reason
			return res
		}
	}

	if env.Kind == action.KindChat {
		// Chat relays through events without touching entity state.
		r.events = append(r.events, Event{Type: EventChat, PlayerID: env.PlayerID, Detail: env.Chat.Text})
		res.Applied = true
		return res
	}

	if err := applyEnvelope(r.st, env); err != nil {
		r.metrics.Add("room_actions_rejected", 1)
		res.Reason = err.Error()
		return res
	}

	r.st.Version++
	r.lastActivity = env.ServerTime
	r.dirty = true
	r.recordHistoryLocked(env)
	r.maybeSnapshotLocked()
	r.metrics.Add("room_actions_applied", 1)

	if r.mode == ModeTurnBased && env.Kind == action.KindEndTurn {
		r.turnIndex = (r.turnIndex + 1) % len(r.order)
		r.events = append(r.events, Event{Type: EventTurnAdvanced, PlayerID: r.currentTurnLocked()})
	}

	res.Applied = true
	res.Version = r.st.Version
	return res
}

// Snapshot returns a deep copy of the current state.
func (r *Room) Snapshot() *state.GameState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.Clone()
}

// Restore replaces the room state wholesale, used when rehydrating a
// checkpointed session. Player order and host are rebuilt from the state;
// the room activates when enough players are present.
func (r *Room) Restore(st *state.GameState, now time.Time) {
	if st == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st = st.Clone()
	r.order = r.order[:0]
	for id := range r.st.Players {
		r.order = append(r.order, id)
	}
	sort.Strings(r.order)
	r.turnIndex = 0
	if len(r.order) > 0 {
		r.hostID = r.order[0]
		if len(r.order) >= r.cfg.MinPlayers {
			r.phase = PhaseActive
		}
	}
	r.forceSnapshotLocked()
	r.lastActivity = now
	r.dirty = true
}
