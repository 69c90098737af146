// Package sync plans per-client state updates: full snapshots for new or
// desynced clients, field-level deltas for everyone else, with interest
// filtering, lz4 compression and a per-client bandwidth budget.
package sync

import (
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"

	"golang.org/x/time/rate"

	"tradewind/server/internal/config"
	"tradewind/server/internal/proto"
	"tradewind/server/internal/state"
	"tradewind/server/internal/telemetry"
)

// Source is the slice of room behavior the engine needs: the live state
// and historical states for delta bases.
type Source interface {
	Snapshot() *state.GameState
	StateAt(version uint64) (*state.GameState, error)
}

// Update is one planned outbound state message. Exactly one field is set.
type Update struct {
	Full  *proto.FullStatePayload
	Delta *proto.DeltaPayload
}

type client struct {
	playerID  string
	lastAcked uint64
	lastSent  uint64
	pending   int
	needsFull bool
	budget    *rate.Limiter
}

// Engine tracks every subscribed client's sync position for one room.
type Engine struct {
	cfg     config.SyncConfig
	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu      stdsync.Mutex
	clients map[string]*client
}

// Deps carries the injected collaborators.
type Deps struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// New constructs a sync engine.
func New(cfg config.SyncConfig, deps Deps) *Engine {
	if cfg.DeltaThreshold <= 0 || cfg.DeltaThreshold > 1 {
		cfg.DeltaThreshold = 0.9
	}
	if cfg.BandwidthBudget <= 0 {
		cfg.BandwidthBudget = 50 * 1024
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 10
	}
	if cfg.ShipRadius <= 0 {
		cfg.ShipRadius = 2000
	}
	if cfg.EntityRadius <= 0 {
		cfg.EntityRadius = 800
	}
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		clients: make(map[string]*client),
	}
}

// Register subscribes a client. The first update is always a full state.
func (e *Engine) Register(playerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.clients[playerID]; ok {
		return
	}
	e.clients[playerID] = &client{
		playerID:  playerID,
		needsFull: true,
		budget:    rate.NewLimiter(rate.Limit(e.cfg.BandwidthBudget), e.cfg.BandwidthBudget),
	}
}

// Unregister drops a client's sync position.
func (e *Engine) Unregister(playerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, playerID)
}

// Ack advances the client's acknowledged version.
func (e *Engine) Ack(playerID string, version uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.clients[playerID]
	if !ok {
		return
	}
	if version > c.lastAcked {
		c.lastAcked = version
	}
	if version >= c.lastSent {
		c.pending = 0
	} else if c.pending > 0 {
		c.pending--
	}
}

// RequestResync forces the next planned update to be a full state.
func (e *Engine) RequestResync(playerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[playerID]; ok {
		c.needsFull = true
	}
}

// PlanFor decides what, if anything, to send one client this tick. A nil
// update means the client is current, already has an update in flight for
// this version, or the bandwidth budget deferred it.
func (e *Engine) PlanFor(now time.Time, roomID string, src Source, playerID string) (*Update, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.clients[playerID]
	if !ok {
		return nil, fmt.Errorf("sync: unknown client %s", playerID)
	}

	current := src.Snapshot()
	version := current.Version

	if !c.needsFull {
		if version == c.lastAcked || version <= c.lastSent {
			return nil, nil
		}
	}

	if c.needsFull || c.lastAcked == 0 {
		return e.planFull(now, roomID, c, current)
	}
	if c.pending >= e.cfg.PendingLimit {
		// The client has fallen too far behind to chase with deltas.
		e.metrics.Add("sync_forced_resync", 1)
		e.logger.Warnf("forcing full resync for %s: %d unacked updates", playerID, c.pending)
		return e.planFull(now, roomID, c, current)
	}

	base, err := src.StateAt(c.lastAcked)
	if err != nil {
		return e.planFull(now, roomID, c, current)
	}

	changes := Diff(base, current)

	// A delta close to the size of a full encoding buys nothing; send the
	// full state instead.
	deltaBytes, err := deltaSize(changes)
	if err != nil {
		return nil, err
	}
	fullBytes, err := current.Encode()
	if err != nil {
		return nil, fmt.Errorf("sync: encode full state: %w", err)
	}
	if float64(deltaBytes) >= e.cfg.DeltaThreshold*float64(len(fullBytes)) {
		return e.planFull(now, roomID, c, current)
	}
	changes = filterByInterest(playerID, current, changes, e.cfg.ShipRadius, e.cfg.EntityRadius)

	return e.planDelta(now, roomID, c, current, changes)
}

// Plan runs PlanFor across every registered client.
func (e *Engine) Plan(now time.Time, roomID string, src Source) map[string]*Update {
	e.mu.Lock()
	ids := make([]string, 0, len(e.clients))
	for id := range e.clients {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	updates := make(map[string]*Update, len(ids))
	for _, id := range ids {
		upd, err := e.PlanFor(now, roomID, src, id)
		if err != nil || upd == nil {
			continue
		}
		updates[id] = upd
	}
	return updates
}

func (e *Engine) planFull(now time.Time, roomID string, c *client, current *state.GameState) (*Update, error) {
	encoded, err := current.Encode()
	if err != nil {
		return nil, fmt.Errorf("sync: encode full state: %w", err)
	}
	payload := &proto.FullStatePayload{
		Ver:        proto.ProtocolVersion,
		RoomID:     roomID,
		Version:    current.Version,
		Checksum:   current.Checksum(),
		ServerTime: now.UnixMilli(),
	}
	blob, compressed := compressPayload(encoded)
	if compressed {
		payload.Blob = blob
		payload.Compressed = true
		e.metrics.Add("sync_compression_saved_bytes", uint64(len(encoded)-len(blob)))
	} else {
		payload.State = encoded
	}

	// Full states always go out; a blind client is worse than a budget
	// overrun. The spend still counts against the window.
	size := len(blob)
	if !c.budget.AllowN(now, size) {
		e.metrics.Add("sync_budget_exceeded", 1)
	}

	c.needsFull = false
	c.lastSent = current.Version
	c.pending++
	e.metrics.Add("sync_full_sent", 1)
	e.metrics.Add("sync_bytes_sent", uint64(size))
	return &Update{Full: payload}, nil
}

func (e *Engine) planDelta(now time.Time, roomID string, c *client, current *state.GameState, changes []proto.StateChange) (*Update, error) {
	orderByPriority(changes)

	// Shed low-value changes until the payload fits the remaining budget.
	for {
		size, err := deltaSize(changes)
		if err != nil {
			return nil, err
		}
		if float64(size) <= c.budget.TokensAt(now) {
			break
		}
		shed, dropped := shedLowest(changes)
		if dropped == 0 {
			e.metrics.Add("sync_deferred", 1)
			return nil, nil
		}
		e.metrics.Add("sync_shed_changes", uint64(dropped))
		changes = shed
	}

	payload := &proto.DeltaPayload{
		Ver:         proto.ProtocolVersion,
		RoomID:      roomID,
		BaseVersion: c.lastAcked,
		Version:     current.Version,
		Changes:     changes,
		Checksum:    current.Checksum(),
		ServerTime:  now.UnixMilli(),
	}

	encoded, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("sync: marshal delta: %w", err)
	}
	if blob, compressed := compressPayload(encoded); compressed {
		payload.Changes = nil
		payload.Blob = blob
		payload.Compressed = true
		e.metrics.Add("sync_compression_saved_bytes", uint64(len(encoded)-len(blob)))
		encoded = blob
	}

	c.budget.AllowN(now, len(encoded))
	c.lastSent = current.Version
	c.pending++
	e.metrics.Add("sync_delta_sent", 1)
	e.metrics.Add("sync_bytes_sent", uint64(len(encoded)))
	return &Update{Delta: payload}, nil
}

func deltaSize(changes []proto.StateChange) (int, error) {
	encoded, err := json.Marshal(changes)
	if err != nil {
		return 0, fmt.Errorf("sync: marshal delta: %w", err)
	}
	return len(encoded), nil
}

// shedLowest removes every change at the lowest priority rank present.
// Critical and high changes are never shed.
func shedLowest(changes []proto.StateChange) ([]proto.StateChange, int) {
	lowest := priorityRank(PriorityHigh)
	for _, ch := range changes {
		if r := priorityRank(ch.Priority); r < lowest {
			lowest = r
		}
	}
	if lowest >= priorityRank(PriorityHigh) {
		return changes, 0
	}
	kept := changes[:0]
	dropped := 0
	for _, ch := range changes {
		if priorityRank(ch.Priority) == lowest {
			dropped++
			continue
		}
		kept = append(kept, ch)
	}
	return kept, dropped
}
