package lagcomp

import (
	"sync"
	"time"

	"tradewind/server/internal/state"
)

type shipSample struct {
	at       time.Time
	position state.Vec2
	velocity state.Vec2
}

// History retains recent ship positions so hit and proximity checks can be
// evaluated at a rewound timestamp. Samples older than the retention span
// are pruned on every record.
type History struct {
	retention        time.Duration
	maxExtrapolation time.Duration

	mu    sync.Mutex
	ships map[string][]shipSample
}

// NewHistory builds a history buffer. retention bounds how far back
// PositionAt can look; maxExtrapolation bounds how far past the newest
// sample it will project.
func NewHistory(retention, maxExtrapolation time.Duration) *History {
	if retention <= 0 {
		retention = 2 * time.Second
	}
	if maxExtrapolation <= 0 {
		maxExtrapolation = 200 * time.Millisecond
	}
	return &History{
		retention:        retention,
		maxExtrapolation: maxExtrapolation,
		ships:            make(map[string][]shipSample),
	}
}

// Record captures every ship's position and velocity at now.
func (h *History) Record(now time.Time, st *state.GameState) {
	if st == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := now.Add(-h.retention)
	for id, ship := range st.Ships {
		samples := append(h.ships[id], shipSample{
			at:       now,
			position: ship.Position,
			velocity: ship.Velocity,
		})
		trimmed := samples[:0]
		for _, s := range samples {
			if !s.at.Before(cutoff) {
				trimmed = append(trimmed, s)
			}
		}
		h.ships[id] = trimmed
	}
	for id, samples := range h.ships {
		if _, alive := st.Ships[id]; alive {
			continue
		}
		trimmed := samples[:0]
		for _, s := range samples {
			if !s.at.Before(cutoff) {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) == 0 {
			delete(h.ships, id)
			continue
		}
		h.ships[id] = trimmed
	}
}

// PositionAt reconstructs a ship's position at the given time. Between two
// samples it interpolates linearly; past the newest sample it extrapolates
// along the last known velocity, capped. Before the oldest sample the
// oldest position is returned. ok is false for unknown ships.
func (h *History) PositionAt(shipID string, at time.Time) (state.Vec2, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	samples := h.ships[shipID]
	if len(samples) == 0 {
		return state.Vec2{}, false
	}

	oldest := samples[0]
	newest := samples[len(samples)-1]

	if !at.After(oldest.at) {
		return oldest.position, true
	}
	if at.After(newest.at) {
		dt := at.Sub(newest.at)
		if dt > h.maxExtrapolation {
			dt = h.maxExtrapolation
		}
		sec := dt.Seconds()
		return state.Vec2{
			X: newest.position.X + newest.velocity.X*sec,
			Y: newest.position.Y + newest.velocity.Y*sec,
		}, true
	}

	for i := 1; i < len(samples); i++ {
		if at.After(samples[i].at) {
			continue
		}
		prev, next := samples[i-1], samples[i]
		span := next.at.Sub(prev.at).Seconds()
		if span <= 0 {
			return next.position, true
		}
		frac := at.Sub(prev.at).Seconds() / span
		return state.Vec2{
			X: prev.position.X + (next.position.X-prev.position.X)*frac,
			Y: prev.position.Y + (next.position.Y-prev.position.Y)*frac,
		}, true
	}
	return newest.position, true
}

// Forget drops a ship's samples.
func (h *History) Forget(shipID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.ships, shipID)
}
