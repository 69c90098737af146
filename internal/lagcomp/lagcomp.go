// Package lagcomp estimates per-player clock offset and one-way latency
// from heartbeat round trips, and rewinds action timestamps so players on
// slow links are judged against the world they actually saw.
package lagcomp

import (
	"sort"
	"sync"
	"time"
)

const defaultSampleWindow = 10

// Estimator keeps a sliding window of heartbeat measurements for one
// player. Medians are used throughout so a single congested round trip
// does not skew the estimate.
type Estimator struct {
	window    int
	offsets   []time.Duration
	latencies []time.Duration
}

// NewEstimator builds an estimator keeping the last window samples.
func NewEstimator(window int) *Estimator {
	if window <= 0 {
		window = defaultSampleWindow
	}
	return &Estimator{window: window}
}

// Observe folds in one heartbeat round trip. clientTime is the client's
// clock when it sent the heartbeat, serverTime the server clock at receipt.
func (e *Estimator) Observe(clientTime, serverTime time.Time, rtt time.Duration) {
	if rtt < 0 {
		rtt = 0
	}
	oneWay := rtt / 2
	offset := serverTime.Sub(clientTime) - oneWay

	e.offsets = append(e.offsets, offset)
	e.latencies = append(e.latencies, oneWay)
	if len(e.offsets) > e.window {
		e.offsets = e.offsets[len(e.offsets)-e.window:]
		e.latencies = e.latencies[len(e.latencies)-e.window:]
	}
}

// Offset returns the median clock offset (server minus client). ok is
// false until at least one sample has been observed.
func (e *Estimator) Offset() (time.Duration, bool) {
	if len(e.offsets) == 0 {
		return 0, false
	}
	return median(e.offsets), true
}

// OneWay returns the median one-way latency estimate.
func (e *Estimator) OneWay() time.Duration {
	if len(e.latencies) == 0 {
		return 0
	}
	return median(e.latencies)
}

func median(samples []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Compensator tracks estimators for all connected players and produces
// rewound action timestamps.
type Compensator struct {
	window    int
	maxRewind time.Duration

	mu      sync.Mutex
	players map[string]*Estimator
}

// NewCompensator builds a compensator. maxRewind caps how far back an
// action may be shifted, so a hostile client cannot claim arbitrary lag.
func NewCompensator(window int, maxRewind time.Duration) *Compensator {
	if maxRewind <= 0 {
		maxRewind = 200 * time.Millisecond
	}
	return &Compensator{
		window:    window,
		maxRewind: maxRewind,
		players:   make(map[string]*Estimator),
	}
}

// Observe records a heartbeat round trip for the player.
func (c *Compensator) Observe(playerID string, clientTime, serverTime time.Time, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	est, ok := c.players[playerID]
	if !ok {
		est = NewEstimator(c.window)
		c.players[playerID] = est
	}
	est.Observe(clientTime, serverTime, rtt)
}

// Offset returns the player's median clock offset, if known.
func (c *Compensator) Offset(playerID string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	est, ok := c.players[playerID]
	if !ok {
		return 0, false
	}
	return est.Offset()
}

// OneWay returns the player's median one-way latency estimate.
func (c *Compensator) OneWay(playerID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	est, ok := c.players[playerID]
	if !ok {
		return 0
	}
	return est.OneWay()
}

// Rewind shifts an action's server receipt time back by the player's
// one-way latency, bounded by the rewind cap. With no latency data the
// receipt time stands.
func (c *Compensator) Rewind(playerID string, receivedAt time.Time) time.Time {
	shift := c.OneWay(playerID)
	if shift <= 0 {
		return receivedAt
	}
	if shift > c.maxRewind {
		shift = c.maxRewind
	}
	return receivedAt.Add(-shift)
}

// Forget drops a disconnected player's estimator.
func (c *Compensator) Forget(playerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.players, playerID)
}
