package anticheat

import (
	"math"
	"time"
)

const behaviorSampleWindow = 32

// behaviorTracker accumulates per-player input-pattern statistics and
// derives a suspicion score in [0, 1]. Scores above the configured
// threshold are logged and recorded but never block an action on their own.
type behaviorTracker struct {
	lastAction time.Time
	intervals  []float64
	precise    int
	total      int
}

func (b *behaviorTracker) observe(at time.Time, preciseTarget bool) {
	if !b.lastAction.IsZero() {
		interval := at.Sub(b.lastAction).Seconds()
		if interval >= 0 {
			b.intervals = append(b.intervals, interval)
			if len(b.intervals) > behaviorSampleWindow {
				b.intervals = b.intervals[len(b.intervals)-behaviorSampleWindow:]
			}
		}
	}
	b.lastAction = at
	b.total++
	if preciseTarget {
		b.precise++
	}
}

// score combines timing regularity, input precision and reaction speed.
func (b *behaviorTracker) score() float64 {
	if len(b.intervals) < 8 {
		return 0
	}

	mean := 0.0
	for _, v := range b.intervals {
		mean += v
	}
	mean /= float64(len(b.intervals))

	variance := 0.0
	for _, v := range b.intervals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(b.intervals))
	stddev := math.Sqrt(variance)

	// Humans jitter. A coefficient of variation near zero means metronome
	// timing; full credit below 2% of the mean interval.
	regularity := 0.0
	if mean > 0 {
		cv := stddev / mean
		regularity = clamp01(1 - cv/0.02)
	}

	// Inhumanly fast issuance: mean interval under 50ms maxes out.
	speed := 0.0
	if mean < 0.25 {
		speed = clamp01((0.25 - mean) / 0.2)
	}

	precision := 0.0
	if b.total > 0 {
		precision = float64(b.precise) / float64(b.total)
	}

	return clamp01(0.5*regularity + 0.3*speed + 0.2*precision)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
