package anticheat

import (
	"testing"
	"time"
)

func TestMetronomeInputScoresHigh(t *testing.T) {
	tracker := &behaviorTracker{}
	at := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 20; i++ {
		tracker.observe(at, true)
		at = at.Add(40 * time.Millisecond)
	}
	if score := tracker.score(); score <= 0.8 {
		t.Fatalf("expected metronome input to score above 0.8, got %.3f", score)
	}
}

func TestJitteredInputScoresLow(t *testing.T) {
	tracker := &behaviorTracker{}
	at := time.UnixMilli(1_700_000_000_000)
	gaps := []time.Duration{800, 1200, 650, 2100, 900, 1500, 700, 1800, 1100, 950}
	for _, gap := range gaps {
		tracker.observe(at, false)
		at = at.Add(gap * time.Millisecond)
	}
	if score := tracker.score(); score > 0.3 {
		t.Fatalf("expected human-like input to score low, got %.3f", score)
	}
}

func TestScoreNeedsEnoughSamples(t *testing.T) {
	tracker := &behaviorTracker{}
	at := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 5; i++ {
		tracker.observe(at, true)
		at = at.Add(10 * time.Millisecond)
	}
	if score := tracker.score(); score != 0 {
		t.Fatalf("expected zero score with too few samples, got %.3f", score)
	}
}
