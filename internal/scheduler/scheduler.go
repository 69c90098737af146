// Package scheduler provides the interval abstraction driving every periodic
// task in the server: sync ticks, anti-cheat sweeps, matchmaking rounds,
// ping probes and room reaping. Tasks receive the tick time so they never
// read the wall clock themselves.
package scheduler

import (
	"sync"
	"time"

	"tradewind/server/logging"
)

// Task runs once per interval tick.
type Task func(now time.Time)

// Interval schedules a task at a fixed period.
type Interval interface {
	Start(task Task)
	Stop()
}

// Ticker is the production Interval backed by time.Ticker.
type Ticker struct {
	period time.Duration
	clock  logging.Clock

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
}

// NewTicker creates an interval with the given period. Periods below one
// millisecond are clamped.
func NewTicker(period time.Duration, clock logging.Clock) *Ticker {
	if period < time.Millisecond {
		period = time.Millisecond
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	return &Ticker{period: period, clock: clock}
}

// Start launches the tick loop. Calling Start twice or after Stop is a
// no-op.
func (t *Ticker) Start(task Task) {
	if t == nil || task == nil {
		return
	}
	t.mu.Lock()
	if t.stop != nil || t.stopped {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.stop = stop
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(t.period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				task(t.clock.Now())
			}
		}
	}()
}

// Stop halts the tick loop. Safe to call multiple times.
func (t *Ticker) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	t.stopped = true
}

// Manual is a test Interval advanced by explicit Tick calls.
type Manual struct {
	mu   sync.Mutex
	task Task
}

// Start records the task without launching any goroutine.
func (m *Manual) Start(task Task) {
	m.mu.Lock()
	m.task = task
	m.mu.Unlock()
}

// Stop clears the task.
func (m *Manual) Stop() {
	m.mu.Lock()
	m.task = nil
	m.mu.Unlock()
}

// Tick runs the task once at the provided time.
func (m *Manual) Tick(now time.Time) {
	m.mu.Lock()
	task := m.task
	m.mu.Unlock()
	if task != nil {
		task(now)
	}
}
