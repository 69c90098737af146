package anticheat

import (
	"sync"
	"time"
)

// Severity weights a violation for ban accounting.
type Severity int

const (
	SeverityLow      Severity = 1
	SeverityMedium   Severity = 2
	SeverityHigh     Severity = 3
	SeverityCritical Severity = 5
)

// Violation kinds.
const (
	ViolationRateLimit     = "rateLimit"
	ViolationBadParams     = "malformedParams"
	ViolationInjection     = "injectionAttempt"
	ViolationSpeedHack     = "speedHack"
	ViolationTeleport      = "teleport"
	ViolationImpossible    = "impossibleState"
	ViolationExcessiveTxn  = "excessiveTransaction"
	ViolationDuplicateTxn  = "duplicateTransaction"
	ViolationStaleQuote    = "staleQuote"
	ViolationSuspicious    = "suspiciousBehavior"
)

// Record is one observed violation.
type Record struct {
	PlayerID string
	Kind     string
	Severity Severity
	At       time.Time
}

// Ledger accumulates violations per player over a trailing window and owns
// the ban set. Bans last for the process lifetime; Clear exists as the
// manual escape hatch for operators.
type Ledger struct {
	mu           sync.Mutex
	window       time.Duration
	banThreshold int
	records      map[string][]Record
	banned       map[string]string
	onBan        func(playerID, kind string)
}

// NewLedger builds a ledger with the given trailing window and ban
// threshold (severity sum).
func NewLedger(window time.Duration, banThreshold int, onBan func(playerID, kind string)) *Ledger {
	if window <= 0 {
		window = time.Minute
	}
	if banThreshold <= 0 {
		banThreshold = 5
	}
	return &Ledger{
		window:       window,
		banThreshold: banThreshold,
		records:      make(map[string][]Record),
		banned:       make(map[string]string),
		onBan:        onBan,
	}
}

// Note records a violation and bans the player if the windowed severity sum
// reaches the threshold. Critical violations ban immediately. Returns true
// when the player is now banned.
func (l *Ledger) Note(rec Record) bool {
	l.mu.Lock()
	if _, banned := l.banned[rec.PlayerID]; banned {
		l.mu.Unlock()
		return true
	}

	records := append(l.records[rec.PlayerID], rec)
	cutoff := rec.At.Add(-l.window)
	kept := records[:0]
	sum := 0
	for _, r := range records {
		if r.At.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
		sum += int(r.Severity)
	}
	l.records[rec.PlayerID] = kept

	shouldBan := rec.Severity >= SeverityCritical || sum >= l.banThreshold
	if shouldBan {
		l.banned[rec.PlayerID] = rec.Kind
	}
	onBan := l.onBan
	l.mu.Unlock()

	if shouldBan && onBan != nil {
		onBan(rec.PlayerID, rec.Kind)
	}
	return shouldBan
}

// IsBanned reports whether the player id is banned.
func (l *Ledger) IsBanned(playerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.banned[playerID]
	return ok
}

// Clear lifts a ban and forgets the player's violation history.
func (l *Ledger) Clear(playerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.banned, playerID)
	delete(l.records, playerID)
}

// Sweep drops violation records older than the trailing window. Run
// periodically so idle players do not pin memory.
func (l *Ledger) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	for id, records := range l.records {
		kept := records[:0]
		for _, r := range records {
			if !r.At.Before(cutoff) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(l.records, id)
			continue
		}
		l.records[id] = kept
	}
}

// Violations returns a copy of the retained records for a player.
func (l *Ledger) Violations(playerID string) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records[playerID]...)
}
