// Package anticheat gatekeeps every inbound action before it reaches a
// room. The pipeline short-circuits on the first failure: rate limit,
// parameter validation, state-consistency, then behavioral scoring (which
// logs but never blocks on its own). Every rejection and high-suspicion
// event becomes a violation record; accumulated severity bans the player.
package anticheat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradewind/server/internal/action"
	"tradewind/server/internal/config"
	"tradewind/server/internal/state"
	"tradewind/server/internal/telemetry"
)

// Reject reasons surfaced to room results and correction messages. The
// violation kind doubles as the reason string.
const RejectBanned = "banned"

type tradeSignature struct {
	portID string
	good   string
	qty    int
	buy    bool
}

type tradeStamp struct {
	sig tradeSignature
	at  time.Time
}

// Pipeline implements room.Validator.
type Pipeline struct {
	cfg     config.AntiCheatConfig
	ledger  *Ledger
	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastTrades map[string]tradeStamp
	behavior   map[string]*behaviorTracker
}

// Deps carries the injected collaborators.
type Deps struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	OnBan   func(playerID, kind string)
}

// New constructs the validation pipeline.
func New(cfg config.AntiCheatConfig, deps Deps) *Pipeline {
	if cfg.ActionsPerSecond <= 0 {
		cfg.ActionsPerSecond = 10
	}
	if cfg.MaxSpeed <= 0 {
		cfg.MaxSpeed = 50
	}
	if cfg.TeleportDistance <= 0 {
		cfg.TeleportDistance = 1000
	}
	if cfg.TransactionCeiling <= 0 {
		cfg.TransactionCeiling = 1_000_000
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 100 * time.Millisecond
	}
	if cfg.SuspicionThreshold <= 0 {
		cfg.SuspicionThreshold = 0.8
	}
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	return &Pipeline{
		cfg:        cfg,
		ledger:     NewLedger(cfg.ViolationWindow, cfg.BanThreshold, deps.OnBan),
		logger:     logger,
		metrics:    metrics,
		limiters:   make(map[string]*rate.Limiter),
		lastTrades: make(map[string]tradeStamp),
		behavior:   make(map[string]*behaviorTracker),
	}
}

// Ledger exposes the violation ledger for the connection layer's ban gate
// and diagnostics.
func (p *Pipeline) Ledger() *Ledger {
	return p.ledger
}

// IsBanned reports whether the player id is banned.
func (p *Pipeline) IsBanned(playerID string) bool {
	return p.ledger.IsBanned(playerID)
}

func (p *Pipeline) limiterFor(playerID string) *rate.Limiter {
	limiter, ok := p.limiters[playerID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.ActionsPerSecond), int(p.cfg.ActionsPerSecond))
		p.limiters[playerID] = limiter
	}
	return limiter
}

// ValidateAction runs the full pipeline against one action. ok=false means
// the action must be discarded; the reason names the violation.
func (p *Pipeline) ValidateAction(env action.Envelope, st *state.GameState) (string, bool) {
	if p.ledger.IsBanned(env.PlayerID) {
		return RejectBanned, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// 1. Rate limit over the trailing one-second window. The limiter is
	// evaluated at the action's server receipt time so replays and fake
	// clocks behave deterministically.
	if !p.limiterFor(env.PlayerID).AllowN(env.ServerTime, 1) {
		p.reject(env, ViolationRateLimit, SeverityLow)
		return ViolationRateLimit, false
	}

	// 2. Parameter validation.
	if kind, severity, ok := p.checkParams(env); !ok {
		p.reject(env, kind, severity)
		return kind, false
	}

	// 3. State consistency.
	if kind, severity, ok := p.checkConsistency(env, st); !ok {
		p.reject(env, kind, severity)
		return kind, false
	}

	// 4. Behavioral scoring: advisory only.
	tracker, ok := p.behavior[env.PlayerID]
	if !ok {
		tracker = &behaviorTracker{}
		p.behavior[env.PlayerID] = tracker
	}
	tracker.observe(env.ServerTime, isPreciseTarget(env))
	if score := tracker.score(); score > p.cfg.SuspicionThreshold {
		p.metrics.Add("anticheat_suspicion_events", 1)
		p.logger.Warnf("high suspicion score %.2f for %s", score, env.PlayerID)
		p.ledger.Note(Record{
			PlayerID: env.PlayerID,
			Kind:     ViolationSuspicious,
			Severity: SeverityMedium,
			At:       env.ServerTime,
		})
	}

	return "", true
}

func (p *Pipeline) reject(env action.Envelope, kind string, severity Severity) {
	p.metrics.Add("anticheat_rejections", 1)
	banned := p.ledger.Note(Record{
		PlayerID: env.PlayerID,
		Kind:     kind,
		Severity: severity,
		At:       env.ServerTime,
	})
	if banned {
		p.logger.Warnf("banned %s after %s violation", env.PlayerID, kind)
		p.metrics.Add("anticheat_bans", 1)
		return
	}
	p.logger.Infof("rejected %s from %s: %s", env.Kind, env.PlayerID, kind)
}

// isPreciseTarget flags move targets landing on exact integers, a weak
// signal of scripted input when sustained.
func isPreciseTarget(env action.Envelope) bool {
	if env.Move == nil {
		return false
	}
	return env.Move.TargetX == float64(int64(env.Move.TargetX)) &&
		env.Move.TargetY == float64(int64(env.Move.TargetY))
}

// Sweep prunes stale per-player tracking state. Run every few seconds.
func (p *Pipeline) Sweep(now time.Time) {
	p.ledger.Sweep(now)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, stamp := range p.lastTrades {
		if now.Sub(stamp.at) > time.Minute {
			delete(p.lastTrades, id)
		}
	}
	for id, tracker := range p.behavior {
		if now.Sub(tracker.lastAction) > 5*time.Minute {
			delete(p.behavior, id)
		}
	}
}
