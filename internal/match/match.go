// Package match implements skill-based matchmaking. Tickets wait in
// per-mode queues while their acceptable rating window widens with queue
// time; a periodic tick greedily assembles the cheapest compatible groups.
package match

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradewind/server/internal/config"
	"tradewind/server/internal/room"
	"tradewind/server/internal/telemetry"
)

var (
	// ErrAlreadyQueued reports a second ticket for a player already waiting.
	ErrAlreadyQueued = errors.New("match: player already queued")
	// ErrBadTicket reports a ticket with missing or invalid fields.
	ErrBadTicket = errors.New("match: bad ticket")
)

// Pair cost tuning. Region mismatch biases toward same-region play without
// forbidding it; a friend preference in either direction discounts the pair;
// dissimilar wait times cost a little so long waiters group together.
const (
	regionMismatchCost = 100.0
	friendPrefBonus    = 50.0
	waitSimilarityRate = 0.1
)

// Ticket is one player's matchmaking request.
type Ticket struct {
	ID         string
	PlayerID   string
	Mode       room.Mode
	TeamSize   int
	Rating     int
	Region     string
	Blocked    []string
	Preferred  []string
	Rules      []string
	EnqueuedAt time.Time
}

// rulesKey canonicalizes the custom rule flags for equality checks.
func (t Ticket) rulesKey() string {
	if len(t.Rules) == 0 {
		return ""
	}
	rules := append([]string(nil), t.Rules...)
	sort.Strings(rules)
	return strings.Join(rules, ",")
}

func (t Ticket) blocks(playerID string) bool {
	for _, id := range t.Blocked {
		if id == playerID {
			return true
		}
	}
	return false
}

func (t Ticket) prefers(playerID string) bool {
	for _, id := range t.Preferred {
		if id == playerID {
			return true
		}
	}
	return false
}

// Match is one assembled game worth of tickets.
type Match struct {
	ID        string
	Mode      room.Mode
	TeamSize  int
	Tickets   []Ticket
	Region    string
	CreatedAt time.Time
}

type queueKey struct {
	mode     room.Mode
	teamSize int
}

// Matchmaker owns the waiting queues.
type Matchmaker struct {
	cfg     config.MatchConfig
	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu     sync.Mutex
	queues map[queueKey][]Ticket
}

// Deps carries the injected collaborators.
type Deps struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// New constructs a matchmaker.
func New(cfg config.MatchConfig, deps Deps) *Matchmaker {
	if cfg.InitialRange <= 0 {
		cfg.InitialRange = 150
	}
	if cfg.ExpansionRate <= 0 {
		cfg.ExpansionRate = 50
	}
	if cfg.ExpandInterval <= 0 {
		cfg.ExpandInterval = 5 * time.Second
	}
	if cfg.MaxRange <= 0 {
		cfg.MaxRange = 500
	}
	if cfg.TicketTimeout <= 0 {
		cfg.TicketTimeout = 120 * time.Second
	}
	if cfg.FallbackRegion == "" {
		cfg.FallbackRegion = "us-east"
	}
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	return &Matchmaker{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		queues:  make(map[queueKey][]Ticket),
	}
}

// Enqueue adds a ticket to its queue. A player may hold only one ticket at
// a time across all queues.
func (m *Matchmaker) Enqueue(t Ticket) (string, error) {
	if t.PlayerID == "" || (t.Mode != room.ModeRealtime && t.Mode != room.ModeTurnBased) {
		return "", ErrBadTicket
	}
	if t.TeamSize <= 0 {
		t.TeamSize = 1
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, queue := range m.queues {
		for _, waiting := range queue {
			if waiting.PlayerID == t.PlayerID {
				return "", ErrAlreadyQueued
			}
		}
	}
	key := queueKey{mode: t.Mode, teamSize: t.TeamSize}
	m.queues[key] = append(m.queues[key], t)
	m.metrics.Add("match_tickets_enqueued", 1)
	return t.ID, nil
}

// Cancel removes a player's ticket. Returns false when nothing was queued.
func (m *Matchmaker) Cancel(playerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, queue := range m.queues {
		for i, t := range queue {
			if t.PlayerID == playerID {
				m.queues[key] = append(queue[:i], queue[i+1:]...)
				m.metrics.Add("match_tickets_cancelled", 1)
				return true
			}
		}
	}
	return false
}

// Queued reports how many tickets are waiting across all queues.
func (m *Matchmaker) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, queue := range m.queues {
		total += len(queue)
	}
	return total
}

// window returns the ticket's acceptable rating distance at now.
func (m *Matchmaker) window(t Ticket, now time.Time) float64 {
	elapsed := now.Sub(t.EnqueuedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	steps := elapsed / m.cfg.ExpandInterval
	w := m.cfg.InitialRange + float64(steps)*m.cfg.ExpansionRate
	if w > m.cfg.MaxRange {
		w = m.cfg.MaxRange
	}
	return w
}

// compatible requires matching rule flags, the rating gap to fit both
// windows, and no block in either direction.
func (m *Matchmaker) compatible(a, b Ticket, now time.Time) bool {
	if a.blocks(b.PlayerID) || b.blocks(a.PlayerID) {
		return false
	}
	if a.rulesKey() != b.rulesKey() {
		return false
	}
	gap := float64(a.Rating - b.Rating)
	if gap < 0 {
		gap = -gap
	}
	return gap <= m.window(a, now) && gap <= m.window(b, now)
}

// cost orders candidate pairings: closer ratings first, same region
// preferred, mutual friends discounted, similar wait times slightly favored.
func (m *Matchmaker) cost(a, b Ticket, _ time.Time) float64 {
	gap := float64(a.Rating - b.Rating)
	if gap < 0 {
		gap = -gap
	}
	c := gap
	if a.Region != b.Region {
		c += regionMismatchCost
	}
	if a.prefers(b.PlayerID) || b.prefers(a.PlayerID) {
		c -= friendPrefBonus
	}
	waitGap := b.EnqueuedAt.Sub(a.EnqueuedAt).Seconds()
	if waitGap < 0 {
		waitGap = -waitGap
	}
	return c + waitGap*waitSimilarityRate
}

// Tick expires stale tickets and assembles matches. Both result slices may
// be empty.
func (m *Matchmaker) Tick(now time.Time) ([]Match, []Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Ticket
	for key, queue := range m.queues {
		kept := queue[:0]
		for _, t := range queue {
			if now.Sub(t.EnqueuedAt) > m.cfg.TicketTimeout {
				expired = append(expired, t)
				continue
			}
			kept = append(kept, t)
		}
		m.queues[key] = kept
	}
	if len(expired) > 0 {
		m.metrics.Add("match_tickets_expired", uint64(len(expired)))
	}

	var matches []Match
	for key := range m.queues {
		matches = append(matches, m.assembleLocked(key, now)...)
	}
	return matches, expired
}

// assembleLocked greedily forms matches in one queue until no ticket can
// anchor a group.
func (m *Matchmaker) assembleLocked(key queueKey, now time.Time) []Match {
	need := key.teamSize * 2
	var matches []Match

	for {
		queue := m.queues[key]
		if len(queue) < need {
			return matches
		}
		sort.Slice(queue, func(i, j int) bool {
			return queue[i].EnqueuedAt.Before(queue[j].EnqueuedAt)
		})

		group := m.formGroupLocked(queue, need, now)
		if group == nil {
			return matches
		}
		m.removeLocked(key, group)
		matches = append(matches, Match{
			ID:        uuid.NewString(),
			Mode:      key.mode,
			TeamSize:  key.teamSize,
			Tickets:   group,
			Region:    m.pickRegion(group),
			CreatedAt: now,
		})
		m.metrics.Add("match_matches_formed", 1)
	}
}

// formGroupLocked tries every waiting ticket as the anchor, oldest first,
// pulling in its cheapest partners and re-checking pairwise compatibility
// on each addition. A stuck anchor never starves the tickets behind it.
func (m *Matchmaker) formGroupLocked(queue []Ticket, need int, now time.Time) []Ticket {
	for ai, anchor := range queue {
		candidates := make([]Ticket, 0, len(queue)-1)
		for i, t := range queue {
			if i != ai && m.compatible(anchor, t, now) {
				candidates = append(candidates, t)
			}
		}
		if len(candidates) < need-1 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			return m.cost(anchor, candidates[i], now) < m.cost(anchor, candidates[j], now)
		})

		group := []Ticket{anchor}
		for _, t := range candidates {
			if !m.compatibleWithGroup(group, t, now) {
				continue
			}
			group = append(group, t)
			if len(group) == need {
				return group
			}
		}
	}
	return nil
}

func (m *Matchmaker) compatibleWithGroup(group []Ticket, t Ticket, now time.Time) bool {
	for _, member := range group {
		if !m.compatible(member, t, now) {
			return false
		}
	}
	return true
}

func (m *Matchmaker) removeLocked(key queueKey, group []Ticket) {
	inGroup := make(map[string]struct{}, len(group))
	for _, t := range group {
		inGroup[t.ID] = struct{}{}
	}
	queue := m.queues[key]
	kept := queue[:0]
	for _, t := range queue {
		if _, ok := inGroup[t.ID]; ok {
			continue
		}
		kept = append(kept, t)
	}
	m.queues[key] = kept
}

// pickRegion returns the strict majority region of the group, falling back
// to the configured default when there is none.
func (m *Matchmaker) pickRegion(group []Ticket) string {
	counts := make(map[string]int)
	for _, t := range group {
		if t.Region != "" {
			counts[t.Region]++
		}
	}
	for region, n := range counts {
		if n*2 > len(group) {
			return region
		}
	}
	return m.cfg.FallbackRegion
}
