// Package predict implements optimistic action application against a local
// state copy. Actions apply immediately for responsiveness; the server's
// verdict later confirms them or forces a rebase of everything still
// pending onto the authoritative state.
package predict

import (
	"errors"
	"sync"

	"tradewind/server/internal/action"
	"tradewind/server/internal/room"
	"tradewind/server/internal/state"
)

// ErrUnknownAction is returned when a confirmation references an action id
// that is not pending, usually because a correction already flushed it.
var ErrUnknownAction = errors.New("predict: unknown action id")

// Predictor holds the last server-confirmed state plus a predicted overlay
// with all unconfirmed actions applied in issue order.
type Predictor struct {
	mu        sync.Mutex
	confirmed *state.GameState
	predicted *state.GameState
	pending   []action.Envelope
}

// New seeds a predictor from an authoritative snapshot.
func New(initial *state.GameState) *Predictor {
	if initial == nil {
		initial = state.NewGameState()
	}
	return &Predictor{
		confirmed: initial.Clone(),
		predicted: initial.Clone(),
	}
}

// Predict applies the action optimistically. A local rule failure is
// returned without touching the predicted state and the action must not be
// sent to the server.
func (p *Predictor) Predict(env action.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	trial := p.predicted.Clone()
	if err := room.Apply(trial, env); err != nil {
		return err
	}
	trial.Version++
	p.predicted = trial
	p.pending = append(p.pending, env)
	return nil
}

// ConfirmApplied advances the confirmed baseline with a server-accepted
// action. The predicted overlay already contains the action, so no replay
// is needed when confirmations arrive in issue order.
func (p *Predictor) ConfirmApplied(actionID string, version uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.pendingIndex(actionID)
	if idx < 0 {
		return ErrUnknownAction
	}
	env := p.pending[idx]
	if err := room.Apply(p.confirmed, env); err != nil {
		// The server accepted what our baseline rejects: the baseline has
		// drifted and only an authoritative snapshot can repair it.
		p.pending = append(p.pending[:idx], p.pending[idx+1:]...)
		return err
	}
	p.confirmed.Version = version
	p.pending = append(p.pending[:idx], p.pending[idx+1:]...)

	if idx != 0 {
		// Out-of-order confirmation changes the effective apply order, so
		// the overlay must be rebuilt.
		p.rebaseLocked()
	}
	return nil
}

// ConfirmRejected drops a server-rejected action and rebases the remaining
// predictions onto the confirmed state.
func (p *Predictor) ConfirmRejected(actionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.pendingIndex(actionID)
	if idx < 0 {
		return ErrUnknownAction
	}
	p.pending = append(p.pending[:idx], p.pending[idx+1:]...)
	p.rebaseLocked()
	return nil
}

// Correct replaces the confirmed baseline with an authoritative state and
// rebases. Pending actions the new baseline rejects are silently dropped;
// the server has already ruled on them.
func (p *Predictor) Correct(authoritative *state.GameState) {
	if authoritative == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed = authoritative.Clone()
	p.rebaseLocked()
}

// rebaseLocked rebuilds the predicted overlay from the confirmed state by
// replaying every pending action in order, discarding ones that no longer
// apply.
func (p *Predictor) rebaseLocked() {
	rebased := p.confirmed.Clone()
	kept := p.pending[:0]
	for _, env := range p.pending {
		if err := room.Apply(rebased, env); err != nil {
			continue
		}
		rebased.Version++
		kept = append(kept, env)
	}
	p.pending = kept
	p.predicted = rebased
}

func (p *Predictor) pendingIndex(actionID string) int {
	for i, env := range p.pending {
		if env.ID == actionID {
			return i
		}
	}
	return -1
}

// State returns a copy of the predicted state.
func (p *Predictor) State() *state.GameState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.predicted.Clone()
}

// Confirmed returns a copy of the last authoritative state.
func (p *Predictor) Confirmed() *state.GameState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.confirmed.Clone()
}

// PendingCount reports how many predictions await a server verdict.
func (p *Predictor) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
