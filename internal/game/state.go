package game

import (
	"sync"
	"time"
)

// Phase is the scheduler's current sub-phase within a round cycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePlaying  Phase = "playing"
	PhasePatching Phase = "patching"
)

// State is the process-local game state. It is mutated only by the
// scheduler worker; API workers read snapshots for display.
type State struct {
	Started          bool      `json:"started"`
	CurrentRound     int       `json:"current_round"`
	RoundID          int64     `json:"round_id"`
	Phase            Phase     `json:"phase"`
	PhaseStart       time.Time `json:"phase_start"`
	PhaseDeadline    time.Time `json:"phase_deadline"`
	RemainingSeconds int       `json:"remaining_seconds"`
}

// stateBox guards the shared copy behind a mutex so request workers can
// snapshot it without racing the scheduler.
type stateBox struct {
	mu    sync.RWMutex
	state State
}

func (b *stateBox) snapshot() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *stateBox) update(fn func(*State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.state)
}
