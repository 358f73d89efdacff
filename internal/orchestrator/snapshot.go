package orchestrator

import (
	"maps"
	"time"
)

// Agent states reported in snapshots.
const (
	StateStarting   = "starting"
	StatePlanning   = "planning"
	StateSetup      = "setup"
	StateWorking    = "working"
	StateValidating = "validating"
	StateWaiting    = "waiting"
	StateStopped    = "stopped"
)

// Snapshot is the agent's view of the swarm as of its last cycle.
type Snapshot struct {
	Holder          string           `json:"holder"`
	State           string           `json:"state"`
	CurrentTask     string           `json:"current_task,omitempty"`
	Iteration       int              `json:"iteration"`
	Tasks           map[string]int   `json:"tasks"`
	Leases          int              `json:"leases"`
	Round           int              `json:"validation_round"`
	MaxRounds       int              `json:"max_rounds"`
	Validated       bool             `json:"validated"`
	PendingReleases int              `json:"pending_releases"`
	Cycles          map[string]int64 `json:"cycles"`
	Termination     Termination      `json:"termination,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func newSnapshot(holder string, maxRounds int) Snapshot {
	now := time.Now().UTC()
	return Snapshot{
		Holder:    holder,
		State:     StateStarting,
		Tasks:     map[string]int{},
		MaxRounds: maxRounds,
		Cycles:    map[string]int64{},
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Snapshot returns a copy of the latest snapshot. Safe for concurrent use.
func (a *Agent) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.snap
	s.Tasks = maps.Clone(a.snap.Tasks)
	s.Cycles = maps.Clone(a.snap.Cycles)
	return s
}

func (a *Agent) update(fn func(*Snapshot)) {
	a.mu.Lock()
	fn(&a.snap)
	a.mu.Unlock()
}

func (a *Agent) setState(state, task string) {
	a.update(func(s *Snapshot) {
		s.State = state
		s.CurrentTask = task
	})
}

func (a *Agent) stop(term Termination) {
	a.update(func(s *Snapshot) {
		s.State = StateStopped
		s.CurrentTask = ""
		s.Termination = term
		s.UpdatedAt = time.Now().UTC()
	})
}
