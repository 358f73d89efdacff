// Package selector picks the next task an agent should claim.
package selector

import (
	"strings"

	"github.com/fyrsmithlabs/swarmd/internal/registry"
)

// DefaultTerminalPrefix marks tasks that must wait for all ordinary work.
const DefaultTerminalPrefix = "final-"

// Selector applies the selection order over a registry snapshot.
type Selector struct {
	TerminalPrefix string
}

// New returns a Selector. An empty prefix uses DefaultTerminalPrefix.
func New(terminalPrefix string) Selector {
	if terminalPrefix == "" {
		terminalPrefix = DefaultTerminalPrefix
	}
	return Selector{TerminalPrefix: terminalPrefix}
}

// IsTerminalPhase reports whether id is withheld until ordinary work is done.
func (s Selector) IsTerminalPhase(id string) bool {
	return strings.HasPrefix(id, s.TerminalPrefix)
}

// Next returns the task to claim, in order:
//
//  1. the earliest pending ordinary task;
//  2. nothing, if any ordinary task is still pending or in progress;
//  3. the earliest pending terminal-phase task.
func (s Selector) Next(reg *registry.Registry) (registry.Task, bool) {
	if reg == nil {
		return registry.Task{}, false
	}
	tasks := reg.Tasks()
	outstanding := false
	for _, t := range tasks {
		if s.IsTerminalPhase(t.ID) {
			continue
		}
		switch t.Status {
		case registry.Pending:
			return t, true
		case registry.InProgress:
			outstanding = true
		}
	}
	if outstanding {
		return registry.Task{}, false
	}
	for _, t := range tasks {
		if s.IsTerminalPhase(t.ID) && t.Status == registry.Pending {
			return t, true
		}
	}
	return registry.Task{}, false
}

// Withheld reports whether task id may not be claimed yet: it is a
// terminal-phase task and some ordinary task is pending or in progress.
func (s Selector) Withheld(reg *registry.Registry, id string) bool {
	if reg == nil || !s.IsTerminalPhase(id) {
		return false
	}
	for _, t := range reg.Tasks() {
		if s.IsTerminalPhase(t.ID) {
			continue
		}
		if t.Status == registry.Pending || t.Status == registry.InProgress {
			return true
		}
	}
	return false
}

// Blocked reports whether a pending terminal-phase task is being withheld
// because ordinary work is still outstanding.
func (s Selector) Blocked(reg *registry.Registry) bool {
	if reg == nil {
		return false
	}
	var waiting, outstanding bool
	for _, t := range reg.Tasks() {
		if s.IsTerminalPhase(t.ID) {
			waiting = waiting || t.Status == registry.Pending
		} else {
			outstanding = outstanding || !t.Status.Terminal()
		}
	}
	return waiting && outstanding
}
