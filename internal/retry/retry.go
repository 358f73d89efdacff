// Package retry decides what happens to a task after a worker attempt.
package retry

import (
	"github.com/fyrsmithlabs/swarmd/internal/registry"
)

// DefaultMaxAttempts is the number of requeues before a task fails for good.
const DefaultMaxAttempts = 3

// Outcome is the result of one worker attempt.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

// ParseOutcome accepts success/done and failure/failed.
func ParseOutcome(s string) (Outcome, bool) {
	switch s {
	case "success", "done", "ok":
		return Success, true
	case "failure", "failed", "fail":
		return Failure, true
	}
	return Failure, false
}

// Policy requeues failed tasks until they have been retried MaxAttempts times.
type Policy struct {
	MaxAttempts int
}

// NewPolicy returns a Policy; non-positive max uses DefaultMaxAttempts.
func NewPolicy(maxAttempts int) Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Policy{MaxAttempts: maxAttempts}
}

// Apply transitions t for outcome o. Success is done. A failure with c
// attempts below the maximum requeues with c+1; otherwise the task fails.
func (p Policy) Apply(t *registry.Task, o Outcome) {
	if o == Success {
		t.Status = registry.Done
		return
	}
	if t.AttemptCount < p.MaxAttempts {
		t.Status = registry.Pending
		t.AttemptCount++
		return
	}
	t.Status = registry.Failed
}

// Requeueable reports whether a failed task still has attempts left.
func (p Policy) Requeueable(t registry.Task) bool {
	return t.Status == registry.Failed && t.AttemptCount < p.MaxAttempts
}

// Sweep returns failed tasks with attempts left to pending, leaving their
// counters alone, and returns the requeued ids.
func (p Policy) Sweep(reg *registry.Registry) ([]string, error) {
	var ids []string
	for _, t := range reg.Tasks() {
		if !p.Requeueable(t) {
			continue
		}
		if err := reg.SetStatus(t.ID, registry.Pending); err != nil {
			return ids, err
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}
