// Package registry holds the task backlog: one ordered JSON document listing
// every task, replaced whole on every mutation.
//
// A Registry value is a snapshot of that document. Mutations change the
// snapshot only; Stage writes it into a changeset for publishing.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/swarmd/internal/layout"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

// Errors for registry operations.
var (
	ErrNoRegistry        = errors.New("registry does not exist")
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrInvalidTask       = errors.New("invalid task")
	ErrRegistryCorrupted = errors.New("registry document corrupted")
)

// Status is the lifecycle state of a task.
type Status string

const (
	Pending    Status = "pending"
	InProgress Status = "in_progress"
	Done       Status = "done"
	Failed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case Pending, InProgress, Done, Failed:
		return true
	}
	return false
}

// Terminal reports whether s ends the task's lifecycle.
func (s Status) Terminal() bool {
	return s == Done || s == Failed
}

// Task is one unit of work.
type Task struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Steps        []string `json:"steps"`
	Status       Status   `json:"status"`
	AttemptCount int      `json:"attempt_count"`
}

// Validate checks the task's invariants.
func (t Task) Validate() error {
	if err := layout.ValidateID(t.ID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: %s has unknown status %q", ErrInvalidTask, t.ID, t.Status)
	}
	if t.AttemptCount < 0 {
		return fmt.Errorf("%w: %s has negative attempt count", ErrInvalidTask, t.ID)
	}
	return nil
}

func (t Task) clone() Task {
	steps := make([]string, len(t.Steps))
	copy(steps, t.Steps)
	t.Steps = steps
	return t
}

// Registry is an ordered set of tasks with unique ids.
type Registry struct {
	tasks []Task
	index map[string]int
}

// New returns a registry holding tasks. Tasks without a status start pending.
func New(tasks ...Task) (*Registry, error) {
	r := &Registry{index: make(map[string]int)}
	if err := r.Append(tasks...); err != nil {
		return nil, err
	}
	return r, nil
}

// Decode parses a registry document.
func Decode(data []byte) (*Registry, error) {
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistryCorrupted, err)
	}
	r, err := New(tasks...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistryCorrupted, err)
	}
	return r, nil
}

// Encode renders the registry document.
func (r *Registry) Encode() ([]byte, error) {
	tasks := r.tasks
	if tasks == nil {
		tasks = []Task{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode registry: %w", err)
	}
	return append(data, '\n'), nil
}

// Load reads the registry at the reader's head. It returns ErrNoRegistry
// before planning has created one.
func Load(rd store.Reader, l layout.Layout) (*Registry, error) {
	data, err := rd.Read(l.Registry())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoRegistry
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Decode(data)
}

// Exists reports whether planning has created the registry.
func Exists(rd store.Reader, l layout.Layout) (bool, error) {
	_, err := rd.Read(l.Registry())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read registry: %w", err)
	}
	return true, nil
}

// Stage writes the registry document into cs.
func (r *Registry) Stage(cs *store.Changeset, l layout.Layout) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	cs.Put(l.Registry(), data)
	return nil
}

// Len returns the number of tasks.
func (r *Registry) Len() int { return len(r.tasks) }

// Tasks returns a copy of all tasks in registry order.
func (r *Registry) Tasks() []Task {
	out := make([]Task, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = t.clone()
	}
	return out
}

// Get returns the task with id.
func (r *Registry) Get(id string) (Task, bool) {
	i, ok := r.index[id]
	if !ok {
		return Task{}, false
	}
	return r.tasks[i].clone(), true
}

// Append adds tasks at the end. Either all tasks are added or none.
func (r *Registry) Append(tasks ...Task) error {
	seen := make(map[string]bool, len(tasks))
	prepared := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		t = t.clone()
		if t.Status == "" {
			t.Status = Pending
		}
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := r.index[t.ID]; dup || seen[t.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		seen[t.ID] = true
		prepared = append(prepared, t)
	}
	if r.index == nil {
		r.index = make(map[string]int)
	}
	for _, t := range prepared {
		r.index[t.ID] = len(r.tasks)
		r.tasks = append(r.tasks, t)
	}
	return nil
}

// Update applies fn to the task with id. The result must still be valid and
// keep its id.
func (r *Registry) Update(id string, fn func(*Task)) error {
	i, ok := r.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t := r.tasks[i].clone()
	fn(&t)
	if t.ID != id {
		return fmt.Errorf("%w: id of %s cannot change", ErrInvalidTask, id)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	r.tasks[i] = t
	return nil
}

// SetStatus moves the task with id to s.
func (r *Registry) SetStatus(id string, s Status) error {
	return r.Update(id, func(t *Task) { t.Status = s })
}

// AllTerminal reports whether every task is done or failed. An empty
// registry is terminal.
func (r *Registry) AllTerminal() bool {
	for _, t := range r.tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// Counts returns the number of tasks per status.
func (r *Registry) Counts() map[Status]int {
	counts := map[Status]int{Pending: 0, InProgress: 0, Done: 0, Failed: 0}
	for _, t := range r.tasks {
		counts[t.Status]++
	}
	return counts
}
