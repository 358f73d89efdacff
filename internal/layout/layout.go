// Package layout names the coordination files inside the shared repository.
//
// Everything lives under one state directory (default ".swarm"):
//
//	.swarm/tasks.json                 task registry
//	.swarm/locks/task/<id>.lock       task lease
//	.swarm/locks/phase/<name>.lock    phase lease (planning, validation)
//	.swarm/validated                  validation pass signal
//	.swarm/validation_round           validation round counter
//
// Paths are slash separated regardless of OS; they are repository paths, not
// file system paths.
package layout

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// DefaultStateDir is used when no state directory is configured.
const DefaultStateDir = ".swarm"

const lockSuffix = ".lock"

var (
	// ErrInvalidID indicates an id that cannot be used as a file name.
	ErrInvalidID = errors.New("invalid id")

	idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Layout resolves coordination paths under a state directory.
type Layout struct {
	dir string
}

// New returns a Layout rooted at stateDir.
func New(stateDir string) Layout {
	if stateDir == "" {
		stateDir = DefaultStateDir
	}
	return Layout{dir: path.Clean(stateDir)}
}

// StateDir returns the state directory.
func (l Layout) StateDir() string { return l.dir }

// Registry returns the registry document path.
func (l Layout) Registry() string { return path.Join(l.dir, "tasks.json") }

// TaskLocks returns the directory holding task leases.
func (l Layout) TaskLocks() string { return path.Join(l.dir, "locks", "task") }

// PhaseLocks returns the directory holding phase leases.
func (l Layout) PhaseLocks() string { return path.Join(l.dir, "locks", "phase") }

// TaskLock returns the lease path for task id.
func (l Layout) TaskLock(id string) string {
	return path.Join(l.TaskLocks(), id+lockSuffix)
}

// PhaseLock returns the lease path for phase name.
func (l Layout) PhaseLock(name string) string {
	return path.Join(l.PhaseLocks(), name+lockSuffix)
}

// Validated returns the pass signal path.
func (l Layout) Validated() string { return path.Join(l.dir, "validated") }

// ValidationRound returns the round counter path.
func (l Layout) ValidationRound() string { return path.Join(l.dir, "validation_round") }

// IsCoordination reports whether p is coordination state (anything under the state dir).
func (l Layout) IsCoordination(p string) bool {
	p = path.Clean(p)
	return p == l.dir || strings.HasPrefix(p, l.dir+"/")
}

// ResourceFromLock extracts the resource id from a lease file name.
func ResourceFromLock(name string) (string, bool) {
	base := path.Base(name)
	if !strings.HasSuffix(base, lockSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(base, lockSuffix)
	return id, id != ""
}

// ValidateID checks that id is safe to use as a lease file name.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > 128 {
		return fmt.Errorf("%w: %q exceeds 128 characters", ErrInvalidID, id)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidID, id, idPattern)
	}
	return nil
}
