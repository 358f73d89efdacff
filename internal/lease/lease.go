// Package lease reads and stages lease records: one JSON file per locked
// resource, holding who locked it and when.
//
// Leases are advisory. A lease protects a resource only while its holder is
// alive and it is younger than the TTL; anyone may remove an expired lease.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/swarmd/internal/layout"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

// ErrAlreadyLocked indicates a live lease held by someone else.
var ErrAlreadyLocked = errors.New("resource already locked")

// Kind selects the lease namespace.
type Kind string

const (
	// KindTask leases guard individual tasks.
	KindTask Kind = "task"
	// KindPhase leases guard singleton phases (planning, validation).
	KindPhase Kind = "phase"
)

// Lease is one lock record.
type Lease struct {
	Resource string    `json:"resource"`
	Holder   string    `json:"holder"`
	Created  time.Time `json:"created"`

	Kind Kind   `json:"-"`
	Path string `json:"-"`
	// Malformed is set when the file could not be decoded. Malformed leases
	// have a zero Created time and are therefore always stale.
	Malformed bool `json:"-"`
}

// Age returns how long the lease has existed at now.
func (l Lease) Age(now time.Time) time.Duration {
	return now.Sub(l.Created)
}

// Manager maps resources to lease files.
type Manager struct {
	layout layout.Layout
	now    func() time.Time
}

// NewManager returns a Manager for the given state layout.
func NewManager(l layout.Layout) *Manager {
	return &Manager{layout: l, now: time.Now}
}

// WithClock overrides the time source used for new leases.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Path returns the lease file for resource.
func (m *Manager) Path(kind Kind, resource string) string {
	if kind == KindPhase {
		return m.layout.PhaseLock(resource)
	}
	return m.layout.TaskLock(resource)
}

func (m *Manager) dir(kind Kind) string {
	if kind == KindPhase {
		return m.layout.PhaseLocks()
	}
	return m.layout.TaskLocks()
}

// Get returns the lease on resource, or nil if there is none.
func (m *Manager) Get(r store.Reader, kind Kind, resource string) (*Lease, error) {
	p := m.Path(kind, resource)
	data, err := r.Read(p)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lease %s: %w", p, err)
	}
	l := decode(data, kind, resource, p)
	return &l, nil
}

// List returns every lease of kind, ordered by path.
func (m *Manager) List(r store.Reader, kind Kind) ([]Lease, error) {
	paths, err := r.List(m.dir(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s leases: %w", kind, err)
	}
	leases := make([]Lease, 0, len(paths))
	for _, p := range paths {
		resource, ok := layout.ResourceFromLock(p)
		if !ok {
			continue
		}
		data, err := r.Read(p)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read lease %s: %w", p, err)
		}
		leases = append(leases, decode(data, kind, resource, p))
	}
	return leases, nil
}

// Stage writes a fresh lease for holder into cs and returns it.
func (m *Manager) Stage(cs *store.Changeset, kind Kind, resource, holder string) (Lease, error) {
	if err := layout.ValidateID(resource); err != nil {
		return Lease{}, err
	}
	l := Lease{
		Resource: resource,
		Holder:   holder,
		Created:  m.now().UTC().Truncate(time.Second),
		Kind:     kind,
		Path:     m.Path(kind, resource),
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return Lease{}, fmt.Errorf("encode lease: %w", err)
	}
	cs.Put(l.Path, append(data, '\n'))
	return l, nil
}

// StageRelease removes the lease on resource in cs.
func (m *Manager) StageRelease(cs *store.Changeset, kind Kind, resource string) {
	cs.Delete(m.Path(kind, resource))
}

// Acquire stages a lease for holder unless a live lease of another holder
// exists. An existing lease of holder itself is refreshed.
func (m *Manager) Acquire(ctx context.Context, r store.Reader, d *Detector, cs *store.Changeset, kind Kind, resource, holder string) (Lease, error) {
	cur, err := m.Get(r, kind, resource)
	if err != nil {
		return Lease{}, err
	}
	if cur != nil && cur.Holder != holder && d.IsLive(ctx, *cur) {
		return *cur, fmt.Errorf("%w: %s %s held by %s", ErrAlreadyLocked, kind, resource, cur.Holder)
	}
	return m.Stage(cs, kind, resource, holder)
}

func decode(data []byte, kind Kind, resource, p string) Lease {
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		l = Lease{Malformed: true}
	}
	l.Resource = resource
	l.Kind = kind
	l.Path = p
	return l
}
