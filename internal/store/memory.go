package store

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"slices"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/swarmd/internal/layout"
)

// MemoryRemote is an in-process stand-in for the shared remote. Every client
// it hands out behaves like an independent clone.
type MemoryRemote struct {
	mu      sync.Mutex
	version int
	files   map[string][]byte
	log     []string
	reject  int
	subs    []chan struct{}
}

// NewMemoryRemote returns an empty remote at version 0.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{files: make(map[string][]byte)}
}

// Client returns a new clone bound to this remote. The clone starts at version 0
// and must Sync before it sees existing content.
func (r *MemoryRemote) Client(l layout.Layout) *MemoryStore {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return &MemoryStore{
		remote:    r,
		layout:    l,
		baseFiles: make(map[string][]byte),
		work:      NewChangeset(""),
		changes:   ch,
	}
}

// Commit applies cs directly to the remote, as an out-of-band writer would.
func (r *MemoryRemote) Commit(cs *Changeset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyLocked([]*Changeset{cs})
}

// RejectNext forces the next n appends to be rejected.
func (r *MemoryRemote) RejectNext(n int) {
	r.mu.Lock()
	r.reject += n
	r.mu.Unlock()
}

// File returns the remote content at p.
func (r *MemoryRemote) File(p string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[p]
	return append([]byte(nil), data...), ok
}

// Version returns the number of publishes so far.
func (r *MemoryRemote) Version() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Log returns published commit messages, oldest first.
func (r *MemoryRemote) Log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *MemoryRemote) applyLocked(commits []*Changeset) {
	for _, cs := range commits {
		applyTo(r.files, cs)
		r.log = append(r.log, cs.Message)
	}
	r.version++
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// MemoryStore is one clone of a MemoryRemote.
type MemoryStore struct {
	remote *MemoryRemote
	layout layout.Layout

	mu        sync.Mutex
	base      int
	baseFiles map[string][]byte
	local     []*Changeset
	work      *Changeset
	changes   chan struct{}
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ Notifier = (*MemoryStore)(nil)
)

// WriteFile stages an uncommitted worker write.
func (m *MemoryStore) WriteFile(p string, data []byte) {
	m.mu.Lock()
	m.work.Put(p, data)
	m.mu.Unlock()
}

// RemoveFile stages an uncommitted worker deletion.
func (m *MemoryStore) RemoveFile(p string) {
	m.mu.Lock()
	m.work.Delete(p)
	m.mu.Unlock()
}

func (m *MemoryStore) view() map[string][]byte {
	files := copyFiles(m.baseFiles)
	for _, cs := range m.local {
		applyTo(files, cs)
	}
	return files
}

func (m *MemoryStore) Read(p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.view()[path.Clean(p)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) List(dir string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir = path.Clean(dir)
	var out []string
	for p := range m.view() {
		if path.Dir(p) == dir {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Sync(ctx context.Context) (SyncResult, error) {
	if err := ctx.Err(); err != nil {
		return SyncResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remote.mu.Lock()
	version := m.remote.version
	remoteFiles := copyFiles(m.remote.files)
	m.remote.mu.Unlock()

	res := SyncResult{Head: fmt.Sprintf("v%d", version)}
	if version == m.base {
		return res, nil
	}
	res.Advanced = true
	before := m.view()

	if len(m.local) > 0 {
		if m.conflicts(remoteFiles) {
			res.Discarded = len(m.local)
			m.local = nil
		} else {
			res.Replayed = len(m.local)
		}
	}

	m.base = version
	m.baseFiles = remoteFiles
	res.Overwritten = m.dropOverwrittenWork(before)
	return res, nil
}

// dropOverwrittenWork removes uncommitted writes to paths whose committed
// content changed during the sync, and returns them.
func (m *MemoryStore) dropOverwrittenWork(before map[string][]byte) []string {
	after := m.view()
	var dropped []string
	for _, p := range m.work.Paths() {
		if m.layout.IsCoordination(p) {
			continue
		}
		oldData, oldOK := before[p]
		newData, newOK := after[p]
		if sameFile(oldData, oldOK, newData, newOK) {
			continue
		}
		dropped = append(dropped, p)
	}
	if len(dropped) == 0 {
		return nil
	}
	kept := NewChangeset(m.work.Message)
	for _, p := range m.work.Paths() {
		if slices.Contains(dropped, p) {
			continue
		}
		data, deleted, _ := m.work.Get(p)
		if deleted {
			kept.Delete(p)
		} else {
			kept.Put(p, data)
		}
	}
	m.work = kept
	return dropped
}

// conflicts reports whether a path changed both remotely and locally to different content.
func (m *MemoryStore) conflicts(remoteFiles map[string][]byte) bool {
	mine := m.view()
	for _, cs := range m.local {
		for _, p := range cs.Paths() {
			baseData, baseOK := m.baseFiles[p]
			remoteData, remoteOK := remoteFiles[p]
			if sameFile(baseData, baseOK, remoteData, remoteOK) {
				continue
			}
			localData, localOK := mine[p]
			if !sameFile(localData, localOK, remoteData, remoteOK) {
				return true
			}
		}
	}
	return false
}

func (m *MemoryStore) Append(ctx context.Context, cs *Changeset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remote.mu.Lock()
	defer m.remote.mu.Unlock()

	if m.remote.reject > 0 {
		m.remote.reject--
		return ErrRejected
	}
	if m.remote.version != m.base {
		return ErrRejected
	}

	m.remote.applyLocked(append(append([]*Changeset(nil), m.local...), cs))
	m.base = m.remote.version
	m.baseFiles = copyFiles(m.remote.files)
	m.local = nil
	return nil
}

func (m *MemoryStore) CommitPending(ctx context.Context, message string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := NewChangeset(message)
	for _, p := range m.work.Paths() {
		if m.layout.IsCoordination(p) {
			continue
		}
		data, deleted, _ := m.work.Get(p)
		if deleted {
			cs.Delete(p)
		} else {
			cs.Put(p, data)
		}
	}
	m.work = NewChangeset("")
	if cs.Empty() {
		return false, nil
	}
	m.local = append(m.local, cs)
	return true, nil
}

func (m *MemoryStore) Pending(ctx context.Context) ([]FileChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mine := m.view()
	touched := map[string]bool{}
	for _, cs := range m.local {
		for _, p := range cs.Paths() {
			touched[p] = true
		}
	}

	changes := make([]FileChange, 0, len(touched))
	for p := range touched {
		data, ok := mine[p]
		baseData, baseOK := m.baseFiles[p]
		if sameFile(data, ok, baseData, baseOK) {
			continue
		}
		changes = append(changes, FileChange{Path: p, Content: data, Deleted: !ok})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

func (m *MemoryStore) Discard(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = nil
	m.work = NewChangeset("")
	return nil
}

// Changes signals after any client publishes to the remote.
func (m *MemoryStore) Changes() <-chan struct{} {
	return m.changes
}

func applyTo(files map[string][]byte, cs *Changeset) {
	for _, p := range cs.Paths() {
		data, deleted, _ := cs.Get(p)
		if deleted {
			delete(files, p)
			continue
		}
		files[p] = append([]byte(nil), data...)
	}
}

func copyFiles(in map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sameFile(a []byte, aok bool, b []byte, bok bool) bool {
	return aok == bok && bytes.Equal(a, b)
}
