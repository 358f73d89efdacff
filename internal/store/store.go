package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRejected means the remote advanced since the last sync. It is not a
	// failure: sync, re-derive the intent, and append again.
	ErrRejected = errors.New("append rejected: remote advanced")

	// ErrAppendExhausted means every attempt of an optimistic update was rejected.
	ErrAppendExhausted = errors.New("append attempts exhausted")

	// ErrNotFound indicates the path does not exist at the local head.
	ErrNotFound = errors.New("path not found")
)

// Reader reads the local head. Reads never touch the network.
type Reader interface {
	Read(path string) ([]byte, error)
	// List returns the file paths directly inside dir, sorted. A missing dir is empty.
	List(dir string) ([]string, error)
}

// Store is the shared, append-only state medium. Implementations serialize
// appends through a single remote; Append succeeds only if the local view was
// current (compare-and-swap on the remote head).
type Store interface {
	Reader

	// Sync brings the local head up to the remote head, replaying unpublished
	// non-coordination commits on top. Conflicting local commits are discarded.
	// Uncommitted worker files survive unless the remote changed the same
	// path; those are listed in SyncResult.Overwritten.
	Sync(ctx context.Context) (SyncResult, error)

	// Append commits cs together with any unpublished local commits and
	// publishes them atomically. Returns ErrRejected if the remote advanced;
	// the rejected changeset is dropped locally, earlier local commits are kept.
	Append(ctx context.Context, cs *Changeset) error

	// CommitPending records uncommitted worker output (outside the state
	// directory) as a local, unpublished commit. Reports whether anything was committed.
	CommitPending(ctx context.Context, message string) (bool, error)

	// Pending lists unpublished local file changes.
	Pending(ctx context.Context) ([]FileChange, error)

	// Discard drops unpublished local commits, restoring the last known remote head.
	Discard(ctx context.Context) error
}

// Notifier is implemented by stores that can signal remote updates.
type Notifier interface {
	Changes() <-chan struct{}
}

// SyncResult describes what Sync did.
type SyncResult struct {
	Head      string
	Advanced  bool
	Replayed  int
	Discarded int
	// Overwritten lists uncommitted worker files dropped because the remote
	// changed the same path.
	Overwritten []string
}

// LostOutput reports whether the sync dropped any unpublished worker output,
// committed or not.
func (r SyncResult) LostOutput() bool {
	return r.Discarded > 0 || len(r.Overwritten) > 0
}

// FileChange is one unpublished path.
type FileChange struct {
	Path    string
	Content []byte
	Deleted bool
}

// UpdateFunc derives the changeset for one attempt from freshly read state.
// last is the result of the sync preceding the attempt (zero for attempt 0).
// Returning a nil or empty changeset ends the update without appending.
type UpdateFunc func(attempt int, last SyncResult) (*Changeset, error)

// Update is the optimistic read-modify-append loop. Each rejected attempt is
// followed by a sync and a fresh derivation, up to attempts tries.
func Update(ctx context.Context, s Store, attempts int, fn UpdateFunc) error {
	if attempts < 1 {
		attempts = 1
	}
	var last SyncResult
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			res, err := s.Sync(ctx)
			if err != nil {
				return fmt.Errorf("sync before attempt %d: %w", attempt+1, err)
			}
			last = res
		}

		cs, err := fn(attempt, last)
		if err != nil {
			return err
		}
		if cs.Empty() {
			return nil
		}

		err = s.Append(ctx, cs)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRejected) {
			return err
		}
	}
	return fmt.Errorf("%w: %d attempts", ErrAppendExhausted, attempts)
}
