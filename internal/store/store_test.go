package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/swarmd/internal/layout"
)

func TestUpdate_RetriesAfterRejection(t *testing.T) {
	ctx := context.Background()
	remote := NewMemoryRemote()
	s := remote.Client(layout.New(""))
	remote.RejectNext(2)

	var attempts []int
	err := Update(ctx, s, 5, func(attempt int, _ SyncResult) (*Changeset, error) {
		attempts = append(attempts, attempt)
		return NewChangeset("write").Put("f", []byte("v")), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, attempts)
}

func TestUpdate_Exhausted(t *testing.T) {
	remote := NewMemoryRemote()
	s := remote.Client(layout.New(""))
	remote.RejectNext(10)

	err := Update(context.Background(), s, 3, func(int, SyncResult) (*Changeset, error) {
		return NewChangeset("write").Put("f", nil), nil
	})
	assert.ErrorIs(t, err, ErrAppendExhausted)
}

func TestUpdate_EmptyChangesetStops(t *testing.T) {
	remote := NewMemoryRemote()
	s := remote.Client(layout.New(""))

	calls := 0
	err := Update(context.Background(), s, 3, func(int, SyncResult) (*Changeset, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, remote.Version())
}

func TestUpdate_PropagatesBuildError(t *testing.T) {
	boom := errors.New("boom")
	s := NewMemoryRemote().Client(layout.New(""))

	err := Update(context.Background(), s, 3, func(int, SyncResult) (*Changeset, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestUpdate_ReportsSyncResult(t *testing.T) {
	ctx := context.Background()
	remote := NewMemoryRemote()
	a := remote.Client(layout.New(""))
	b := remote.Client(layout.New(""))

	b.WriteFile("README.md", []byte("b"))
	_, err := b.CommitPending(ctx, "b work")
	require.NoError(t, err)

	a.WriteFile("README.md", []byte("a"))
	_, err = a.CommitPending(ctx, "a work")
	require.NoError(t, err)
	require.NoError(t, a.Append(ctx, NewChangeset("publish a")))

	var seen []SyncResult
	err = Update(ctx, b, 3, func(_ int, last SyncResult) (*Changeset, error) {
		seen = append(seen, last)
		return NewChangeset("release").Put(".swarm/tasks.json", []byte("[]")), nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[1].Discarded)
}

func TestUpdate_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Update(ctx, NewMemoryRemote().Client(layout.New("")), 3, func(int, SyncResult) (*Changeset, error) {
		t.Fatal("must not derive after cancellation")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
