package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/swarmd/internal/registry"
)

func reg(t *testing.T, tasks ...registry.Task) *registry.Registry {
	t.Helper()
	r, err := registry.New(tasks...)
	require.NoError(t, err)
	return r
}

func task(id string, s registry.Status) registry.Task {
	return registry.Task{ID: id, Status: s}
}

func TestSelector_Next(t *testing.T) {
	sel := New("")

	tests := []struct {
		name    string
		tasks   []registry.Task
		want    string
		blocked bool
	}{
		{
			name:  "earliest pending ordinary task",
			tasks: []registry.Task{task("a", registry.Done), task("b", registry.Pending), task("c", registry.Pending)},
			want:  "b",
		},
		{
			name:  "ordinary work before terminal phase even when listed later",
			tasks: []registry.Task{task("final-1", registry.Pending), task("a", registry.Pending)},
			want:  "a",
		},
		{
			name:    "terminal phase withheld while ordinary task in progress",
			tasks:   []registry.Task{task("a", registry.InProgress), task("final-1", registry.Pending)},
			want:    "",
			blocked: true,
		},
		{
			name:  "terminal phase released once ordinary work is terminal",
			tasks: []registry.Task{task("a", registry.Done), task("b", registry.Failed), task("final-2", registry.Pending), task("final-1", registry.Pending)},
			want:  "final-2",
		},
		{
			name:  "in progress terminal task does not block other terminal tasks",
			tasks: []registry.Task{task("final-1", registry.InProgress), task("final-2", registry.Pending)},
			want:  "final-2",
		},
		{
			name:  "nothing pending",
			tasks: []registry.Task{task("a", registry.Done), task("b", registry.InProgress)},
			want:  "",
		},
		{
			name: "empty registry",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := reg(t, tt.tasks...)
			got, ok := sel.Next(r)
			assert.Equal(t, tt.want != "", ok)
			assert.Equal(t, tt.want, got.ID)
			assert.Equal(t, tt.blocked, sel.Blocked(r))
		})
	}
}

func TestSelector_CustomPrefix(t *testing.T) {
	sel := New("zz-")
	assert.True(t, sel.IsTerminalPhase("zz-ship"))
	assert.False(t, sel.IsTerminalPhase("final-1"))

	r := reg(t, task("zz-ship", registry.Pending), task("a", registry.InProgress))
	_, ok := sel.Next(r)
	assert.False(t, ok)

	_, ok = sel.Next(nil)
	assert.False(t, ok)
}

func TestSelector_Withheld(t *testing.T) {
	sel := New("")

	r := reg(t, task("a", registry.InProgress), task("b", registry.Failed), task("final-1", registry.Pending))
	assert.True(t, sel.Withheld(r, "final-1"))
	assert.False(t, sel.Withheld(r, "b"), "ordinary tasks are never withheld")

	r = reg(t, task("a", registry.Done), task("b", registry.Failed), task("final-1", registry.Pending))
	assert.False(t, sel.Withheld(r, "final-1"))

	assert.False(t, sel.Withheld(nil, "final-1"))
}
