package store

import (
	"sort"
)

// Changeset is a set of whole-file writes and deletions published as one commit.
type Changeset struct {
	Message string
	ops     map[string]op
}

type op struct {
	data   []byte
	delete bool
}

// NewChangeset returns an empty changeset with a commit message.
func NewChangeset(message string) *Changeset {
	return &Changeset{Message: message, ops: make(map[string]op)}
}

// Put writes data at path, replacing any earlier operation on path.
func (c *Changeset) Put(path string, data []byte) *Changeset {
	c.init()
	c.ops[path] = op{data: append([]byte(nil), data...)}
	return c
}

// Delete removes path, replacing any earlier operation on path.
func (c *Changeset) Delete(path string) *Changeset {
	c.init()
	c.ops[path] = op{delete: true}
	return c
}

// Merge copies other's operations into c; other wins on overlapping paths.
func (c *Changeset) Merge(other *Changeset) *Changeset {
	if other == nil {
		return c
	}
	c.init()
	for p, o := range other.ops {
		c.ops[p] = o
	}
	return c
}

// Empty reports whether c has no operations. A nil changeset is empty.
func (c *Changeset) Empty() bool {
	return c == nil || len(c.ops) == 0
}

// Paths returns the touched paths in sorted order.
func (c *Changeset) Paths() []string {
	if c == nil {
		return nil
	}
	paths := make([]string, 0, len(c.ops))
	for p := range c.ops {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Get returns the data written at path and whether path is deleted.
func (c *Changeset) Get(path string) (data []byte, deleted, ok bool) {
	if c == nil {
		return nil, false, false
	}
	o, ok := c.ops[path]
	return o.data, o.delete, ok
}

func (c *Changeset) init() {
	if c.ops == nil {
		c.ops = make(map[string]op)
	}
}
