// Package phase serializes the singleton pipeline phases. Planning creates
// the registry once; validation inspects finished work for a bounded number
// of rounds. Each phase runs under its own lease, and its result is
// published together with the lease removal in a single append.
package phase

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/swarmd/internal/layout"
	"github.com/fyrsmithlabs/swarmd/internal/registry"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

// Phase names double as lease resource ids.
const (
	Planning   = "planning"
	Validation = "validation"
)

// DefaultMaxRounds bounds validation.
const DefaultMaxRounds = 2

// State is the pipeline position visible at a store head.
type State struct {
	RegistryExists bool
	Validated      bool
	Summary        string
	Round          int
}

// ReadState reads the phase markers.
func ReadState(r store.Reader, l layout.Layout) (State, error) {
	var st State
	var err error
	if st.RegistryExists, err = registry.Exists(r, l); err != nil {
		return st, err
	}

	data, err := r.Read(l.Validated())
	switch {
	case err == nil:
		st.Validated = true
		st.Summary = strings.TrimSpace(string(data))
	case !errors.Is(err, store.ErrNotFound):
		return st, fmt.Errorf("read pass signal: %w", err)
	}

	data, err = r.Read(l.ValidationRound())
	switch {
	case err == nil:
		st.Round, err = strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || st.Round < 0 {
			return st, fmt.Errorf("malformed validation round %q", strings.TrimSpace(string(data)))
		}
	case !errors.Is(err, store.ErrNotFound):
		return st, fmt.Errorf("read validation round: %w", err)
	}
	return st, nil
}

// Exhausted reports whether validation ended without a pass signal.
func (s State) Exhausted(maxRounds int) bool {
	return !s.Validated && s.Round >= maxRounds
}

// Finished reports whether the pipeline reached a terminal outcome.
func (s State) Finished(maxRounds int) bool {
	return s.Validated || s.Round >= maxRounds
}

func stageRound(cs *store.Changeset, l layout.Layout, round int) {
	cs.Put(l.ValidationRound(), []byte(strconv.Itoa(round)+"\n"))
}

func stagePass(cs *store.Changeset, l layout.Layout, summary string) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		summary = "validated"
	}
	cs.Put(l.Validated(), []byte(summary+"\n"))
}
