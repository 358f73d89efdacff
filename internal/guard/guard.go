// Package guard scans unpublished worker output for secrets before it is
// pushed to the shared repository.
package guard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"

	"github.com/fyrsmithlabs/swarmd/internal/store"
)

// ErrSecretsFound means worker output contained secrets and must not be published.
var ErrSecretsFound = errors.New("secrets found in worker output")

// Finding locates a detected secret. The secret itself is never kept.
type Finding struct {
	Path        string
	RuleID      string
	Description string
	Line        int
}

func (f Finding) String() string {
	return fmt.Sprintf("%s:%d %s", f.Path, f.Line, f.RuleID)
}

// Guard runs the gitleaks default rule set over file changes.
type Guard struct {
	detector *detect.Detector
	paths    []*regexp.Regexp
}

// New builds a Guard. allowlist may be nil.
func New(allowlist *Allowlist) (*Guard, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("init secret detector: %w", err)
	}
	g := &Guard{detector: detector}
	if allowlist != nil {
		if err := g.apply(&detector.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Guard) apply(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	global := &gitleaksConfig.Allowlist{Description: "swarmd allowlist"}
	for _, pattern := range allowlist.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		g.paths = append(g.paths, re)
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}

// Scan returns the secrets in changes. Deletions, binary files and
// allowlisted paths are skipped.
func (g *Guard) Scan(changes []store.FileChange) []Finding {
	var findings []Finding
	for _, c := range changes {
		if c.Deleted || bytes.IndexByte(c.Content, 0) >= 0 || g.pathAllowed(c.Path) {
			continue
		}
		for _, f := range g.detector.DetectString(string(c.Content)) {
			findings = append(findings, Finding{
				Path:        c.Path,
				RuleID:      f.RuleID,
				Description: f.Description,
				Line:        f.StartLine,
			})
		}
	}
	return findings
}

// Check scans the store's unpublished changes and fails with ErrSecretsFound
// when any secret is present.
func (g *Guard) Check(ctx context.Context, s store.Store) ([]Finding, error) {
	changes, err := s.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending changes: %w", err)
	}
	findings := g.Scan(changes)
	if len(findings) > 0 {
		return findings, fmt.Errorf("%w: %d findings, first at %s", ErrSecretsFound, len(findings), findings[0])
	}
	return nil, nil
}

func (g *Guard) pathAllowed(p string) bool {
	for _, re := range g.paths {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}
