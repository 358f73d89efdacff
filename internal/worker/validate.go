package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/swarmd/internal/phase"
	"github.com/fyrsmithlabs/swarmd/internal/registry"
)

// CommandValidator asks the worker CLI to review finished work.
type CommandValidator struct {
	cmd *Command
}

var _ phase.Validator = (*CommandValidator)(nil)

// NewCommandValidator returns a validator that shares cmd's options.
func NewCommandValidator(cmd *Command) *CommandValidator {
	return &CommandValidator{cmd: cmd}
}

type verdictDoc struct {
	Passed      bool       `json:"passed"`
	Summary     string     `json:"summary"`
	Remediation []planTask `json:"remediation"`
}

// Validate implements phase.Validator.
func (v *CommandValidator) Validate(ctx context.Context, reg *registry.Registry, round int) (phase.Verdict, error) {
	out, err := v.cmd.invoke(ctx, buildValidationPrompt(reg, round))
	if err != nil {
		return phase.Verdict{}, fmt.Errorf("validator: %w", err)
	}
	data, err := extractJSON([]byte(out))
	if err != nil {
		return phase.Verdict{}, fmt.Errorf("validator output: %w", err)
	}
	var doc verdictDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return phase.Verdict{}, fmt.Errorf("validator output: %w", err)
	}
	return phase.Verdict{
		Passed:      doc.Passed,
		Summary:     doc.Summary,
		Remediation: planDoc{Tasks: doc.Remediation}.registryTasks(),
	}, nil
}

func buildValidationPrompt(reg *registry.Registry, round int) string {
	var sb strings.Builder
	sb.WriteString("You are validating the combined work of a team of autonomous coding agents.\n\n")
	fmt.Fprintf(&sb, "## Round\nThis is validation round %d.\n\n", round+1)
	sb.WriteString("## Tasks\n")
	for _, t := range reg.Tasks() {
		fmt.Fprintf(&sb, "- %s [%s]: %s\n", t.ID, t.Status, t.Description)
	}
	sb.WriteString(`
## Instructions
Check the repository against the tasks above: build it, run its tests, and
look for gaps. Do not modify files.

## Output
Return a JSON object with this exact structure:
{
  "passed": true,
  "summary": "One paragraph describing what you verified.",
  "remediation": [
    {"id": "fix-short-id", "description": "What is missing.", "steps": ["Step"]}
  ]
}
Remediation ids must not reuse the ids listed above.

Return ONLY the JSON, no markdown formatting or explanation.`)
	return sb.String()
}
