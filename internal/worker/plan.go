package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/swarmd/internal/phase"
	"github.com/fyrsmithlabs/swarmd/internal/registry"
)

// ErrUnsupportedPlan is returned for plan files that are not TOML, YAML or JSON.
var ErrUnsupportedPlan = errors.New("unsupported plan file format")

// maxPlanFileSize limits plan files read from disk.
const maxPlanFileSize = 1024 * 1024

// planTask is the on-disk and on-the-wire shape of a planned task.
type planTask struct {
	ID          string   `json:"id" yaml:"id" toml:"id"`
	Description string   `json:"description" yaml:"description" toml:"description"`
	Steps       []string `json:"steps" yaml:"steps" toml:"steps"`
}

type planDoc struct {
	Tasks []planTask `json:"tasks" yaml:"tasks" toml:"tasks"`
}

func (d planDoc) registryTasks() []registry.Task {
	tasks := make([]registry.Task, 0, len(d.Tasks))
	for _, t := range d.Tasks {
		tasks = append(tasks, registry.Task{
			ID:          strings.TrimSpace(t.ID),
			Description: t.Description,
			Steps:       t.Steps,
			Status:      registry.Pending,
		})
	}
	return tasks
}

// FilePlanner seeds the backlog from a TOML, YAML or JSON file with a
// top-level tasks list.
type FilePlanner struct {
	Path string
}

var _ phase.Planner = (*FilePlanner)(nil)

// Plan implements phase.Planner.
func (p *FilePlanner) Plan(ctx context.Context) ([]registry.Task, error) {
	info, err := os.Stat(p.Path)
	if err != nil {
		return nil, fmt.Errorf("plan file: %w", err)
	}
	if info.Size() > maxPlanFileSize {
		return nil, fmt.Errorf("plan file %s exceeds %d bytes", p.Path, maxPlanFileSize)
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	var doc planDoc
	switch ext := strings.ToLower(filepath.Ext(p.Path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", p.Path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", p.Path, err)
		}
	case ".json":
		if doc, err = decodePlanJSON(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", p.Path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlan, ext)
	}
	return doc.registryTasks(), nil
}

// decodePlanJSON accepts either {"tasks": [...]} or a bare array.
func decodePlanJSON(data []byte) (planDoc, error) {
	var doc planDoc
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		err := json.Unmarshal([]byte(trimmed), &doc.Tasks)
		return doc, err
	}
	err := json.Unmarshal([]byte(trimmed), &doc)
	return doc, err
}

// CommandPlanner asks the worker CLI to break the project brief into tasks.
type CommandPlanner struct {
	cmd *Command
	// Brief is the project description handed to the planner. When empty
	// the planner is told to read the repository's own documents.
	Brief string
}

var _ phase.Planner = (*CommandPlanner)(nil)

// NewCommandPlanner returns a planner that shares cmd's options.
func NewCommandPlanner(cmd *Command, brief string) *CommandPlanner {
	return &CommandPlanner{cmd: cmd, Brief: brief}
}

// Plan implements phase.Planner.
func (p *CommandPlanner) Plan(ctx context.Context) ([]registry.Task, error) {
	out, err := p.cmd.invoke(ctx, buildPlanPrompt(p.Brief))
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	data, err := extractJSON([]byte(out))
	if err != nil {
		return nil, fmt.Errorf("planner output: %w", err)
	}
	doc, err := decodePlanJSON(data)
	if err != nil {
		return nil, fmt.Errorf("planner output: %w", err)
	}
	return doc.registryTasks(), nil
}

func buildPlanPrompt(brief string) string {
	var sb strings.Builder
	sb.WriteString("You are the planner for a team of autonomous coding agents.\n\n")
	if brief != "" {
		sb.WriteString("## Project Brief\n")
		sb.WriteString(brief)
		sb.WriteString("\n\n")
	} else {
		sb.WriteString("Read the design documents in this repository to learn what must be built.\n\n")
	}
	sb.WriteString(`## Output
Return a JSON object with this exact structure:
{
  "tasks": [
    {
      "id": "short-kebab-case-id",
      "description": "What needs to be done and why.",
      "steps": ["Concrete step", "Another step"]
    }
  ]
}

## Guidelines
- Tasks must be independent enough for agents to work on them in parallel.
- Ids may only contain letters, digits, dot, dash and underscore.
- Prefix integration or final review tasks with "final-"; they run last.

Return ONLY the JSON, no markdown formatting or explanation.`)
	return sb.String()
}
