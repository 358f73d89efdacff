package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/swarmd/internal/lease"
	"github.com/fyrsmithlabs/swarmd/internal/phase"
	"github.com/fyrsmithlabs/swarmd/internal/registry"
)

var (
	accentColor  = lipgloss.Color("#5FAFAF")
	subtleColor  = lipgloss.Color("#666666")
	successColor = lipgloss.Color("#87AF87")
	errorColor   = lipgloss.Color("#AF5F5F")
	warnColor    = lipgloss.Color("#D7AF5F")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	subtleStyle = lipgloss.NewStyle().Foreground(subtleColor)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	statusColors = map[string]lipgloss.Color{
		string(registry.Done):       successColor,
		string(registry.Failed):     errorColor,
		string(registry.InProgress): warnColor,
		lease.Live.String():         successColor,
		lease.Stale.String():        warnColor,
		lease.Dead.String():         errorColor,
	}
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tasks, leases and phase state",
	Long: `Sync the shared repository and print the task registry, the current task
and phase leases with their liveness verdicts, and the validation state.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// leaseRow is one lease as shown by status.
type leaseRow struct {
	Kind     lease.Kind
	Resource string
	Holder   string
	Age      time.Duration
	Verdict  string
}

// statusView is everything status renders.
type statusView struct {
	State     phase.State
	MaxRounds int
	// Registry is nil before planning.
	Registry *registry.Registry
	Leases   []leaseRow
}

func runStatus(cmd *cobra.Command, _ []string) (err error) {
	ctx := cmd.Context()
	d, err := initDeps(ctx, depsOptions{freshHolder: true})
	if err != nil {
		return err
	}
	defer closeDeps(d, &err)

	if _, err := d.store.Sync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	view := statusView{MaxRounds: d.cfg.Validation.MaxRounds}
	if view.State, err = phase.ReadState(d.store, d.layout); err != nil {
		return err
	}
	view.Registry, err = registry.Load(d.store, d.layout)
	if err != nil && !errors.Is(err, registry.ErrNoRegistry) {
		return err
	}

	mgr := lease.NewManager(d.layout)
	now := time.Now()
	for _, kind := range []lease.Kind{lease.KindPhase, lease.KindTask} {
		leases, err := mgr.List(d.store, kind)
		if err != nil {
			return err
		}
		for _, l := range leases {
			view.Leases = append(view.Leases, leaseRow{
				Kind:     l.Kind,
				Resource: l.Resource,
				Holder:   l.Holder,
				Age:      l.Age(now),
				Verdict:  d.detector.Check(ctx, l).String(),
			})
		}
	}

	fmt.Fprint(cmd.OutOrStdout(), renderStatus(view))
	return nil
}

func renderStatus(v statusView) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("swarm status"))
	b.WriteString("\n")
	b.WriteString(phaseLine(v))
	b.WriteString("\n\n")

	if v.Registry == nil {
		b.WriteString(subtleStyle.Render("no task registry yet, planning has not run"))
		b.WriteString("\n")
	} else {
		b.WriteString(renderTasks(v.Registry))
		b.WriteString("\n")
		b.WriteString(countsLine(v.Registry))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if len(v.Leases) == 0 {
		b.WriteString(subtleStyle.Render("no leases held"))
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString(renderLeases(v.Leases))
	b.WriteString("\n")
	return b.String()
}

func phaseLine(v statusView) string {
	planned := "no"
	if v.State.RegistryExists {
		planned = "yes"
	}
	validation := fmt.Sprintf("round %d/%d", v.State.Round, v.MaxRounds)
	switch {
	case v.State.Validated:
		validation = "passed"
		if v.State.Summary != "" {
			validation += " (" + firstLine(v.State.Summary) + ")"
		}
	case v.State.Exhausted(v.MaxRounds):
		validation = fmt.Sprintf("exhausted after %d rounds", v.State.Round)
	}
	return fmt.Sprintf("planned: %s   validation: %s", planned, validation)
}

func renderTasks(reg *registry.Registry) string {
	tasks := reg.Tasks()
	t := newTable("TASK", "STATUS", "ATTEMPTS", "DESCRIPTION")
	statusCol := make([]string, len(tasks))
	for i, task := range tasks {
		statusCol[i] = string(task.Status)
		t.Row(task.ID, string(task.Status), strconv.Itoa(task.AttemptCount), truncate(firstLine(task.Description), 60))
	}
	t.StyleFunc(columnStyle(1, statusCol))
	return t.String()
}

func renderLeases(rows []leaseRow) string {
	t := newTable("KIND", "RESOURCE", "HOLDER", "AGE", "VERDICT")
	verdicts := make([]string, len(rows))
	for i, r := range rows {
		verdicts[i] = r.Verdict
		t.Row(string(r.Kind), r.Resource, r.Holder, r.Age.Truncate(time.Second).String(), r.Verdict)
	}
	t.StyleFunc(columnStyle(4, verdicts))
	return t.String()
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(subtleStyle).
		Headers(headers...)
}

// columnStyle colors column col by the value at each row.
func columnStyle(col int, values []string) table.StyleFunc {
	return func(row, c int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerStyle
		}
		if c == col && row >= 0 && row < len(values) {
			if color, ok := statusColors[values[row]]; ok {
				return cellStyle.Foreground(color)
			}
		}
		return cellStyle
	}
}

func countsLine(reg *registry.Registry) string {
	counts := reg.Counts()
	return fmt.Sprintf("%d tasks: %d pending, %d in progress, %d done, %d failed",
		reg.Len(), counts[registry.Pending], counts[registry.InProgress], counts[registry.Done], counts[registry.Failed])
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
