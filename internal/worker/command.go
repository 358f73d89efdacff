package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/logging"
	"github.com/fyrsmithlabs/swarmd/internal/registry"
)

// waitDelay bounds how long a killed worker's children may hold its output open.
const waitDelay = 2 * time.Second

// CommandOptions configures the CLI worker.
type CommandOptions struct {
	// Name is the executable, DefaultCommand when empty.
	Name  string
	Model string
	// Args are passed before the prompt.
	Args []string
	// Dir is the working tree the worker edits.
	Dir string
	// Timeout bounds one invocation; zero waits forever.
	Timeout time.Duration
	Logger  *logging.Logger
}

// Command runs tasks through an AI coding CLI in print mode. Exit status 0
// is success.
type Command struct {
	opts CommandOptions
}

// NewCommand returns a CLI worker.
func NewCommand(opts CommandOptions) *Command {
	if opts.Name == "" {
		opts.Name = DefaultCommand
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Command{opts: opts}
}

// Run implements Worker.
func (c *Command) Run(ctx context.Context, task registry.Task) (Result, error) {
	start := time.Now()
	out, err := c.invoke(ctx, buildTaskPrompt(task))
	res := Result{Output: out, Duration: time.Since(start)}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Success = true
	case errors.As(err, &exitErr):
		c.opts.Logger.Info(ctx, "worker exited with failure",
			zap.Int("exit_code", exitErr.ExitCode()),
			zap.Duration("duration", res.Duration))
	case errors.Is(err, context.DeadlineExceeded):
		c.opts.Logger.Warn(ctx, "worker timed out", zap.Duration("timeout", c.opts.Timeout))
	default:
		return res, err
	}
	return res, nil
}

// invoke runs the CLI with prompt and returns its combined output.
func (c *Command) invoke(ctx context.Context, prompt string) (string, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	args := append([]string(nil), c.opts.Args...)
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}
	args = append(args, "-p", prompt)

	cmd := CommandContext(ctx, c.opts.Name, args...)
	cmd.Dir = c.opts.Dir
	cmd.WaitDelay = waitDelay
	var buf limitedBuffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	if err != nil && ctx.Err() != nil {
		return buf.String(), ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return buf.String(), err
		}
		return buf.String(), fmt.Errorf("start %s: %w", c.opts.Name, err)
	}
	return buf.String(), nil
}

func buildTaskPrompt(task registry.Task) string {
	var sb strings.Builder
	sb.WriteString("You are one of several agents working on a shared repository.\n\n")
	sb.WriteString("## Your Task\n")
	fmt.Fprintf(&sb, "**ID**: %s\n", task.ID)
	fmt.Fprintf(&sb, "**Description**: %s\n", task.Description)
	if task.AttemptCount > 0 {
		fmt.Fprintf(&sb, "**Note**: %d earlier attempts failed. Investigate what went wrong before retrying.\n", task.AttemptCount)
	}
	if len(task.Steps) > 0 {
		sb.WriteString("\n## Steps\n")
		for i, step := range task.Steps {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
		}
	}
	sb.WriteString("\n## Instructions\n")
	sb.WriteString("- Work only on this task.\n")
	sb.WriteString("- Do not edit coordination files under the state directory.\n")
	sb.WriteString("- Exit with a non-zero status if the task cannot be completed.\n")
	return sb.String()
}

// limitedBuffer keeps the last maxOutput bytes written.
type limitedBuffer struct {
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - maxOutput; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *limitedBuffer) String() string {
	return strings.TrimSpace(b.buf.String())
}
