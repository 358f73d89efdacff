// Package worker invokes the opaque executor of tasks, and the planner and
// validator behind the phase gates. The default implementations drive an AI
// coding CLI as a subprocess; every call blocks until the process exits.
package worker

import (
	"context"
	"os/exec"
	"time"

	"github.com/fyrsmithlabs/swarmd/internal/registry"
)

// CommandContext creates subprocesses. Tests replace it.
var CommandContext = exec.CommandContext

// DefaultCommand is the worker CLI used when none is configured.
const DefaultCommand = "claude"

// maxOutput caps captured subprocess output.
const maxOutput = 64 * 1024

// Worker executes one task. Result.Success reports the task outcome; an
// error means the worker could not run at all. Both count as an attempt.
type Worker interface {
	Run(ctx context.Context, task registry.Task) (Result, error)
}

// Result is what a worker reports about one attempt.
type Result struct {
	Success  bool
	Output   string
	Duration time.Duration
}

// Func adapts a function to Worker.
type Func func(ctx context.Context, task registry.Task) (Result, error)

// Run implements Worker.
func (f Func) Run(ctx context.Context, task registry.Task) (Result, error) { return f(ctx, task) }

// Setup prepares the project once per agent lifetime.
type Setup interface {
	Setup(ctx context.Context) error
}

// SetupFunc adapts a function to Setup.
type SetupFunc func(ctx context.Context) error

// Setup implements Setup.
func (f SetupFunc) Setup(ctx context.Context) error { return f(ctx) }

// NoSetup is a Setup that does nothing.
var NoSetup = SetupFunc(func(context.Context) error { return nil })
