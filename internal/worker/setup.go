package worker

import (
	"context"
	"fmt"
)

// ShellSetup runs a shell command once before an agent executes tasks,
// typically to install dependencies.
type ShellSetup struct {
	Command string
	Dir     string
}

// Setup implements Setup. An empty command does nothing.
func (s *ShellSetup) Setup(ctx context.Context) error {
	if s.Command == "" {
		return nil
	}
	cmd := CommandContext(ctx, "sh", "-c", s.Command)
	cmd.Dir = s.Dir
	var buf limitedBuffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("setup %q: %w (output: %s)", s.Command, err, buf.String())
	}
	return nil
}
