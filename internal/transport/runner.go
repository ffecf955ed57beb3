package transport

import (
	"context"
	"errors"
	"os/exec"
)

// CommandResult is the outcome of a finished command
type CommandResult struct {
	ExitCode int
	Output   []byte
}

// CommandRunner runs an external copy command
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// ExecRunner runs commands with os/exec. A non-zero exit is a result, not an error.
type ExecRunner struct{}

// Run executes name with args and collects combined output
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return CommandResult{ExitCode: exitErr.ExitCode(), Output: output}, nil
	}
	if err != nil {
		return CommandResult{Output: output}, err
	}

	return CommandResult{Output: output}, nil
}

// tail keeps the end of command output for error details.
func tail(output []byte, max int) string {
	if len(output) <= max {
		return string(output)
	}
	return string(output[len(output)-max:])
}
