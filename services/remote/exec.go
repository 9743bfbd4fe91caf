package remote

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// ExecRunner runs commands on the orchestrator host itself. Management
// tooling like ipmitool addresses the target on its own command line, so
// local execution is the default transport; the target argument is only
// used for diagnostics.
type ExecRunner struct {
	// Shell runs the command line; defaults to ["/bin/sh", "-c"].
	Shell []string
}

// NewExecRunner builds a runner using the default shell.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (e *ExecRunner) shell() []string {
	if len(e.Shell) > 0 {
		return e.Shell
	}
	return []string{"/bin/sh", "-c"}
}

// Exec runs one command line and captures its output. A non-zero exit is
// not an error; transport failures (command not startable) are.
func (e *ExecRunner) Exec(ctx context.Context, target, command string) (Result, error) {
	shell := e.shell()
	args := append(append([]string(nil), shell[1:]...), command)
	cmd := exec.CommandContext(ctx, shell[0], args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return Result{}, err
	}
	return res, nil
}

// Upload is not meaningful for local execution.
func (e *ExecRunner) Upload(ctx context.Context, target, localPath, remotePath string) error {
	return ErrUploadUnsupported
}
