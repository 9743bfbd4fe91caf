// Package remote defines the command-execution boundary used by workflow
// steps. The concrete transport (SSH, serial console proxy, ephemeral
// commissioning environment) lives outside the core; steps only ever see
// this interface.
package remote

import "context"

// Result carries the outcome of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands and moves files on a remote host. Exec returns
// an error only for transport-level failures; a non-zero exit code is a
// successful execution with ExitCode set.
type Runner interface {
	Exec(ctx context.Context, target, command string) (Result, error)
	Upload(ctx context.Context, target, localPath, remotePath string) error
}

// RunnerFunc adapts a function to the Runner interface for tests and
// simple wiring. Upload is unsupported.
type RunnerFunc func(ctx context.Context, target, command string) (Result, error)

func (f RunnerFunc) Exec(ctx context.Context, target, command string) (Result, error) {
	return f(ctx, target, command)
}

func (f RunnerFunc) Upload(ctx context.Context, target, localPath, remotePath string) error {
	return ErrUploadUnsupported
}
