package remote

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
)

// LocalExecutor implements Executor by running commands with sh on this machine.
// It serves hosts configured with the local transport.
type LocalExecutor struct {
	logger *slog.Logger
}

// NewLocalExecutor creates an executor for the local machine.
func NewLocalExecutor(logger *slog.Logger) *LocalExecutor {
	return &LocalExecutor{logger: logger}
}

// Run executes command with "sh -c".
func (e *LocalExecutor) Run(ctx context.Context, host Host, command string, env map[string]string) (string, error) {
	e.logger.Debug("executing local command", "host", host.String(), "command", command)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return runCommand(cmd, host, command)
}

// Mux dispatches to an executor based on the host's transport.
type Mux struct {
	SSH   Executor
	Local Executor
}

// Run implements Executor.
func (m *Mux) Run(ctx context.Context, host Host, command string, env map[string]string) (string, error) {
	if host.Transport == TransportLocal {
		return m.Local.Run(ctx, host, command, env)
	}
	return m.SSH.Run(ctx, host, command, env)
}
