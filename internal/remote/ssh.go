package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
)

// SSHOptions configures the system ssh client used by SSHExecutor.
type SSHOptions struct {
	Binary         string
	IdentityFile   string
	ConnectTimeout int
	Options        []string
}

// SSHExecutor implements Executor by shelling out to the ssh command.
type SSHExecutor struct {
	opts   SSHOptions
	logger *slog.Logger
}

// NewSSHExecutor creates an executor that runs commands through ssh.
func NewSSHExecutor(opts SSHOptions, logger *slog.Logger) *SSHExecutor {
	if opts.Binary == "" {
		opts.Binary = "ssh"
	}
	return &SSHExecutor{opts: opts, logger: logger}
}

// Run executes command on host via ssh in batch mode.
func (e *SSHExecutor) Run(ctx context.Context, host Host, command string, env map[string]string) (string, error) {
	full := envPrefix(env) + command
	args := e.args(host, full)

	e.logger.Debug("executing remote command", "host", host.String(), "command", command)
	cmd := exec.CommandContext(ctx, e.opts.Binary, args...)
	return runCommand(cmd, host, command)
}

// args builds the ssh argument list; the remote command is always the last argument.
func (e *SSHExecutor) args(host Host, command string) []string {
	args := []string{"-o", "BatchMode=yes"}
	if e.opts.ConnectTimeout > 0 {
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", e.opts.ConnectTimeout))
	}
	if e.opts.IdentityFile != "" {
		args = append(args, "-i", e.opts.IdentityFile)
	}
	if host.Port > 0 {
		args = append(args, "-p", strconv.Itoa(host.Port))
	}
	for _, o := range e.opts.Options {
		args = append(args, "-o", o)
	}
	args = append(args, host.Destination(), command)
	return args
}
