package remote

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// Transport names how commands reach a host.
type Transport string

const (
	TransportSSH   Transport = "ssh"
	TransportLocal Transport = "local"
)

// Host is a single deployment target.
type Host struct {
	Name      string
	Address   string
	User      string
	Port      int
	Transport Transport
}

// Destination returns the ssh destination for the host ("user@address" or "address").
func (h Host) Destination() string {
	if h.User == "" {
		return h.Address
	}
	return h.User + "@" + h.Address
}

func (h Host) String() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Address
}

// Executor runs a shell command on a host and returns its stdout.
// A non-zero exit status is reported as a *CommandError.
type Executor interface {
	Run(ctx context.Context, host Host, command string, env map[string]string) (string, error)
}

// CommandError reports a remote command that could not be run or exited non-zero.
type CommandError struct {
	Host     string
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Stderr)
	if out == "" {
		out = strings.TrimSpace(e.Stdout)
	}
	msg := fmt.Sprintf("command on %s failed (exit %d): %s", e.Host, e.ExitCode, e.Command)
	if out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Output returns the combined captured output of the failed command.
func (e *CommandError) Output() string {
	return strings.TrimSpace(e.Stdout + e.Stderr)
}

// ShellQuote wraps s in single quotes, escaping any embedded single quotes.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// envPrefix renders env as "export K='v'; " statements in a stable order.
func envPrefix(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, ShellQuote(env[k]))
	}
	return b.String()
}

// runCommand executes cmd and converts failures into a *CommandError.
func runCommand(cmd *exec.Cmd, host Host, command string) (string, error) {
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), &CommandError{
		Host:     host.String(),
		Command:  command,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Err:      err,
	}
}
