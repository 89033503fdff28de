package hooks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/schaermu/fastdeploy/internal/layout"
	"github.com/schaermu/fastdeploy/internal/remote"
)

// Signal is an out-of-band notification sent to a host during a deployment.
type Signal string

const (
	SignalRestart    Signal = "restart"
	SignalWebEnable  Signal = "web-enable"
	SignalWebDisable Signal = "web-disable"
)

// Notifier delivers restart and maintenance-page signals to a host.
type Notifier interface {
	Notify(ctx context.Context, host remote.Host, signal Signal) error
}

// Migrator runs pending data migrations on a host.
type Migrator interface {
	Migrate(ctx context.Context, host remote.Host) error
}

// Commands are the shell commands bound to each hook. An empty command is a no-op.
type Commands struct {
	Restart    string
	WebEnable  string
	WebDisable string
	Migrate    string
}

// ShellHooks implements Notifier and Migrator by running the configured
// commands inside the live checkout.
type ShellHooks struct {
	exec     remote.Executor
	layout   layout.Layout
	commands Commands
	logger   *slog.Logger
}

// NewShellHooks creates hooks that run through exec.
func NewShellHooks(exec remote.Executor, l layout.Layout, commands Commands, logger *slog.Logger) *ShellHooks {
	return &ShellHooks{
		exec:     exec,
		layout:   l,
		commands: commands,
		logger:   logger,
	}
}

// Notify runs the command bound to signal.
func (h *ShellHooks) Notify(ctx context.Context, host remote.Host, signal Signal) error {
	var command string
	switch signal {
	case SignalRestart:
		command = h.commands.Restart
	case SignalWebEnable:
		command = h.commands.WebEnable
	case SignalWebDisable:
		command = h.commands.WebDisable
	default:
		return fmt.Errorf("unknown signal %q", signal)
	}
	return h.run(ctx, host, string(signal), command)
}

// Migrate runs the migration command.
func (h *ShellHooks) Migrate(ctx context.Context, host remote.Host) error {
	return h.run(ctx, host, "migrate", h.commands.Migrate)
}

func (h *ShellHooks) run(ctx context.Context, host remote.Host, name, command string) error {
	if command == "" {
		h.logger.Debug("no command configured for hook, skipping", "host", host.String(), "hook", name)
		return nil
	}

	h.logger.Info("running hook", "host", host.String(), "hook", name)
	full := "cd " + remote.ShellQuote(h.layout.LivePath()) + " && " + command
	if _, err := h.exec.Run(ctx, host, full, nil); err != nil {
		return fmt.Errorf("%s hook failed: %w", name, err)
	}
	return nil
}
