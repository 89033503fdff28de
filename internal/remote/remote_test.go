package remote

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple path", input: "/srv/app/current", want: "'/srv/app/current'"},
		{name: "path with spaces", input: "/srv/my app", want: "'/srv/my app'"},
		{name: "path with single quote", input: "/srv/app's", want: "'/srv/app'\\''s'"},
		{name: "empty string", input: "", want: "''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShellQuote(tt.input)
			if got != tt.want {
				t.Errorf("ShellQuote(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEnvPrefix(t *testing.T) {
	if got := envPrefix(nil); got != "" {
		t.Errorf("envPrefix(nil) = %q, want empty", got)
	}

	got := envPrefix(map[string]string{"TZ": "UTC", "A": "it's"})
	want := "export A='it'\\''s'; export TZ='UTC'; "
	if got != want {
		t.Errorf("envPrefix() = %q, want %q", got, want)
	}
}

func TestSSHExecutorArgs(t *testing.T) {
	e := NewSSHExecutor(SSHOptions{
		IdentityFile:   "/home/deploy/.ssh/id_ed25519",
		ConnectTimeout: 10,
		Options:        []string{"StrictHostKeyChecking=accept-new"},
	}, testLogger())

	host := Host{Name: "web1", Address: "10.0.0.1", User: "deploy", Port: 2222}
	got := e.args(host, "uptime")
	want := []string{
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=10",
		"-i", "/home/deploy/.ssh/id_ed25519",
		"-p", "2222",
		"-o", "StrictHostKeyChecking=accept-new",
		"deploy@10.0.0.1",
		"uptime",
	}

	if len(got) != len(want) {
		t.Fatalf("args() length = %d, want %d\ngot:  %v\nwant: %v", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("args()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if e.opts.Binary != "ssh" {
		t.Errorf("expected default binary ssh, got %q", e.opts.Binary)
	}
}

func TestHostDestination(t *testing.T) {
	if got := (Host{Address: "example.com"}).Destination(); got != "example.com" {
		t.Errorf("Destination() = %q", got)
	}
	if got := (Host{Address: "example.com", User: "deploy"}).Destination(); got != "deploy@example.com" {
		t.Errorf("Destination() = %q", got)
	}
	if got := (Host{Address: "example.com"}).String(); got != "example.com" {
		t.Errorf("String() = %q", got)
	}
}

func TestLocalExecutor_Success(t *testing.T) {
	e := NewLocalExecutor(testLogger())
	out, err := e.Run(context.Background(), Host{Name: "local"}, `printf '%s' "$GREETING"`, map[string]string{"GREETING": "hello"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if out != "hello" {
		t.Errorf("Run() = %q, want %q", out, "hello")
	}
}

func TestLocalExecutor_Failure(t *testing.T) {
	e := NewLocalExecutor(testLogger())
	_, err := e.Run(context.Background(), Host{Name: "local"}, "echo boom >&2; exit 3", nil)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *CommandError, got %T", err)
	}
	if cmdErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", cmdErr.ExitCode)
	}
	if cmdErr.Host != "local" {
		t.Errorf("Host = %q, want local", cmdErr.Host)
	}
	if !strings.Contains(cmdErr.Error(), "boom") {
		t.Errorf("error should contain stderr, got %q", cmdErr.Error())
	}
	if cmdErr.Output() != "boom" {
		t.Errorf("Output() = %q, want boom", cmdErr.Output())
	}
}

type recordingExecutor struct {
	hosts []string
}

func (r *recordingExecutor) Run(_ context.Context, host Host, _ string, _ map[string]string) (string, error) {
	r.hosts = append(r.hosts, host.Name)
	return "", nil
}

func TestMux(t *testing.T) {
	ssh := &recordingExecutor{}
	local := &recordingExecutor{}
	m := &Mux{SSH: ssh, Local: local}

	ctx := context.Background()
	_, _ = m.Run(ctx, Host{Name: "a", Transport: TransportSSH}, "true", nil)
	_, _ = m.Run(ctx, Host{Name: "b", Transport: TransportLocal}, "true", nil)
	_, _ = m.Run(ctx, Host{Name: "c"}, "true", nil)

	if len(ssh.hosts) != 2 || ssh.hosts[0] != "a" || ssh.hosts[1] != "c" {
		t.Errorf("ssh executor got %v, want [a c]", ssh.hosts)
	}
	if len(local.hosts) != 1 || local.hosts[0] != "b" {
		t.Errorf("local executor got %v, want [b]", local.hosts)
	}
}
