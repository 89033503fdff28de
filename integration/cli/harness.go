//go:build integration

package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/fastdeploy/internal/testutil"
)

const (
	defaultTimeout = 5 * time.Minute
	hookLogName    = "hooks.log"
)

// Harness builds the fastdeploy binary once and runs it against a deploy
// root on the local machine.
type Harness struct {
	t          *testing.T
	binary     string
	dir        string
	configPath string
}

// NewHarness creates a new test harness rooted in a temporary directory
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	dir := t.TempDir()
	return &Harness{
		t:          t,
		dir:        dir,
		binary:     filepath.Join(dir, "bin", "fastdeploy"),
		configPath: filepath.Join(dir, "config.yaml"),
	}
}

// Build compiles ./cmd/fastdeploy into the harness directory
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.t.Logf("Building %s from %s", h.binary, projectRoot)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/fastdeploy")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Path returns a path below the harness directory
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.dir}, elem...)...)
}

// WriteConfig writes the configuration every Run uses
func (h *Harness) WriteConfig(content string) {
	h.t.Helper()
	if err := os.WriteFile(h.configPath, []byte(content), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Run executes fastdeploy with the harness config
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	full := append([]string{"--config", h.configPath, "--log-level", "debug"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, full...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes fastdeploy and fails the test if it exits non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("fastdeploy %v failed with exit code %d\nstdout: %s\nstderr: %s",
			args, exitCode, stdout, stderr)
	}
	return stdout
}

// ReadFile reads a file below the harness directory
func (h *Harness) ReadFile(elem ...string) string {
	h.t.Helper()
	b, err := os.ReadFile(h.Path(elem...))
	if err != nil {
		h.t.Fatalf("read file: %v", err)
	}
	return strings.TrimSpace(string(b))
}

// ReadHookLog returns the hook names appended by the configured hooks,
// in the order they ran.
func (h *Harness) ReadHookLog(root string) []string {
	h.t.Helper()
	f, err := os.Open(filepath.Join(root, hookLogName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		h.t.Fatalf("open hook log: %v", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			entries = append(entries, line)
		}
	}
	if err := scanner.Err(); err != nil {
		h.t.Fatalf("scan hook log: %v", err)
	}
	return entries
}

// ClearHookLog truncates the hook log
func (h *Harness) ClearHookLog(root string) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(root, hookLogName), nil, 0o644); err != nil {
		h.t.Fatalf("clear hook log: %v", err)
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
