package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/fastdeploy/internal/config"
	"github.com/schaermu/fastdeploy/internal/revision"
	"github.com/schaermu/fastdeploy/internal/testutil"
)

func TestSetupLogger(t *testing.T) {
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeConfigFile(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return p
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	tmpDir := t.TempDir()
	cfgFile = writeConfigFile(t, tmpDir, `repo:
  url: "git@github.com:test/app.git"
deploy:
  root: "/srv/app"
hosts:
  - name: web1
    address: 10.0.0.1
journal:
  disabled: true
`)

	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg == nil {
		t.Fatal("loadConfig returned nil config")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	if _, err := loadConfig(quietLogger()); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()
	cfgFile = ""
	t.Setenv("HOME", t.TempDir())

	// Expect error because the default config file doesn't exist
	if _, err := loadConfig(quietLogger()); err == nil {
		t.Error("expected error when default config file doesn't exist")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}

func TestServeHelp(t *testing.T) {
	if !strings.Contains(serveCmd.Long, `socket named "webhook"`) {
		t.Errorf("serve help does not name the activated socket:\n%s", serveCmd.Long)
	}
	if strings.Contains(serveCmd.Long, "first passed socket") {
		t.Errorf("serve help promises a socket fallback that Listen does not perform:\n%s", serveCmd.Long)
	}
}

func TestProcedureCommands(t *testing.T) {
	for _, name := range []string{"cold", "warm", "update", "deploy", "migrations", "long", "setup", "cleanup", "rollback"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd == rootCmd {
			t.Errorf("command %q not registered: %v", name, err)
		}
	}
}

func TestNewLister(t *testing.T) {
	cfg := &config.Config{Repo: config.RepoConfig{Lister: config.ListerGoGit}}
	if _, ok := newLister(cfg).(*revision.GoGitLister); !ok {
		t.Error("expected go-git lister")
	}
	cfg.Repo.Lister = config.ListerShell
	if _, ok := newLister(cfg).(*revision.ShellLister); !ok {
		t.Error("expected shell lister")
	}
}

// execute runs the root command with fresh global flags.
func execute(t *testing.T, args ...string) string {
	t.Helper()
	hostNames, revisionArg, operator, parallel = nil, "", "", 0
	runsHost, runsLimit = "", 20
	logLevel, logFormat = "error", "text"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("fastdeploy %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func readTrim(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimSpace(string(b))
}

// TestLocalDeploymentLifecycle drives cold, update and rollback against a
// host using the local transport.
func TestLocalDeploymentLifecycle(t *testing.T) {
	testutil.RequireGit(t)

	tmp := t.TempDir()
	src := filepath.Join(tmp, "src")
	testutil.InitRepo(t, src)
	v1 := testutil.Commit(t, src, "app.txt", "v1")
	testutil.Git(t, src, "tag", "v1.0")
	v2 := testutil.Commit(t, src, "app.txt", "v2")

	root := filepath.Join(tmp, "root")
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	cfgFile = writeConfigFile(t, tmp, `repo:
  url: "`+src+`"
deploy:
  root: "`+root+`"
  operator: "ci"
hosts:
  - name: self
    transport: local
hooks:
  restart: "echo restarted >> ../restarts.log"
journal:
  path: "`+filepath.Join(tmp, "journal.db")+`"
`)

	live := filepath.Join(root, "current")

	execute(t, "cold", "--revision", "v1.0")
	if got := readTrim(t, filepath.Join(live, "REVISION")); got != v1 {
		t.Fatalf("REVISION after cold = %s, want %s", got, v1)
	}
	logLines := strings.Split(readTrim(t, filepath.Join(root, "revisions.log")), "\n")
	if len(logLines) != 1 || !strings.HasSuffix(logLines[0], " ci "+v1) {
		t.Errorf("unexpected revision log: %q", logLines)
	}
	if got := readTrim(t, filepath.Join(root, "restarts.log")); got != "restarted" {
		t.Errorf("expected a single restart, got %q", got)
	}

	execute(t, "deploy")
	if got := readTrim(t, filepath.Join(live, "REVISION")); got != v2 {
		t.Fatalf("REVISION after update = %s, want %s", got, v2)
	}
	if got := readTrim(t, filepath.Join(live, "app.txt")); got != "v2" {
		t.Errorf("checkout content = %q, want v2", got)
	}

	out := execute(t, "current")
	if !strings.Contains(out, v2) {
		t.Errorf("current output %q does not contain %s", out, v2)
	}

	execute(t, "rollback")
	if got := readTrim(t, filepath.Join(live, "REVISION")); got != v1 {
		t.Fatalf("REVISION after rollback = %s, want %s", got, v1)
	}

	out = execute(t, "history")
	if n := strings.Count(out, " ci "); n != 3 {
		t.Errorf("expected 3 history entries, got %d:\n%s", n, out)
	}

	out = execute(t, "runs")
	if n := strings.Count(out, "succeeded"); n != 3 {
		t.Errorf("expected 3 successful runs, got %d:\n%s", n, out)
	}

	out = execute(t, "resolve", "v1.0")
	if strings.TrimSpace(out) != v1 {
		t.Errorf("resolve v1.0 = %q, want %s", out, v1)
	}
}
