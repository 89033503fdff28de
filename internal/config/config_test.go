package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/samber/lo"

	"github.com/schaermu/fastdeploy/internal/remote"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad(t *testing.T) {
	p := writeConfig(t, `
repo:
  url: "git@github.com:test/app.git"
  ref: "production"
  lister: "gogit"

deploy:
  root: "/srv/app"
  user: "deploy"
  use_sudo: true
  group_writable: false
  normalize_asset_timestamps: true
  parallelism: 3

hosts:
  - name: web1
    address: 10.0.0.1
    user: deploy
    port: 2222
  - address: 10.0.0.2
  - name: self
    transport: local

ssh:
  identity_file: "/home/user/.ssh/deploy"
  connect_timeout: 10
  options: ["StrictHostKeyChecking=accept-new"]

hooks:
  restart: "touch tmp/restart.txt"
  migrate: "bin/rake db:migrate"

auth:
  ssh_key_file: "/home/user/.ssh/key"

journal:
  path: "/var/lib/fastdeploy/journal.db"

serve:
  listen_addr: ":8787"
  github_webhook_secret_file: "/etc/fastdeploy/secret"
  debounce: 30s
`)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Repo.URL != "git@github.com:test/app.git" || cfg.Repo.Ref != "production" {
		t.Errorf("unexpected repo config: %+v", cfg.Repo)
	}
	if cfg.Repo.Lister != ListerGoGit {
		t.Errorf("expected gogit lister, got %s", cfg.Repo.Lister)
	}
	if cfg.Deploy.CurrentDir != "current" {
		t.Errorf("expected default current_dir, got %q", cfg.Deploy.CurrentDir)
	}
	if *cfg.Deploy.GroupWritable {
		t.Error("expected group_writable false to be kept")
	}
	if cfg.Deploy.Parallelism != 3 {
		t.Errorf("expected parallelism 3, got %d", cfg.Deploy.Parallelism)
	}
	if cfg.Hosts[1].Name != "10.0.0.2" || cfg.Hosts[1].Transport != remote.TransportSSH {
		t.Errorf("expected host defaults, got %+v", cfg.Hosts[1])
	}
	if cfg.Hosts[2].Transport != remote.TransportLocal {
		t.Errorf("expected local transport, got %s", cfg.Hosts[2].Transport)
	}
	if cfg.Serve.Debounce != 30*time.Second {
		t.Errorf("expected debounce 30s, got %s", cfg.Serve.Debounce)
	}
	if cfg.Hooks.Migrate != "bin/rake db:migrate" {
		t.Errorf("unexpected hooks: %+v", cfg.Hooks)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	p := writeConfig(t, "repo: [unclosed")
	if _, err := Load(p); err == nil {
		t.Error("expected parse error")
	}

	p = writeConfig(t, `
repo:
  url: "git@github.com:test/app.git"
deploy:
  root: "relative"
hosts:
  - address: 10.0.0.1
`)
	_, err := Load(p)
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("expected validation error, got %v", err)
	}
}

func validConfig() Config {
	cfg := Config{
		Repo:   RepoConfig{URL: "git@github.com:test/app.git"},
		Deploy: DeployConfig{Root: "/srv/app"},
		Hosts:  []HostConfig{{Name: "web1", Address: "10.0.0.1"}},
	}
	cfg.Journal.Path = "/tmp/journal.db"
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"missing repo URL", func(c *Config) { c.Repo.URL = "" }, "repo.url"},
		{"unknown lister", func(c *Config) { c.Repo.Lister = "svn" }, "repo.lister"},
		{"missing root", func(c *Config) { c.Deploy.Root = "" }, "deploy.root is required"},
		{"relative root", func(c *Config) { c.Deploy.Root = "srv/app" }, "absolute"},
		{"absolute current dir", func(c *Config) { c.Deploy.CurrentDir = "/current" }, "current_dir"},
		{"escaping current dir", func(c *Config) { c.Deploy.CurrentDir = "../x" }, "current_dir"},
		{"current dir is root", func(c *Config) { c.Deploy.CurrentDir = "." }, ""},
		{"sudo without user", func(c *Config) { c.Deploy.UseSudo = true }, "deploy.user"},
		{"no hosts", func(c *Config) { c.Hosts = nil }, "at least one host"},
		{"ssh host without address", func(c *Config) { c.Hosts[0].Address = "" }, "address"},
		{"local host without address", func(c *Config) {
			c.Hosts[0] = HostConfig{Name: "self", Transport: remote.TransportLocal}
		}, ""},
		{"unknown transport", func(c *Config) { c.Hosts[0].Transport = "telnet" }, "transport"},
		{"bad port", func(c *Config) { c.Hosts[0].Port = 70000 }, "port"},
		{"duplicate hosts", func(c *Config) {
			c.Hosts = append(c.Hosts, HostConfig{Name: "web1", Address: "10.0.0.9", Transport: remote.TransportSSH})
		}, "duplicate"},
		{"both ssh key and https token set", func(c *Config) {
			c.Auth = AuthConfig{SSHKeyFile: "/key", HTTPSTokenFile: "/token"}
		}, "only one"},
		{"ssh key with https url", func(c *Config) {
			c.Repo.URL = "https://github.com/test/app.git"
			c.Auth.SSHKeyFile = "/key"
		}, "SSH scheme"},
		{"https token with ssh url", func(c *Config) { c.Auth.HTTPSTokenFile = "/token" }, "HTTPS"},
		{"journal without path", func(c *Config) { c.Journal.Path = "" }, "journal.path"},
		{"disabled journal without path", func(c *Config) {
			c.Journal = JournalConfig{Disabled: true}
		}, ""},
		{"negative debounce", func(c *Config) { c.Serve.Debounce = -time.Second }, "debounce"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateServe(t *testing.T) {
	cfg := validConfig()
	if err := cfg.ValidateServe(); err == nil {
		t.Error("expected error without listen address")
	}
	cfg.Serve.ListenAddr = ":8787"
	if err := cfg.ValidateServe(); err == nil {
		t.Error("expected error without secret file")
	}
	cfg.Serve.GitHubWebhookSecretFile = "/secret"
	if err := cfg.ValidateServe(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Setenv("USER", "carol")
	t.Setenv("HOME", "/home/carol")

	cfg := Config{Hosts: []HostConfig{{Address: "db.internal"}}}
	cfg.applyDefaults()

	if cfg.Repo.Ref != "main" || cfg.Repo.Lister != ListerShell {
		t.Errorf("unexpected repo defaults: %+v", cfg.Repo)
	}
	if !slices.Equal(cfg.Repo.Remotes, []string{"origin"}) {
		t.Errorf("unexpected remotes: %v", cfg.Repo.Remotes)
	}
	if cfg.Deploy.GroupWritable == nil || !*cfg.Deploy.GroupWritable {
		t.Error("expected group_writable to default to true")
	}
	if cfg.Deploy.Operator != "carol" {
		t.Errorf("expected operator from $USER, got %q", cfg.Deploy.Operator)
	}
	if cfg.Deploy.Parallelism != 1 {
		t.Errorf("expected parallelism 1, got %d", cfg.Deploy.Parallelism)
	}
	if !slices.Equal(cfg.Deploy.AssetDirs, DefaultAssetDirs) {
		t.Errorf("unexpected asset dirs: %v", cfg.Deploy.AssetDirs)
	}
	if cfg.Hosts[0].Name != "db.internal" {
		t.Errorf("expected host name to default to address, got %q", cfg.Hosts[0].Name)
	}
	if cfg.Journal.Path != "/home/carol/.local/state/fastdeploy/journal.db" {
		t.Errorf("unexpected journal path: %s", cfg.Journal.Path)
	}
	if !slices.Equal(cfg.Serve.AllowedEventTypes, []string{"push"}) || cfg.Serve.Debounce != 5*time.Second {
		t.Errorf("unexpected serve defaults: %+v", cfg.Serve)
	}
	if !slices.Equal(cfg.Serve.AllowedRefs, []string{"refs/heads/main"}) {
		t.Errorf("expected only the deploy branch to be allowed, got %v", cfg.Serve.AllowedRefs)
	}
}

func TestApplyDefaults_AllowedRefs(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		allowed []string
		want    []string
	}{
		{name: "short branch", ref: "production", want: []string{"refs/heads/production"}},
		{name: "full ref", ref: "refs/heads/release", want: []string{"refs/heads/release"}},
		{name: "explicit list kept", ref: "main", allowed: []string{"refs/heads/main", "refs/heads/hotfix"}, want: []string{"refs/heads/main", "refs/heads/hotfix"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Repo: RepoConfig{Ref: tt.ref}, Serve: ServeConfig{AllowedRefs: tt.allowed}}
			cfg.applyDefaults()
			if !slices.Equal(cfg.Serve.AllowedRefs, tt.want) {
				t.Errorf("AllowedRefs = %v, want %v", cfg.Serve.AllowedRefs, tt.want)
			}
		})
	}
}

func TestSelectHosts(t *testing.T) {
	cfg := validConfig()
	cfg.Hosts = []HostConfig{
		{Name: "web1", Address: "10.0.0.1", Transport: remote.TransportSSH},
		{Name: "web2", Address: "10.0.0.2", User: "deploy", Port: 2222, Transport: remote.TransportSSH},
		{Name: "worker", Address: "10.0.0.3", Transport: remote.TransportSSH},
	}

	all, err := cfg.SelectHosts(nil)
	if err != nil || len(all) != 3 {
		t.Fatalf("SelectHosts(nil) = %v, %v", all, err)
	}
	if all[1].User != "deploy" || all[1].Port != 2222 {
		t.Errorf("host fields not carried over: %+v", all[1])
	}

	got, err := cfg.SelectHosts([]string{"worker", "web1", "web1"})
	if err != nil {
		t.Fatal(err)
	}
	names := lo.Map(got, func(h remote.Host, _ int) string { return h.Name })
	if !slices.Equal(names, []string{"web1", "worker"}) {
		t.Errorf("expected config order, got %v", names)
	}

	if _, err := cfg.SelectHosts([]string{"web1", "db9"}); err == nil || !strings.Contains(err.Error(), "db9") {
		t.Errorf("expected unknown host error, got %v", err)
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := validConfig()
	cfg.Deploy.CurrentDir = "app"
	cfg.Deploy.User = "deploy"
	cfg.SSH = SSHConfig{IdentityFile: "/id", ConnectTimeout: 5}
	cfg.Hooks = HooksConfig{Restart: "touch tmp/restart.txt"}

	if got := cfg.Layout().LivePath(); got != "/srv/app/app" {
		t.Errorf("LivePath() = %s", got)
	}
	if got := cfg.Repository().URL; got != cfg.Repo.URL {
		t.Errorf("Repository().URL = %s", got)
	}
	if o := cfg.SSHOptions(); o.IdentityFile != "/id" || o.ConnectTimeout != 5 {
		t.Errorf("unexpected ssh options: %+v", o)
	}
	if w := cfg.WorkspaceOptions(); !w.GroupWritable || w.DeployUser != "deploy" || len(w.AssetDirs) != 3 {
		t.Errorf("unexpected workspace options: %+v", w)
	}
	if h := cfg.HookCommands(); h.Restart != "touch tmp/restart.txt" || h.Migrate != "" {
		t.Errorf("unexpected hook commands: %+v", h)
	}
}

func TestAuthMethod(t *testing.T) {
	tests := []struct {
		auth AuthConfig
		want string
	}{
		{AuthConfig{SSHKeyFile: "/key"}, "ssh"},
		{AuthConfig{HTTPSTokenFile: "/token"}, "https"},
		{AuthConfig{}, "none"},
	}
	for _, tt := range tests {
		cfg := &Config{Auth: tt.auth}
		if got := cfg.AuthMethod(); got != tt.want {
			t.Errorf("AuthMethod() = %s, want %s", got, tt.want)
		}
	}
}

func TestURLScheme(t *testing.T) {
	tests := []struct {
		url        string
		ssh, https bool
	}{
		{"git@github.com:test/app.git", true, false},
		{"ssh://git@github.com/test/app.git", true, false},
		{"https://github.com/test/app.git", false, true},
		{"/srv/git/app.git", false, false},
	}
	for _, tt := range tests {
		cfg := &Config{Repo: RepoConfig{URL: tt.url}}
		if cfg.IsSSH() != tt.ssh || cfg.IsHTTPS() != tt.https {
			t.Errorf("%s: IsSSH=%v IsHTTPS=%v", tt.url, cfg.IsSSH(), cfg.IsHTTPS())
		}
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("APP_HOST", "10.1.1.1")
	t.Setenv("APP_ROOT", "/srv/shop")
	t.Setenv("APP_TOKEN", "/run/secrets/token")

	p := writeConfig(t, `
repo:
  url: "https://github.com/test/app.git"
deploy:
  root: "${APP_ROOT}"
hosts:
  - name: web
    address: "${APP_HOST}"
auth:
  https_token_file: "$APP_TOKEN"
journal:
  disabled: true
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Deploy.Root != "/srv/shop" || cfg.Hosts[0].Address != "10.1.1.1" || cfg.Auth.HTTPSTokenFile != "/run/secrets/token" {
		t.Errorf("environment not expanded: %+v %+v %+v", cfg.Deploy, cfg.Hosts[0], cfg.Auth)
	}
}
