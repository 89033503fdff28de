package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/fastdeploy/internal/hooks"
	"github.com/schaermu/fastdeploy/internal/layout"
	"github.com/schaermu/fastdeploy/internal/remote"
	"github.com/schaermu/fastdeploy/internal/revision"
	"github.com/schaermu/fastdeploy/internal/workspace"
)

// ListerKind selects how remote references are listed.
type ListerKind string

const (
	ListerShell ListerKind = "shell"
	ListerGoGit ListerKind = "gogit"
)

// DefaultAssetDirs are the static asset directories touched after an update.
var DefaultAssetDirs = []string{"public/images", "public/stylesheets", "public/javascripts"}

// Config represents the complete fastdeploy configuration
type Config struct {
	Repo    RepoConfig    `yaml:"repo"`
	Deploy  DeployConfig  `yaml:"deploy"`
	Hosts   []HostConfig  `yaml:"hosts"`
	SSH     SSHConfig     `yaml:"ssh"`
	Hooks   HooksConfig   `yaml:"hooks"`
	Auth    AuthConfig    `yaml:"auth"`
	Journal JournalConfig `yaml:"journal"`
	Serve   ServeConfig   `yaml:"serve"`
}

// RepoConfig configures the Git repository that is deployed
type RepoConfig struct {
	URL string `yaml:"url"`
	// Ref is the revision deployed when none is given on the command line.
	Ref     string     `yaml:"ref"`
	Remotes []string   `yaml:"remotes"`
	Lister  ListerKind `yaml:"lister"`
}

// DeployConfig configures the layout on the hosts
type DeployConfig struct {
	Root                     string   `yaml:"root"`
	CurrentDir               string   `yaml:"current_dir"`
	Operator                 string   `yaml:"operator"`
	User                     string   `yaml:"user"`
	UseSudo                  bool     `yaml:"use_sudo"`
	GroupWritable            *bool    `yaml:"group_writable"`
	NormalizeAssetTimestamps bool     `yaml:"normalize_asset_timestamps"`
	AssetDirs                []string `yaml:"asset_dirs"`
	Parallelism              int      `yaml:"parallelism"`
}

// HostConfig describes one deployment target
type HostConfig struct {
	Name      string           `yaml:"name"`
	Address   string           `yaml:"address"`
	User      string           `yaml:"user"`
	Port      int              `yaml:"port"`
	Transport remote.Transport `yaml:"transport"`
}

// SSHConfig configures the ssh client used to reach hosts
type SSHConfig struct {
	Binary         string   `yaml:"binary"`
	IdentityFile   string   `yaml:"identity_file"`
	Options        []string `yaml:"options"`
	ConnectTimeout int      `yaml:"connect_timeout"`
}

// HooksConfig holds the commands run inside the live checkout
type HooksConfig struct {
	Restart    string `yaml:"restart"`
	WebEnable  string `yaml:"web_enable"`
	WebDisable string `yaml:"web_disable"`
	Migrate    string `yaml:"migrate"`
}

// AuthConfig configures Git authentication for listing remote references
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// JournalConfig configures the local run journal
type JournalConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr              string        `yaml:"listen_addr"`
	GitHubWebhookSecretFile string        `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string      `yaml:"allowed_event_types"`
	AllowedRefs             []string      `yaml:"allowed_refs"`
	Debounce                time.Duration `yaml:"debounce"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Ref = os.ExpandEnv(c.Repo.Ref)
	c.Deploy.Root = os.ExpandEnv(c.Deploy.Root)
	c.Deploy.Operator = os.ExpandEnv(c.Deploy.Operator)
	c.Deploy.User = os.ExpandEnv(c.Deploy.User)
	for i := range c.Hosts {
		c.Hosts[i].Address = os.ExpandEnv(c.Hosts[i].Address)
		c.Hosts[i].User = os.ExpandEnv(c.Hosts[i].User)
	}
	c.SSH.IdentityFile = os.ExpandEnv(c.SSH.IdentityFile)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Journal.Path = os.ExpandEnv(c.Journal.Path)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Ref == "" {
		c.Repo.Ref = "main"
	}
	if len(c.Repo.Remotes) == 0 {
		c.Repo.Remotes = revision.DefaultRemotes
	}
	if c.Repo.Lister == "" {
		c.Repo.Lister = ListerShell
	}
	if c.Deploy.CurrentDir == "" {
		c.Deploy.CurrentDir = "current"
	}
	if c.Deploy.GroupWritable == nil {
		c.Deploy.GroupWritable = lo.ToPtr(true)
	}
	if len(c.Deploy.AssetDirs) == 0 {
		c.Deploy.AssetDirs = DefaultAssetDirs
	}
	if c.Deploy.Parallelism < 1 {
		c.Deploy.Parallelism = 1
	}
	if c.Deploy.Operator == "" {
		c.Deploy.Operator = lo.CoalesceOrEmpty(os.Getenv("USER"), os.Getenv("LOGNAME"), "unknown")
	}
	for i := range c.Hosts {
		if c.Hosts[i].Name == "" {
			c.Hosts[i].Name = c.Hosts[i].Address
		}
		if c.Hosts[i].Transport == "" {
			c.Hosts[i].Transport = remote.TransportSSH
		}
	}
	if c.Journal.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Journal.Path = filepath.Join(home, ".local", "state", "fastdeploy", "journal.db")
		}
	}
	if len(c.Serve.AllowedEventTypes) == 0 {
		c.Serve.AllowedEventTypes = []string{"push"}
	}
	// Pushes carry their own commit, so only the configured branch deploys
	// unless more refs are listed.
	if len(c.Serve.AllowedRefs) == 0 {
		c.Serve.AllowedRefs = []string{branchRef(c.Repo.Ref)}
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = 5 * time.Second
	}
}

// branchRef turns a short branch name into the full ref GitHub reports.
func branchRef(ref string) string {
	if strings.HasPrefix(ref, "refs/") {
		return ref
	}
	return "refs/heads/" + ref
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.URL == "" {
		return fmt.Errorf("repo.url is required")
	}
	switch c.Repo.Lister {
	case ListerShell, ListerGoGit:
	default:
		return fmt.Errorf("invalid repo.lister: %s (must be shell or gogit)", c.Repo.Lister)
	}

	if c.Deploy.Root == "" {
		return fmt.Errorf("deploy.root is required")
	}
	if !path.IsAbs(c.Deploy.Root) {
		return fmt.Errorf("deploy.root must be an absolute path: %s", c.Deploy.Root)
	}
	if path.IsAbs(c.Deploy.CurrentDir) || strings.Contains(c.Deploy.CurrentDir, "..") {
		return fmt.Errorf("deploy.current_dir must be relative to deploy.root: %s", c.Deploy.CurrentDir)
	}
	if c.Deploy.UseSudo && c.Deploy.User == "" {
		return fmt.Errorf("deploy.user is required when deploy.use_sudo is set")
	}

	if len(c.Hosts) == 0 {
		return fmt.Errorf("at least one host is required")
	}
	for i, h := range c.Hosts {
		switch h.Transport {
		case remote.TransportSSH:
			if h.Address == "" {
				return fmt.Errorf("hosts[%d].address is required for ssh transport", i)
			}
		case remote.TransportLocal:
		default:
			return fmt.Errorf("hosts[%d]: invalid transport %s (must be ssh or local)", i, h.Transport)
		}
		if h.Name == "" {
			return fmt.Errorf("hosts[%d].name is required", i)
		}
		if h.Port < 0 || h.Port > 65535 {
			return fmt.Errorf("hosts[%d].port out of range: %d", i, h.Port)
		}
	}
	if dups := lo.FindDuplicates(lo.Map(c.Hosts, func(h HostConfig, _ int) string { return h.Name })); len(dups) > 0 {
		return fmt.Errorf("duplicate host names: %s", strings.Join(dups, ", "))
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
	}

	if !c.Journal.Disabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required unless journal.disabled is set")
	}
	if c.Serve.Debounce < 0 {
		return fmt.Errorf("serve.debounce must not be negative")
	}

	return nil
}

// ValidateServe checks the settings only the webhook server needs
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.GitHubWebhookSecretFile == "" {
		return fmt.Errorf("serve.github_webhook_secret_file is required")
	}
	return nil
}

// Layout returns the remote filesystem layout
func (c *Config) Layout() layout.Layout {
	return layout.New(c.Deploy.Root, c.Deploy.CurrentDir)
}

// Repository returns the repository being deployed
func (c *Config) Repository() revision.Repository {
	return revision.Repository{URL: c.Repo.URL}
}

// AllHosts returns every configured host in config order
func (c *Config) AllHosts() []remote.Host {
	return lo.Map(c.Hosts, func(h HostConfig, _ int) remote.Host {
		return remote.Host{
			Name:      h.Name,
			Address:   h.Address,
			User:      h.User,
			Port:      h.Port,
			Transport: h.Transport,
		}
	})
}

// SelectHosts returns the named hosts in config order, or all hosts when
// names is empty.
func (c *Config) SelectHosts(names []string) ([]remote.Host, error) {
	all := c.AllHosts()
	if len(names) == 0 {
		return all, nil
	}

	known := lo.Map(all, func(h remote.Host, _ int) string { return h.Name })
	if unknown := lo.Without(lo.Uniq(names), known...); len(unknown) > 0 {
		return nil, fmt.Errorf("unknown hosts: %s", strings.Join(unknown, ", "))
	}
	return lo.Filter(all, func(h remote.Host, _ int) bool {
		return lo.Contains(names, h.Name)
	}), nil
}

// SSHOptions returns the ssh client settings
func (c *Config) SSHOptions() remote.SSHOptions {
	return remote.SSHOptions{
		Binary:         c.SSH.Binary,
		IdentityFile:   c.SSH.IdentityFile,
		ConnectTimeout: c.SSH.ConnectTimeout,
		Options:        c.SSH.Options,
	}
}

// WorkspaceOptions returns the settings for the remote filesystem steps
func (c *Config) WorkspaceOptions() workspace.Options {
	return workspace.Options{
		GroupWritable: c.Deploy.GroupWritable == nil || *c.Deploy.GroupWritable,
		AssetDirs:     c.Deploy.AssetDirs,
		DeployUser:    c.Deploy.User,
		UseSudo:       c.Deploy.UseSudo,
	}
}

// HookCommands returns the commands bound to restart, maintenance and migration hooks
func (c *Config) HookCommands() hooks.Commands {
	return hooks.Commands{
		Restart:    c.Hooks.Restart,
		WebEnable:  c.Hooks.WebEnable,
		WebDisable: c.Hooks.WebDisable,
		Migrate:    c.Hooks.Migrate,
	}
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}
