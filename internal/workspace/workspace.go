package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/schaermu/fastdeploy/internal/layout"
	"github.com/schaermu/fastdeploy/internal/remote"
	"github.com/schaermu/fastdeploy/internal/revision"
)

// assetStampLayout is the touch -t format: CCYYMMDDhhmm.SS.
const assetStampLayout = "200601021504.05"

// Manager performs the filesystem steps that put a working copy in place on a host.
type Manager interface {
	// ColdClone clones repo into dest unless dest already holds a checkout.
	ColdClone(ctx context.Context, host remote.Host, repo revision.Repository, dest string) error
	// CloneStaged clones repo next to the live path, leaving the live copy untouched.
	CloneStaged(ctx context.Context, host remote.Host, repo revision.Repository) error
	// PromoteStaged moves old layouts aside and renames the staged clone onto the live path.
	PromoteStaged(ctx context.Context, host remote.Host) error
	// UpdateInPlace fetches and hard-resets the live checkout to id.
	UpdateInPlace(ctx context.Context, host remote.Host, repo revision.Repository, id revision.ID) error
	// FinalizePermissions makes the live tree group-writable when enabled.
	FinalizePermissions(ctx context.Context, host remote.Host) error
	// NormalizeAssetTimestamps touches static asset directories to a single UTC stamp.
	NormalizeAssetTimestamps(ctx context.Context, host remote.Host, now time.Time) error
	// EnsureRoot creates the deploy root and hands it to the deploy user.
	EnsureRoot(ctx context.Context, host remote.Host) error
}

// UpdateFailedError reports a compound update command that stopped partway.
// The checkout may be left mid-reset; nothing is undone automatically.
type UpdateFailedError struct {
	Host string
	Err  error
}

func (e *UpdateFailedError) Error() string {
	return fmt.Sprintf("update of %s failed: %v", e.Host, e.Err)
}

func (e *UpdateFailedError) Unwrap() error { return e.Err }

// Output returns the failing command's output, if the failure came from the host.
func (e *UpdateFailedError) Output() string {
	var cmdErr *remote.CommandError
	if errors.As(e.Err, &cmdErr) {
		return cmdErr.Output()
	}
	return ""
}

// FinalizeError reports a failed permission change on the live tree.
type FinalizeError struct {
	Host string
	Path string
	Err  error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("failed to make %s group-writable on %s: %v", e.Path, e.Host, e.Err)
}

func (e *FinalizeError) Unwrap() error { return e.Err }

// Options tunes ShellManager behaviour.
type Options struct {
	GroupWritable bool
	AssetDirs     []string
	DeployUser    string
	UseSudo       bool
}

// ShellManager implements Manager by issuing shell commands through an Executor.
type ShellManager struct {
	exec   remote.Executor
	layout layout.Layout
	opts   Options
	logger *slog.Logger
}

// NewShellManager creates a Manager for the given layout.
func NewShellManager(exec remote.Executor, l layout.Layout, opts Options, logger *slog.Logger) *ShellManager {
	return &ShellManager{
		exec:   exec,
		layout: l,
		opts:   opts,
		logger: logger,
	}
}

// ColdClone clones repo into dest when dest has no repository metadata yet.
func (m *ShellManager) ColdClone(ctx context.Context, host remote.Host, repo revision.Repository, dest string) error {
	m.logger.Info("cloning repository", "host", host.String(), "dest", dest)
	if _, err := m.exec.Run(ctx, host, cloneCommand(repo, dest), nil); err != nil {
		return fmt.Errorf("clone into %s: %w", dest, err)
	}
	return nil
}

// CloneStaged clones repo into the staging path. Leftovers from an aborted
// staging run are removed first; the staging path is never live.
func (m *ShellManager) CloneStaged(ctx context.Context, host remote.Host, repo revision.Repository) error {
	staging := m.layout.StagingPath()
	cmd := "rm -rf " + remote.ShellQuote(staging) + " && " + cloneCommand(repo, staging)

	m.logger.Info("cloning repository to staging path", "host", host.String(), "dest", staging)
	if _, err := m.exec.Run(ctx, host, cmd, nil); err != nil {
		return fmt.Errorf("clone into %s: %w", staging, err)
	}
	return nil
}

// PromoteStaged renames the release directory and the old live copy aside, then
// renames the staged clone onto the live path.
func (m *ShellManager) PromoteStaged(ctx context.Context, host remote.Host) error {
	staging := remote.ShellQuote(m.layout.StagingPath())
	live := remote.ShellQuote(m.layout.LivePath())
	backup := remote.ShellQuote(m.layout.BackupPath())
	releases := remote.ShellQuote(m.layout.ReleasesPath())
	releasesOld := remote.ShellQuote(m.layout.ReleasesBackupPath())

	steps := []string{
		fmt.Sprintf(`{ [ -e %s/.git ] || { echo "staged clone is missing" >&2; exit 1; }; }`, staging),
		fmt.Sprintf("if [ -e %s ]; then rm -rf %s && mv %s %s; fi", releases, releasesOld, releases, releasesOld),
	}
	// The revision log lives in the checkout when the root is live; it moves
	// with the new generation instead of into the backup slot.
	if rel, ok := m.layout.LiveRelative(m.layout.RevisionLogPath()); ok {
		revlog := remote.ShellQuote(m.layout.RevisionLogPath())
		steps = append(steps, fmt.Sprintf("if [ -e %s ]; then mv %s %s; fi",
			revlog, revlog, remote.ShellQuote(path.Join(m.layout.StagingPath(), rel))))
	}
	steps = append(steps,
		fmt.Sprintf("if [ -h %s ] || [ -d %s ]; then rm -rf %s && mv %s %s; fi", live, live, backup, live, backup),
		fmt.Sprintf("mv %s %s", staging, live),
	)
	cmd := strings.Join(steps, " && ")

	m.logger.Info("promoting staged clone", "host", host.String(), "live", m.layout.LivePath())
	if _, err := m.exec.Run(ctx, host, cmd, nil); err != nil {
		return fmt.Errorf("promote staged clone: %w", err)
	}
	return nil
}

// localExcludes builds the pathspecs that keep deployment-owned files such as
// the marker and an in-tree revision log out of the stash.
func localExcludes(l layout.Layout) string {
	specs := make([]string, 0, len(l.LocalFiles()))
	for _, f := range l.LocalFiles() {
		specs = append(specs, remote.ShellQuote(":(exclude)"+f))
	}
	return strings.Join(specs, " ")
}

// UpdateInPlace brings the live checkout to id in a single compound command,
// so a failing step short-circuits everything after it. Untracked files are
// staged and stashed, never discarded.
func (m *ShellManager) UpdateInPlace(ctx context.Context, host remote.Host, repo revision.Repository, id revision.ID) error {
	if !revision.IsFullHash(id.String()) {
		return &UpdateFailedError{Host: host.String(), Err: fmt.Errorf("refusing to reset to non-hash revision %q", id)}
	}

	cmd := strings.Join([]string{
		"cd " + remote.ShellQuote(m.layout.LivePath()),
		"git fetch --tags origin",
		"{ git ls-files --others --exclude-standard -z -- " + localExcludes(m.layout) + " | xargs -0 -r git add -- ; }",
		"git stash",
		"git reset --hard " + id.String(),
		"git submodule update --init --recursive",
	}, " && ")

	m.logger.Info("updating checkout", "host", host.String(), "repo", repo.URL, "revision", id.Short())
	if _, err := m.exec.Run(ctx, host, cmd, nil); err != nil {
		return &UpdateFailedError{Host: host.String(), Err: err}
	}
	return nil
}

// FinalizePermissions runs chmod -R g+w on the live tree unless disabled.
func (m *ShellManager) FinalizePermissions(ctx context.Context, host remote.Host) error {
	if !m.opts.GroupWritable {
		m.logger.Debug("group-writable disabled, skipping permission change", "host", host.String())
		return nil
	}

	live := m.layout.LivePath()
	if _, err := m.exec.Run(ctx, host, "chmod -R g+w "+remote.ShellQuote(live), nil); err != nil {
		return &FinalizeError{Host: host.String(), Path: live, Err: err}
	}
	return nil
}

// NormalizeAssetTimestamps touches every file under the configured asset
// directories to now (UTC, second granularity). Missing directories are tolerated.
func (m *ShellManager) NormalizeAssetTimestamps(ctx context.Context, host remote.Host, now time.Time) error {
	if len(m.opts.AssetDirs) == 0 {
		return nil
	}

	stamp := now.UTC().Format(assetStampLayout)
	paths := make([]string, 0, len(m.opts.AssetDirs))
	for _, dir := range m.opts.AssetDirs {
		paths = append(paths, remote.ShellQuote(m.layout.LivePath()+"/"+dir))
	}

	cmd := fmt.Sprintf("find %s -exec touch -t %s {} ';'; true", strings.Join(paths, " "), stamp)
	if _, err := m.exec.Run(ctx, host, cmd, map[string]string{"TZ": "UTC"}); err != nil {
		return fmt.Errorf("normalize asset timestamps: %w", err)
	}
	return nil
}

// EnsureRoot creates the deploy root. It is safe to run on hosts that are
// already set up; no deployed revision is touched.
func (m *ShellManager) EnsureRoot(ctx context.Context, host remote.Host) error {
	root := remote.ShellQuote(m.layout.Root)
	sudo := ""
	if m.opts.UseSudo {
		sudo = "sudo "
	}

	cmd := sudo + "mkdir -p " + root
	if m.opts.DeployUser != "" {
		cmd += " && " + sudo + "chown " + remote.ShellQuote(m.opts.DeployUser) + " " + root
	}

	m.logger.Info("preparing deploy root", "host", host.String(), "root", m.layout.Root)
	if _, err := m.exec.Run(ctx, host, cmd, nil); err != nil {
		return fmt.Errorf("setup %s: %w", m.layout.Root, err)
	}
	return nil
}

// cloneCommand returns an idempotent recursive clone of repo into dest.
func cloneCommand(repo revision.Repository, dest string) string {
	parent := dest
	if i := strings.LastIndex(dest, "/"); i > 0 {
		parent = dest[:i]
	}
	return fmt.Sprintf("if [ ! -e %s/.git ]; then mkdir -p %s && git clone --recursive %s %s; fi",
		remote.ShellQuote(dest), remote.ShellQuote(parent), remote.ShellQuote(repo.URL), remote.ShellQuote(dest))
}
