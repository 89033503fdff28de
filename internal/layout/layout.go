package layout

import (
	"path"
	"strings"
)

const (
	stagingSuffix    = ".clone"
	backupSuffix     = ".old"
	markerTempSuffix = ".tmp"

	// MarkerFile is the name of the current version marker inside the live path.
	MarkerFile = "REVISION"
	// RevisionLogFile is the name of the append-only revision log inside the deploy root.
	RevisionLogFile = "revisions.log"
	// ReleasesDir is the directory used by release-based layouts that warm
	// deployments migrate away from.
	ReleasesDir = "releases"
)

// Layout describes where a deployed application lives on a target host.
// Paths are remote POSIX paths, so they are joined with the path package
// rather than path/filepath.
type Layout struct {
	// Root is the deploy root holding the revision log.
	Root string
	// CurrentDir is the live checkout relative to Root; "." means Root itself.
	CurrentDir string
}

// New returns a Layout for the given deploy root and current directory.
func New(root, currentDir string) Layout {
	if currentDir == "" {
		currentDir = "."
	}
	return Layout{Root: path.Clean(root), CurrentDir: currentDir}
}

// LivePath is the canonical path the running application reads from.
func (l Layout) LivePath() string {
	return path.Join(l.Root, l.CurrentDir)
}

// StagingPath is where a warm deployment clones the next generation.
func (l Layout) StagingPath() string {
	return l.LivePath() + stagingSuffix
}

// BackupPath is the single slot holding the previous generation.
func (l Layout) BackupPath() string {
	return l.LivePath() + backupSuffix
}

// ReleasesPath is the legacy releases directory under the deploy root.
func (l Layout) ReleasesPath() string {
	return path.Join(l.Root, ReleasesDir)
}

// ReleasesBackupPath is where a legacy releases directory is moved aside to.
func (l Layout) ReleasesBackupPath() string {
	return l.ReleasesPath() + backupSuffix
}

// RevisionLogPath is the append-only revision history file.
func (l Layout) RevisionLogPath() string {
	return path.Join(l.Root, RevisionLogFile)
}

// MarkerPath is the current version marker file.
func (l Layout) MarkerPath() string {
	return path.Join(l.LivePath(), MarkerFile)
}

// MarkerTempPath is where a new marker is written before it is renamed into place.
func (l Layout) MarkerTempPath() string {
	return l.MarkerPath() + markerTempSuffix
}

// LiveRelative returns p relative to the live path when p lies inside it.
func (l Layout) LiveRelative(p string) (string, bool) {
	live := l.LivePath()
	p = path.Clean(p)
	if p == live {
		return ".", true
	}
	rel, ok := strings.CutPrefix(p, strings.TrimSuffix(live, "/")+"/")
	if !ok {
		return "", false
	}
	return rel, true
}

// LocalFiles lists the deployment-owned files inside the live checkout,
// relative to it. They are never part of the repository.
func (l Layout) LocalFiles() []string {
	files := []string{MarkerFile, MarkerFile + markerTempSuffix}
	if rel, ok := l.LiveRelative(l.RevisionLogPath()); ok {
		files = append(files, rel)
	}
	return files
}

// ParentPath is the directory containing the live path.
func (l Layout) ParentPath() string {
	return path.Dir(l.LivePath())
}
