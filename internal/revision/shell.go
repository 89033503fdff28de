package revision

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ShellLister implements RefLister by running "git ls-remote" on this machine.
type ShellLister struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellLister creates a lister that shells out to git.
func NewShellLister(sshKeyFile, httpsTokenFile string) *ShellLister {
	return &ShellLister{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// ListRefs runs "git ls-remote <url>" and parses its output.
func (l *ShellLister) ListRefs(ctx context.Context, repo Repository) ([]Ref, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-remote", repo.URL)
	if err := l.configureAuth(cmd, repo.URL); err != nil {
		return nil, err
	}

	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git ls-remote failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return ParseListing(string(out)), nil
}

// configureAuth sets up authentication for the ls-remote call
func (l *ShellLister) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")

	if l.sshKeyFile != "" && isSSHURL(url) {
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(l.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	if l.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := readToken(l.httpsTokenFile)
		if err != nil {
			return err
		}

		// The token travels through the environment, never through argv.
		cmd.Env = append(cmd.Env, "FASTDEPLOY_GIT_TOKEN="+token)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$FASTDEPLOY_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

func readToken(path string) (string, error) {
	token, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read HTTPS token file: %w", err)
	}
	return strings.TrimSpace(string(token)), nil
}

func isSSHURL(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand.
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
