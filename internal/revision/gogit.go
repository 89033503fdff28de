package revision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/memory"
)

// GoGitLister implements RefLister with go-git, so no git binary is needed
// on the operator machine.
type GoGitLister struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewGoGitLister creates a lister backed by go-git.
func NewGoGitLister(sshKeyFile, httpsTokenFile string) *GoGitLister {
	return &GoGitLister{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// ListRefs lists the remote's advertised references. The result is ordered the
// way "git ls-remote" orders it: HEAD first, then by reference name.
func (l *GoGitLister) ListRefs(ctx context.Context, repo Repository) ([]Ref, error) {
	auth, err := l.auth(repo.URL)
	if err != nil {
		return nil, err
	}

	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{repo.URL},
	})

	listed, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return nil, nil
		}
		return nil, fmt.Errorf("go-git list failed: %w", err)
	}

	refs := make([]Ref, 0, len(listed))
	for _, ref := range listed {
		if ref.Type() != plumbing.HashReference {
			continue
		}
		refs = append(refs, Ref{ID: ref.Hash().String(), Name: ref.Name().String()})
	}

	sort.SliceStable(refs, func(i, j int) bool {
		if (refs[i].Name == "HEAD") != (refs[j].Name == "HEAD") {
			return refs[i].Name == "HEAD"
		}
		return refs[i].Name < refs[j].Name
	})
	return refs, nil
}

func (l *GoGitLister) auth(url string) (transport.AuthMethod, error) {
	if l.sshKeyFile != "" && isSSHURL(url) {
		keys, err := gitssh.NewPublicKeysFromFile("git", l.sshKeyFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key: %w", err)
		}
		return keys, nil
	}

	if l.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := readToken(l.httpsTokenFile)
		if err != nil {
			return nil, err
		}
		return &githttp.BasicAuth{Username: "x-access-token", Password: token}, nil
	}

	return nil, nil
}
