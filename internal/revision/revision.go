package revision

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var fullHashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// DefaultRemotes are the remote aliases whose tracking refs are rejected.
var DefaultRemotes = []string{"origin"}

// ID is an exact 40-character hexadecimal commit identifier.
type ID string

func (id ID) String() string { return string(id) }

// Short returns the abbreviated form used in log output.
func (id ID) Short() string {
	if len(id) < 12 {
		return string(id)
	}
	return string(id[:12])
}

// IsFullHash reports whether s is a 40-character lowercase hex identifier.
func IsFullHash(s string) bool {
	return fullHashPattern.MatchString(s)
}

// Repository identifies a remote git repository.
type Repository struct {
	URL string
}

// Ref is one (identifier, reference name) pair from a remote listing.
type Ref struct {
	ID   string
	Name string
}

// RefLister lists every reference a remote repository advertises, in order.
type RefLister interface {
	ListRefs(ctx context.Context, repo Repository) ([]Ref, error)
}

// InvalidSpecError is returned for remote-tracking references such as "origin/main".
type InvalidSpecError struct {
	Remote string
	Branch string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("deploying remote-tracking branches is not supported; specify the branch as it is named in the repository you deploy from (%q)", e.Branch)
}

// UnresolvedRevisionError is returned when a spec matches no usable remote reference.
type UnresolvedRevisionError struct {
	Spec string
	Repo string
}

func (e *UnresolvedRevisionError) Error() string {
	return fmt.Sprintf("unable to resolve revision for %q on repository %q", e.Spec, e.Repo)
}

// Resolver turns a human supplied revision into an exact commit identifier.
type Resolver struct {
	lister  RefLister
	remotes []string
}

// NewResolver creates a resolver; remotes defaults to DefaultRemotes when empty.
func NewResolver(lister RefLister, remotes []string) *Resolver {
	if len(remotes) == 0 {
		remotes = DefaultRemotes
	}
	return &Resolver{lister: lister, remotes: remotes}
}

// Resolve returns the commit identifier spec refers to on repo.
// Full hashes are returned as-is without contacting the remote.
func (r *Resolver) Resolve(ctx context.Context, repo Repository, spec string) (ID, error) {
	for _, remote := range r.remotes {
		if branch, ok := strings.CutPrefix(spec, remote+"/"); ok && branch != "" {
			return "", &InvalidSpecError{Remote: remote, Branch: branch}
		}
	}

	if IsFullHash(spec) {
		return ID(spec), nil
	}

	refs, err := r.lister.ListRefs(ctx, repo)
	if err != nil {
		return "", fmt.Errorf("failed to list references of %s: %w", repo.URL, err)
	}

	for _, ref := range refs {
		if NormalizeRefName(ref.Name) != spec {
			continue
		}
		if !IsFullHash(ref.ID) {
			break
		}
		return ID(ref.ID), nil
	}

	return "", &UnresolvedRevisionError{Spec: spec, Repo: repo.URL}
}

// NormalizeRefName strips a qualifying "refs/<kind>/" prefix, leaving the bare name.
func NormalizeRefName(name string) string {
	name = strings.TrimSpace(name)
	rest, ok := strings.CutPrefix(name, "refs/")
	if !ok {
		return name
	}
	if _, bare, found := strings.Cut(rest, "/"); found {
		return bare
	}
	return name
}

// ParseListing parses "git ls-remote" output: one "<id>\t<ref>" pair per line.
// Lines that do not hold exactly two fields are ignored.
func ParseListing(out string) []Ref {
	var refs []Ref
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		refs = append(refs, Ref{ID: fields[0], Name: fields[1]})
	}
	return refs
}
