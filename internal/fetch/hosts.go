package fetch

import (
	"fmt"
	"net/url"
	"strings"
)

// Family identifies how a code host lays out archive downloads.
type Family string

const (
	GitHub    Family = "github"
	GitLab    Family = "gitlab"
	Bitbucket Family = "bitbucket"
	Gitea     Family = "gitea"
)

// DefaultHosts maps the public code hosts to their family.
var DefaultHosts = map[string]Family{
	"github.com":    GitHub,
	"gitlab.com":    GitLab,
	"bitbucket.org": Bitbucket,
}

// ParseFamily converts a configured family name.
func ParseFamily(s string) (Family, error) {
	switch f := Family(strings.ToLower(strings.TrimSpace(s))); f {
	case GitHub, GitLab, Bitbucket, Gitea:
		return f, nil
	default:
		return "", fmt.Errorf("unknown host family %q", s)
	}
}

// Source is a parsed repository location.
type Source struct {
	Family Family
	Scheme string
	Host   string
	Owner  string // may contain slashes for GitLab subgroups
	Repo   string
}

// String returns the canonical https form of the repository.
func (s Source) String() string {
	return fmt.Sprintf("%s://%s/%s/%s", s.Scheme, s.Host, s.Owner, s.Repo)
}

// ArchiveURL derives the tar.gz download address for branch.
func (s Source) ArchiveURL(branch string) string {
	base := s.String()
	switch s.Family {
	case GitLab:
		return fmt.Sprintf("%s/-/archive/%s/%s-%s.tar.gz", base, branch, s.Repo, strings.ReplaceAll(branch, "/", "-"))
	case Bitbucket:
		return fmt.Sprintf("%s/get/%s.tar.gz", base, branch)
	case Gitea:
		return fmt.Sprintf("%s/archive/%s.tar.gz", base, branch)
	default:
		return fmt.Sprintf("%s/archive/refs/heads/%s.tar.gz", base, branch)
	}
}

// HostTable resolves hostnames to families.
type HostTable map[string]Family

// NewHostTable returns the default hosts plus extra (which win on conflict).
func NewHostTable(extra map[string]Family) HostTable {
	t := make(HostTable, len(DefaultHosts)+len(extra))
	for h, f := range DefaultHosts {
		t[h] = f
	}
	for h, f := range extra {
		t[strings.ToLower(h)] = f
	}
	return t
}

// Parse validates rawURL against the table and splits it into its parts.
// Accepted forms: https://host/owner/repo[.git][/], http://..., and
// git@host:owner/repo.git.
func (t HostTable) Parse(rawURL string) (Source, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return Source{}, newError(UnsupportedHost, rawURL, "empty source URL")
	}

	var scheme, host, path string
	if strings.HasPrefix(raw, "git@") {
		parts := strings.SplitN(strings.TrimPrefix(raw, "git@"), ":", 2)
		if len(parts) != 2 {
			return Source{}, newError(UnsupportedHost, rawURL, "cannot parse SSH remote")
		}
		scheme, host, path = "https", parts[0], parts[1]
	} else {
		u, err := url.Parse(raw)
		if err != nil {
			return Source{}, newError(UnsupportedHost, rawURL, "invalid URL: %v", err)
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return Source{}, newError(UnsupportedHost, rawURL, "scheme %q not supported", u.Scheme)
		}
		if u.User != nil {
			return Source{}, newError(UnsupportedHost, rawURL, "credentials in URL not supported")
		}
		scheme, host, path = u.Scheme, u.Host, u.Path
	}

	host = strings.ToLower(host)
	family, ok := t[host]
	if !ok {
		return Source{}, newError(UnsupportedHost, rawURL, "host %q is not a supported code host", host)
	}

	path = strings.Trim(path, "/")
	path = strings.TrimSuffix(path, ".git")
	segments := strings.Split(path, "/")
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return Source{}, newError(UnsupportedHost, rawURL, "cannot parse owner/repo")
		}
	}

	switch {
	case len(segments) == 2:
	case len(segments) > 2 && family == GitLab:
	default:
		return Source{}, newError(UnsupportedHost, rawURL, "cannot parse owner/repo")
	}

	return Source{
		Family: family,
		Scheme: scheme,
		Host:   host,
		Owner:  strings.Join(segments[:len(segments)-1], "/"),
		Repo:   segments[len(segments)-1],
	}, nil
}

// ValidateBranch rejects ref names that cannot be placed in an archive URL.
func ValidateBranch(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch is empty")
	}
	if len(branch) > 255 {
		return fmt.Errorf("branch is longer than 255 characters")
	}
	if strings.Contains(branch, "..") || strings.HasPrefix(branch, "/") || strings.HasSuffix(branch, "/") {
		return fmt.Errorf("invalid branch %q", branch)
	}
	for _, r := range branch {
		if r <= ' ' || r == 0x7f || strings.ContainsRune("~^:?*[\\#%", r) {
			return fmt.Errorf("invalid character %q in branch %q", r, branch)
		}
	}
	return nil
}
