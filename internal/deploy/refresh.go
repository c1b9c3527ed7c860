package deploy

import (
	"context"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/dm/internal/installer"
)

// Result holds the outcome of refreshing a single project.
type Result struct {
	Name     string           `json:"name"`
	Status   string           `json:"status"`
	Install  installer.Status `json:"install,omitempty"`
	Message  string           `json:"message,omitempty"`
	Kind     Kind             `json:"kind,omitempty"`
	Degraded bool             `json:"degraded,omitempty"`
}

const (
	ResultSuccess  = "success"
	ResultDegraded = "degraded"
	ResultFailed   = "failed"
)

// AllResult holds the outcome of refreshing many projects.
type AllResult struct {
	Total     int      `json:"total"`
	Refreshed int      `json:"refreshed"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
	// Skipped lists matching projects that track a different branch.
	Skipped []string `json:"skipped,omitempty"`
}

// Matched reports whether any project matched at all.
func (r *AllResult) Matched() bool {
	return len(r.Results) > 0 || len(r.Skipped) > 0
}

// RefreshAll refreshes every stored project, at most Concurrency at a time.
// One project's failure does not stop the others.
func (o *Orchestrator) RefreshAll(ctx context.Context) *AllResult {
	return o.refreshNames(ctx, o.store.Load().Names())
}

// RefreshMatching refreshes every project whose source URL matches one of
// repoURLs. When ref names a branch (refs/heads/<b>), projects tracking a
// different branch are skipped.
func (o *Orchestrator) RefreshMatching(ctx context.Context, repoURLs []string, ref string) *AllResult {
	wanted := make([]string, 0, len(repoURLs))
	for _, u := range repoURLs {
		if n := normalizeRepoURL(u); n != "" {
			wanted = append(wanted, n)
		}
	}
	branch, hasBranch := strings.CutPrefix(ref, "refs/heads/")

	projects := o.store.Load()
	var names, skipped []string
	for _, name := range projects.Names() {
		p := projects[name]
		if !matchesAny(normalizeRepoURL(p.SourceURL), wanted) {
			continue
		}
		if hasBranch && p.Branch != branch {
			skipped = append(skipped, name)
			continue
		}
		names = append(names, name)
	}

	result := o.refreshNames(ctx, names)
	result.Skipped = skipped
	return result
}

func (o *Orchestrator) refreshNames(ctx context.Context, names []string) *AllResult {
	result := &AllResult{Total: len(names), Results: make([]Result, len(names))}

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, name := range names {
		g.Go(func() error {
			r := Result{Name: name}
			out, err := o.Refresh(ctx, name)
			switch {
			case err != nil:
				r.Status = ResultFailed
				r.Kind = KindOf(err)
				r.Message = err.Error()
			case out.Degraded:
				r.Status = ResultDegraded
				r.Degraded = true
				r.Install = out.Install.Status
				r.Message = out.Install.Message
			default:
				r.Status = ResultSuccess
				r.Install = out.Install.Status
			}
			result.Results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range result.Results {
		if r.Status == ResultFailed {
			result.Failed++
		} else {
			result.Refreshed++
		}
	}
	return result
}

// normalizeRepoURL reduces the URL forms a code host may send to
// host/path, lowercased, without scheme, credentials or a .git suffix.
func normalizeRepoURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(s, "git@"); ok && !strings.Contains(s, "://") {
		s = strings.Replace(rest, ":", "/", 1)
	} else if u, err := url.Parse(s); err == nil && u.Host != "" {
		s = u.Hostname() + u.Path
	}
	s = strings.ToLower(strings.Trim(s, "/"))
	s = strings.TrimSuffix(s, ".git")
	return strings.Trim(s, "/")
}

// matchesAny reports whether project equals one of wanted or contains it
// as a run of whole path segments.
func matchesAny(project string, wanted []string) bool {
	if project == "" {
		return false
	}
	for _, w := range wanted {
		if project == w || containsSegments(project, w) {
			return true
		}
	}
	return false
}

func containsSegments(s, sub string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], sub)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(sub)
		if (start == 0 || s[start-1] == '/') && (end == len(s) || s[end] == '/') {
			return true
		}
		i = start + 1
		if i >= len(s) {
			return false
		}
	}
}
