package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joescharf/dm/internal/actionlog"
	"github.com/joescharf/dm/internal/fetch"
	"github.com/joescharf/dm/internal/installer"
	"github.com/joescharf/dm/internal/models"
	"github.com/joescharf/dm/internal/store"
)

const (
	DefaultMaxNameLength = 64
	DefaultConcurrency   = 4
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]*$`)

// Recorder receives one row per finished lifecycle operation.
type Recorder interface {
	Record(ctx context.Context, d *models.Deployment) error
}

// Options configures an Orchestrator. Store, Fetcher and ProjectsDir are
// required.
type Options struct {
	Store     store.Store
	Fetcher   fetch.Fetcher
	Installer installer.Installer
	Log       *actionlog.Log
	History   Recorder

	ProjectsDir   string
	MaxNameLength int
	DefaultBranch string
	Concurrency   int

	Now    func() time.Time
	Logger *slog.Logger
}

// Orchestrator applies Create, Refresh and Delete against the store and the
// workspaces under ProjectsDir. At most one operation runs per project name.
type Orchestrator struct {
	store       store.Store
	fetcher     fetch.Fetcher
	installer   installer.Installer
	log         *actionlog.Log
	history     Recorder
	projectsDir string
	maxName     int
	branch      string
	concurrency int
	now         func() time.Time
	logger      *slog.Logger

	locks *projectLocks
}

// Outcome is the result of a successful Create or Refresh.
type Outcome struct {
	Project  *models.Project         `json:"project"`
	Action   models.DeploymentAction `json:"action"`
	Install  installer.Outcome       `json:"install"`
	Report   *fetch.Report           `json:"report,omitempty"`
	Degraded bool                    `json:"degraded"`
}

// Summary is a one-line description of the outcome for operators.
func (o *Outcome) Summary() string {
	verb := "deployed"
	if o.Action == models.ActionRefresh {
		verb = "refreshed"
	}
	s := fmt.Sprintf("%s %s (%s@%s)", verb, o.Project.Name, o.Project.SourceURL, o.Project.Branch)
	if o.Degraded {
		s += fmt.Sprintf("; dependency install %s: %s", o.Install.Status, o.Install.Message)
	}
	if o.Report != nil && len(o.Report.Warnings) > 0 {
		s += fmt.Sprintf("; %d archive entries skipped", len(o.Report.Warnings))
	}
	return s
}

// New returns an Orchestrator for opts.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("deploy: store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("deploy: fetcher is required")
	}
	if opts.ProjectsDir == "" {
		return nil, errors.New("deploy: projects dir is required")
	}
	dir, err := filepath.Abs(opts.ProjectsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve projects dir: %w", err)
	}

	o := &Orchestrator{
		store:       opts.Store,
		fetcher:     opts.Fetcher,
		installer:   opts.Installer,
		log:         opts.Log,
		history:     opts.History,
		projectsDir: dir,
		maxName:     opts.MaxNameLength,
		branch:      opts.DefaultBranch,
		concurrency: opts.Concurrency,
		now:         opts.Now,
		logger:      opts.Logger,
		locks:       newProjectLocks(filepath.Join(dir, ".locks")),
	}
	if o.maxName <= 0 {
		o.maxName = DefaultMaxNameLength
	}
	if o.branch == "" {
		o.branch = models.DefaultBranch
	}
	if o.concurrency <= 0 {
		o.concurrency = DefaultConcurrency
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o, nil
}

// ProjectsDir returns the absolute parent directory of all workspaces.
func (o *Orchestrator) ProjectsDir() string { return o.projectsDir }

// DefaultBranch returns the branch used when none is given.
func (o *Orchestrator) DefaultBranch() string { return o.branch }

// WorkspacePath returns the workspace directory for name.
func (o *Orchestrator) WorkspacePath(name string) string {
	return filepath.Join(o.projectsDir, name)
}

// ValidateName checks the shape of a project name.
func (o *Orchestrator) ValidateName(name string) error {
	switch {
	case name == "":
		return newError(KindValidation, "", nil, "project name is required")
	case len(name) > o.maxName:
		return newError(KindValidation, "", nil, "project name is longer than %d characters", o.maxName)
	case !namePattern.MatchString(name):
		return newError(KindValidation, "", nil, "project name %q may only contain letters, digits, '.', '_' and '-' and must not start with '.' or '-'", name)
	}
	return nil
}

// ValidateSource checks that sourceURL references a supported host.
func (o *Orchestrator) ValidateSource(sourceURL string) error {
	if sourceURL == "" {
		return newError(KindValidation, "", nil, "source URL is required")
	}
	if err := o.fetcher.Validate(sourceURL); err != nil {
		return newError(KindFetch, "", err, "unsupported source URL")
	}
	return nil
}

// Exists reports whether a record for name is stored.
func (o *Orchestrator) Exists(name string) bool {
	_, ok := o.store.Load()[name]
	return ok
}

// Get returns the record for name.
func (o *Orchestrator) Get(name string) (*models.Project, error) {
	p, ok := o.store.Load()[name]
	if !ok {
		return nil, newError(KindNotFound, name, nil, "project not found")
	}
	return p.Clone(), nil
}

// Create fetches a new project into its workspace, installs its
// dependencies and persists its record.
func (o *Orchestrator) Create(ctx context.Context, name, sourceURL, branch string) (*Outcome, error) {
	name = strings.TrimSpace(name)
	sourceURL = strings.TrimSpace(sourceURL)
	branch = strings.TrimSpace(branch)
	if branch == "" {
		branch = o.branch
	}

	if err := o.ValidateName(name); err != nil {
		return nil, err
	}
	if err := o.ValidateSource(sourceURL); err != nil {
		var de *Error
		if errors.As(err, &de) {
			de.Project = name
		}
		return nil, err
	}
	if err := fetch.ValidateBranch(branch); err != nil {
		return nil, newError(KindValidation, name, err, "invalid branch")
	}

	op := o.begin(ctx, name, models.ActionCreate)
	release, err := o.lock(ctx, name)
	if err != nil {
		return nil, op.fail(err)
	}
	defer release()
	defer o.forgetIfAbsent(name)

	if _, exists := o.store.Load()[name]; exists {
		return nil, op.fail(newError(KindAlreadyExists, name, nil, "project already exists"))
	}

	workspace := o.WorkspacePath(name)
	created := false
	if _, err := os.Stat(workspace); errors.Is(err, fs.ErrNotExist) {
		created = true
	}
	cleanup := func() {
		if !created {
			return
		}
		if err := os.RemoveAll(workspace); err != nil {
			o.logger.Warn("deploy: removing partial workspace failed", "project", name, "path", workspace, "error", err)
		}
	}

	work := context.WithoutCancel(ctx)
	report, err := o.fetcher.Fetch(work, sourceURL, branch, workspace)
	if err != nil {
		cleanup()
		return nil, op.fail(newError(KindFetch, name, err, "fetch failed"))
	}
	inst := o.install(work, workspace)

	now := o.now()
	rec := &models.Project{
		Name:          name,
		SourceURL:     sourceURL,
		Branch:        branch,
		WorkspacePath: workspace,
		CreatedAt:     now,
		LastUpdatedAt: now,
		DeployCount:   1,
	}
	err = o.store.Update(func(projects store.Projects) error {
		if _, exists := projects[name]; exists {
			return newError(KindAlreadyExists, name, nil, "project already exists")
		}
		projects[name] = rec.Clone()
		return nil
	})
	if err != nil {
		cleanup()
		if KindOf(err) != KindAlreadyExists {
			err = newError(KindPersistence, name, err, "saving project record failed")
		}
		return nil, op.fail(err)
	}

	out := &Outcome{Project: rec, Action: models.ActionCreate, Install: inst, Report: report, Degraded: inst.Degraded()}
	op.succeed(out)
	return out, nil
}

// Refresh re-fetches name into its existing workspace and reinstalls its
// dependencies. A fetch failure leaves whatever the replace step left.
func (o *Orchestrator) Refresh(ctx context.Context, name string) (*Outcome, error) {
	op := o.begin(ctx, name, models.ActionRefresh)
	if !o.known(name) {
		return nil, op.fail(newError(KindNotFound, name, nil, "project not found"))
	}
	release, err := o.lock(ctx, name)
	if err != nil {
		return nil, op.fail(err)
	}
	defer release()
	defer o.forgetIfAbsent(name)

	rec, ok := o.store.Load()[name]
	if !ok {
		return nil, op.fail(newError(KindNotFound, name, nil, "project not found"))
	}
	workspace, err := o.workspaceOf(rec)
	if err != nil {
		return nil, op.fail(err)
	}

	work := context.WithoutCancel(ctx)
	report, err := o.fetcher.Fetch(work, rec.SourceURL, rec.Branch, workspace)
	if err != nil {
		return nil, op.fail(newError(KindFetch, name, err, "fetch failed"))
	}
	inst := o.install(work, workspace)

	var updated *models.Project
	err = o.store.Update(func(projects store.Projects) error {
		cur, ok := projects[name]
		if !ok {
			return newError(KindNotFound, name, nil, "project disappeared during refresh")
		}
		cur.LastUpdatedAt = o.now()
		cur.UpdateCount++
		updated = cur.Clone()
		return nil
	})
	if err != nil {
		if KindOf(err) != KindNotFound {
			err = newError(KindPersistence, name, err, "saving project record failed")
		}
		return nil, op.fail(err)
	}

	out := &Outcome{Project: updated, Action: models.ActionRefresh, Install: inst, Report: report, Degraded: inst.Degraded()}
	op.succeed(out)
	return out, nil
}

// Delete removes the workspace of name and then its record. A workspace
// that is already gone is not an error.
func (o *Orchestrator) Delete(ctx context.Context, name string) (*models.Project, error) {
	op := o.begin(ctx, name, models.ActionDelete)
	if !o.known(name) {
		return nil, op.fail(newError(KindNotFound, name, nil, "project not found"))
	}
	release, err := o.lock(ctx, name)
	if err != nil {
		return nil, op.fail(err)
	}
	defer release()
	defer o.forgetIfAbsent(name)

	rec, ok := o.store.Load()[name]
	if !ok {
		return nil, op.fail(newError(KindNotFound, name, nil, "project not found"))
	}
	workspace, err := o.workspaceOf(rec)
	if err != nil {
		return nil, op.fail(err)
	}
	if err := os.RemoveAll(workspace); err != nil {
		return nil, op.fail(newError(KindInternal, name, err, "removing workspace failed"))
	}

	err = o.store.Update(func(projects store.Projects) error {
		delete(projects, name)
		return nil
	})
	if err != nil {
		return nil, op.fail(newError(KindPersistence, name, err, "removing project record failed"))
	}

	op.succeed(nil)
	return rec.Clone(), nil
}

// List returns every record sorted by name. With metrics, each view carries
// a live walk of its workspace; a failed walk leaves Metrics nil.
func (o *Orchestrator) List(withMetrics bool) []models.ProjectView {
	projects := o.store.Load()
	views := make([]models.ProjectView, 0, len(projects))
	for _, name := range projects.Names() {
		v := models.ProjectView{Project: projects[name].Clone()}
		if withMetrics {
			if m, err := walkMetrics(v.WorkspacePath); err == nil {
				v.Metrics = m
			} else {
				o.logger.Debug("deploy: workspace metrics unavailable", "project", name, "error", err)
			}
		}
		views = append(views, v)
	}
	return views
}

// Stats summarises the stored records.
type Stats struct {
	TotalProjects int `json:"total_projects"`
	UpdatedToday  int `json:"updated_today"`
	TotalDeploys  int `json:"total_deploys"`
	TotalUpdates  int `json:"total_updates"`
}

// Stats counts records, deploys and updates. UpdatedToday compares calendar
// days in the clock's location.
func (o *Orchestrator) Stats() Stats {
	projects := o.store.Load()
	now := o.now()
	y, m, d := now.Date()
	var s Stats
	for _, p := range projects {
		s.TotalProjects++
		s.TotalDeploys += p.DeployCount
		s.TotalUpdates += p.UpdateCount
		if py, pm, pd := p.LastUpdatedAt.In(now.Location()).Date(); !p.LastUpdatedAt.IsZero() && py == y && pm == m && pd == d {
			s.UpdatedToday++
		}
	}
	return s
}

// known reports whether name could be and is stored. A name that fails
// ValidateName was never created, so it is reported as unknown without
// touching the lock directory.
func (o *Orchestrator) known(name string) bool {
	return o.ValidateName(name) == nil && o.Exists(name)
}

// forgetIfAbsent drops the lock file of a name that has no record once the
// current holder releases it. It must run while the lock is held.
func (o *Orchestrator) forgetIfAbsent(name string) {
	if !o.Exists(name) {
		o.locks.discard(name)
	}
}

func (o *Orchestrator) lock(ctx context.Context, name string) (func(), error) {
	release, err := o.locks.acquire(ctx, name)
	if err == nil {
		return release, nil
	}
	if ctx.Err() != nil {
		return nil, newError(KindBusy, name, err, "another operation is in progress")
	}
	return nil, newError(KindInternal, name, err, "acquiring project lock failed")
}

// workspaceOf returns the workspace of rec, refusing paths outside the
// projects dir so a hand-edited store cannot point Delete at arbitrary
// directories.
func (o *Orchestrator) workspaceOf(rec *models.Project) (string, error) {
	path := rec.WorkspacePath
	if path == "" {
		path = o.WorkspacePath(rec.Name)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", newError(KindInternal, rec.Name, err, "resolving workspace failed")
	}
	rel, err := filepath.Rel(o.projectsDir, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", newError(KindValidation, rec.Name, nil, "workspace %s is outside %s", abs, o.projectsDir)
	}
	return abs, nil
}

func (o *Orchestrator) install(ctx context.Context, workspace string) installer.Outcome {
	if o.installer == nil {
		return installer.Outcome{Status: installer.Skipped, Message: "no installer configured"}
	}
	return o.installer.Install(ctx, workspace)
}

func walkMetrics(root string) (*models.WorkspaceMetrics, error) {
	m := &models.WorkspaceMetrics{}
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		m.Files++
		m.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
