package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds a single dependency install.
const DefaultTimeout = 5 * time.Minute

// Status classifies an install result.
type Status string

const (
	Skipped   Status = "skipped"
	Installed Status = "installed"
	Failed    Status = "failed"
	TimedOut  Status = "timed_out"
)

// Outcome is the result of installing a workspace's dependencies. It is a
// value, not an error: Failed and TimedOut are advisory.
type Outcome struct {
	Status   Status        `json:"status"`
	Manifest string        `json:"manifest,omitempty"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Degraded reports whether the outcome should flag the operation.
func (o Outcome) Degraded() bool {
	return o.Status == Failed || o.Status == TimedOut
}

// Installer installs the declared dependencies of a workspace.
type Installer interface {
	Install(ctx context.Context, workspacePath string) Outcome
}

// Manifest maps a dependency manifest file to the command that installs it.
type Manifest struct {
	File    string
	Command []string
}

// DefaultManifests are checked in order; the first present one wins.
var DefaultManifests = []Manifest{
	{File: "requirements.txt", Command: []string{"pip", "install", "-r", "requirements.txt"}},
	{File: "package.json", Command: []string{"npm", "install"}},
	{File: "go.mod", Command: []string{"go", "mod", "download"}},
}

// Runner executes a command in dir and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// Don't let a grandchild holding the pipes keep us past the deadline.
	cmd.WaitDelay = 5 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Options configures a CommandInstaller.
type Options struct {
	Manifests []Manifest
	// Overrides replaces the command for a manifest file, e.g.
	// {"requirements.txt": "uv pip install -r requirements.txt"}.
	Overrides map[string]string
	Timeout   time.Duration
	Disabled  bool
	Runner    Runner
	Logger    *slog.Logger
}

// CommandInstaller detects a manifest and runs its install command.
type CommandInstaller struct {
	manifests []Manifest
	timeout   time.Duration
	disabled  bool
	runner    Runner
	logger    *slog.Logger
}

// New returns a CommandInstaller, filling unset options with defaults.
func New(opts Options) *CommandInstaller {
	manifests := opts.Manifests
	if manifests == nil {
		manifests = DefaultManifests
	}
	resolved := make([]Manifest, 0, len(manifests))
	for _, m := range manifests {
		if override := strings.Fields(opts.Overrides[m.File]); len(override) > 0 {
			m.Command = override
		}
		resolved = append(resolved, m)
	}

	i := &CommandInstaller{
		manifests: resolved,
		timeout:   opts.Timeout,
		disabled:  opts.Disabled,
		runner:    opts.Runner,
		logger:    opts.Logger,
	}
	if i.timeout <= 0 {
		i.timeout = DefaultTimeout
	}
	if i.runner == nil {
		i.runner = ExecRunner{}
	}
	if i.logger == nil {
		i.logger = slog.Default()
	}
	return i
}

// Detect returns the first manifest present in path, or nil.
func (i *CommandInstaller) Detect(path string) *Manifest {
	for _, m := range i.manifests {
		if _, err := os.Stat(filepath.Join(path, m.File)); err == nil {
			return &m
		}
	}
	return nil
}

func (i *CommandInstaller) Install(ctx context.Context, workspacePath string) Outcome {
	if i.disabled {
		return Outcome{Status: Skipped, Message: "dependency install disabled"}
	}
	m := i.Detect(workspacePath)
	if m == nil {
		return Outcome{Status: Skipped, Message: "no dependency manifest"}
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	out, err := i.runner.Run(ctx, workspacePath, m.Command[0], m.Command[1:]...)
	outcome := Outcome{Manifest: m.File, Duration: time.Since(start)}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome.Status = TimedOut
		outcome.Message = fmt.Sprintf("%s timed out after %s", strings.Join(m.Command, " "), i.timeout)
	case err != nil:
		outcome.Status = Failed
		outcome.Message = fmt.Sprintf("%s: %v", strings.Join(m.Command, " "), err)
		if tail := lastLines(out, 5); tail != "" {
			outcome.Message += ": " + tail
		}
	default:
		outcome.Status = Installed
	}

	i.logger.Debug("installer: finished",
		"workspace", workspacePath,
		"manifest", m.File,
		"status", outcome.Status,
		"duration", outcome.Duration,
	)
	return outcome
}

func lastLines(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
