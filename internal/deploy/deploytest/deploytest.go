// Package deploytest provides in-memory doubles for the collaborators of
// the deploy orchestrator.
package deploytest

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joescharf/dm/internal/fetch"
	"github.com/joescharf/dm/internal/installer"
)

// FakeFetcher writes a fixed tree instead of downloading an archive.
// Source URLs are accepted when they are http(s) URLs whose host is not
// listed in RejectHosts.
type FakeFetcher struct {
	mu sync.Mutex

	// Files maps slash-separated relative paths to contents.
	Files map[string]string
	// Err, if set, is returned by Fetch before the target is touched.
	Err error
	// FailFor returns an error for specific source URLs.
	FailFor map[string]error
	// RejectHosts are reported as unsupported.
	RejectHosts []string
	// Gate, if set, blocks every Fetch until it is closed or receives.
	Gate chan struct{}
	// Started, if set, receives the target dir when a Fetch begins.
	Started chan string

	calls   int
	targets []string
}

// TwoFileTree is a small snapshot used across tests.
func TwoFileTree() map[string]string {
	return map[string]string{
		"app.py":           "print('hello')\n",
		"requirements.txt": "flask\n",
	}
}

// NewFakeFetcher returns a FakeFetcher producing files.
func NewFakeFetcher(files map[string]string) *FakeFetcher {
	return &FakeFetcher{Files: files}
}

func (f *FakeFetcher) Validate(sourceURL string) error {
	u, err := url.Parse(sourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &fetch.Error{Kind: fetch.UnsupportedHost, URL: sourceURL, Err: errors.New("not an http(s) URL")}
	}
	for _, h := range f.RejectHosts {
		if strings.EqualFold(u.Hostname(), h) {
			return &fetch.Error{Kind: fetch.UnsupportedHost, URL: sourceURL, Err: errors.New("host not supported")}
		}
	}
	return nil
}

func (f *FakeFetcher) Fetch(ctx context.Context, sourceURL, branch, targetDir string) (*fetch.Report, error) {
	f.mu.Lock()
	f.calls++
	f.targets = append(f.targets, targetDir)
	files, fetchErr, gate, started := f.Files, f.Err, f.Gate, f.Started
	if err, ok := f.FailFor[sourceURL]; ok {
		fetchErr = err
	}
	f.mu.Unlock()

	if started != nil {
		started <- targetDir
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &fetch.Error{Kind: fetch.DownloadFailed, URL: sourceURL, Err: ctx.Err()}
		}
	}
	if err := f.Validate(sourceURL); err != nil {
		return nil, err
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(targetDir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(targetDir, e.Name())); err != nil {
			return nil, err
		}
	}

	report := &fetch.Report{ArchiveURL: sourceURL + "/archive/" + branch + ".tar.gz"}
	for rel, content := range files {
		path := filepath.Join(targetDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, err
		}
		report.Files++
		report.Bytes += int64(len(content))
	}
	return report, nil
}

// Calls returns how many times Fetch was invoked.
func (f *FakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// SetErr changes the error returned by subsequent fetches.
func (f *FakeFetcher) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

// FakeInstaller returns a fixed outcome and counts calls.
type FakeInstaller struct {
	mu      sync.Mutex
	Outcome installer.Outcome
	paths   []string
}

// NewFakeInstaller returns a FakeInstaller reporting Installed.
func NewFakeInstaller() *FakeInstaller {
	return &FakeInstaller{Outcome: installer.Outcome{Status: installer.Installed}}
}

func (i *FakeInstaller) Install(_ context.Context, workspacePath string) installer.Outcome {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.paths = append(i.paths, workspacePath)
	return i.Outcome
}

// Calls returns how many times Install was invoked.
func (i *FakeInstaller) Calls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.paths)
}

// Paths returns the workspaces Install was invoked on, in order.
func (i *FakeInstaller) Paths() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.paths...)
}
