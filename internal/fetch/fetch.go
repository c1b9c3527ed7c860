package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/moby/patternmatcher"
)

const (
	// DefaultTimeout bounds a single archive download.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxArchiveBytes caps the size of a downloaded archive.
	DefaultMaxArchiveBytes int64 = 512 << 20
)

// Report describes a completed snapshot fetch.
type Report struct {
	ArchiveURL string   `json:"archive_url"`
	Files      int      `json:"files"`
	Bytes      int64    `json:"bytes"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Fetcher materialises the current tree of a branch into a directory.
type Fetcher interface {
	// Validate reports whether sourceURL belongs to a supported host.
	Validate(sourceURL string) error

	// Fetch replaces targetDir's contents with the snapshot of branch.
	// On failure before the replace step targetDir is left untouched.
	Fetch(ctx context.Context, sourceURL, branch, targetDir string) (*Report, error)
}

// Options configures an HTTPFetcher.
type Options struct {
	Hosts           HostTable
	Timeout         time.Duration
	MaxArchiveBytes int64
	// Preserve lists .dockerignore-style patterns of workspace entries that
	// survive a replace.
	Preserve []string
	Client   *http.Client
	Logger   *slog.Logger
}

// HTTPFetcher downloads tar.gz archives from code hosts.
type HTTPFetcher struct {
	hosts    HostTable
	timeout  time.Duration
	maxBytes int64
	preserve *patternmatcher.PatternMatcher
	client   *http.Client
	logger   *slog.Logger
}

// New returns an HTTPFetcher, filling unset options with defaults.
func New(opts Options) (*HTTPFetcher, error) {
	f := &HTTPFetcher{
		hosts:    opts.Hosts,
		timeout:  opts.Timeout,
		maxBytes: opts.MaxArchiveBytes,
		client:   opts.Client,
		logger:   opts.Logger,
	}
	if f.hosts == nil {
		f.hosts = NewHostTable(nil)
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.maxBytes <= 0 {
		f.maxBytes = DefaultMaxArchiveBytes
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if len(opts.Preserve) > 0 {
		m, err := patternmatcher.New(opts.Preserve)
		if err != nil {
			return nil, fmt.Errorf("creating preserve matcher: %w", err)
		}
		f.preserve = m
	}
	return f, nil
}

func (f *HTTPFetcher) Validate(sourceURL string) error {
	_, err := f.hosts.Parse(sourceURL)
	return err
}

func (f *HTTPFetcher) Fetch(ctx context.Context, sourceURL, branch, targetDir string) (*Report, error) {
	src, err := f.hosts.Parse(sourceURL)
	if err != nil {
		return nil, err
	}
	if err := ValidateBranch(branch); err != nil {
		return nil, &Error{Kind: DownloadFailed, URL: sourceURL, Err: err}
	}
	archiveURL := src.ArchiveURL(branch)

	archive, err := f.download(ctx, archiveURL)
	if archive != "" {
		defer func() { _ = os.Remove(archive) }()
	}
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "dm-snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	root, dropped, err := unpack(archive, scratch)
	if err != nil {
		return nil, &Error{Kind: EmptyArchive, URL: archiveURL, Err: err}
	}

	report := &Report{ArchiveURL: archiveURL, Warnings: dropped}
	if err := f.replace(root, targetDir, report); err != nil {
		return nil, err
	}
	for _, w := range report.Warnings {
		f.logger.Warn("fetch: entry skipped", "target", targetDir, "warning", w)
	}
	return report, nil
}

// download writes the archive to a temp file and returns its path. The
// path is returned even on failure so the caller can clean it up.
func (f *HTTPFetcher) download(ctx context.Context, archiveURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return "", newError(DownloadFailed, archiveURL, "build request: %v", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &Error{Kind: DownloadFailed, URL: archiveURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", newError(DownloadFailed, archiveURL, "HTTP %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "dm-archive-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	path := tmp.Name()

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, f.maxBytes+1))
	closeErr := tmp.Close()
	switch {
	case err != nil:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return path, newError(DownloadFailed, archiveURL, "timed out after %s", f.timeout)
		}
		return path, &Error{Kind: DownloadFailed, URL: archiveURL, Err: err}
	case closeErr != nil:
		return path, fmt.Errorf("close archive file: %w", closeErr)
	case n > f.maxBytes:
		return path, newError(DownloadFailed, archiveURL, "archive exceeds %d bytes", f.maxBytes)
	}
	return path, nil
}
