package fetch

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func buildArchive(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Typeflag: e.typeflag, Linkname: e.linkname}
		switch e.typeflag {
		case tar.TypeDir:
			hdr.Mode = 0o755
		case tar.TypeReg, 0:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func demoArchive(t *testing.T) []byte {
	return buildArchive(t, []tarEntry{
		{name: "pax_global_header", typeflag: tar.TypeXGlobalHeader},
		{name: "demo-main/", typeflag: tar.TypeDir},
		{name: "demo-main/app.py", body: "print('hi')\n"},
		{name: "demo-main/lib/", typeflag: tar.TypeDir},
		{name: "demo-main/lib/util.py", body: "X = 1\n"},
	})
}

// codeHost serves archives at the gitea-style path for alice/demo.
func codeHost(t *testing.T, handler http.HandlerFunc) (*httptest.Server, HostTable, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return srv, NewHostTable(map[string]Family{u.Host: Gitea}), srv.URL + "/alice/demo"
}

func newTestFetcher(t *testing.T, hosts HostTable, opts Options) *HTTPFetcher {
	t.Helper()
	opts.Hosts = hosts
	f, err := New(opts)
	require.NoError(t, err)
	return f
}

func listTree(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		if !info.IsDir() {
			rel, _ := filepath.Rel(dir, path)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(out)
	return out
}

func TestFetch_CreatesTargetWithTree(t *testing.T) {
	archive := demoArchive(t)
	var gotPath string
	_, hosts, source := codeHost(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write(archive)
	})
	f := newTestFetcher(t, hosts, Options{})

	target := filepath.Join(t.TempDir(), "projects", "demo")
	report, err := f.Fetch(context.Background(), source, "main", target)
	require.NoError(t, err)

	assert.Equal(t, "/alice/demo/archive/main.tar.gz", gotPath)
	assert.Equal(t, []string{"app.py", "lib/util.py"}, listTree(t, target))
	assert.Equal(t, 2, report.Files)
	assert.Empty(t, report.Warnings)

	data, err := os.ReadFile(filepath.Join(target, "app.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(data))
}

func TestLinkStaysInTree(t *testing.T) {
	dir := filepath.Join(string(filepath.Separator), "scratch")
	tests := []struct {
		name     string
		linkname string
		want     bool
	}{
		{"demo-main/docs/README", "../README.md", true},
		{"demo-main/docs/README", "guide.md", true},
		{"demo-main/a/b/c", "../../LICENSE", true},
		{"demo-main/a/b/c", "../../../LICENSE", false},
		{"demo-main/self", ".", true},
		{"demo-main/up", "..", false},
		{"demo-main/docs/README", "../../outside", false},
		{"demo-main/abs", "/etc/passwd", false},
		{"demo-main/empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name+" -> "+tt.linkname, func(t *testing.T) {
			target := filepath.Join(dir, filepath.FromSlash(tt.name))
			assert.Equal(t, tt.want, linkStaysInTree(dir, tt.name, target, tt.linkname))
		})
	}
}

func TestFetch_ReplacesExistingContents(t *testing.T) {
	archive := demoArchive(t)
	_, hosts, source := codeHost(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	f := newTestFetcher(t, hosts, Options{})

	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "stale.txt"), []byte("old"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(target, "old", "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "app.py"), []byte("old"), 0o644))

	_, err := f.Fetch(context.Background(), source, "main", target)
	require.NoError(t, err)
	assert.Equal(t, []string{"app.py", "lib/util.py"}, listTree(t, target))
}

func TestFetch_PreservePatterns(t *testing.T) {
	archive := buildArchive(t, []tarEntry{
		{name: "demo-main/", typeflag: tar.TypeDir},
		{name: "demo-main/app.py", body: "new"},
		{name: "demo-main/.env", body: "FROM_ARCHIVE=1"},
	})
	_, hosts, source := codeHost(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	f := newTestFetcher(t, hosts, Options{Preserve: []string{".env", "venv"}})

	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, ".env"), []byte("SECRET=1"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(target, "venv", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "venv", "bin", "python"), []byte("py"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "stale.txt"), []byte("old"), 0o644))

	_, err := f.Fetch(context.Background(), source, "main", target)
	require.NoError(t, err)

	assert.Equal(t, []string{".env", "app.py", "venv/bin/python"}, listTree(t, target))
	data, err := os.ReadFile(filepath.Join(target, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "SECRET=1", string(data), "preserved entries are not overwritten")
}

func TestFetch_UnsupportedHostLeavesTargetUntouched(t *testing.T) {
	f := newTestFetcher(t, NewHostTable(nil), Options{})
	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep.txt"), []byte("x"), 0o644))

	_, err := f.Fetch(context.Background(), "https://codehost.example/alice/demo", "main", target)
	require.Error(t, err)
	assert.Equal(t, UnsupportedHost, KindOf(err))
	assert.Equal(t, []string{"keep.txt"}, listTree(t, target))
}

func TestFetch_Non2xxIsDownloadFailed(t *testing.T) {
	_, hosts, source := codeHost(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	f := newTestFetcher(t, hosts, Options{})
	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep.txt"), []byte("x"), 0o644))

	_, err := f.Fetch(context.Background(), source, "nope", target)
	require.Error(t, err)
	assert.Equal(t, DownloadFailed, KindOf(err))
	assert.Contains(t, err.Error(), "HTTP 404")
	assert.Equal(t, []string{"keep.txt"}, listTree(t, target))
}

func TestFetch_TimeoutIsDownloadFailed(t *testing.T) {
	release := make(chan struct{})
	_, hosts, source := codeHost(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	t.Cleanup(func() { close(release) })
	f := newTestFetcher(t, hosts, Options{Timeout: 50 * time.Millisecond})

	_, err := f.Fetch(context.Background(), source, "main", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, DownloadFailed, KindOf(err))
}

func TestFetch_OversizedArchive(t *testing.T) {
	archive := demoArchive(t)
	_, hosts, source := codeHost(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	f := newTestFetcher(t, hosts, Options{MaxArchiveBytes: 10})

	_, err := f.Fetch(context.Background(), source, "main", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, DownloadFailed, KindOf(err))
}

func TestFetch_EmptyOrMalformedArchive(t *testing.T) {
	cases := map[string][]byte{
		"not gzip":       []byte("definitely not an archive"),
		"no entries":     buildArchive(t, nil),
		"two top dirs":   buildArchive(t, []tarEntry{{name: "a/x", body: "1"}, {name: "b/y", body: "2"}}),
		"top-level file": buildArchive(t, []tarEntry{{name: "README", body: "hi"}}),
		"empty root dir": buildArchive(t, []tarEntry{{name: "demo-main/", typeflag: tar.TypeDir}}),
		"path traversal": buildArchive(t, []tarEntry{{name: "demo-main/../../evil", body: "x"}}),
	}
	for name, archive := range cases {
		t.Run(name, func(t *testing.T) {
			_, hosts, source := codeHost(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write(archive)
			})
			f := newTestFetcher(t, hosts, Options{})
			target := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(target, "keep.txt"), []byte("x"), 0o644))

			_, err := f.Fetch(context.Background(), source, "main", target)
			require.Error(t, err)
			assert.Equal(t, EmptyArchive, KindOf(err))
			assert.Equal(t, []string{"keep.txt"}, listTree(t, target))
		})
	}
}

func TestFetch_CleansUpTempFiles(t *testing.T) {
	tmp := t.TempDir()
	target := filepath.Join(t.TempDir(), "ws")
	t.Setenv("TMPDIR", tmp)

	archive := demoArchive(t)
	_, hosts, source := codeHost(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	f := newTestFetcher(t, hosts, Options{})

	_, err := f.Fetch(context.Background(), source, "main", target)
	require.NoError(t, err)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "archive and scratch directory are removed")
}

func TestFetch_InvalidBranch(t *testing.T) {
	_, hosts, source := codeHost(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	f := newTestFetcher(t, hosts, Options{})

	_, err := f.Fetch(context.Background(), source, "../etc", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, DownloadFailed, KindOf(err))
}

func TestValidate(t *testing.T) {
	f := newTestFetcher(t, NewHostTable(nil), Options{})
	assert.NoError(t, f.Validate("https://github.com/alice/demo"))
	assert.Error(t, f.Validate("https://codehost.example/alice/demo"))
}

func TestNew_InvalidPreservePattern(t *testing.T) {
	_, err := New(Options{Preserve: []string{"[invalid"}})
	assert.Error(t, err)
}
