//go:build !windows

package fetch

import (
	"archive/tar"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplace_OneBadEntryDoesNotBlockTheRest(t *testing.T) {
	src := t.TempDir()
	for i := 0; i < 999; i++ {
		name := filepath.Join(src, fmt.Sprintf("file-%03d.txt", i))
		require.NoError(t, os.WriteFile(name, []byte("ok"), 0o644))
	}
	// A fifo cannot be copied into a snapshot.
	require.NoError(t, syscall.Mkfifo(filepath.Join(src, "pipe"), 0o644))

	f := newTestFetcher(t, NewHostTable(nil), Options{})
	target := t.TempDir()
	report := &Report{}
	require.NoError(t, f.replace(src, target, report))

	assert.Equal(t, 999, report.Files)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "pipe")

	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	assert.Len(t, entries, 999)
}

func TestReplace_KeepsSymlinks(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "real.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink("real.txt", filepath.Join(src, "link.txt")))

	f := newTestFetcher(t, NewHostTable(nil), Options{})
	target := t.TempDir()
	require.NoError(t, f.replace(src, target, &Report{}))

	link, err := os.Readlink(filepath.Join(target, "link.txt"))
	require.NoError(t, err)
	assert.Equal(t, "real.txt", link)
}

func TestFetch_InTreeSymlinksSurvive(t *testing.T) {
	archive := buildArchive(t, []tarEntry{
		{name: "demo-main/", typeflag: tar.TypeDir},
		{name: "demo-main/README.md", body: "# demo\n"},
		{name: "demo-main/docs/", typeflag: tar.TypeDir},
		{name: "demo-main/docs/README", typeflag: tar.TypeSymlink, linkname: "../README.md"},
		{name: "demo-main/docs/deep/", typeflag: tar.TypeDir},
		{name: "demo-main/docs/deep/top", typeflag: tar.TypeSymlink, linkname: "../../README.md"},
		{name: "demo-main/escape", typeflag: tar.TypeSymlink, linkname: "../../etc/passwd"},
		{name: "demo-main/sibling", typeflag: tar.TypeSymlink, linkname: "../other-main/x"},
		{name: "demo-main/abs", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
	})
	_, hosts, source := codeHost(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	f := newTestFetcher(t, hosts, Options{})

	target := filepath.Join(t.TempDir(), "demo")
	report, err := f.Fetch(context.Background(), source, "main", target)
	require.NoError(t, err)

	for _, link := range []string{"docs/README", "docs/deep/top"} {
		data, err := os.ReadFile(filepath.Join(target, link))
		require.NoError(t, err, link)
		assert.Equal(t, "# demo\n", string(data))
	}
	dest, err := os.Readlink(filepath.Join(target, "docs", "README"))
	require.NoError(t, err)
	assert.Equal(t, "../README.md", dest)

	for _, name := range []string{"escape", "sibling", "abs"} {
		_, err := os.Lstat(filepath.Join(target, name))
		assert.True(t, os.IsNotExist(err), name)
	}
	require.Len(t, report.Warnings, 3)
	assert.Contains(t, report.Warnings[0], "demo-main/escape")
	assert.Contains(t, report.Warnings[1], "demo-main/sibling")
	assert.Contains(t, report.Warnings[2], "demo-main/abs")
}
