package fetch

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// unpack extracts a tar.gz archive into dir and returns the single
// top-level directory that holds the tree, plus a note for every entry
// that was dropped.
func unpack(archivePath, dir string) (string, []string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", nil, fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer func() { _ = gz.Close() }()

	dropped, err := extractTar(gz, dir)
	if err != nil {
		return "", nil, err
	}
	root, err := singleRoot(dir)
	if err != nil {
		return "", nil, err
	}
	return root, dropped, nil
}

func extractTar(r io.Reader, dir string) ([]string, error) {
	var dropped []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return dropped, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar entry: %w", err)
		}

		// Code hosts prepend a pax global header carrying the commit id.
		if hdr.Typeflag == tar.TypeXGlobalHeader || hdr.Name == "pax_global_header" {
			continue
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return nil, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("creating directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return nil, fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if !linkStaysInTree(dir, hdr.Name, target, hdr.Linkname) {
				dropped = append(dropped, fmt.Sprintf("symlink %s -> %s points outside the tree", hdr.Name, hdr.Linkname))
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, fmt.Errorf("creating directory for %s: %w", hdr.Name, err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return nil, fmt.Errorf("creating symlink %s: %w", hdr.Name, err)
			}
		default:
			// Devices, fifos and hard links have no place in a source snapshot.
		}
	}
}

// linkStaysInTree reports whether a relative symlink at target, extracted
// from entry name, resolves inside the archive's top-level directory.
func linkStaysInTree(dir, name, target, linkname string) bool {
	if linkname == "" || filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return false
	}
	root := dir
	if top, rest, ok := strings.Cut(strings.TrimPrefix(name, "./"), "/"); ok && top != "" && rest != "" {
		root = filepath.Join(dir, top)
	}
	resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(linkname))
	return within(root, resolved)
}

// within reports whether path is base or lies below it.
func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// safeJoin joins name onto base and rejects paths that escape base.
func safeJoin(base, name string) (string, error) {
	target := filepath.Join(base, filepath.FromSlash(name))
	if !within(base, target) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// singleRoot returns the only directory directly under dir.
func singleRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading extracted archive: %w", err)
	}
	switch {
	case len(entries) == 0:
		return "", errors.New("archive is empty")
	case len(entries) > 1:
		return "", fmt.Errorf("archive has %d top-level entries, want exactly one directory", len(entries))
	case !entries[0].IsDir():
		return "", fmt.Errorf("archive top-level entry %q is not a directory", entries[0].Name())
	}
	root := filepath.Join(dir, entries[0].Name())
	inner, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("reading extracted archive: %w", err)
	}
	if len(inner) == 0 {
		return "", errors.New("archive tree is empty")
	}
	return root, nil
}
