package fetch

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// replace swaps targetDir's contents for the tree at src.
//
// Removal and copy are best-effort per entry: a failing entry is recorded
// as a warning and the rest of the tree is still processed. Entries matching
// the preserve patterns are neither removed nor overwritten.
func (f *HTTPFetcher) replace(src, targetDir string, report *Report) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	existing, err := os.ReadDir(targetDir)
	if err != nil {
		return fmt.Errorf("read workspace: %w", err)
	}
	for _, entry := range existing {
		if f.preserved(entry.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(targetDir, entry.Name())); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("remove %s: %v", entry.Name(), err))
		}
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if walkErr != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("read %s: %v", rel, walkErr))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if rel == "." {
			return nil
		}
		if f.preserved(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		dst := filepath.Join(targetDir, rel)
		if err := copyEntry(path, dst, d); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("copy %s: %v", rel, err))
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			report.Files++
			if info, err := d.Info(); err == nil && info.Mode().IsRegular() {
				report.Bytes += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("copy snapshot: %w", err)
	}
	return nil
}

func (f *HTTPFetcher) preserved(rel string) bool {
	if f.preserve == nil {
		return false
	}
	match, err := f.preserve.MatchesOrParentMatches(filepath.ToSlash(rel))
	return err == nil && match
}

func copyEntry(src, dst string, d fs.DirEntry) error {
	switch {
	case d.IsDir():
		return os.MkdirAll(dst, 0o755)
	case d.Type()&fs.ModeSymlink != 0:
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(link, dst)
	case d.Type().IsRegular():
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(src, dst, info.Mode().Perm())
	default:
		return fmt.Errorf("unsupported file type %s", d.Type())
	}
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
