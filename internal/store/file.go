package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/tidwall/jsonc"
)

// document is the on-disk layout of the store file.
type document struct {
	Projects Projects `json:"projects"`
}

// FileStore implements Store as a single JSON file.
//
// Writes go to a temp file in the same directory which is then renamed over
// the previous file; the previous file is kept as <path>.bak. A flock on
// <path>.lock serialises writers across processes.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	lock *flock.Flock
}

// NewFileStore returns a FileStore at path, creating its parent directory.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		path:   path,
		logger: logger,
		lock:   flock.New(path + ".lock"),
	}, nil
}

// Path returns the store file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load() Projects {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.RLock(); err != nil {
		s.logger.Warn("store: shared lock failed, reading unlocked", "path", s.path, "error", err)
	} else {
		defer func() { _ = s.lock.Unlock() }()
	}
	return s.load()
}

func (s *FileStore) Save(projects Projects) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return s.save(projects)
}

func (s *FileStore) Update(fn func(Projects) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	projects := s.load()
	if err := fn(projects); err != nil {
		return err
	}
	return s.save(projects)
}

// load reads the main file, falling back to the backup when the main file
// is unreadable or malformed.
func (s *FileStore) load() Projects {
	projects, err := readDocument(s.path)
	if err == nil {
		return projects
	}
	if os.IsNotExist(err) {
		if _, statErr := os.Stat(s.path + ".bak"); statErr != nil {
			return Projects{}
		}
	} else {
		s.logger.Warn("store: read failed, trying backup", "path", s.path, "error", err)
	}

	projects, bakErr := readDocument(s.path + ".bak")
	if bakErr != nil {
		if !os.IsNotExist(bakErr) {
			s.logger.Warn("store: backup unreadable, starting empty", "path", s.path+".bak", "error", bakErr)
		}
		return Projects{}
	}
	return projects
}

func readDocument(path string) (Projects, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Projects == nil {
		doc.Projects = Projects{}
	}
	for name, rec := range doc.Projects {
		if rec == nil {
			delete(doc.Projects, name)
			continue
		}
		if rec.Name == "" {
			rec.Name = name
		}
	}
	return doc.Projects, nil
}

func (s *FileStore) save(projects Projects) error {
	if projects == nil {
		projects = Projects{}
	}
	data, err := json.MarshalIndent(document{Projects: projects}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "projects-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}

	successful := false
	defer func() {
		if !successful {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	backupPath := s.path + ".bak"
	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, backupPath); err != nil {
			return fmt.Errorf("backup store file: %w", err)
		}
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		if _, backupErr := os.Stat(backupPath); backupErr == nil {
			_ = os.Rename(backupPath, s.path)
		}
		return fmt.Errorf("activate store file: %w", err)
	}

	successful = true
	return nil
}
