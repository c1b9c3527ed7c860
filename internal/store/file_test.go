package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/dm/internal/models"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "config", "projects.json"), nil)
	require.NoError(t, err)
	return s
}

func sampleProject(name string) *models.Project {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Project{
		Name:          name,
		SourceURL:     "https://github.com/alice/" + name,
		Branch:        "main",
		WorkspacePath: "/srv/projects/" + name,
		CreatedAt:     now,
		LastUpdatedAt: now,
		DeployCount:   1,
	}
}

func TestNewFileStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	_, err := NewFileStore(filepath.Join(dir, "nested", "projects.json"), nil)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "nested"))
	assert.NoError(t, err, "should create parent directory")
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)
	projects := s.Load()
	assert.NotNil(t, projects)
	assert.Empty(t, projects)
}

func TestSaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	p := sampleProject("demo")

	require.NoError(t, s.Save(Projects{"demo": p}))

	loaded := s.Load()
	require.Contains(t, loaded, "demo")
	got := loaded["demo"]
	assert.Equal(t, p.SourceURL, got.SourceURL)
	assert.Equal(t, p.Branch, got.Branch)
	assert.Equal(t, p.WorkspacePath, got.WorkspacePath)
	assert.True(t, p.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, 1, got.DeployCount)
}

func TestSave_KeepsBackupAndNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Projects{"one": sampleProject("one")}))
	require.NoError(t, s.Save(Projects{"two": sampleProject("two")}))

	_, err := os.Stat(s.Path() + ".bak")
	assert.NoError(t, err, "previous state should be kept as backup")

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(s.Path()), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	loaded := s.Load()
	assert.Contains(t, loaded, "two")
	assert.NotContains(t, loaded, "one")
}

func TestLoad_MalformedFallsBackToBackup(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Projects{"one": sampleProject("one")}))
	require.NoError(t, s.Save(Projects{"two": sampleProject("two")}))

	// Simulate a truncated main file.
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"projects": {"tw`), 0o644))

	loaded := s.Load()
	assert.Contains(t, loaded, "one")
}

func TestLoad_MalformedWithoutBackupIsEmpty(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("not json"), 0o644))

	assert.Empty(t, s.Load())
}

func TestLoad_ToleratesCommentsAndLegacyRecords(t *testing.T) {
	s := newTestStore(t)
	legacy := `{
  // edited by hand
  "projects": {
    "bot": {
      "repo_url": "https://github.com/alice/bot.git",
      "branch": "main",
      "path": "/app/projects/bot",
    }
  }
}`
	require.NoError(t, os.WriteFile(s.Path(), []byte(legacy), 0o644))

	loaded := s.Load()
	require.Contains(t, loaded, "bot")
	assert.Equal(t, "bot", loaded["bot"].Name, "name is filled from the map key")
	assert.Equal(t, "/app/projects/bot", loaded["bot"].WorkspacePath)
}

func TestUpdate_AppliesAndPersists(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Projects{"demo": sampleProject("demo")}))

	err := s.Update(func(p Projects) error {
		p["demo"].UpdateCount++
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, s.Load()["demo"].UpdateCount)
}

func TestUpdate_ErrorSkipsSave(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Projects{"demo": sampleProject("demo")}))

	boom := errors.New("boom")
	err := s.Update(func(p Projects) error {
		delete(p, "demo")
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, s.Load(), "demo")
}

func TestSave_UnwritableDirectoryFails(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	s := newTestStore(t)
	dir := filepath.Dir(s.Path())
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	err := s.Save(Projects{"demo": sampleProject("demo")})
	assert.Error(t, err)
}

func TestProjects_NamesSortedAndClone(t *testing.T) {
	p := Projects{"b": sampleProject("b"), "a": sampleProject("a")}
	assert.Equal(t, []string{"a", "b"}, p.Names())

	c := p.Clone()
	c["a"].DeployCount = 99
	assert.Equal(t, 1, p["a"].DeployCount)
}
