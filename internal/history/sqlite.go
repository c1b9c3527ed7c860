package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/dm/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultListLimit applies when List is called with limit <= 0.
const DefaultListLimit = 20

// Recorder persists deployment history.
type Recorder interface {
	Record(ctx context.Context, d *models.Deployment) error
	List(ctx context.Context, project string, limit int) ([]*models.Deployment, error)
}

// SQLiteStore implements Recorder using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; concurrent HTTP handlers queue in the pool
	// instead of hitting "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Record(ctx context.Context, d *models.Deployment) error {
	if d.ID == "" {
		d.ID = newULID()
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now().UTC()
	}
	if d.FinishedAt.IsZero() {
		d.FinishedAt = d.StartedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (id, project, action, trigger_source, status, error, install_status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Project, string(d.Action), d.Trigger, string(d.Status), d.Error, d.InstallStatus,
		d.StartedAt.UTC(), d.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record deployment: %w", err)
	}
	return nil
}

// List returns the most recent deployments of project, newest first. An
// empty project lists across all projects.
func (s *SQLiteStore) List(ctx context.Context, project string, limit int) ([]*models.Deployment, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var rows *sql.Rows
	var err error
	if project != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, project, action, trigger_source, status, error, install_status, started_at, finished_at
			FROM deployments WHERE project = ? ORDER BY started_at DESC, id DESC LIMIT ?`, project, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, project, action, trigger_source, status, error, install_status, started_at, finished_at
			FROM deployments ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Deployment
	for rows.Next() {
		d := &models.Deployment{}
		var action, status string
		if err := rows.Scan(&d.ID, &d.Project, &action, &d.Trigger, &status, &d.Error, &d.InstallStatus, &d.StartedAt, &d.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		d.Action = models.DeploymentAction(action)
		d.Status = models.DeploymentStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Purge deletes all history for project, returning the number of rows removed.
func (s *SQLiteStore) Purge(ctx context.Context, project string) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM deployments WHERE project = ?", project)
	if err != nil {
		return 0, fmt.Errorf("purge deployments: %w", err)
	}
	return result.RowsAffected()
}
