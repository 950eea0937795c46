// Package index stores cleaned page text in SQLite and serves keyword search
// over it.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scanstream/backend/internal/index/migrations"
	"github.com/scanstream/backend/internal/scan"
)

const dbFileName = "index.db"

// Store is the document index. All methods are safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Hit is one search result.
type Hit struct {
	scan.Document
	Matches   int       `json:"matches"`
	CreatedAt time.Time `json:"created_at"`
}

// NewStore opens (or creates) the index under dataDir. An empty dataDir
// defaults to ~/.scanstream/data.
func NewStore(dataDir string) (*Store, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".scanstream", "data")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, dbFileName)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate(fsys fs.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			upFiles = append(upFiles, e.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// Store writes one document. Documents are never updated afterwards.
// search_text holds the Unicode-lowercased text, since SQLite's LOWER only
// folds ASCII.
func (s *Store) Store(ctx context.Context, doc scan.Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (page_number, text, search_text, file_path, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, doc.Sequence, doc.Text, strings.ToLower(doc.Text), doc.Location, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

// ClearAll removes every document. Called at the start of each scan run.
func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents"); err != nil {
		return fmt.Errorf("clearing documents: %w", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

// List returns all documents in page order.
func (s *Store) List(ctx context.Context) ([]Hit, error) {
	return s.query(ctx, `
		SELECT page_number, text, file_path, created_at FROM documents
		ORDER BY CAST(page_number AS INTEGER), id
	`)
}

// Search returns documents containing every whitespace-separated term of
// query (case-insensitive), best matches first. An empty query lists all.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		hits, err := s.List(ctx)
		if err != nil {
			return nil, err
		}
		return truncate(hits, limit), nil
	}

	var where []string
	args := make([]any, 0, len(terms))
	for _, term := range terms {
		where = append(where, `search_text LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(term)+"%")
	}
	hits, err := s.query(ctx, `
		SELECT page_number, text, file_path, created_at FROM documents
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY CAST(page_number AS INTEGER), id
	`, args...)
	if err != nil {
		return nil, err
	}

	for i := range hits {
		lower := strings.ToLower(hits[i].Text)
		for _, term := range terms {
			hits[i].Matches += strings.Count(lower, term)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Matches > hits[j].Matches })
	return truncate(hits, limit), nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.Sequence, &h.Text, &h.Location, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func truncate(hits []Hit, limit int) []Hit {
	if limit > 0 && len(hits) > limit {
		return hits[:limit]
	}
	return hits
}
