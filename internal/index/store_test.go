package index

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanstream/backend/internal/index/migrations"
	"github.com/scanstream/backend/internal/scan"
)

// setupTestStore creates a store in a temporary directory.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func storeDocs(t *testing.T, s *Store, docs ...scan.Document) {
	t.Helper()
	for _, d := range docs {
		require.NoError(t, s.Store(context.Background(), d))
	}
}

func TestNewStore_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, filepath.Join(dir, "index.db"), s.Path())
	assert.FileExists(t, s.Path())
}

func TestNewStore_ReopenKeepsDocuments(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	storeDocs(t, s, scan.Document{Sequence: "1", Text: "alpha", Location: "c/capture_1.jpg"})
	require.NoError(t, s.Close())

	s, err = NewStore(dir)
	require.NoError(t, err)
	defer s.Close()

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStoreAndList(t *testing.T) {
	s := setupTestStore(t)
	storeDocs(t, s,
		scan.Document{Sequence: "10", Text: "tenth page", Location: "c/capture_10.jpg"},
		scan.Document{Sequence: "2", Text: "second page", Location: "c/capture_2.jpg"},
		scan.Document{Sequence: "3", Text: "", Location: "c/capture_3.jpg"},
	)

	hits, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, hits, 3)

	// Numeric page order, not lexical.
	assert.Equal(t, "2", hits[0].Sequence)
	assert.Equal(t, "3", hits[1].Sequence)
	assert.Equal(t, "10", hits[2].Sequence)
	assert.Equal(t, "second page", hits[0].Text)
	assert.Equal(t, "c/capture_2.jpg", hits[0].Location)
	assert.False(t, hits[0].CreatedAt.IsZero())
}

func TestClearAll(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	storeDocs(t, s,
		scan.Document{Sequence: "1", Text: "a", Location: "x_1.jpg"},
		scan.Document{Sequence: "2", Text: "b", Location: "x_2.jpg"},
	)

	require.NoError(t, s.ClearAll(ctx))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Clearing an empty index is fine.
	require.NoError(t, s.ClearAll(ctx))
}

func TestSearch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	storeDocs(t, s,
		scan.Document{Sequence: "1", Text: "The invoice total is due in March.", Location: "x_1.jpg"},
		scan.Document{Sequence: "2", Text: "Invoice number 42. Invoice date: March 3.", Location: "x_2.jpg"},
		scan.Document{Sequence: "3", Text: "Meeting notes about the garden.", Location: "x_3.jpg"},
		scan.Document{Sequence: "4", Text: "Discount of 100% applied_now", Location: "x_4.jpg"},
		scan.Document{Sequence: "5", Text: "ÉTÉ À PARIS", Location: "x_5.jpg"},
	)

	tests := []struct {
		name  string
		query string
		limit int
		want  []string
	}{
		{"single term ranked by matches", "invoice", 0, []string{"2", "1"}},
		{"all terms required", "invoice march due", 0, []string{"1"}},
		{"case insensitive", "GARDEN", 0, []string{"3"}},
		{"non-ascii lower query", "été", 0, []string{"5"}},
		{"non-ascii upper query", "ÉTÉ à", 0, []string{"5"}},
		{"no match", "zebra", 0, nil},
		{"percent is literal", "100%", 0, []string{"4"}},
		{"underscore is literal", "t_e", 0, nil},
		{"limit", "invoice", 1, []string{"2"}},
		{"empty query lists all", "  ", 2, []string{"1", "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := s.Search(ctx, tt.query, tt.limit)
			require.NoError(t, err)
			var got []string
			for _, h := range hits {
				got = append(got, h.Sequence)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearchCountsMatches(t *testing.T) {
	s := setupTestStore(t)
	storeDocs(t, s, scan.Document{Sequence: "1", Text: "ab ab ab", Location: "x_1.jpg"})

	hits, err := s.Search(context.Background(), "ab", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 3, hits[0].Matches)
}

func TestMigrationBackfillsSearchText(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), dbFileName))
	require.NoError(t, err)
	s := &Store{db: db}
	t.Cleanup(func() { assert.NoError(t, s.Close()) })

	first, err := fs.ReadFile(migrations.FS, "001_documents.up.sql")
	require.NoError(t, err)
	require.NoError(t, s.migrate(fstest.MapFS{"001_documents.up.sql": {Data: first}}))

	_, err = db.ExecContext(ctx, `
		INSERT INTO documents (page_number, text, file_path, created_at)
		VALUES ('1', 'Old Page', 'x_1.jpg', CURRENT_TIMESTAMP)
	`)
	require.NoError(t, err)

	require.NoError(t, s.migrate(migrations.FS))

	hits, err := s.Search(ctx, "old", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Old Page", hits[0].Text)
}
