// Package registry keeps the ingest ledger in SQLite: one row per ingested
// document recording the content hash, so re-ingestion of unchanged files can
// be skipped and the API can list what the engine knows about.
package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/QuillAI/quill-engine/pkg/repo"
)

// ErrNotFound is returned when a document is not in the ledger.
var ErrNotFound = errors.New("registry: document not found")

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	source_uri     TEXT NOT NULL UNIQUE,
	content_sha256 TEXT NOT NULL,
	chunk_count    INTEGER NOT NULL,
	ingested_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_sha ON documents(content_sha256);
`

// Entry is one ledger row.
type Entry struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	SourceURI     string    `json:"source_uri"`
	ContentSHA256 string    `json:"content_sha256"`
	ChunkCount    int       `json:"chunk_count"`
	IngestedAt    time.Time `json:"ingested_at"`
}

// DocumentID produces a deterministic ID from a source URI.
func DocumentID(sourceURI string) string {
	h := sha256.Sum256([]byte(sourceURI))
	return fmt.Sprintf("%x", h[:16])
}

// ContentHash hashes document text for change detection.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h)
}

// Ledger is the SQLite-backed ingest ledger.
type Ledger struct {
	db *sql.DB
}

// Compile-time interface check.
var _ repo.Repository[Entry, string] = (*Ledger)(nil)

// Open opens (and if needed creates) the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: apply schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Upsert records a document ingest, replacing any previous entry for the
// same source URI. This is the write path used by the ingest pipeline.
func (l *Ledger) Upsert(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, source_uri, content_sha256, chunk_count, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_uri) DO UPDATE SET
			id = excluded.id,
			title = excluded.title,
			content_sha256 = excluded.content_sha256,
			chunk_count = excluded.chunk_count,
			ingested_at = excluded.ingested_at`,
		e.ID, e.Title, e.SourceURI, e.ContentSHA256, e.ChunkCount, e.IngestedAt.Unix())
	if err != nil {
		return fmt.Errorf("registry: upsert %s: %w", e.SourceURI, err)
	}
	return nil
}

// Get returns the entry with the given document ID.
func (l *Ledger) Get(ctx context.Context, id string) (Entry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, title, source_uri, content_sha256, chunk_count, ingested_at
		FROM documents WHERE id = ?`, id)
	return scanEntry(row)
}

// BySource returns the entry for a source URI.
func (l *Ledger) BySource(ctx context.Context, sourceURI string) (Entry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, title, source_uri, content_sha256, chunk_count, ingested_at
		FROM documents WHERE source_uri = ?`, sourceURI)
	return scanEntry(row)
}

// List returns entries newest first.
func (l *Ledger) List(ctx context.Context, opts repo.ListOpts) ([]Entry, error) {
	offset, limit := opts.Window()
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, title, source_uri, content_sha256, chunk_count, ingested_at
		FROM documents ORDER BY ingested_at DESC, id ASC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Create inserts a new entry; it fails if the source URI is already known.
func (l *Ledger) Create(ctx context.Context, e Entry) (Entry, error) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, source_uri, content_sha256, chunk_count, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Title, e.SourceURI, e.ContentSHA256, e.ChunkCount, e.IngestedAt.Unix())
	if err != nil {
		return Entry{}, fmt.Errorf("registry: create %s: %w", e.SourceURI, err)
	}
	return e, nil
}

// Update rewrites an existing entry by ID.
func (l *Ledger) Update(ctx context.Context, e Entry) (Entry, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE documents
		SET title = ?, source_uri = ?, content_sha256 = ?, chunk_count = ?, ingested_at = ?
		WHERE id = ?`,
		e.Title, e.SourceURI, e.ContentSHA256, e.ChunkCount, e.IngestedAt.Unix(), e.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("registry: update %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entry{}, err
	}
	if n == 0 {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Delete removes an entry by ID. Deleting an unknown ID is a no-op.
func (l *Ledger) Delete(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("registry: delete %s: %w", id, err)
	}
	return nil
}

// Count reports the number of ledger entries.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("registry: count: %w", err)
	}
	return n, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var ingested int64
	err := s.Scan(&e.ID, &e.Title, &e.SourceURI, &e.ContentSHA256, &e.ChunkCount, &ingested)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("registry: scan: %w", err)
	}
	e.IngestedAt = time.Unix(ingested, 0).UTC()
	return e, nil
}
