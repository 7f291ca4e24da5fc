package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding documents, their full-text
// index, embedding vectors, and the learning task queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database
// (used by tests).
func Open(dataDir string) (*Store, error) {
	return OpenFile(dataDir, "engram.db")
}

// OpenFile is like Open but with an explicit database file name, used
// when several isolated memory spaces share one data directory.
func OpenFile(dataDir, name string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, name)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying database handle so the vector index can
// share the same file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Documents ---

const documentColumns = "id, content, entities, problem_class, source, created_at, updated_at"

// InsertDocument writes a single document row.
func (s *Store) InsertDocument(doc Document) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	if err := insertDocumentTx(tx, doc); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// InsertDocuments writes all documents in one transaction; on error no
// row is left behind.
func (s *Store) InsertDocuments(docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning batch insert transaction: %w", err)
	}
	for _, doc := range docs {
		if err := insertDocumentTx(tx, doc); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func insertDocumentTx(tx *sql.Tx, doc Document) error {
	entities, err := marshalEntities(doc.Entities)
	if err != nil {
		return fmt.Errorf("marshalling entities for %s: %w", doc.ID, err)
	}
	_, err = tx.Exec(`
		INSERT INTO documents (id, content, entities, problem_class, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Content, entities, doc.ProblemClass, doc.Source,
		doc.CreatedAt.UTC().Format(time.RFC3339), doc.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}
	return nil
}

// GetDocument returns the document with the given id, or ErrNotFound.
func (s *Store) GetDocument(id string) (Document, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	return doc, err
}

// UpdateDocument overwrites content, entities and problem_class of an
// existing document and bumps updated_at. Returns ErrNotFound if the
// id is absent.
func (s *Store) UpdateDocument(id, content string, entities []string, problemClass string) error {
	entitiesJSON, err := marshalEntities(entities)
	if err != nil {
		return fmt.Errorf("marshalling entities for %s: %w", id, err)
	}
	res, err := s.db.Exec(`
		UPDATE documents SET content = ?, entities = ?, problem_class = ?, updated_at = ?
		WHERE id = ?`,
		content, entitiesJSON, problemClass, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RestoreDocument puts back a previously read row verbatim, including
// its updated_at. Used to compensate a failed vector replacement.
func (s *Store) RestoreDocument(doc Document) error {
	entities, err := marshalEntities(doc.Entities)
	if err != nil {
		return fmt.Errorf("marshalling entities for %s: %w", doc.ID, err)
	}
	res, err := s.db.Exec(`
		UPDATE documents SET content = ?, entities = ?, problem_class = ?, source = ?, updated_at = ?
		WHERE id = ?`,
		doc.Content, entities, doc.ProblemClass, doc.Source,
		doc.UpdatedAt.UTC().Format(time.RFC3339), doc.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDocument removes a document row. Returns ErrNotFound if absent.
func (s *Store) DeleteDocument(id string) error {
	res, err := s.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDocuments removes the given ids; missing ids are ignored.
// Used to roll back a partially applied batch.
func (s *Store) DeleteDocuments(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `DELETE FROM documents WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	_, err := s.db.Exec(query, args...)
	return err
}

// ListDocuments returns documents ordered by creation time (newest
// first), then id for a stable order within equal timestamps.
func (s *Store) ListDocuments(limit, offset int) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT `+documentColumns+` FROM documents
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// AllDocuments returns every document, newest first.
func (s *Store) AllDocuments() ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT ` + documentColumns + ` FROM documents ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// GetDocuments returns documents matching the given ids. Missing ids
// are silently skipped; the result order is unspecified.
func (s *Store) GetDocuments(ids []string) ([]Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// FindDocumentByContent returns the id of a document whose content is
// byte-identical to the given text, or ErrNotFound. The background
// worker uses this to make re-applying a NEW decision idempotent.
func (s *Store) FindDocumentByContent(content string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM documents WHERE content = ? LIMIT 1`, content).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

// DocumentIDs returns the set of all document ids.
func (s *Store) DocumentIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM documents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountDocuments returns the number of stored documents.
func (s *Store) CountDocuments() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// ClearDocuments removes all document rows (the FTS index follows via
// triggers). The vector index is cleared separately by the caller.
func (s *Store) ClearDocuments() error {
	_, err := s.db.Exec(`DELETE FROM documents`)
	return err
}

// SearchText runs a full-text query over content, entities and
// problem_class, ranked by bm25 (best match first). Query terms are
// quoted so user input cannot inject FTS5 operators.
func (s *Store) SearchText(query string, limit int) ([]Document, error) {
	match := ftsMatchExpr(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT d.id, d.content, d.entities, d.problem_class, d.source, d.created_at, d.updated_at
		FROM documents_fts f
		JOIN documents d ON d.id = f.doc_id
		WHERE documents_fts MATCH ?
		ORDER BY bm25(documents_fts)
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// ftsMatchExpr turns free-form user text into a safe FTS5 match
// expression: each whitespace-separated term is double-quoted and the
// terms are OR-ed together.
func ftsMatchExpr(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var entities, createdAt, updatedAt string
	if err := row.Scan(&d.ID, &d.Content, &entities, &d.ProblemClass, &d.Source, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}
	if err := json.Unmarshal([]byte(entities), &d.Entities); err != nil {
		return Document{}, fmt.Errorf("parsing entities for %s: %w", d.ID, err)
	}
	var err error
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at for %s: %w", d.ID, err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at for %s: %w", d.ID, err)
	}
	return d, nil
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func marshalEntities(entities []string) (string, error) {
	if entities == nil {
		return "[]", nil
	}
	b, err := json.Marshal(entities)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
