// Package store provides the durable client-side state for the sync engine:
// documents with their revision metadata, the pending-change queue, and the
// per-store identity configuration.
//
// The database is embedded SQLite (ncruces/go-sqlite3) in WAL mode so the
// heartbeat goroutine and command callers can read concurrently with writes.
// Everything in this package survives process restart; pending changes in
// particular persist until they are acknowledged.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/replidoc/replidoc/internal/document"
)

var (
	// ErrNotFound is returned when a document id is not in the store.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned by Put when the caller's base revision does not
	// match the currently stored revision (optimistic concurrency).
	ErrConflict = errors.New("revision conflict")
)

// Event describes a successful write to the document table. Local reports
// whether the write originated from a local edit (Put) as opposed to
// server-resolved state (ForcePut); the sync engine uses this to decide
// whether a pending change should be enqueued.
type Event struct {
	Doc   document.Document
	Local bool
}

// Store wraps the SQLite database holding documents, pending changes, and
// identity configuration for one client instance.
type Store struct {
	conn *sql.DB
	path string

	subsMu sync.Mutex
	subs   []func(Event)
}

// Open creates a store at the specified path, creating the parent directory
// and schema as needed.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dir, "replidoc.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	// WAL for concurrent readers during writes
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := st.initSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.conn = nil
	return nil
}

// initSchema creates tables and indexes. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		rev_seq INTEGER NOT NULL,
		rev_writer TEXT NOT NULL,
		server_seq INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (owner_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_id ON documents(id);
	CREATE INDEX IF NOT EXISTS idx_documents_listing ON documents(owner_id, deleted);

	CREATE TABLE IF NOT EXISTS pending_changes (
		local_seq INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id TEXT NOT NULL,
		base_rev_seq INTEGER NOT NULL,
		base_rev_writer TEXT NOT NULL,
		patch TEXT NOT NULL,
		created INTEGER NOT NULL DEFAULT 0,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		queued_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_doc ON pending_changes(document_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Subscribe registers a callback invoked synchronously after every successful
// document write. Callbacks must not call back into the store.
func (s *Store) Subscribe(fn func(Event)) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) notify(ev Event) {
	s.subsMu.Lock()
	subs := make([]func(Event), len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Put inserts or overwrites a document with optimistic concurrency: the
// caller's base revision must match the stored revision (a zero base means
// the document must not exist yet). Returns ErrConflict otherwise.
//
// A successful Put emits a change notification with Local=true.
func (s *Store) Put(ctx context.Context, doc *document.Document, base document.Revision) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var curSeq uint64
	var curWriter string
	err = tx.QueryRowContext(ctx,
		`SELECT rev_seq, rev_writer FROM documents WHERE owner_id = ? AND id = ?`,
		doc.OwnerID.String(), doc.ID.String(),
	).Scan(&curSeq, &curWriter)

	switch {
	case err == sql.ErrNoRows:
		if !base.IsZero() {
			return fmt.Errorf("put %s against %s: %w", doc.ID, base, ErrConflict)
		}
	case err != nil:
		return fmt.Errorf("failed to read current revision: %w", err)
	default:
		if curSeq != base.Seq || curWriter != base.Writer {
			return fmt.Errorf("put %s against %s (stored %d-%s): %w",
				doc.ID, base, curSeq, curWriter, ErrConflict)
		}
	}

	if err := upsertDocument(ctx, tx, doc); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit put: %w", err)
	}

	s.notify(Event{Doc: *doc, Local: true})
	return nil
}

// ForcePut overwrites a document with server-resolved state, bypassing the
// base-revision check. Only the sync engine's apply path uses this; local
// edits go through Put.
func (s *Store) ForcePut(ctx context.Context, doc *document.Document) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertDocument(ctx, tx, doc); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit put: %w", err)
	}

	s.notify(Event{Doc: *doc, Local: false})
	return nil
}

func upsertDocument(ctx context.Context, tx *sql.Tx, doc *document.Document) error {
	query := `
	INSERT INTO documents (
		id, owner_id, title, body, rev_seq, rev_writer,
		server_seq, deleted, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(owner_id, id) DO UPDATE SET
		title = excluded.title,
		body = excluded.body,
		rev_seq = excluded.rev_seq,
		rev_writer = excluded.rev_writer,
		server_seq = excluded.server_seq,
		deleted = excluded.deleted,
		updated_at = excluded.updated_at
	`

	_, err := tx.ExecContext(ctx, query,
		doc.ID.String(),
		doc.OwnerID.String(),
		doc.Title,
		doc.Body,
		doc.Revision.Seq,
		doc.Revision.Writer,
		doc.ServerSeq,
		boolToInt(doc.Deleted),
		doc.CreatedAt.UTC().Format(time.RFC3339Nano),
		doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", doc.ID, err)
	}

	return nil
}

// Get retrieves one of owner's documents by id, tombstoned or not.
// Returns ErrNotFound if the owner has no document with that id.
func (s *Store) Get(ctx context.Context, owner, id uuid.UUID) (*document.Document, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, owner_id, title, body, rev_seq, rev_writer,
	       server_seq, deleted, created_at, updated_at
	FROM documents
	WHERE owner_id = ? AND id = ?
	`, owner.String(), id.String())

	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return doc, nil
}

// SetServerSeq records the last revision sequence the server acknowledged for
// a document. Zero means the server has never seen it.
func (s *Store) SetServerSeq(ctx context.Context, owner, id uuid.UUID, seq uint64) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE documents SET server_seq = ? WHERE owner_id = ? AND id = ?`,
		seq, owner.String(), id.String())
	if err != nil {
		return fmt.Errorf("failed to set server seq for %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("set server seq %s: %w", id, ErrNotFound)
	}
	return nil
}

// Iterator is a lazy, restartable cursor over a List result. Callers must
// Close it; re-calling List restarts the sequence from the beginning.
type Iterator struct {
	rows *sql.Rows
	cur  *document.Document
	err  error
}

// Next advances to the next document, returning false at the end of the
// sequence or on error.
func (it *Iterator) Next() bool {
	if it.err != nil || it.rows == nil {
		return false
	}
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return false
	}
	doc, err := scanDocument(it.rows)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = doc
	return true
}

// Doc returns the document at the current cursor position.
func (it *Iterator) Doc() *document.Document {
	return it.cur
}

// Err returns the first error encountered during iteration.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the cursor. Safe to call more than once.
func (it *Iterator) Close() error {
	if it.rows == nil {
		return nil
	}
	rows := it.rows
	it.rows = nil
	return rows.Close()
}

// List returns a cursor over all non-tombstoned documents for an owner.
// Order is an implementation detail; callers must not depend on it.
func (s *Store) List(ctx context.Context, owner uuid.UUID) (*Iterator, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, owner_id, title, body, rev_seq, rev_writer,
	       server_seq, deleted, created_at, updated_at
	FROM documents
	WHERE owner_id = ? AND deleted = 0
	`, owner.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return &Iterator{rows: rows}, nil
}

// ChangedSince returns a cursor over every document for an owner, tombstones
// included, whose revision sequence is beyond since. Zero requests
// everything. The sync stream uses this so clients can compare revisions
// against deleted documents too.
func (s *Store) ChangedSince(ctx context.Context, owner uuid.UUID, since uint64) (*Iterator, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, owner_id, title, body, rev_seq, rev_writer,
	       server_seq, deleted, created_at, updated_at
	FROM documents
	WHERE owner_id = ? AND rev_seq > ?
	`, owner.String(), since)
	if err != nil {
		return nil, fmt.Errorf("failed to list changed documents: %w", err)
	}
	return &Iterator{rows: rows}, nil
}

// ListAll is a convenience wrapper that drains List into a slice.
func (s *Store) ListAll(ctx context.Context, owner uuid.UUID) ([]*document.Document, error) {
	it, err := s.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var docs []*document.Document
	for it.Next() {
		docs = append(docs, it.Doc())
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*document.Document, error) {
	var (
		idStr, ownerStr, writer   string
		title, body               string
		revSeq, serverSeq         uint64
		deleted                   int
		createdAtStr, updatedAtStr string
	)

	err := row.Scan(&idStr, &ownerStr, &title, &body, &revSeq, &writer,
		&serverSeq, &deleted, &createdAtStr, &updatedAtStr)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document id %q: %w", idStr, err)
	}
	owner, err := uuid.Parse(ownerStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse owner id %q: %w", ownerStr, err)
	}

	doc := &document.Document{
		ID:        id,
		OwnerID:   owner,
		Title:     title,
		Body:      body,
		Revision:  document.Revision{Seq: revSeq, Writer: writer},
		ServerSeq: serverSeq,
		Deleted:   deleted != 0,
	}

	if t, err := time.Parse(time.RFC3339Nano, createdAtStr); err == nil {
		doc.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAtStr); err == nil {
		doc.UpdatedAt = t
	}

	return doc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
