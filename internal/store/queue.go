package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/replidoc/replidoc/internal/document"
)

// PendingChange is a locally queued, not-yet-acknowledged mutation. It stays
// in the queue across process restarts and is removed only when the server
// acknowledges acceptance of this exact patch; transport failure alone never
// removes it.
type PendingChange struct {
	LocalSeq     int64
	DocumentID   uuid.UUID
	BaseRevision document.Revision
	Patch        document.Patch
	// Created marks a change whose document had never been seen by the
	// server at enqueue time. Whether it is actually sent as a create is
	// re-decided at send time from the document's current server metadata.
	Created      bool
	AttemptCount int
	QueuedAt     time.Time
}

// Enqueue appends a pending change and returns its assigned local sequence.
//
// The latest enqueue for a document supersedes an earlier entry only when
// that entry has never been attempted; once a send was attempted the old
// entry is retained so both deliver sequentially.
func (s *Store) Enqueue(ctx context.Context, change PendingChange) (int64, error) {
	patchJSON, err := json.Marshal(change.Patch)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal patch: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Supersede unattempted entries for the same document. The new change
	// was produced against the superseded entry's outcome locally, so the
	// old delta is subsumed by the document's current state.
	if _, err := tx.ExecContext(ctx, `
	DELETE FROM pending_changes
	WHERE document_id = ? AND attempt_count = 0
	`, change.DocumentID.String()); err != nil {
		return 0, fmt.Errorf("failed to supersede pending changes: %w", err)
	}

	queuedAt := change.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO pending_changes (
		document_id, base_rev_seq, base_rev_writer, patch, created, attempt_count, queued_at
	) VALUES (?, ?, ?, ?, ?, 0, ?)
	`,
		change.DocumentID.String(),
		change.BaseRevision.Seq,
		change.BaseRevision.Writer,
		string(patchJSON),
		boolToInt(change.Created),
		queuedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue change for %s: %w", change.DocumentID, err)
	}

	localSeq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read local sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	return localSeq, nil
}

// Drain returns a snapshot of the queue in enqueue order. Entries are not
// removed; Acknowledge does that once the server accepts them.
func (s *Store) Drain(ctx context.Context) ([]PendingChange, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT local_seq, document_id, base_rev_seq, base_rev_writer,
	       patch, created, attempt_count, queued_at
	FROM pending_changes
	ORDER BY local_seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to drain pending changes: %w", err)
	}
	defer rows.Close()

	var changes []PendingChange
	for rows.Next() {
		change, err := scanPendingChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending changes: %w", err)
	}

	return changes, nil
}

// Acknowledge removes exactly one entry. A missing entry is a silent no-op:
// acknowledgement and retry can race, and the second removal must not fail.
func (s *Store) Acknowledge(ctx context.Context, localSeq int64) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM pending_changes WHERE local_seq = ?`, localSeq); err != nil {
		return fmt.Errorf("failed to acknowledge change %d: %w", localSeq, err)
	}
	return nil
}

// MarkAttempt records a delivery attempt, which makes the entry
// non-supersedable by later enqueues for the same document.
func (s *Store) MarkAttempt(ctx context.Context, localSeq int64) error {
	if _, err := s.conn.ExecContext(ctx,
		`UPDATE pending_changes SET attempt_count = attempt_count + 1 WHERE local_seq = ?`,
		localSeq); err != nil {
		return fmt.Errorf("failed to mark attempt on change %d: %w", localSeq, err)
	}
	return nil
}

// PendingCount returns the number of queued changes.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_changes`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

// PendingFor returns the queued changes for one document in enqueue order.
func (s *Store) PendingFor(ctx context.Context, docID uuid.UUID) ([]PendingChange, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT local_seq, document_id, base_rev_seq, base_rev_writer,
	       patch, created, attempt_count, queued_at
	FROM pending_changes
	WHERE document_id = ?
	ORDER BY local_seq ASC
	`, docID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes for %s: %w", docID, err)
	}
	defer rows.Close()

	var changes []PendingChange
	for rows.Next() {
		change, err := scanPendingChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending changes: %w", err)
	}

	return changes, nil
}

func scanPendingChange(rows *sql.Rows) (PendingChange, error) {
	var (
		change    PendingChange
		docIDStr  string
		patchJSON string
		created   int
		queuedAt  string
	)

	err := rows.Scan(&change.LocalSeq, &docIDStr,
		&change.BaseRevision.Seq, &change.BaseRevision.Writer,
		&patchJSON, &created, &change.AttemptCount, &queuedAt)
	if err != nil {
		return PendingChange{}, fmt.Errorf("failed to scan pending change: %w", err)
	}

	change.DocumentID, err = uuid.Parse(docIDStr)
	if err != nil {
		return PendingChange{}, fmt.Errorf("failed to parse document id %q: %w", docIDStr, err)
	}

	if err := json.Unmarshal([]byte(patchJSON), &change.Patch); err != nil {
		return PendingChange{}, fmt.Errorf("failed to unmarshal patch: %w", err)
	}

	change.Created = created != 0

	if t, err := time.Parse(time.RFC3339Nano, queuedAt); err == nil {
		change.QueuedAt = t
	}

	return change, nil
}
