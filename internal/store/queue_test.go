package store

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/replidoc/replidoc/internal/document"
)

func pendingFor(docID uuid.UUID, title string) PendingChange {
	return PendingChange{
		DocumentID:   docID,
		BaseRevision: document.Revision{Seq: 1, Writer: "abc"},
		Patch:        document.Patch{Title: &title},
	}
}

// TestEnqueue_Drain_Order tests that drain preserves enqueue order
func TestEnqueue_Drain_Order(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, id := range ids {
		if _, err := st.Enqueue(ctx, pendingFor(id, "t")); err != nil {
			t.Fatalf("Enqueue(%d) failed: %v", i, err)
		}
	}

	changes, err := st.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("len(changes) = %d, want 3", len(changes))
	}
	for i, change := range changes {
		if change.DocumentID != ids[i] {
			t.Errorf("changes[%d].DocumentID = %v, want %v", i, change.DocumentID, ids[i])
		}
	}
}

// TestEnqueue_SupersedesUnattempted tests merge behavior for unsent entries
func TestEnqueue_SupersedesUnattempted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	docID := uuid.New()

	if _, err := st.Enqueue(ctx, pendingFor(docID, "first")); err != nil {
		t.Fatalf("Enqueue(first) failed: %v", err)
	}
	if _, err := st.Enqueue(ctx, pendingFor(docID, "second")); err != nil {
		t.Fatalf("Enqueue(second) failed: %v", err)
	}

	changes, err := st.PendingFor(ctx, docID)
	if err != nil {
		t.Fatalf("PendingFor() failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("len(changes) = %d, want 1 (unattempted entry superseded)", len(changes))
	}
	if changes[0].Patch.Title == nil || *changes[0].Patch.Title != "second" {
		t.Errorf("surviving patch = %v, want title \"second\"", changes[0].Patch)
	}
}

// TestEnqueue_RetainsAttempted tests that attempted entries are kept
func TestEnqueue_RetainsAttempted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	docID := uuid.New()

	seq, err := st.Enqueue(ctx, pendingFor(docID, "first"))
	if err != nil {
		t.Fatalf("Enqueue(first) failed: %v", err)
	}
	if err := st.MarkAttempt(ctx, seq); err != nil {
		t.Fatalf("MarkAttempt() failed: %v", err)
	}

	if _, err := st.Enqueue(ctx, pendingFor(docID, "second")); err != nil {
		t.Fatalf("Enqueue(second) failed: %v", err)
	}

	changes, err := st.PendingFor(ctx, docID)
	if err != nil {
		t.Fatalf("PendingFor() failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("len(changes) = %d, want 2 (attempted entry retained)", len(changes))
	}
	if changes[0].AttemptCount != 1 {
		t.Errorf("first entry attempt count = %d, want 1", changes[0].AttemptCount)
	}
}

// TestAcknowledge_Idempotent tests that double-ack is a silent no-op
func TestAcknowledge_Idempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	seq, err := st.Enqueue(ctx, pendingFor(uuid.New(), "t"))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if err := st.Acknowledge(ctx, seq); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}
	if err := st.Acknowledge(ctx, seq); err != nil {
		t.Fatalf("second Acknowledge() should be a no-op, got: %v", err)
	}

	count, err := st.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("pending count = %d, want 0", count)
	}
}

// TestQueue_SurvivesReopen tests that pending changes persist across restart
func TestQueue_SurvivesReopen(t *testing.T) {
	path := testStorePath(t)
	ctx := context.Background()

	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	docID := uuid.New()
	if _, err := st.Enqueue(ctx, pendingFor(docID, "queued")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	st, err = Open(path)
	if err != nil {
		t.Fatalf("re-Open() failed: %v", err)
	}
	defer st.Close()

	changes, err := st.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() after reopen failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("len(changes) = %d, want 1", len(changes))
	}
	if changes[0].DocumentID != docID {
		t.Errorf("document id = %v, want %v", changes[0].DocumentID, docID)
	}
}

// TestPendingChange_PatchRoundTrip tests patch serialization through the queue
func TestPendingChange_PatchRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	title := "patched title"
	deleted := true
	change := PendingChange{
		DocumentID:   uuid.New(),
		BaseRevision: document.Revision{Seq: 7, Writer: "cafe0123deadbeef"},
		Patch:        document.Patch{Title: &title, Deleted: &deleted},
		Created:      true,
	}

	if _, err := st.Enqueue(ctx, change); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	changes, err := st.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	got := changes[0]

	if got.BaseRevision != change.BaseRevision {
		t.Errorf("base revision = %v, want %v", got.BaseRevision, change.BaseRevision)
	}
	if got.Patch.Title == nil || *got.Patch.Title != title {
		t.Errorf("patch title = %v, want %q", got.Patch.Title, title)
	}
	if got.Patch.Deleted == nil || !*got.Patch.Deleted {
		t.Error("patch deleted flag lost")
	}
	if got.Patch.Body != nil {
		t.Error("patch body should stay nil")
	}
	if !got.Created {
		t.Error("created flag lost")
	}
}
