// Package engine implements the client-side sync engine: write-through local
// edits, the reconnection catch-up cycle, and conflict resolution against
// server-authoritative state.
//
// One mutex makes local edits, the catch-up cycle, and remote-update handling
// atomic with respect to each other. The engine never discards an
// unacknowledged change: every local edit is enqueued durably before any send
// is attempted, and queue entries are removed only on server acknowledgement.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replidoc/replidoc/internal/document"
	"github.com/replidoc/replidoc/internal/protocol"
	"github.com/replidoc/replidoc/internal/store"
)

// ErrNotFound mirrors the store sentinel for callers that only import engine.
var ErrNotFound = store.ErrNotFound

// resultTimeout bounds how long a catch-up cycle waits for one write
// acknowledgement before abandoning the cycle (entries stay queued).
const resultTimeout = 30 * time.Second

// maxDrainPasses bounds the reconcile-and-resubmit loop within one catch-up
// cycle. Entries still queued after the cap wait for the next cycle.
const maxDrainPasses = 5

// Transport is the subset of the websocket client the engine needs.
type Transport interface {
	Send(ctx context.Context, msg protocol.ClientMessage) error
	Incoming() <-chan protocol.ServerMessage
}

// Connection is the subset of the connection monitor the engine needs.
type Connection interface {
	Connected() bool
	Reconnected() <-chan struct{}
}

// Status summarizes engine state for the CLI and daemon.
type Status struct {
	Documents int
	Pending   int
	Connected bool
	CaughtUp  bool
}

// Engine drives synchronization for one user's document set.
type Engine struct {
	store     *store.Store
	transport Transport
	conn      Connection
	owner     uuid.UUID
	logger    *log.Logger

	mu       sync.Mutex
	caughtUp bool
	// inflight maps a document id to the queue entry awaiting its
	// WriteResult. One outstanding send per document.
	inflight map[uuid.UUID]int64

	resync chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine over an opened store and transport.
func New(st *store.Store, tr Transport, conn Connection, owner uuid.UUID, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:     st,
		transport: tr,
		conn:      conn,
		owner:     owner,
		logger:    logger,
		inflight:  make(map[uuid.UUID]int64),
		resync:    make(chan struct{}, 1),
	}
}

// Resync schedules a catch-up cycle on demand, as if the connection had just
// been established. The caught-up flag drops immediately so callers polling
// CaughtUp cannot observe the previous cycle's state as this one's result.
func (e *Engine) Resync() {
	e.mu.Lock()
	e.caughtUp = false
	e.mu.Unlock()
	select {
	case e.resync <- struct{}{}:
	default:
	}
}

// Start launches the engine loop consuming reconnect events and server
// messages. Stop cancels it.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.run(ctx)
}

// Stop shuts the engine loop down. Pending changes stay queued.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// CaughtUp reports whether the last reconnection cycle completed: server
// state synced and the pending queue drained.
func (e *Engine) CaughtUp() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caughtUp && e.conn.Connected()
}

// Status reports document count, pending count, and connectivity.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	docs, err := e.store.ListAll(ctx, e.owner)
	if err != nil {
		return Status{}, err
	}
	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Documents: len(docs),
		Pending:   pending,
		Connected: e.conn.Connected(),
		CaughtUp:  e.CaughtUp(),
	}, nil
}

// Get returns one document, tombstoned or not.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*document.Document, error) {
	return e.store.Get(ctx, e.owner, id)
}

// List returns the user's live documents.
func (e *Engine) List(ctx context.Context) ([]*document.Document, error) {
	return e.store.ListAll(ctx, e.owner)
}

// CreateDocument creates a document locally and queues it for the server.
// The write succeeds whether or not a connection exists.
func (e *Engine) CreateDocument(ctx context.Context, title, body string) (*document.Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	doc := &document.Document{
		ID:        uuid.New(),
		OwnerID:   e.owner,
		Title:     title,
		Body:      body,
		Revision:  document.InitialRevision(title, body),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.store.Put(ctx, doc, document.Revision{}); err != nil {
		return nil, err
	}

	if err := e.queueLocked(ctx, doc, document.Revision{}, document.NewPatch(title, body), true); err != nil {
		return nil, err
	}
	return doc, nil
}

// ApplyLocalEdit applies a patch to a document locally and queues it for the
// server. Returns the document at its new revision.
func (e *Engine) ApplyLocalEdit(ctx context.Context, id uuid.UUID, patch document.Patch) (*document.Document, error) {
	if patch.IsEmpty() {
		return nil, errors.New("empty patch")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	doc, err := e.store.Get(ctx, e.owner, id)
	if err != nil {
		return nil, err
	}

	base := doc.Revision
	title, body, deleted := patch.Apply(doc)
	next := doc.NextRevision(title, body, deleted)
	if next.Writer == base.Writer {
		// No content change; nothing to record or send.
		return doc, nil
	}

	doc.Title = title
	doc.Body = body
	doc.Deleted = deleted
	doc.Revision = next
	doc.UpdatedAt = time.Now().UTC()

	if err := e.store.Put(ctx, doc, base); err != nil {
		return nil, err
	}

	// A document the server has never acknowledged still travels as a
	// create; the queued patch carries the full current state so that a
	// superseded create stays cumulative.
	if doc.ServerSeq == 0 {
		full := document.NewPatch(doc.Title, doc.Body)
		if doc.Deleted {
			full.Deleted = &doc.Deleted
		}
		if err := e.queueLocked(ctx, doc, document.Revision{}, full, true); err != nil {
			return nil, err
		}
		return doc, nil
	}

	if err := e.queueLocked(ctx, doc, base, patch, false); err != nil {
		return nil, err
	}
	return doc, nil
}

// DeleteDocument tombstones a document. Deletes travel as updates.
func (e *Engine) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	_, err := e.ApplyLocalEdit(ctx, id, document.TombstonePatch())
	return err
}

// queueLocked enqueues a change and, when connected and caught up, attempts
// an immediate ack-tracked send. A failed send leaves the entry queued.
func (e *Engine) queueLocked(ctx context.Context, doc *document.Document, base document.Revision, patch document.Patch, created bool) error {
	localSeq, err := e.store.Enqueue(ctx, store.PendingChange{
		DocumentID:   doc.ID,
		BaseRevision: base,
		Patch:        patch,
		Created:      created,
	})
	if err != nil {
		return err
	}

	if !e.conn.Connected() || !e.caughtUp {
		return nil
	}
	if _, busy := e.inflight[doc.ID]; busy {
		// An earlier send for this document is still unacknowledged;
		// this entry goes out with the next cycle.
		return nil
	}

	change := store.PendingChange{
		LocalSeq:     localSeq,
		DocumentID:   doc.ID,
		BaseRevision: base,
		Patch:        patch,
		Created:      created,
	}
	if err := e.sendChangeLocked(ctx, change); err != nil {
		e.logger.Printf("Immediate send for %s failed, queued: %v", doc.ID, err)
	}
	return nil
}

// sendChangeLocked marks a queue entry attempted and submits it. The entry
// travels as a create only when the server has never acknowledged the
// document; anything else is an update against the recorded base revision.
func (e *Engine) sendChangeLocked(ctx context.Context, change store.PendingChange) error {
	doc, err := e.store.Get(ctx, e.owner, change.DocumentID)
	if err != nil {
		return err
	}

	if err := e.store.MarkAttempt(ctx, change.LocalSeq); err != nil {
		return err
	}

	var msg protocol.ClientMessage
	if doc.ServerSeq == 0 {
		msg = protocol.ClientMessage{
			Kind:   protocol.KindCreateDocument,
			Create: &protocol.CreateDocument{Document: *doc},
		}
	} else {
		msg = protocol.ClientMessage{
			Kind: protocol.KindUpdateDocument,
			Update: &protocol.UpdateDocument{
				DocumentID:   change.DocumentID,
				BaseRevision: change.BaseRevision,
				Patch:        change.Patch,
			},
		}
	}

	if err := e.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send change %d: %w", change.LocalSeq, err)
	}
	e.inflight[change.DocumentID] = change.LocalSeq
	return nil
}

// run consumes reconnect events and server messages until ctx is cancelled.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case <-e.conn.Reconnected():
			if err := e.catchUp(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Printf("Catch-up cycle failed: %v", err)
			}

		case <-e.resync:
			if !e.conn.Connected() {
				continue
			}
			if err := e.catchUp(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Printf("Resync cycle failed: %v", err)
			}

		case msg, ok := <-e.transport.Incoming():
			if !ok {
				return
			}
			e.mu.Lock()
			e.handleMessageLocked(ctx, msg)
			e.mu.Unlock()
		}
	}
}

// catchUp runs one reconnection cycle: sync server state, then drain the
// pending queue in order. Only when both complete is the engine caught up.
func (e *Engine) catchUp(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.caughtUp = false
	e.inflight = make(map[uuid.UUID]int64)

	syncReq := protocol.ClientMessage{
		Kind: protocol.KindRequestSync,
		Sync: &protocol.RequestSync{},
	}
	if err := e.transport.Send(ctx, syncReq); err != nil {
		return fmt.Errorf("failed to request sync: %w", err)
	}
	if err := e.awaitSyncCompleteLocked(ctx); err != nil {
		return err
	}

	// Rejections reconcile and re-queue, so one snapshot is not enough;
	// drain repeatedly until the queue settles.
	delivered := 0
	for pass := 0; pass < maxDrainPasses; pass++ {
		changes, err := e.store.Drain(ctx)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			break
		}
		for _, change := range changes {
			// A remote update during this cycle may have resolved
			// and removed the entry already.
			still, err := e.store.PendingFor(ctx, change.DocumentID)
			if err != nil {
				return err
			}
			if !containsSeq(still, change.LocalSeq) {
				continue
			}

			if err := e.sendChangeLocked(ctx, change); err != nil {
				return err
			}
			if err := e.awaitResultLocked(ctx, change.DocumentID); err != nil {
				return err
			}
			delivered++
		}
	}

	// The cycle only counts as complete with an empty queue; leaving
	// caughtUp false makes the next reconnect or resync retry the rest.
	left, err := e.store.PendingCount(ctx)
	if err != nil {
		return err
	}
	if left > 0 {
		return fmt.Errorf("queue not drained after %d passes: %d changes still pending", maxDrainPasses, left)
	}

	e.caughtUp = true
	e.logger.Printf("Caught up: %d queued changes delivered", delivered)
	return nil
}

// awaitSyncCompleteLocked consumes server messages until the sync stream
// terminates.
func (e *Engine) awaitSyncCompleteLocked(ctx context.Context) error {
	timer := time.NewTimer(resultTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errors.New("timed out waiting for sync to complete")
		case msg, ok := <-e.transport.Incoming():
			if !ok {
				return errors.New("transport closed during sync")
			}
			if msg.Kind == protocol.KindSyncComplete {
				count := 0
				if msg.SyncDone != nil {
					count = msg.SyncDone.Count
				}
				e.logger.Printf("Sync complete: %d documents", count)
				return nil
			}
			e.handleMessageLocked(ctx, msg)
		}
	}
}

// awaitResultLocked consumes server messages until the in-flight send for
// docID is resolved, handling unrelated traffic as it arrives.
func (e *Engine) awaitResultLocked(ctx context.Context, docID uuid.UUID) error {
	timer := time.NewTimer(resultTimeout)
	defer timer.Stop()

	for {
		if _, waiting := e.inflight[docID]; !waiting {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("timed out waiting for write result for %s", docID)
		case msg, ok := <-e.transport.Incoming():
			if !ok {
				return errors.New("transport closed awaiting write result")
			}
			e.handleMessageLocked(ctx, msg)
		}
	}
}

func (e *Engine) handleMessageLocked(ctx context.Context, msg protocol.ServerMessage) {
	switch msg.Kind {
	case protocol.KindWriteResult:
		if msg.Write != nil {
			e.handleWriteResultLocked(ctx, msg.Write)
		}
	case protocol.KindPush:
		if msg.Push != nil {
			e.applyRemoteLocked(ctx, msg.Push.Document)
		}
	case protocol.KindSyncDocument:
		if msg.SyncDoc != nil {
			e.applyRemoteLocked(ctx, msg.SyncDoc.Document)
		}
	case protocol.KindSyncComplete:
		// Only meaningful inside a catch-up cycle; stray completions
		// are harmless.
	case protocol.KindError:
		if msg.Err != nil {
			e.handleServerErrorLocked(ctx, msg.Err)
		}
	default:
		e.logger.Printf("Ignoring unexpected %s message", msg.Kind)
	}
}

// handleServerErrorLocked logs a server error and, when it names a document
// with a send in flight, retires that queue entry. An errored submission
// carries no authoritative document to reconcile against, so the entry is
// dropped rather than retried; leaving it in flight would stall the catch-up
// cycle until the result timeout.
func (e *Engine) handleServerErrorLocked(ctx context.Context, serr *protocol.ServerError) {
	e.logger.Printf("Server error %s: %s", serr.Code, serr.Message)

	if serr.DocumentID == uuid.Nil {
		return
	}
	localSeq, ok := e.inflight[serr.DocumentID]
	if !ok {
		return
	}
	delete(e.inflight, serr.DocumentID)
	if err := e.store.Acknowledge(ctx, localSeq); err != nil {
		e.logger.Printf("Failed to retire errored change %d: %v", localSeq, err)
		return
	}
	e.logger.Printf("Dropped change %d for %s after server error %s",
		localSeq, serr.DocumentID, serr.Code)
}

// handleWriteResultLocked resolves an in-flight send. Accepted results
// acknowledge the queue entry and record the canonical sequence; rejections
// reconcile against the attached authoritative document and resubmit.
func (e *Engine) handleWriteResultLocked(ctx context.Context, res *protocol.WriteResult) {
	localSeq, ok := e.inflight[res.DocumentID]
	if !ok {
		// Duplicate acknowledgement; removal already happened.
		return
	}
	delete(e.inflight, res.DocumentID)

	if res.Accepted {
		if err := e.store.Acknowledge(ctx, localSeq); err != nil {
			e.logger.Printf("Failed to acknowledge change %d: %v", localSeq, err)
			return
		}
		if err := e.store.SetServerSeq(ctx, e.owner, res.DocumentID, res.Revision.Seq); err != nil {
			e.logger.Printf("Failed to record server seq for %s: %v", res.DocumentID, err)
		}
		return
	}

	e.logger.Printf("Change %d for %s rejected: %s", localSeq, res.DocumentID, res.Reason)

	pending, err := e.store.PendingFor(ctx, res.DocumentID)
	if err != nil {
		e.logger.Printf("Failed to load pending change %d: %v", localSeq, err)
		return
	}
	var patch document.Patch
	for _, p := range pending {
		if p.LocalSeq == localSeq {
			patch = p.Patch
			break
		}
	}
	if err := e.store.Acknowledge(ctx, localSeq); err != nil {
		e.logger.Printf("Failed to remove rejected change %d: %v", localSeq, err)
		return
	}

	if res.Document == nil {
		e.logger.Printf("Rejection for %s carried no authoritative document", res.DocumentID)
		return
	}
	e.resolveLocked(ctx, patch, *res.Document)
}

// applyRemoteLocked incorporates a server-pushed document. With nothing
// pending the server state applies directly; otherwise the pending patches
// are reconciled over it and resubmitted against the server's revision.
func (e *Engine) applyRemoteLocked(ctx context.Context, doc document.Document) {
	local, err := e.store.Get(ctx, e.owner, doc.ID)
	if errors.Is(err, store.ErrNotFound) {
		fresh := doc.Clone()
		fresh.ServerSeq = doc.Revision.Seq
		if err := e.store.ForcePut(ctx, fresh); err != nil {
			e.logger.Printf("Failed to store remote document %s: %v", doc.ID, err)
		}
		return
	}
	if err != nil {
		e.logger.Printf("Failed to load %s for remote update: %v", doc.ID, err)
		return
	}

	// Already incorporated this server state (or newer).
	if doc.Revision.Seq <= local.ServerSeq {
		return
	}

	pending, err := e.store.PendingFor(ctx, doc.ID)
	if err != nil {
		e.logger.Printf("Failed to load pending changes for %s: %v", doc.ID, err)
		return
	}

	if len(pending) == 0 {
		if doc.Revision.NewerThan(local.Revision) || doc.Revision == local.Revision {
			fresh := doc.Clone()
			fresh.ServerSeq = doc.Revision.Seq
			if err := e.store.ForcePut(ctx, fresh); err != nil {
				e.logger.Printf("Failed to apply remote update %s: %v", doc.ID, err)
			}
		}
		return
	}

	patches := make([]document.Patch, 0, len(pending))
	for _, p := range pending {
		if err := e.store.Acknowledge(ctx, p.LocalSeq); err != nil {
			e.logger.Printf("Failed to retire pending change %d: %v", p.LocalSeq, err)
			return
		}
		patches = append(patches, p.Patch)
	}
	delete(e.inflight, doc.ID)

	e.resolveLocked(ctx, CombinePatches(patches), doc)
}

// resolveLocked applies a reconciliation outcome: store the merged document
// and queue any surviving patch against the server's revision.
func (e *Engine) resolveLocked(ctx context.Context, pending document.Patch, server document.Document) {
	r := Reconcile(pending, server)
	if err := e.store.ForcePut(ctx, r.Merged); err != nil {
		e.logger.Printf("Failed to store reconciled document %s: %v", server.ID, err)
		return
	}
	if r.Resubmit.IsEmpty() {
		return
	}
	if err := e.queueLocked(ctx, r.Merged, r.Base, r.Resubmit, false); err != nil {
		e.logger.Printf("Failed to queue reconciled change for %s: %v", server.ID, err)
	}
}

func containsSeq(changes []store.PendingChange, seq int64) bool {
	for _, c := range changes {
		if c.LocalSeq == seq {
			return true
		}
	}
	return false
}
