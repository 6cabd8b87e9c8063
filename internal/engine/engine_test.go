package engine

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/replidoc/replidoc/internal/document"
	"github.com/replidoc/replidoc/internal/protocol"
	"github.com/replidoc/replidoc/internal/store"
)

// authority is an in-memory stand-in for the sync server: it holds canonical
// documents and applies the same arbitration rules.
type authority struct {
	mu   sync.Mutex
	docs map[uuid.UUID]document.Document
	// failUpdates answers every update with a not_found error instead of
	// a write result.
	failUpdates bool
	// churnUpdates rejects every update after advancing the canonical
	// document, so no client base revision ever matches.
	churnUpdates bool
}

func newAuthority() *authority {
	return &authority{docs: make(map[uuid.UUID]document.Document)}
}

func (a *authority) get(id uuid.UUID) (document.Document, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	doc, ok := a.docs[id]
	return doc, ok
}

func (a *authority) setFailUpdates(v bool) {
	a.mu.Lock()
	a.failUpdates = v
	a.mu.Unlock()
}

func (a *authority) setChurnUpdates(v bool) {
	a.mu.Lock()
	a.churnUpdates = v
	a.mu.Unlock()
}

func (a *authority) put(doc document.Document) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.docs[doc.ID] = doc
}

func (a *authority) handle(msg protocol.ClientMessage) []protocol.ServerMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch msg.Kind {
	case protocol.KindPing:
		return []protocol.ServerMessage{{Kind: protocol.KindPong}}

	case protocol.KindRequestSync:
		var out []protocol.ServerMessage
		for _, doc := range a.docs {
			out = append(out, protocol.ServerMessage{
				Kind:    protocol.KindSyncDocument,
				SyncDoc: &protocol.SyncDocument{Document: doc},
			})
		}
		out = append(out, protocol.ServerMessage{
			Kind:     protocol.KindSyncComplete,
			SyncDone: &protocol.SyncComplete{Count: len(a.docs)},
		})
		return out

	case protocol.KindCreateDocument:
		doc := msg.Create.Document
		if cur, ok := a.docs[doc.ID]; ok {
			if cur.Revision == doc.Revision {
				return []protocol.ServerMessage{writeResult(doc.ID, true, cur.Revision, nil)}
			}
			authoritative := cur
			return []protocol.ServerMessage{writeResult(doc.ID, false, cur.Revision, &authoritative)}
		}
		a.docs[doc.ID] = doc
		return []protocol.ServerMessage{writeResult(doc.ID, true, doc.Revision, nil)}

	case protocol.KindUpdateDocument:
		up := msg.Update
		cur, ok := a.docs[up.DocumentID]
		if !ok || a.failUpdates {
			return []protocol.ServerMessage{{
				Kind: protocol.KindError,
				Err: &protocol.ServerError{
					Code:       protocol.CodeNotFound,
					DocumentID: up.DocumentID,
					Message:    "unknown document",
				},
			}}
		}
		if a.churnUpdates {
			cur.Body += "!"
			cur.Revision = document.Revision{
				Seq:    cur.Revision.Seq + 1,
				Writer: document.WriterToken(cur.Title, cur.Body, cur.Deleted),
			}
			a.docs[up.DocumentID] = cur
			authoritative := cur
			return []protocol.ServerMessage{writeResult(up.DocumentID, false, cur.Revision, &authoritative)}
		}
		if up.BaseRevision == cur.Revision {
			title, body, deleted := up.Patch.Apply(&cur)
			cur.Title, cur.Body, cur.Deleted = title, body, deleted
			cur.Revision = document.Revision{
				Seq:    up.BaseRevision.Seq + 1,
				Writer: document.WriterToken(title, body, deleted),
			}
			cur.UpdatedAt = time.Now().UTC()
			a.docs[up.DocumentID] = cur
			return []protocol.ServerMessage{writeResult(up.DocumentID, true, cur.Revision, nil)}
		}
		authoritative := cur
		return []protocol.ServerMessage{writeResult(up.DocumentID, false, cur.Revision, &authoritative)}
	}
	return nil
}

func writeResult(id uuid.UUID, accepted bool, rev document.Revision, doc *document.Document) protocol.ServerMessage {
	res := &protocol.WriteResult{DocumentID: id, Accepted: accepted, Revision: rev}
	if !accepted {
		res.Document = doc
		res.Reason = "stale base revision"
	}
	return protocol.ServerMessage{Kind: protocol.KindWriteResult, Write: res}
}

// fakeTransport routes sends through the authority and feeds replies back on
// the incoming channel.
type fakeTransport struct {
	mu       sync.Mutex
	auth     *authority
	sent     []protocol.ClientMessage
	incoming chan protocol.ServerMessage
	sendErr  error
	// echoResults doubles every WriteResult to exercise ack idempotence.
	echoResults bool
}

func newFakeTransport(auth *authority) *fakeTransport {
	return &fakeTransport{
		auth:     auth,
		incoming: make(chan protocol.ServerMessage, 100),
	}
}

func (f *fakeTransport) Send(ctx context.Context, msg protocol.ClientMessage) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, msg)
	echo := f.echoResults
	f.mu.Unlock()

	for _, reply := range f.auth.handle(msg) {
		f.incoming <- reply
		if echo && reply.Kind == protocol.KindWriteResult {
			f.incoming <- reply
		}
	}
	return nil
}

func (f *fakeTransport) Incoming() <-chan protocol.ServerMessage {
	return f.incoming
}

func (f *fakeTransport) push(msg protocol.ServerMessage) {
	f.incoming <- msg
}

func (f *fakeTransport) sentKinds() []protocol.ClientKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]protocol.ClientKind, len(f.sent))
	for i, m := range f.sent {
		kinds[i] = m.Kind
	}
	return kinds
}

// fakeConn is a hand-cranked connection monitor.
type fakeConn struct {
	mu          sync.Mutex
	connected   bool
	reconnected chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{reconnected: make(chan struct{}, 1)}
}

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Reconnected() <-chan struct{} { return f.reconnected }

func (f *fakeConn) connect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.reconnected <- struct{}{}
}

func (f *fakeConn) disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

type testClient struct {
	engine    *Engine
	store     *store.Store
	transport *fakeTransport
	conn      *fakeConn
}

func newTestClient(t *testing.T, auth *authority) *testClient {
	t.Helper()
	return newTestClientAs(t, auth, uuid.New())
}

// newTestClientAs builds a client for a specific user id; two clients sharing
// an id model one user on two devices.
func newTestClientAs(t *testing.T, auth *authority, owner uuid.UUID) *testClient {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tr := newFakeTransport(auth)
	conn := newFakeConn()
	eng := New(st, tr, conn, owner, log.New(io.Discard, "", 0))
	eng.Start(context.Background())
	t.Cleanup(eng.Stop)

	return &testClient{engine: eng, store: st, transport: tr, conn: conn}
}

func waitCaughtUp(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if e.CaughtUp() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("engine never caught up")
		case <-time.After(time.Millisecond):
		}
	}
}

func waitPending(t *testing.T, st *store.Store, want int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		n, err := st.PendingCount(context.Background())
		if err != nil {
			t.Fatalf("PendingCount failed: %v", err)
		}
		if n == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("pending count = %d, want %d", n, want)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestEngine_CreateOffline_Queues(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newAuthority())

	doc, err := c.engine.CreateDocument(ctx, "Offline note", "written without a server")
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	if doc.Revision.Seq != 1 {
		t.Errorf("initial revision seq = %d, want 1", doc.Revision.Seq)
	}
	if doc.ServerSeq != 0 {
		t.Errorf("ServerSeq = %d, want 0 before any acknowledgement", doc.ServerSeq)
	}

	n, err := c.store.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pending count = %d, want 1", n)
	}
}

func TestEngine_CatchUp_DeliversAndEmptiesQueue(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority()
	c := newTestClient(t, auth)

	doc, err := c.engine.CreateDocument(ctx, "Draft", "v1")
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	if _, err := c.engine.ApplyLocalEdit(ctx, doc.ID, document.NewPatch("Draft", "v2")); err != nil {
		t.Fatalf("ApplyLocalEdit failed: %v", err)
	}

	c.conn.connect()
	waitCaughtUp(t, c.engine)
	waitPending(t, c.store, 0)

	// The second edit superseded the unattempted create, so exactly one
	// cumulative create reaches the server.
	creates, updates := 0, 0
	for _, k := range c.transport.sentKinds() {
		switch k {
		case protocol.KindCreateDocument:
			creates++
		case protocol.KindUpdateDocument:
			updates++
		}
	}
	if creates != 1 || updates != 0 {
		t.Errorf("sent %d creates and %d updates, want 1 create only", creates, updates)
	}

	canonical, ok := auth.get(doc.ID)
	if !ok {
		t.Fatal("document never reached the server")
	}
	if canonical.Body != "v2" {
		t.Errorf("server body = %q, want %q", canonical.Body, "v2")
	}

	local, err := c.engine.Get(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if local.ServerSeq == 0 {
		t.Error("ServerSeq still 0 after acknowledgement")
	}
}

func TestEngine_StaleEdit_SubmittedAsUpdateNeverCreate(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority()
	c := newTestClient(t, auth)

	doc, err := c.engine.CreateDocument(ctx, "Shared", "original")
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	c.conn.connect()
	waitCaughtUp(t, c.engine)
	waitPending(t, c.store, 0)

	// Server advances past the client while it is offline.
	c.conn.disconnect()
	canonical, _ := auth.get(doc.ID)
	canonical.Body = "advanced elsewhere"
	canonical.Revision = document.Revision{
		Seq:    canonical.Revision.Seq + 3,
		Writer: document.WriterToken(canonical.Title, canonical.Body, false),
	}
	auth.put(canonical)

	if _, err := c.engine.ApplyLocalEdit(ctx, doc.ID, document.Patch{Title: strPtr("Renamed")}); err != nil {
		t.Fatalf("ApplyLocalEdit failed: %v", err)
	}

	before := len(c.transport.sentKinds())
	c.conn.connect()
	waitCaughtUp(t, c.engine)
	waitPending(t, c.store, 0)

	for _, k := range c.transport.sentKinds()[before:] {
		if k == protocol.KindCreateDocument {
			t.Error("stale edit was submitted as a create")
		}
	}

	// Field-level resolution: the local title survives, the server body wins.
	final, _ := auth.get(doc.ID)
	if final.Title != "Renamed" {
		t.Errorf("server title = %q, want %q", final.Title, "Renamed")
	}
	if final.Body != "advanced elsewhere" {
		t.Errorf("server body = %q, want server's value kept", final.Body)
	}

	local, err := c.engine.Get(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if local.Revision != final.Revision {
		t.Errorf("local revision %s != server revision %s", local.Revision, final.Revision)
	}
}

func TestEngine_RemoteUpdate_FastPath(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority()
	c := newTestClient(t, auth)

	doc, err := c.engine.CreateDocument(ctx, "Note", "v1")
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	c.conn.connect()
	waitCaughtUp(t, c.engine)
	waitPending(t, c.store, 0)

	pushed, _ := auth.get(doc.ID)
	pushed.Body = "edited on another device"
	pushed.Revision = document.Revision{
		Seq:    pushed.Revision.Seq + 1,
		Writer: document.WriterToken(pushed.Title, pushed.Body, false),
	}
	auth.put(pushed)
	c.transport.push(protocol.ServerMessage{
		Kind: protocol.KindPush,
		Push: &protocol.Push{Document: pushed},
	})

	deadline := time.After(5 * time.Second)
	for {
		local, err := c.engine.Get(ctx, doc.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if local.Body == "edited on another device" {
			if local.Revision != pushed.Revision {
				t.Errorf("local revision %s, want pushed %s", local.Revision, pushed.Revision)
			}
			if local.ServerSeq != pushed.Revision.Seq {
				t.Errorf("ServerSeq = %d, want %d", local.ServerSeq, pushed.Revision.Seq)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("pushed update never applied")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestEngine_TwoClientsConverge(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority()
	user := uuid.New()
	a := newTestClientAs(t, auth, user)
	b := newTestClientAs(t, auth, user)

	doc, err := a.engine.CreateDocument(ctx, "Shared doc", "base")
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	a.conn.connect()
	waitCaughtUp(t, a.engine)
	waitPending(t, a.store, 0)

	b.conn.connect()
	waitCaughtUp(t, b.engine)

	// Both edit different fields while offline.
	a.conn.disconnect()
	b.conn.disconnect()
	if _, err := a.engine.ApplyLocalEdit(ctx, doc.ID, document.Patch{Title: strPtr("A's title")}); err != nil {
		t.Fatalf("client A edit failed: %v", err)
	}
	if _, err := b.engine.ApplyLocalEdit(ctx, doc.ID, document.Patch{Body: strPtr("B's body")}); err != nil {
		t.Fatalf("client B edit failed: %v", err)
	}

	a.conn.connect()
	waitCaughtUp(t, a.engine)
	waitPending(t, a.store, 0)

	b.conn.connect()
	waitCaughtUp(t, b.engine)
	waitPending(t, b.store, 0)

	// A reconnects again to pick up B's contribution.
	a.conn.connect()
	waitCaughtUp(t, a.engine)

	docA, err := a.engine.Get(ctx, doc.ID)
	if err != nil {
		t.Fatalf("client A Get failed: %v", err)
	}
	docB, err := b.engine.Get(ctx, doc.ID)
	if err != nil {
		t.Fatalf("client B Get failed: %v", err)
	}

	if docA.Title != docB.Title || docA.Body != docB.Body || docA.Revision != docB.Revision {
		t.Errorf("clients diverged:\n  A: %q/%q @ %s\n  B: %q/%q @ %s",
			docA.Title, docA.Body, docA.Revision, docB.Title, docB.Body, docB.Revision)
	}
	if docA.Title != "A's title" || docA.Body != "B's body" {
		t.Errorf("converged to %q/%q, want both edits kept", docA.Title, docA.Body)
	}
}

func TestEngine_DuplicateWriteResultIsIdempotent(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority()
	c := newTestClient(t, auth)
	c.transport.echoResults = true

	doc, err := c.engine.CreateDocument(ctx, "Once", "only")
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}

	c.conn.connect()
	waitCaughtUp(t, c.engine)
	waitPending(t, c.store, 0)

	canonical, ok := auth.get(doc.ID)
	if !ok {
		t.Fatal("document never reached the server")
	}
	if canonical.Revision.Seq != 1 {
		t.Errorf("server revision seq = %d, want 1 (no double apply)", canonical.Revision.Seq)
	}
}

func TestEngine_DeleteTravelsAsTombstone(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority()
	c := newTestClient(t, auth)

	doc, err := c.engine.CreateDocument(ctx, "Ephemeral", "gone soon")
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	c.conn.connect()
	waitCaughtUp(t, c.engine)
	waitPending(t, c.store, 0)

	if err := c.engine.DeleteDocument(ctx, doc.ID); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}
	waitPending(t, c.store, 0)

	canonical, _ := auth.get(doc.ID)
	if !canonical.Deleted {
		t.Error("server document not tombstoned")
	}

	docs, err := c.engine.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("List returned %d documents, want tombstone excluded", len(docs))
	}
}

func strPtr(s string) *string { return &s }

func TestEngine_ResyncClearsCaughtUpImmediately(t *testing.T) {
	c := newTestClient(t, newAuthority())
	c.conn.connect()
	waitCaughtUp(t, c.engine)

	// Stop the run loop so the flag is observable before a new cycle
	// can complete.
	c.engine.Stop()

	c.engine.Resync()
	if c.engine.CaughtUp() {
		t.Error("CaughtUp still true right after Resync; callers could mistake the previous cycle for the requested one")
	}
}

func TestEngine_ServerErrorRetiresInflightChange(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority()
	c := newTestClient(t, auth)

	doc, err := c.engine.CreateDocument(ctx, "Fragile", "v1")
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	c.conn.connect()
	waitCaughtUp(t, c.engine)
	waitPending(t, c.store, 0)

	// Queue an update while disconnected, then make the server answer
	// updates with errors. The catch-up cycle must retire the entry
	// instead of waiting out the result timeout.
	c.conn.disconnect()
	if _, err := c.engine.ApplyLocalEdit(ctx, doc.ID, document.NewPatch("Fragile", "v2")); err != nil {
		t.Fatalf("ApplyLocalEdit failed: %v", err)
	}
	auth.setFailUpdates(true)

	c.conn.connect()
	waitCaughtUp(t, c.engine)
	waitPending(t, c.store, 0)

	// The engine stays usable afterwards.
	auth.setFailUpdates(false)
	if _, err := c.engine.ApplyLocalEdit(ctx, doc.ID, document.NewPatch("Fragile", "v3")); err != nil {
		t.Fatalf("ApplyLocalEdit after server error failed: %v", err)
	}
	waitPending(t, c.store, 0)
}

func TestEngine_UndrainedQueueIsNotCaughtUp(t *testing.T) {
	ctx := context.Background()
	auth := newAuthority()
	c := newTestClient(t, auth)

	doc, err := c.engine.CreateDocument(ctx, "Contested", "v1")
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	c.conn.connect()
	waitCaughtUp(t, c.engine)
	waitPending(t, c.store, 0)

	// Every resubmission gets rejected against a moving target, so the
	// drain loop gives up with the change still queued.
	c.conn.disconnect()
	if _, err := c.engine.ApplyLocalEdit(ctx, doc.ID, document.Patch{Title: strPtr("Contested v2")}); err != nil {
		t.Fatalf("ApplyLocalEdit failed: %v", err)
	}
	auth.setChurnUpdates(true)
	c.conn.connect()

	// Wait for the cycle to burn through its drain passes.
	deadline := time.After(5 * time.Second)
	for {
		updates := 0
		for _, kind := range c.transport.sentKinds() {
			if kind == protocol.KindUpdateDocument {
				updates++
			}
		}
		if updates >= maxDrainPasses {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d updates sent, want %d", updates, maxDrainPasses)
		case <-time.After(time.Millisecond):
		}
	}
	waitPending(t, c.store, 1)

	if c.engine.CaughtUp() {
		t.Error("CaughtUp true with a change still queued")
	}
}
