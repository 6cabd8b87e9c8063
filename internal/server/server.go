// Package server implements the sync authority: the single arbiter of
// canonical document state.
//
// Clients connect over WebSocket, authenticate, and submit creates and
// updates. The server accepts a write only when its base revision matches the
// canonical revision; a rejected write always carries the full authoritative
// document back so the client can reconcile without another round trip.
// Accepted writes are pushed to the user's other connected clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/replidoc/replidoc/internal/document"
	"github.com/replidoc/replidoc/internal/protocol"
	"github.com/replidoc/replidoc/internal/store"
)

const writeTimeout = 5 * time.Second

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. ":8787".
	Addr string

	// Token, when non-empty, must match the token clients authenticate
	// with.
	Token string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// session is one authenticated client connection.
type session struct {
	conn     *websocket.Conn
	userID   uuid.UUID
	clientID uuid.UUID

	writeMu sync.Mutex
}

func (c *session) send(msg protocol.ServerMessage) error {
	data, err := protocol.EncodeServer(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Server arbitrates canonical document state for all users.
type Server struct {
	addr     string
	token    string
	listener net.Listener
	server   *http.Server

	store *store.Store

	// arbMu serializes write arbitration so base-revision checks and the
	// stores they guard are atomic across connections.
	arbMu sync.Mutex

	sessionsMu sync.RWMutex
	sessions   map[*websocket.Conn]*session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a server over an opened canonical store.
func New(st *store.Store, config *Config) *Server {
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     config.Addr,
		token:    config.Token,
		store:    st,
		sessions: make(map[*websocket.Conn]*session),
		ctx:      ctx,
		cancel:   cancel,
		logger:   config.Logger,
	}
}

// Start begins listening for client connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down, closing all client connections.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")
	s.cancel()

	s.sessionsMu.Lock()
	for conn := range s.sessions {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.sessions, conn)
	}
	s.sessionsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of authenticated connections.
func (s *Server) ClientCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleSync upgrades the connection and runs the authenticate-first
// handshake before any other traffic is accepted.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sess, err := s.authenticate(conn)
	if err != nil {
		s.logger.Printf("Authentication failed: %v", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	s.sessionsMu.Lock()
	s.sessions[conn] = sess
	total := len(s.sessions)
	s.sessionsMu.Unlock()

	s.logger.Printf("Client %s connected for user %s (total: %d)", sess.clientID, sess.userID, total)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(sess)
	}()
}

func (s *Server) authenticate(conn *websocket.Conn) (*session, error) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read first message: %w", err)
	}
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		return nil, err
	}
	if msg.Kind != protocol.KindAuthenticate || msg.Authenticate == nil {
		return nil, fmt.Errorf("first message was %s, not authenticate", msg.Kind)
	}

	auth := msg.Authenticate
	result := protocol.AuthResult{OK: true, SessionID: uuid.New()}
	switch {
	case auth.UserID == uuid.Nil:
		result = protocol.AuthResult{Reason: "missing user id"}
	case s.token != "" && auth.Token != s.token:
		result = protocol.AuthResult{Reason: "invalid token"}
	}

	reply, err := protocol.EncodeServer(protocol.ServerMessage{
		Kind: protocol.KindAuthResult,
		Auth: &result,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
		return nil, fmt.Errorf("failed to send auth result: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("rejected %s: %s", auth.UserID, result.Reason)
	}

	return &session{conn: conn, userID: auth.UserID, clientID: auth.ClientID}, nil
}

func (s *Server) readLoop(sess *session) {
	defer s.removeSession(sess.conn)

	for {
		_, data, err := sess.conn.Read(s.ctx)
		if err != nil {
			return
		}
		msg, err := protocol.DecodeClient(data)
		if err != nil {
			s.logger.Printf("Malformed message from %s: %v", sess.clientID, err)
			continue
		}
		s.dispatch(sess, msg)
	}
}

func (s *Server) removeSession(conn *websocket.Conn) {
	s.sessionsMu.Lock()
	if _, exists := s.sessions[conn]; exists {
		delete(s.sessions, conn)
		total := len(s.sessions)
		s.sessionsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", total)
	} else {
		s.sessionsMu.Unlock()
	}
}

func (s *Server) dispatch(sess *session, msg protocol.ClientMessage) {
	switch msg.Kind {
	case protocol.KindPing:
		s.reply(sess, protocol.ServerMessage{Kind: protocol.KindPong})

	case protocol.KindCreateDocument:
		if msg.Create == nil {
			s.protocolError(sess, "create without payload")
			return
		}
		s.handleCreate(sess, msg.Create)

	case protocol.KindUpdateDocument:
		if msg.Update == nil {
			s.protocolError(sess, "update without payload")
			return
		}
		s.handleUpdate(sess, msg.Update)

	case protocol.KindRequestSync:
		var since uint64
		if msg.Sync != nil {
			since = msg.Sync.Since
		}
		s.handleRequestSync(sess, since)

	case protocol.KindSubscribe:
		// Push delivery is implicit for every authenticated session.

	case protocol.KindAuthenticate:
		s.protocolError(sess, "already authenticated")

	default:
		s.protocolError(sess, fmt.Sprintf("unexpected %s message", msg.Kind))
	}
}

// handleCreate arbitrates a create submission. Creates are only valid for
// documents the server has never seen; anything else is either an idempotent
// replay or a conflict resolved in the server's favor.
func (s *Server) handleCreate(sess *session, create *protocol.CreateDocument) {
	s.arbMu.Lock()
	defer s.arbMu.Unlock()

	doc := create.Document
	if err := doc.Validate(); err != nil {
		s.protocolError(sess, fmt.Sprintf("invalid document: %v", err))
		return
	}
	if doc.OwnerID != sess.userID {
		s.protocolError(sess, "document owner does not match session user")
		return
	}

	cur, err := s.store.Get(s.ctx, sess.userID, doc.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		canonical := doc.Clone()
		canonical.ServerSeq = canonical.Revision.Seq
		if err := s.store.ForcePut(s.ctx, canonical); err != nil {
			s.internalError(sess, err)
			return
		}
		s.reply(sess, acceptResult(doc.ID, canonical.Revision))
		s.broadcast(sess, *canonical)

	case err != nil:
		s.internalError(sess, err)

	case cur.Revision == doc.Revision:
		// Replayed create after a lost acknowledgement.
		s.reply(sess, acceptResult(doc.ID, cur.Revision))

	default:
		// A create for a document that already advanced is anomalous;
		// log it and let arbitration hand back the canonical state.
		if cur.Revision.Seq > 1 {
			s.logger.Printf("Protocol anomaly: create from %s for %s already at %s",
				sess.clientID, doc.ID, cur.Revision)
		}
		s.reply(sess, rejectResult(doc.ID, cur))
	}
}

// handleUpdate arbitrates an update submission against the canonical
// revision.
func (s *Server) handleUpdate(sess *session, up *protocol.UpdateDocument) {
	s.arbMu.Lock()
	defer s.arbMu.Unlock()

	// Owner-scoped lookup: another user's document with the same id is
	// indistinguishable from a missing one.
	cur, err := s.store.Get(s.ctx, sess.userID, up.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		s.reply(sess, protocol.ServerMessage{
			Kind: protocol.KindError,
			Err: &protocol.ServerError{
				Code:       protocol.CodeNotFound,
				DocumentID: up.DocumentID,
				Message:    fmt.Sprintf("document %s does not exist", up.DocumentID),
			},
		})
		return
	}
	if err != nil {
		s.internalError(sess, err)
		return
	}
	if up.Patch.IsEmpty() {
		s.reply(sess, protocol.ServerMessage{
			Kind: protocol.KindError,
			Err: &protocol.ServerError{
				Code:       protocol.CodeInvalidPatch,
				DocumentID: up.DocumentID,
				Message:    "empty patch",
			},
		})
		return
	}

	if up.BaseRevision == cur.Revision {
		title, body, deleted := up.Patch.Apply(cur)
		next := cur.NextRevision(title, body, deleted)
		canonical := cur.Clone()
		canonical.Title = title
		canonical.Body = body
		canonical.Deleted = deleted
		canonical.Revision = next
		canonical.ServerSeq = next.Seq
		canonical.UpdatedAt = time.Now().UTC()

		if err := s.store.ForcePut(s.ctx, canonical); err != nil {
			s.internalError(sess, err)
			return
		}
		s.reply(sess, acceptResult(up.DocumentID, next))
		s.broadcast(sess, *canonical)
		return
	}

	// Replay of the write that produced the current revision: the patch
	// applied to the canonical state changes nothing and the base was one
	// step behind. Acknowledge without re-applying.
	title, body, deleted := up.Patch.Apply(cur)
	if up.BaseRevision.Seq+1 == cur.Revision.Seq &&
		document.WriterToken(title, body, deleted) == cur.Revision.Writer {
		s.reply(sess, acceptResult(up.DocumentID, cur.Revision))
		return
	}

	s.reply(sess, rejectResult(up.DocumentID, cur))
}

// handleRequestSync streams the user's documents, tombstones included, then
// terminates the stream.
func (s *Server) handleRequestSync(sess *session, since uint64) {
	it, err := s.store.ChangedSince(s.ctx, sess.userID, since)
	if err != nil {
		s.internalError(sess, err)
		return
	}
	defer it.Close()

	count := 0
	for it.Next() {
		msg := protocol.ServerMessage{
			Kind:    protocol.KindSyncDocument,
			SyncDoc: &protocol.SyncDocument{Document: *it.Doc()},
		}
		if err := sess.send(msg); err != nil {
			s.logger.Printf("Sync stream to %s aborted: %v", sess.clientID, err)
			return
		}
		count++
	}
	if err := it.Err(); err != nil {
		s.internalError(sess, err)
		return
	}

	s.reply(sess, protocol.ServerMessage{
		Kind:     protocol.KindSyncComplete,
		SyncDone: &protocol.SyncComplete{Count: count},
	})
}

// broadcast pushes an accepted document to the user's other sessions.
func (s *Server) broadcast(from *session, doc document.Document) {
	s.sessionsMu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess != from && sess.userID == from.userID {
			targets = append(targets, sess)
		}
	}
	s.sessionsMu.RUnlock()

	msg := protocol.ServerMessage{
		Kind: protocol.KindPush,
		Push: &protocol.Push{Document: doc},
	}
	for _, sess := range targets {
		if err := sess.send(msg); err != nil {
			s.logger.Printf("Push to %s failed: %v", sess.clientID, err)
			s.removeSession(sess.conn)
		}
	}
}

func (s *Server) reply(sess *session, msg protocol.ServerMessage) {
	if err := sess.send(msg); err != nil {
		s.logger.Printf("Reply to %s failed: %v", sess.clientID, err)
	}
}

func (s *Server) protocolError(sess *session, detail string) {
	s.logger.Printf("Protocol violation from %s: %s", sess.clientID, detail)
	s.reply(sess, protocol.ServerMessage{
		Kind: protocol.KindError,
		Err: &protocol.ServerError{
			Code:    protocol.CodeProtocolViolation,
			Message: detail,
		},
	})
}

func (s *Server) internalError(sess *session, err error) {
	s.logger.Printf("Internal error serving %s: %v", sess.clientID, err)
	s.reply(sess, protocol.ServerMessage{
		Kind: protocol.KindError,
		Err: &protocol.ServerError{
			Code:    protocol.CodeServerError,
			Message: "internal error",
		},
	})
}

func acceptResult(id uuid.UUID, rev document.Revision) protocol.ServerMessage {
	return protocol.ServerMessage{
		Kind: protocol.KindWriteResult,
		Write: &protocol.WriteResult{
			DocumentID: id,
			Accepted:   true,
			Revision:   rev,
		},
	}
}

func rejectResult(id uuid.UUID, authoritative *document.Document) protocol.ServerMessage {
	return protocol.ServerMessage{
		Kind: protocol.KindWriteResult,
		Write: &protocol.WriteResult{
			DocumentID: id,
			Accepted:   false,
			Revision:   authoritative.Revision,
			Document:   authoritative,
			Reason:     "stale base revision",
		},
	}
}
