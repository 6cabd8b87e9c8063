// Package protocol defines the wire messages exchanged between sync clients
// and the server authority.
//
// Messages are JSON envelopes with a type tag and one optional payload per
// kind. Rejected writes always carry the current authoritative document, never
// a bare error code, so the client can reconcile without a second round trip.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/replidoc/replidoc/internal/document"
)

// ClientKind tags messages sent from a client to the server.
type ClientKind string

const (
	KindAuthenticate   ClientKind = "authenticate"
	KindSubscribe      ClientKind = "subscribe"
	KindCreateDocument ClientKind = "create_document"
	KindUpdateDocument ClientKind = "update_document"
	KindRequestSync    ClientKind = "request_sync"
	KindPing           ClientKind = "ping"
)

// ServerKind tags messages sent from the server to a client.
type ServerKind string

const (
	KindAuthResult   ServerKind = "auth_result"
	KindWriteResult  ServerKind = "write_result"
	KindSyncDocument ServerKind = "sync_document"
	KindSyncComplete ServerKind = "sync_complete"
	KindPush         ServerKind = "push"
	KindPong         ServerKind = "pong"
	KindError        ServerKind = "error"
)

// ErrorCode classifies server-side failures.
type ErrorCode string

const (
	CodeInvalidAuth       ErrorCode = "invalid_auth"
	CodeNotFound          ErrorCode = "not_found"
	CodeInvalidPatch      ErrorCode = "invalid_patch"
	CodeProtocolViolation ErrorCode = "protocol_violation"
	CodeServerError       ErrorCode = "server_error"
)

// Authenticate must be the first message on a connection.
type Authenticate struct {
	UserID   uuid.UUID `json:"user_id"`
	ClientID uuid.UUID `json:"client_id"`
	Token    string    `json:"token"`
}

// CreateDocument submits a document the server has never seen. Sending a
// create for a document whose canonical revision is beyond the initial one is
// a protocol violation the server logs as anomalous.
type CreateDocument struct {
	Document document.Document `json:"document"`
}

// UpdateDocument submits a field-level patch against a base revision. Deletes
// travel as updates carrying a tombstone patch.
type UpdateDocument struct {
	DocumentID   uuid.UUID         `json:"document_id"`
	BaseRevision document.Revision `json:"base_revision"`
	Patch        document.Patch    `json:"patch"`
}

// RequestSync asks for the server's current state of every document owned by
// the authenticated user. Since bounds the request to documents whose
// canonical sequence advanced past it; zero requests everything.
type RequestSync struct {
	Since uint64 `json:"since"`
}

// ClientMessage is the envelope for client-to-server traffic.
type ClientMessage struct {
	Kind ClientKind `json:"type"`

	Authenticate *Authenticate   `json:"authenticate,omitempty"`
	Create       *CreateDocument `json:"create,omitempty"`
	Update       *UpdateDocument `json:"update,omitempty"`
	Sync         *RequestSync    `json:"sync,omitempty"`
}

// AuthResult reports the outcome of Authenticate.
type AuthResult struct {
	OK        bool      `json:"ok"`
	SessionID uuid.UUID `json:"session_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// WriteResult acknowledges a create or update submission.
//
// On acceptance, Revision is the canonical revision the server assigned. On
// rejection, Document carries the full authoritative state the client must
// reconcile against.
type WriteResult struct {
	DocumentID uuid.UUID          `json:"document_id"`
	Accepted   bool               `json:"accepted"`
	Revision   document.Revision  `json:"revision,omitempty"`
	Document   *document.Document `json:"document,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// SyncDocument streams one document during a RequestSync cycle. Tombstoned
// documents are included so the client can compare revisions.
type SyncDocument struct {
	Document document.Document `json:"document"`
}

// SyncComplete terminates a RequestSync cycle.
type SyncComplete struct {
	Count int `json:"count"`
}

// Push is a server-initiated update to a subscribed client.
type Push struct {
	Document document.Document `json:"document"`
}

// ServerError reports a failure that has no document to attach. DocumentID
// identifies the submission that failed when the error concerns one, so the
// client can stop waiting on its acknowledgement; it is zero for errors with
// no document context (auth, malformed messages).
type ServerError struct {
	Code       ErrorCode `json:"code"`
	DocumentID uuid.UUID `json:"document_id,omitempty"`
	Message    string    `json:"message"`
}

// ServerMessage is the envelope for server-to-client traffic.
type ServerMessage struct {
	Kind ServerKind `json:"type"`

	Auth     *AuthResult   `json:"auth,omitempty"`
	Write    *WriteResult  `json:"write,omitempty"`
	SyncDoc  *SyncDocument `json:"sync_doc,omitempty"`
	SyncDone *SyncComplete `json:"sync_done,omitempty"`
	Push     *Push         `json:"push,omitempty"`
	Err      *ServerError  `json:"error,omitempty"`
}

// EncodeClient marshals a client message for the wire.
func EncodeClient(msg ClientMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Kind, err)
	}
	return data, nil
}

// DecodeClient unmarshals a client message received on the wire.
func DecodeClient(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("failed to decode client message: %w", err)
	}
	if msg.Kind == "" {
		return ClientMessage{}, fmt.Errorf("client message missing type tag")
	}
	return msg, nil
}

// EncodeServer marshals a server message for the wire.
func EncodeServer(msg ServerMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Kind, err)
	}
	return data, nil
}

// DecodeServer unmarshals a server message received on the wire.
func DecodeServer(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("failed to decode server message: %w", err)
	}
	if msg.Kind == "" {
		return ServerMessage{}, fmt.Errorf("server message missing type tag")
	}
	return msg, nil
}
