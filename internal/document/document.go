// Package document provides the data structures shared by the sync client and
// the server authority: documents, revisions, and field-level patches.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Revision identifies a document state. Seq advances by exactly one per
// accepted mutation; Writer disambiguates revisions produced concurrently at
// the same sequence by different writers before the server arbitrates.
//
// The wire form is "<seq>-<writer>", e.g. "3-a8d73487645ef123".
type Revision struct {
	Seq    uint64
	Writer string
}

// String renders the wire form of the revision.
func (r Revision) String() string {
	return fmt.Sprintf("%d-%s", r.Seq, r.Writer)
}

// IsZero reports whether the revision is unset (document never written).
func (r Revision) IsZero() bool {
	return r.Seq == 0
}

// NewerThan reports whether this revision supersedes other by sequence.
func (r Revision) NewerThan(other Revision) bool {
	return r.Seq > other.Seq
}

// ConflictsWith reports whether two revisions compete for the same sequence
// slot: same sequence, different writer token.
func (r Revision) ConflictsWith(other Revision) bool {
	return r.Seq == other.Seq && r.Writer != other.Writer
}

// MarshalJSON encodes the revision as its wire string.
func (r Revision) MarshalJSON() ([]byte, error) {
	if r.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(strconv.Quote(r.String())), nil
}

// UnmarshalJSON decodes the "<seq>-<writer>" wire string.
func (r *Revision) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("revision must be a string: %w", err)
	}
	parsed, err := ParseRevision(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRevision parses the "<seq>-<writer>" wire form.
func ParseRevision(s string) (Revision, error) {
	if s == "" {
		return Revision{}, nil
	}
	seqStr, writer, ok := strings.Cut(s, "-")
	if !ok {
		return Revision{}, fmt.Errorf("malformed revision %q", s)
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return Revision{}, fmt.Errorf("malformed revision sequence %q: %w", seqStr, err)
	}
	return Revision{Seq: seq, Writer: writer}, nil
}

// Document is a synchronized document. Each client store holds exactly one
// current revision per document id; the server holds the single canonical one.
type Document struct {
	// ===== Identity =====
	ID      uuid.UUID `json:"id"`
	OwnerID uuid.UUID `json:"owner_id"`

	// ===== Content =====
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`

	// ===== Sync metadata =====
	Revision Revision `json:"revision"`
	// ServerSeq caches the last revision sequence known to be accepted by
	// the server for this document. Zero means the server has never seen it,
	// which is what selects create vs. update on resend.
	ServerSeq uint64 `json:"server_seq,omitempty"`

	// Deleted is a tombstone: the document keeps its id and revision for
	// conflict comparison but is excluded from listings.
	Deleted bool `json:"deleted,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required fields.
func (d *Document) Validate() error {
	if d.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	if d.OwnerID == uuid.Nil {
		return fmt.Errorf("owner_id is required")
	}
	if len(d.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(d.Title))
	}
	return nil
}

// WriterToken derives the writer half of a revision from document content.
// It is the first 16 hex characters of the SHA-256 of the content fields, so
// two writers producing different content at the same sequence always get
// distinct revisions.
func WriterToken(title, body string, deleted bool) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(body))
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// InitialRevision returns the revision for a freshly created document.
func InitialRevision(title, body string) Revision {
	return Revision{Seq: 1, Writer: WriterToken(title, body, false)}
}

// NextRevision returns the revision for this document after its content has
// been replaced with the given fields.
func (d *Document) NextRevision(title, body string, deleted bool) Revision {
	return Revision{Seq: d.Revision.Seq + 1, Writer: WriterToken(title, body, deleted)}
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := *d
	return &c
}
