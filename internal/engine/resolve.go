package engine

import (
	"github.com/replidoc/replidoc/internal/document"
)

// Resolution is the outcome of reconciling a pending local patch against an
// authoritative server document.
//
// Merged is the document the local store should hold afterwards: the server
// document with the surviving pending fields re-applied on top. Resubmit is
// the patch to send back to the server, based on the server's revision; it is
// empty when the server state already contains everything the patch carried.
type Resolution struct {
	Merged   *document.Document
	Base     document.Revision
	Resubmit document.Patch
}

// Reconcile resolves a pending local patch against the authoritative server
// document. Pure function, no I/O.
//
// The server document always becomes the new base; reconciliation never keeps
// local state authoritative over a server resolution. Fields the pending
// patch touched win over the server's values (last writer wins per field),
// fields it never touched take the server's values.
func Reconcile(pending document.Patch, server document.Document) Resolution {
	if pending.IsEmpty() {
		return Resolution{
			Merged: serverAsLocal(server),
			Base:   server.Revision,
		}
	}

	title, body, deleted := pending.Apply(&server)
	if document.WriterToken(title, body, deleted) == server.Revision.Writer {
		// The server already holds exactly this content; nothing to resubmit.
		return Resolution{
			Merged: serverAsLocal(server),
			Base:   server.Revision,
		}
	}

	merged := server.Clone()
	merged.Revision = server.NextRevision(title, body, deleted)
	merged.Title = title
	merged.Body = body
	merged.Deleted = deleted
	merged.ServerSeq = server.Revision.Seq

	return Resolution{
		Merged:   merged,
		Base:     server.Revision,
		Resubmit: pending,
	}
}

// CombinePatches folds an ordered sequence of patches into one. Later patches
// win on fields both set.
func CombinePatches(patches []document.Patch) document.Patch {
	var out document.Patch
	for _, p := range patches {
		if p.Title != nil {
			out.Title = p.Title
		}
		if p.Body != nil {
			out.Body = p.Body
		}
		if p.Deleted != nil {
			out.Deleted = p.Deleted
		}
	}
	return out
}

// serverAsLocal copies a server document into the shape the local store
// keeps: the server's revision sequence is also the acknowledged sequence.
func serverAsLocal(server document.Document) *document.Document {
	doc := server.Clone()
	doc.ServerSeq = server.Revision.Seq
	return doc
}
