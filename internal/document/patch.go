package document

// Patch is a field-level delta, not a full snapshot. Nil fields are untouched.
type Patch struct {
	Title   *string `json:"title,omitempty"`
	Body    *string `json:"body,omitempty"`
	Deleted *bool   `json:"deleted,omitempty"`
}

// NewPatch builds a patch that sets title and body.
func NewPatch(title, body string) Patch {
	return Patch{Title: &title, Body: &body}
}

// TombstonePatch builds a patch that marks a document deleted.
func TombstonePatch() Patch {
	deleted := true
	return Patch{Deleted: &deleted}
}

// IsEmpty reports whether the patch touches nothing.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Body == nil && p.Deleted == nil
}

// Apply returns the content fields of doc with the patch applied. The caller
// decides what revision the result gets; Apply only transforms content.
func (p Patch) Apply(doc *Document) (title, body string, deleted bool) {
	title, body, deleted = doc.Title, doc.Body, doc.Deleted
	if p.Title != nil {
		title = *p.Title
	}
	if p.Body != nil {
		body = *p.Body
	}
	if p.Deleted != nil {
		deleted = *p.Deleted
	}
	return title, body, deleted
}

// Diff computes the field-level delta that transforms old into new.
func Diff(old, new *Document) Patch {
	var p Patch
	if old.Title != new.Title {
		t := new.Title
		p.Title = &t
	}
	if old.Body != new.Body {
		b := new.Body
		p.Body = &b
	}
	if old.Deleted != new.Deleted {
		d := new.Deleted
		p.Deleted = &d
	}
	return p
}
