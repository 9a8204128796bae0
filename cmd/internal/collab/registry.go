package collab

import (
	"iter"
	"slices"
	"strings"

	"scribe/cmd/internal/notify"
	"scribe/cmd/internal/replica"
)

// DocumentsKey names the replicated list of document names inside a room root.
const DocumentsKey = "documents"

// DocumentRegistry maps document names to text handles inside one room root.
// Documents are created on first reference and never deleted.
type DocumentRegistry struct {
	doc  *replica.Doc
	list *replica.List

	handles   map[string]*replica.Text
	detached  bool
	listeners notify.Set[func([]string)]
	unobserve func()
}

// NewDocumentRegistry attaches a registry to doc.
func NewDocumentRegistry(doc *replica.Doc) *DocumentRegistry {
	r := &DocumentRegistry{
		doc:     doc,
		list:    doc.List(DocumentsKey),
		handles: make(map[string]*replica.Text),
	}
	r.unobserve = r.list.Observe(r.onList)
	return r
}

// GetOrCreate returns the handle for name. A new name gets its text and its list entry in
// one transaction. Asking for an existing name is a plain lookup.
func (r *DocumentRegistry) GetOrCreate(name string) (*replica.Text, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidDocumentName
	}
	if r.detached {
		return nil, ErrDetached
	}
	if h, ok := r.handles[name]; ok {
		return h, nil
	}

	var h *replica.Text
	r.doc.Transact(r, func() {
		h = r.doc.Text(name)
		if !r.list.Contains(name) {
			r.list.Push(name)
		}
	})
	r.handles[name] = h
	return h, nil
}

// Names yields the document names in append order, each once. Every iteration reads the
// current replicated state.
func (r *DocumentRegistry) Names() iter.Seq[string] {
	return func(yield func(string) bool) {
		if r.detached {
			return
		}
		seen := make(map[string]struct{})
		for _, name := range r.list.Items() {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			if !yield(name) {
				return
			}
		}
	}
}

// List returns a snapshot of Names.
func (r *DocumentRegistry) List() []string {
	return slices.Collect(r.Names())
}

// OnListChanged registers fn for every change to the document list, local or remote.
func (r *DocumentRegistry) OnListChanged(fn func(names []string)) (cancel func()) {
	return r.listeners.Add(fn)
}

// Listeners reports the number of OnListChanged registrations.
func (r *DocumentRegistry) Listeners() int { return r.listeners.Len() }

// Detach stops observing the root and rejects further mutation.
func (r *DocumentRegistry) Detach() {
	if r.detached {
		return
	}
	r.detached = true
	if r.unobserve != nil {
		r.unobserve()
	}
	r.listeners.Clear()
	clear(r.handles)
}

func (r *DocumentRegistry) onList(replica.ListEvent) {
	if r.detached {
		return
	}
	names := r.List()
	for _, fn := range r.listeners.Snapshot() {
		fn(names)
	}
}
