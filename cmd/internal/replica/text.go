package replica

import (
	"fmt"
	"strings"

	"scribe/cmd/internal/notify"
)

// TextEvent describes one contiguous change to a Text, in rune offsets.
type TextEvent struct {
	Index  int
	Insert string
	Delete int
	Origin any
}

// Text is a replicated rune sequence.
type Text struct {
	doc       *Doc
	name      string
	seq       *sequence
	observers notify.Set[func(TextEvent)]
}

// Name returns the key of this text inside its Doc.
func (t *Text) Name() string { return t.name }

// Doc returns the owning root.
func (t *Text) Doc() *Doc { return t.doc }

// String returns the current visible content.
func (t *Text) String() string {
	return strings.Join(t.seq.values(), "")
}

// Len returns the visible length in runes.
func (t *Text) Len() int { return t.seq.visibleLen() }

// Insert inserts s at rune offset index. Inside a Transact call the op joins that
// transaction; otherwise it commits with a nil origin.
func (t *Text) Insert(index int, s string) error {
	if index < 0 || index > t.Len() {
		return fmt.Errorf("%w: insert at %d (len %d)", ErrIndexOutOfRange, index, t.Len())
	}
	if s == "" {
		return nil
	}

	t.doc.Transact(nil, func() {
		var origin ID
		if index > 0 {
			origin = t.seq.visibleRange(index-1, 1)[0].id
		}
		for _, r := range s {
			id := t.doc.nextID()
			t.doc.local(Op{Kind: OpInsert, Type: TypeText, Name: t.name, ID: id, Origin: origin, Value: string(r)})
			origin = id
		}
	})
	return nil
}

// Delete removes n runes starting at index.
func (t *Text) Delete(index, n int) error {
	if index < 0 || n < 0 || index+n > t.Len() {
		return fmt.Errorf("%w: delete %d at %d (len %d)", ErrIndexOutOfRange, n, index, t.Len())
	}
	if n == 0 {
		return nil
	}

	targets := t.seq.visibleRange(index, n)
	t.doc.Transact(nil, func() {
		for _, e := range targets {
			t.doc.local(Op{Kind: OpDelete, Type: TypeText, Name: t.name, ID: t.doc.nextID(), Target: e.id})
		}
	})
	return nil
}

// Observe registers fn for changes to this text, local and remote.
func (t *Text) Observe(fn func(TextEvent)) (cancel func()) {
	return t.observers.Add(fn)
}

// Observers reports the number of registered observers.
func (t *Text) Observers() int { return t.observers.Len() }
