package replica

import (
	"fmt"
	"slices"

	"scribe/cmd/internal/notify"
)

// ListEvent signals that a List changed during one transaction.
type ListEvent struct {
	Origin any
}

// List is a replicated sequence of strings.
type List struct {
	doc       *Doc
	name      string
	seq       *sequence
	observers notify.Set[func(ListEvent)]
}

// Name returns the key of this list inside its Doc.
func (l *List) Name() string { return l.name }

// Items returns the visible values in order.
func (l *List) Items() []string { return l.seq.values() }

// Len returns the number of visible values.
func (l *List) Len() int { return l.seq.visibleLen() }

// Contains reports whether v is visible in the list.
func (l *List) Contains(v string) bool {
	return slices.Contains(l.seq.values(), v)
}

// Push appends values at the end.
func (l *List) Push(values ...string) {
	_ = l.Insert(l.Len(), values...)
}

// Insert inserts values at index.
func (l *List) Insert(index int, values ...string) error {
	if index < 0 || index > l.Len() {
		return fmt.Errorf("%w: insert at %d (len %d)", ErrIndexOutOfRange, index, l.Len())
	}
	if len(values) == 0 {
		return nil
	}
	for _, v := range values {
		if v == "" {
			return fmt.Errorf("%w: empty list value", ErrInvalidOp)
		}
	}

	l.doc.Transact(nil, func() {
		var origin ID
		if index > 0 {
			origin = l.seq.visibleRange(index-1, 1)[0].id
		}
		for _, v := range values {
			id := l.doc.nextID()
			l.doc.local(Op{Kind: OpInsert, Type: TypeList, Name: l.name, ID: id, Origin: origin, Value: v})
			origin = id
		}
	})
	return nil
}

// Delete removes n values starting at index.
func (l *List) Delete(index, n int) error {
	if index < 0 || n < 0 || index+n > l.Len() {
		return fmt.Errorf("%w: delete %d at %d (len %d)", ErrIndexOutOfRange, n, index, l.Len())
	}
	if n == 0 {
		return nil
	}

	targets := l.seq.visibleRange(index, n)
	l.doc.Transact(nil, func() {
		for _, e := range targets {
			l.doc.local(Op{Kind: OpDelete, Type: TypeList, Name: l.name, ID: l.doc.nextID(), Target: e.id})
		}
	})
	return nil
}

// Observe registers fn for changes to this list, local and remote.
func (l *List) Observe(fn func(ListEvent)) (cancel func()) {
	return l.observers.Add(fn)
}

// Observers reports the number of registered observers.
func (l *List) Observers() int { return l.observers.Len() }
