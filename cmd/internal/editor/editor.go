// Package editor defines the text model a document binding drives, plus an in-memory
// Buffer implementation used by the terminal client and tests.
package editor

import (
	"errors"
	"fmt"
	"sync"

	"scribe/cmd/internal/notify"
)

var ErrOutOfRange = errors.New("editor: change out of range")

// Change is one edit expressed in rune offsets.
// Origin identifies who applied it so a binding can ignore its own echoes.
type Change struct {
	Offset   int
	Deleted  int
	Inserted string
	Origin   any
}

// Model is the editor surface a binding synchronizes with.
type Model interface {
	Text() string
	SetText(text string, origin any)
	Apply(c Change) error
	OnChange(fn func(Change)) (cancel func())
}

// Buffer is a rune-indexed Model.
type Buffer struct {
	mu   sync.Mutex
	text []rune

	listeners notify.Set[func(Change)]
}

// NewBuffer constructs a Buffer holding text.
func NewBuffer(text string) *Buffer {
	return &Buffer{text: []rune(text)}
}

// Text returns the current content.
func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.text)
}

// Len returns the content length in runes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.text)
}

// SetText replaces the whole content and reports it as one change.
func (b *Buffer) SetText(text string, origin any) {
	b.mu.Lock()
	old := len(b.text)
	b.text = []rune(text)
	b.mu.Unlock()

	b.emit(Change{Offset: 0, Deleted: old, Inserted: text, Origin: origin})
}

// Apply performs c and notifies listeners.
func (b *Buffer) Apply(c Change) error {
	b.mu.Lock()
	if c.Offset < 0 || c.Deleted < 0 || c.Offset+c.Deleted > len(b.text) {
		n := len(b.text)
		b.mu.Unlock()
		return fmt.Errorf("%w: offset=%d deleted=%d len=%d", ErrOutOfRange, c.Offset, c.Deleted, n)
	}
	ins := []rune(c.Inserted)
	next := make([]rune, 0, len(b.text)-c.Deleted+len(ins))
	next = append(next, b.text[:c.Offset]...)
	next = append(next, ins...)
	next = append(next, b.text[c.Offset+c.Deleted:]...)
	b.text = next
	b.mu.Unlock()

	if c.Deleted == 0 && c.Inserted == "" {
		return nil
	}
	b.emit(c)
	return nil
}

// Append inserts s at the end of the buffer as a local edit.
func (b *Buffer) Append(s string) error {
	return b.Apply(Change{Offset: b.Len(), Inserted: s})
}

// OnChange registers fn for every change applied to the buffer.
func (b *Buffer) OnChange(fn func(Change)) (cancel func()) {
	return b.listeners.Add(fn)
}

// Listeners reports the number of OnChange registrations.
func (b *Buffer) Listeners() int { return b.listeners.Len() }

func (b *Buffer) emit(c Change) {
	for _, fn := range b.listeners.Snapshot() {
		fn(c)
	}
}
