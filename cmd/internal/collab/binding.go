package collab

import (
	"log/slog"

	"scribe/cmd/internal/editor"
	"scribe/cmd/internal/replica"
)

// Binding is the live link between one document handle and the editors.
type Binding struct {
	Document string

	text     *replica.Text
	editors  []editor.Model
	cancels  []func()
	released bool
	log      *slog.Logger
}

// Text returns the bound handle.
func (b *Binding) Text() *replica.Text { return b.text }

// Released reports whether the binding was torn down.
func (b *Binding) Released() bool { return b.released }

func (b *Binding) release() {
	if b.released {
		return
	}
	b.released = true
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
}

// onEditorChange writes a local edit into the handle and mirrors it to the other editors.
func (b *Binding) onEditorChange(src editor.Model, c editor.Change) {
	if b.released || c.Origin == b {
		return
	}

	var err error
	b.text.Doc().Transact(b, func() {
		if c.Deleted > 0 {
			if err = b.text.Delete(c.Offset, c.Deleted); err != nil {
				return
			}
		}
		if c.Inserted != "" {
			err = b.text.Insert(c.Offset, c.Inserted)
		}
	})
	if err != nil {
		b.log.Warn("binding.edit.fail", "document", b.Document, "err", err)
		b.reseed()
		return
	}

	mirrored := editor.Change{Offset: c.Offset, Deleted: c.Deleted, Inserted: c.Inserted, Origin: b}
	for _, ed := range b.editors {
		if ed == src {
			continue
		}
		if err := ed.Apply(mirrored); err != nil {
			ed.SetText(b.text.String(), b)
		}
	}
}

// onTextEvent applies a change made by anyone but this binding to every editor.
func (b *Binding) onTextEvent(ev replica.TextEvent) {
	if b.released || ev.Origin == b {
		return
	}
	c := editor.Change{Offset: ev.Index, Deleted: ev.Delete, Inserted: ev.Insert, Origin: b}
	for _, ed := range b.editors {
		if err := ed.Apply(c); err != nil {
			b.log.Warn("binding.apply.fail", "document", b.Document, "err", err)
			ed.SetText(b.text.String(), b)
		}
	}
}

func (b *Binding) reseed() {
	snapshot := b.text.String()
	for _, ed := range b.editors {
		ed.SetText(snapshot, b)
	}
}

// BindingController keeps at most one Binding alive over a fixed set of editors.
type BindingController struct {
	log     *slog.Logger
	editors []editor.Model
	active  *Binding
}

// NewBindingController constructs a controller for editors.
func NewBindingController(log *slog.Logger, editors ...editor.Model) *BindingController {
	if log == nil {
		log = slog.Default()
	}
	return &BindingController{log: log, editors: editors}
}

// Bind releases the current binding, seeds every editor with text and links them.
func (c *BindingController) Bind(name string, text *replica.Text) *Binding {
	c.Unbind()

	b := &Binding{
		Document: name,
		text:     text,
		editors:  c.editors,
		log:      c.log,
	}
	b.reseed()
	for _, ed := range c.editors {
		ed := ed
		b.cancels = append(b.cancels, ed.OnChange(func(ch editor.Change) { b.onEditorChange(ed, ch) }))
	}
	b.cancels = append(b.cancels, text.Observe(b.onTextEvent))

	c.active = b
	c.log.Info("binding.bind", "document", name, "editors", len(c.editors))
	return b
}

// Unbind releases the current binding. It is a no-op when nothing is bound.
func (c *BindingController) Unbind() {
	if c.active == nil {
		return
	}
	c.active.release()
	c.log.Info("binding.unbind", "document", c.active.Document)
	c.active = nil
}

// Clear releases the current binding and empties every editor. A room switch calls it so
// nothing typed before the next bind looks like it belongs to a document.
func (c *BindingController) Clear() {
	c.Unbind()
	for _, ed := range c.editors {
		if ed.Text() != "" {
			ed.SetText("", c)
		}
	}
}

// Active returns the bound document name.
func (c *BindingController) Active() (string, bool) {
	if c.active == nil {
		return "", false
	}
	return c.active.Document, true
}

// Current returns the live binding, or nil.
func (c *BindingController) Current() *Binding { return c.active }
