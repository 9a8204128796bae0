package collab

import (
	"testing"

	"scribe/cmd/internal/editor"
	"scribe/cmd/internal/replica"
)

func TestBindSeedsAndSyncsBothWays(t *testing.T) {
	t.Parallel()

	doc := replica.NewDoc(replica.WithClientID(1))
	h := doc.Text("intro")
	_ = h.Insert(0, "hi")

	ed := editor.NewBuffer("stale")
	c := NewBindingController(testLogger(), ed)
	c.Bind("intro", h)

	if ed.Text() != "hi" {
		t.Fatalf("editor not seeded: %q", ed.Text())
	}

	if err := ed.Append(" there"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if h.String() != "hi there" {
		t.Fatalf("local edit not propagated: %q", h.String())
	}

	remote := replica.NewDoc(replica.WithClientID(2))
	_, _ = remote.ApplyUpdate(doc.EncodeState(), nil)
	var u replica.Update
	remote.OnUpdate(func(up replica.Update, _ any) { u = up })
	_ = remote.Text("intro").Insert(0, ">> ")
	_, _ = doc.ApplyUpdate(u, "net")

	if ed.Text() != ">> hi there" {
		t.Fatalf("remote edit not propagated: %q", ed.Text())
	}
}

func TestBindReleasesPriorBinding(t *testing.T) {
	t.Parallel()

	doc := replica.NewDoc()
	h1, h2 := doc.Text("one"), doc.Text("two")

	ed := editor.NewBuffer("")
	c := NewBindingController(testLogger(), ed)

	b1 := c.Bind("one", h1)
	b2 := c.Bind("two", h2)

	if !b1.Released() || b2.Released() {
		t.Fatalf("released flags b1=%v b2=%v", b1.Released(), b2.Released())
	}
	if h1.Observers() != 0 {
		t.Fatalf("h1 still observed by %d listeners", h1.Observers())
	}
	if h2.Observers() != 1 || ed.Listeners() != 1 {
		t.Fatalf("expected exactly one live link, h2=%d editor=%d", h2.Observers(), ed.Listeners())
	}

	_ = ed.Append("typed")
	if h1.String() != "" || h2.String() != "typed" {
		t.Fatalf("edit went to the wrong handle: h1=%q h2=%q", h1.String(), h2.String())
	}

	_ = h1.Insert(0, "ghost")
	if ed.Text() != "typed" {
		t.Fatalf("released handle still drives the editor: %q", ed.Text())
	}

	if name, ok := c.Active(); !ok || name != "two" {
		t.Fatalf("Active()=%q,%v", name, ok)
	}
	c.Unbind()
	c.Unbind()
	if _, ok := c.Active(); ok || ed.Listeners() != 0 || h2.Observers() != 0 {
		t.Fatalf("Unbind left state behind")
	}
}

func TestBindFansOutToEveryEditor(t *testing.T) {
	t.Parallel()

	doc := replica.NewDoc()
	h := doc.Text("shared")

	left, right := editor.NewBuffer(""), editor.NewBuffer("")
	c := NewBindingController(testLogger(), left, right)
	c.Bind("shared", h)

	_ = left.Append("abc")
	if right.Text() != "abc" || h.String() != "abc" {
		t.Fatalf("fan-out failed: right=%q handle=%q", right.Text(), h.String())
	}

	_ = right.Apply(editor.Change{Offset: 1, Deleted: 1, Inserted: "X"})
	if left.Text() != "aXc" || h.String() != "aXc" {
		t.Fatalf("fan-out failed: left=%q handle=%q", left.Text(), h.String())
	}
}

func TestClearEmptiesEditorsAndReleases(t *testing.T) {
	t.Parallel()

	doc := replica.NewDoc()
	h := doc.Text("intro")
	_ = h.Insert(0, "hello")

	a, b := editor.NewBuffer(""), editor.NewBuffer("")
	c := NewBindingController(testLogger(), a, b)
	bound := c.Bind("intro", h)

	c.Clear()

	if !bound.Released() || c.Current() != nil {
		t.Fatalf("binding still live after Clear")
	}
	if a.Text() != "" || b.Text() != "" {
		t.Fatalf("editors not emptied: %q %q", a.Text(), b.Text())
	}
	if h.String() != "hello" {
		t.Fatalf("Clear leaked into the document: %q", h.String())
	}

	// Typing after Clear must not reach the old handle.
	if err := a.Append("stray"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if h.String() != "hello" {
		t.Fatalf("unbound edit reached the document: %q", h.String())
	}

	c.Clear()
}
