package collab

import (
	"errors"
	"slices"
	"testing"

	"scribe/cmd/internal/replica"
)

func TestRegistryGetOrCreateIsStable(t *testing.T) {
	t.Parallel()

	r := NewDocumentRegistry(replica.NewDoc())

	h1, err := r.GetOrCreate("a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	h2, err := r.GetOrCreate("a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical handles")
	}
	if got := r.List(); !slices.Equal(got, []string{"a"}) {
		t.Fatalf("List()=%v want [a]", got)
	}
}

func TestRegistryRejectsEmptyNames(t *testing.T) {
	t.Parallel()

	r := NewDocumentRegistry(replica.NewDoc())
	for _, name := range []string{"", "   "} {
		if _, err := r.GetOrCreate(name); !errors.Is(err, ErrInvalidDocumentName) {
			t.Fatalf("GetOrCreate(%q) err=%v", name, err)
		}
	}
}

func TestRegistryNamesIsLazyAndRestartable(t *testing.T) {
	t.Parallel()

	r := NewDocumentRegistry(replica.NewDoc())
	names := r.Names()

	_, _ = r.GetOrCreate("one")
	if got := slices.Collect(names); !slices.Equal(got, []string{"one"}) {
		t.Fatalf("first pass %v", got)
	}

	_, _ = r.GetOrCreate("two")
	if got := slices.Collect(names); !slices.Equal(got, []string{"one", "two"}) {
		t.Fatalf("second pass %v", got)
	}

	for name := range names {
		if name != "one" {
			t.Fatalf("early break yielded %q", name)
		}
		break
	}
}

func TestRegistryConcurrentCreateConverges(t *testing.T) {
	t.Parallel()

	a := replica.NewDoc(replica.WithClientID(1))
	b := replica.NewDoc(replica.WithClientID(2))
	ra, rb := NewDocumentRegistry(a), NewDocumentRegistry(b)

	var fromA, fromB []replica.Update
	a.OnUpdate(func(u replica.Update, _ any) { fromA = append(fromA, u) })
	b.OnUpdate(func(u replica.Update, _ any) { fromB = append(fromB, u) })

	ha, _ := ra.GetOrCreate("notes")
	hb, _ := rb.GetOrCreate("notes")
	_ = ha.Insert(0, "x")

	for _, u := range fromA {
		_, _ = b.ApplyUpdate(u, "net")
	}
	for _, u := range fromB {
		_, _ = a.ApplyUpdate(u, "net")
	}

	if got := ra.List(); !slices.Equal(got, []string{"notes"}) {
		t.Fatalf("a sees %v", got)
	}
	if got := rb.List(); !slices.Equal(got, []string{"notes"}) {
		t.Fatalf("b sees %v", got)
	}
	if hb.String() != "x" {
		t.Fatalf("both peers must share one text, b has %q", hb.String())
	}
}

func TestRegistryListChangedAndDetach(t *testing.T) {
	t.Parallel()

	doc := replica.NewDoc(replica.WithClientID(1))
	r := NewDocumentRegistry(doc)

	var seen [][]string
	r.OnListChanged(func(names []string) { seen = append(seen, names) })

	_, _ = r.GetOrCreate("a")
	_, _ = r.GetOrCreate("a")

	remote := replica.NewDoc(replica.WithClientID(2))
	remote.List(DocumentsKey).Push("b")
	_, _ = doc.ApplyUpdate(remote.EncodeState(), "net")

	if len(seen) != 2 || !slices.Equal(seen[1], []string{"b", "a"}) && !slices.Equal(seen[1], []string{"a", "b"}) {
		t.Fatalf("unexpected notifications %v", seen)
	}

	r.Detach()
	if r.Listeners() != 0 || doc.List(DocumentsKey).Observers() != 0 {
		t.Fatalf("detach left listeners behind")
	}
	if _, err := r.GetOrCreate("c"); !errors.Is(err, ErrDetached) {
		t.Fatalf("expected ErrDetached, got %v", err)
	}
	if len(r.List()) != 0 {
		t.Fatalf("detached registry still lists documents")
	}
}
