package replica

import "slices"

type element struct {
	id      ID
	value   string
	deleted bool
}

// sequence is an RGA: elements are kept in document order, tombstones included.
type sequence struct {
	elems []*element
	byID  map[ID]*element
}

func newSequence() *sequence {
	return &sequence{byID: make(map[ID]*element)}
}

func (s *sequence) indexOf(id ID) int {
	for i, e := range s.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

// integrateInsert places op right after its origin, skipping concurrent siblings with a
// greater ID (and their descendants, which carry greater clocks). It returns the visible
// index of the new element, or ok=false when the origin is unknown.
func (s *sequence) integrateInsert(op Op) (visible int, ok bool) {
	pos := 0
	if !op.Origin.IsZero() {
		i := s.indexOf(op.Origin)
		if i < 0 {
			return 0, false
		}
		pos = i + 1
	}
	for pos < len(s.elems) && s.elems[pos].id.After(op.ID) {
		pos++
	}

	e := &element{id: op.ID, value: op.Value}
	s.elems = slices.Insert(s.elems, pos, e)
	s.byID[op.ID] = e
	return s.visibleBefore(pos), true
}

// integrateDelete tombstones op.Target. changed is false when it was already deleted.
func (s *sequence) integrateDelete(op Op) (visible int, changed, ok bool) {
	e, found := s.byID[op.Target]
	if !found {
		return 0, false, false
	}
	if e.deleted {
		return 0, false, true
	}
	visible = s.visibleBefore(s.indexOf(op.Target))
	e.deleted = true
	return visible, true, true
}

func (s *sequence) visibleBefore(pos int) int {
	n := 0
	for _, e := range s.elems[:pos] {
		if !e.deleted {
			n++
		}
	}
	return n
}

func (s *sequence) visibleLen() int {
	return s.visibleBefore(len(s.elems))
}

// visibleRange returns the elements at visible indexes [from, from+n).
func (s *sequence) visibleRange(from, n int) []*element {
	out := make([]*element, 0, n)
	i := 0
	for _, e := range s.elems {
		if e.deleted {
			continue
		}
		if i >= from && len(out) < n {
			out = append(out, e)
		}
		i++
	}
	return out
}

func (s *sequence) values() []string {
	out := make([]string, 0, len(s.elems))
	for _, e := range s.elems {
		if !e.deleted {
			out = append(out, e.value)
		}
	}
	return out
}
