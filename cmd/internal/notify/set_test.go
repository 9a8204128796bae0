package notify

import "testing"

func TestSetOrderAndCancel(t *testing.T) {
	t.Parallel()

	var s Set[func(int)]
	var got []int

	cancelA := s.Add(func(v int) { got = append(got, v*10) })
	s.Add(func(v int) { got = append(got, v*100) })

	for _, fn := range s.Snapshot() {
		fn(1)
	}
	if len(got) != 2 || got[0] != 10 || got[1] != 100 {
		t.Fatalf("unexpected call order: %v", got)
	}

	cancelA()
	cancelA()
	if s.Len() != 1 {
		t.Fatalf("Len()=%d want 1", s.Len())
	}

	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("Len()=%d want 0 after Clear", s.Len())
	}
}

func TestSetCancelDuringIteration(t *testing.T) {
	t.Parallel()

	var s Set[func()]
	calls := 0

	var cancel func()
	cancel = s.Add(func() {
		calls++
		cancel()
	})
	s.Add(func() { calls++ })

	for _, fn := range s.Snapshot() {
		fn()
	}
	if calls != 2 {
		t.Fatalf("calls=%d want 2", calls)
	}
	if s.Len() != 1 {
		t.Fatalf("Len()=%d want 1", s.Len())
	}
}
