package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	a, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	b, err := NewULID(now.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}

	if len(a) != 26 {
		t.Fatalf("len=%d want 26", len(a))
	}
	if !(a < b) {
		t.Fatalf("ids must sort by time: %s >= %s", a, b)
	}

	parsed, err := ulid.Parse(a)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := ulid.Time(parsed.Time()); !got.Equal(now) {
		t.Fatalf("timestamp=%v want %v", got, now)
	}
}

func TestNewULID_ZeroTime(t *testing.T) {
	t.Parallel()

	if id := MustULID(time.Time{}); len(id) != 26 {
		t.Fatalf("unexpected id %q", id)
	}
}
