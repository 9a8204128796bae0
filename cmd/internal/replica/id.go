package replica

import "fmt"

// ID identifies one op: the author's Lamport clock plus the author's client id.
type ID struct {
	Client uint64 `json:"client"`
	Clock  uint64 `json:"clock"`
}

// IsZero reports whether id is unset. The zero ID stands for the sequence head.
func (id ID) IsZero() bool { return id.Client == 0 && id.Clock == 0 }

// After orders IDs by clock, then by client id.
func (id ID) After(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock > other.Clock
	}
	return id.Client > other.Client
}

func (id ID) String() string { return fmt.Sprintf("%d@%d", id.Clock, id.Client) }
