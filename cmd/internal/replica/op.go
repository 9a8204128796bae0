package replica

import (
	"encoding/json"
	"fmt"
)

// OpKind is the mutation carried by an Op.
type OpKind string

const (
	OpInsert OpKind = "ins"
	OpDelete OpKind = "del"
)

// SeqType selects the sequence namespace an Op targets.
type SeqType string

const (
	TypeText SeqType = "text"
	TypeList SeqType = "list"
)

// Op is one replicated mutation.
//
// Inserts carry Origin, the element they were typed after (zero for the head).
// Deletes carry Target, the element they remove.
type Op struct {
	Kind   OpKind  `json:"kind"`
	Type   SeqType `json:"type"`
	Name   string  `json:"name"`
	ID     ID      `json:"id"`
	Origin ID      `json:"origin,omitzero"`
	Target ID      `json:"target,omitzero"`
	Value  string  `json:"value,omitempty"`
}

func (op Op) validate() error {
	if op.ID.Client == 0 || op.ID.Clock == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidOp)
	}
	switch op.Type {
	case TypeText, TypeList:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOp, op.Type)
	}
	switch op.Kind {
	case OpInsert:
		if op.Value == "" {
			return fmt.Errorf("%w: empty insert %s", ErrInvalidOp, op.ID)
		}
	case OpDelete:
		if op.Target.IsZero() {
			return fmt.Errorf("%w: delete without target %s", ErrInvalidOp, op.ID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
	}
	return nil
}

// Update is a batch of ops produced by one transaction (or a full state dump).
type Update struct {
	Ops []Op `json:"ops"`
}

// Empty reports whether u carries no ops.
func (u Update) Empty() bool { return len(u.Ops) == 0 }

// EncodeUpdate serializes u for the wire.
func EncodeUpdate(u Update) ([]byte, error) {
	if u.Ops == nil {
		u.Ops = []Op{}
	}
	return json.Marshal(u)
}

// DecodeUpdate parses and validates an encoded Update.
func DecodeUpdate(b []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(b, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	for _, op := range u.Ops {
		if err := op.validate(); err != nil {
			return Update{}, err
		}
	}
	return u, nil
}
