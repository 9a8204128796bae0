// Package replica implements the replicated document root used by scribe rooms.
//
// A Doc holds named sequences of two kinds: Text (rune sequences) and List (string
// sequences). Both are RGA sequences ordered by Lamport IDs, so concurrent inserts
// converge without coordination. Every local mutation produces Ops that are emitted
// as an Update to OnUpdate listeners; peers feed those Updates into ApplyUpdate.
//
// A Doc is not safe for concurrent use. Callers confine it to one goroutine or guard it
// with a mutex.
package replica

import (
	"math/rand/v2"

	"scribe/cmd/internal/notify"
)

// Doc is the replicated root object.
type Doc struct {
	clientID uint64
	clock    uint64

	seqs  map[seqKey]*sequence
	texts map[string]*Text
	lists map[string]*List

	seen    map[ID]struct{}
	history []Op
	pending []Op

	updates notify.Set[func(Update, any)]
	tx      *txn
}

type seqKey struct {
	typ  SeqType
	name string
}

// Option configures a Doc.
type Option func(*Doc)

// WithClientID pins the replica client id. Zero keeps the random default.
func WithClientID(id uint64) Option {
	return func(d *Doc) {
		if id != 0 {
			d.clientID = id
		}
	}
}

// NewDoc constructs an empty Doc.
func NewDoc(opts ...Option) *Doc {
	d := &Doc{
		clientID: NewClientID(),
		seqs:     make(map[seqKey]*sequence),
		texts:    make(map[string]*Text),
		lists:    make(map[string]*List),
		seen:     make(map[ID]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewClientID returns a random non-zero client id that fits a JSON number without precision loss.
func NewClientID() uint64 {
	for {
		if v := rand.Uint64() >> 11; v != 0 {
			return v
		}
	}
}

// ClientID returns the replica id stamped on local ops.
func (d *Doc) ClientID() uint64 { return d.clientID }

// Text returns the text handle for name, creating it on first use.
// Repeated calls return the same handle.
func (d *Doc) Text(name string) *Text {
	if t, ok := d.texts[name]; ok {
		return t
	}
	t := &Text{doc: d, name: name, seq: d.sequence(TypeText, name)}
	d.texts[name] = t
	return t
}

// List returns the list handle for name, creating it on first use.
func (d *Doc) List(name string) *List {
	if l, ok := d.lists[name]; ok {
		return l
	}
	l := &List{doc: d, name: name, seq: d.sequence(TypeList, name)}
	d.lists[name] = l
	return l
}

// HasText reports whether a text named name has been opened or received.
func (d *Doc) HasText(name string) bool {
	_, ok := d.seqs[seqKey{typ: TypeText, name: name}]
	return ok
}

func (d *Doc) sequence(typ SeqType, name string) *sequence {
	k := seqKey{typ: typ, name: name}
	if s, ok := d.seqs[k]; ok {
		return s
	}
	s := newSequence()
	d.seqs[k] = s
	return s
}

// OnUpdate registers fn to receive every committed Update together with its transaction origin.
func (d *Doc) OnUpdate(fn func(u Update, origin any)) (cancel func()) {
	return d.updates.Add(fn)
}

// Listeners reports the number of OnUpdate registrations.
func (d *Doc) Listeners() int { return d.updates.Len() }

// Transact runs fn as one transaction. Observers and update listeners fire once, after fn
// returns, with origin attached. Nested calls join the outer transaction.
func (d *Doc) Transact(origin any, fn func()) {
	if d.tx != nil {
		fn()
		return
	}

	tx := &txn{origin: origin}
	d.tx = tx
	func() {
		defer func() { d.tx = nil }()
		fn()
	}()
	d.commit(tx)
}

// ApplyUpdate merges a remote Update. It returns the number of ops not seen before.
// Ops already seen are ignored; ops whose dependencies are missing are buffered until
// they arrive.
func (d *Doc) ApplyUpdate(u Update, origin any) (int, error) {
	for _, op := range u.Ops {
		if err := op.validate(); err != nil {
			return 0, err
		}
	}

	fresh := 0
	d.Transact(origin, func() {
		for _, op := range u.Ops {
			if _, dup := d.seen[op.ID]; dup {
				continue
			}
			d.markSeen(op.ID)
			fresh++

			if !d.integrate(op) {
				d.pending = append(d.pending, op)
			}
		}
		d.drainPending()
	})
	return fresh, nil
}

// EncodeState returns every op this replica knows, in an order ApplyUpdate accepts.
func (d *Doc) EncodeState() Update {
	ops := make([]Op, 0, len(d.history)+len(d.pending))
	ops = append(ops, d.history...)
	ops = append(ops, d.pending...)
	return Update{Ops: ops}
}

// Pending reports the number of buffered ops waiting for a dependency.
func (d *Doc) Pending() int { return len(d.pending) }

func (d *Doc) markSeen(id ID) {
	d.seen[id] = struct{}{}
	if id.Clock > d.clock {
		d.clock = id.Clock
	}
}

func (d *Doc) nextID() ID {
	d.clock++
	return ID{Client: d.clientID, Clock: d.clock}
}

// local applies an op minted by this replica. It cannot miss a dependency.
func (d *Doc) local(op Op) {
	d.markSeen(op.ID)
	d.integrate(op)
}

func (d *Doc) integrate(op Op) bool {
	seq := d.sequence(op.Type, op.Name)

	switch op.Kind {
	case OpInsert:
		idx, ok := seq.integrateInsert(op)
		if !ok {
			return false
		}
		d.record(op, idx, false)

	case OpDelete:
		idx, changed, ok := seq.integrateDelete(op)
		if !ok {
			return false
		}
		if changed {
			d.record(op, idx, true)
		}
	}

	d.history = append(d.history, op)
	d.tx.ops = append(d.tx.ops, op)
	return true
}

func (d *Doc) drainPending() {
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		rest := d.pending[:0]
		for _, op := range d.pending {
			if d.integrate(op) {
				progress = true
				continue
			}
			rest = append(rest, op)
		}
		d.pending = rest
	}
}

func (d *Doc) record(op Op, index int, deleted bool) {
	switch op.Type {
	case TypeText:
		t, ok := d.texts[op.Name]
		if !ok {
			return
		}
		ev := TextEvent{Index: index}
		if deleted {
			ev.Delete = 1
		} else {
			ev.Insert = op.Value
		}
		d.tx.addText(t, ev)

	case TypeList:
		if l, ok := d.lists[op.Name]; ok {
			d.tx.touchList(l)
		}
	}
}

func (d *Doc) commit(tx *txn) {
	for _, te := range tx.texts {
		te.ev.Origin = tx.origin
		for _, fn := range te.text.observers.Snapshot() {
			fn(te.ev)
		}
	}
	for _, l := range tx.lists {
		for _, fn := range l.observers.Snapshot() {
			fn(ListEvent{Origin: tx.origin})
		}
	}

	if len(tx.ops) == 0 {
		return
	}
	u := Update{Ops: tx.ops}
	for _, fn := range d.updates.Snapshot() {
		fn(u, tx.origin)
	}
}
