// Package request defines the parsed request object and the per-worker
// arena that owns it. Pipeline links (prev/next) are ids into the arena,
// not pointers, so migrating or freeing a request never requires chasing
// and fixing up raw pointers (see DESIGN.md).
package request

import "github.com/tindra/clusterproxy/internal/slotmap"

// ParseState is the protocol parser's state for a request under construction.
type ParseState int

const (
	StateUnknown ParseState = iota
	StateIncomplete
	StateOK
	StateError
)

// Queue identifies which of the mutually-exclusive queues currently owns
// a request, per the data-model invariant that a request lives in
// exactly one queue at a time.
type Queue int

const (
	QueueNone Queue = iota
	QueueClientParse
	QueueSharedSend
	QueueSharedPending
	QueuePrivateSend
	QueuePrivatePending
)

// Arg is an offset/length slice into a Request's raw buffer; the argument
// bytes are never copied out of the buffer.
type Arg struct {
	Offset int
	Length int
}

// ID identifies a Request within its owning Arena.
type ID uint32

// invalidID marks the absence of a pipeline neighbor.
const invalidID ID = 0

// Request is one parsed (or in-progress) client command.
type Request struct {
	id ID

	ClientID  uint64
	Raw       []byte
	State     ParseState
	Args      []Arg
	CommandUp string // uppercased command name; the parser and router leave it empty

	Shard *slotmap.Shard
	Slot  slotmap.Slot

	WriteCursor int

	HasWriteHandler bool
	HasReadHandler  bool
	OwnedByClient   bool

	Queue Queue

	prev ID
	next ID
}

// ID returns this request's arena handle.
func (r *Request) ID() ID { return r.id }

// HasPrev/HasNext report whether a request has a pipeline neighbor;
// a zero ID means "no neighbor". Arena.Prev/Arena.Next resolve them.
func (r *Request) HasPrev() bool { return r.prev != invalidID }
func (r *Request) HasNext() bool { return r.next != invalidID }

// Arena is a per-worker slab of in-flight Request objects, indexed by ID.
// Freed slots are recycled via a free list so the arena does not grow
// without bound under steady-state traffic.
type Arena struct {
	slots []*Request
	free  []ID
	next  ID
}

// NewArena creates an empty arena. Slot 0 is reserved to serve as the
// "no neighbor" sentinel (invalidID), matching C-style arena conventions
// where index 0 doubles as a null handle.
func NewArena() *Arena {
	a := &Arena{slots: make([]*Request, 1), next: 1}
	return a
}

// New allocates a Request from the arena, recycling a freed slot when one
// is available.
func (a *Arena) New(clientID uint64, raw []byte) *Request {
	r := &Request{ClientID: clientID, Raw: raw, State: StateUnknown}
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		r.id = id
		a.slots[id] = r
		return r
	}
	r.id = a.next
	a.next++
	a.slots = append(a.slots, r)
	return r
}

// Get resolves an ID to its Request, or nil if the id is invalid or freed.
func (a *Arena) Get(id ID) *Request {
	if id == invalidID || int(id) >= len(a.slots) {
		return nil
	}
	return a.slots[id]
}

// Free releases a request's slot for reuse and clears its pipeline links
// so no stale neighbor reference survives it.
func (a *Arena) Free(id ID) {
	if id == invalidID || int(id) >= len(a.slots) {
		return
	}
	if r := a.slots[id]; r != nil {
		if p := a.Get(r.prev); p != nil {
			p.next = invalidID
		}
		if n := a.Get(r.next); n != nil {
			n.prev = invalidID
		}
	}
	a.slots[id] = nil
	a.free = append(a.free, id)
}

// Link sets pred.next = succ and succ.prev = pred, chaining two requests
// produced by splitting one pipelined read into its constituent commands.
func (a *Arena) Link(pred, succ *Request) {
	pred.next = succ.id
	succ.prev = pred.id
}

// Prev returns r's predecessor in the pipeline chain, or nil.
func (a *Arena) Prev(r *Request) *Request { return a.Get(r.prev) }

// Next returns r's successor in the pipeline chain, or nil.
func (a *Arena) Next(r *Request) *Request { return a.Get(r.next) }
