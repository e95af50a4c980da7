// Package registry holds the node's own entity tables: publishers,
// subscribers, service providers and service callers, each addressed by a
// stable integer slot that survives for the node's lifetime until the slot
// is explicitly unregistered (spec.md §3/§4.7).
//
// This reuses the teacher's package name and its role in the import graph
// (the layer everything else looks up peers/services through) but not its
// content — the teacher's registry package was an etcd-backed external
// service-discovery client (Register/Deregister/Discover/Watch against a
// remote directory). This node has no external directory of its own peers:
// the master XML-RPC endpoint plays that role, reached through apicall, and
// this package instead holds the node's own advertised entities.
package registry

import "crosnode/tcpros"

// PublisherSlot is a registered topic advertisement.
type PublisherSlot struct {
	Topic        string
	TypeName     string
	MD5Sum       string
	Definition   string
	IntervalUsec int64 // 0 means "send only when triggered explicitly"
	OnFire       func() ([]byte, error)
	Subscribers  map[int]*tcpros.Session // session slot -> session, one per connected subscriber
	NextSlotID   int                     // monotonic; map length alone isn't reusable-safe once entries are deleted
}

// SubscriberSlot is a registered topic subscription.
type SubscriberSlot struct {
	Topic      string
	TypeName   string
	MD5Sum     string
	OnMessage  func(payload []byte) error
	TCPNoDelay bool
	Sessions   map[string]*tcpros.Session // publisher "host:port" -> session
}

// ServiceProviderSlot is a registered inbound service.
type ServiceProviderSlot struct {
	Service      string
	TypeName     string
	MD5Sum       string
	RequestType  string
	ResponseType string
	Handle       func(request []byte) (response []byte, userErr error)
	Sessions     map[int]*tcpros.Session
	NextSlotID   int
}

// ServiceCallerSlot is a registered persistent or one-shot service caller.
type ServiceCallerSlot struct {
	Service      string
	TypeName     string
	MD5Sum       string
	OnResponse   func(response []byte, userErr error)
	Persistent   bool
	IntervalUsec int64
	ProviderHost string
	ProviderPort int
	Resolved     bool
	Session      *tcpros.Session
}

// slot wraps a table entry with the live/free bookkeeping a free-list needs.
type slot[T any] struct {
	value T
	live  bool
}

// Table is a slotted array with a free-list, giving every registration a
// stable integer index for the node's lifetime: indices are never reused
// while live, and only reassigned after an explicit Unregister call, per
// spec.md §3's "slot reuse only after explicit unregister" invariant.
type Table[T any] struct {
	slots    []slot[T]
	freeList []int
}

// NewTable returns an empty Table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{}
}

// Register installs value into a free slot (reusing one from the free-list
// if available) or appends a new one, and returns the assigned index.
func (t *Table[T]) Register(value T) int {
	if n := len(t.freeList); n > 0 {
		idx := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.slots[idx] = slot[T]{value: value, live: true}
		return idx
	}
	t.slots = append(t.slots, slot[T]{value: value, live: true})
	return len(t.slots) - 1
}

// Unregister frees idx, making it eligible for reuse by a later Register.
// Unregistering an already-free or out-of-range index is a no-op.
func (t *Table[T]) Unregister(idx int) {
	if idx < 0 || idx >= len(t.slots) || !t.slots[idx].live {
		return
	}
	var zero T
	t.slots[idx] = slot[T]{value: zero, live: false}
	t.freeList = append(t.freeList, idx)
}

// Get returns the value at idx and whether it is currently live — callers
// must check liveness before dereferencing a provider index cached
// elsewhere (e.g. a TCPROS session's bound provider index), per spec.md's
// "provider index refers to a currently-live provider" invariant.
func (t *Table[T]) Get(idx int) (T, bool) {
	var zero T
	if idx < 0 || idx >= len(t.slots) || !t.slots[idx].live {
		return zero, false
	}
	return t.slots[idx].value, true
}

// Set overwrites the value at a live idx in place (used when a handler
// mutates slot state, e.g. appending a newly connected subscriber session).
func (t *Table[T]) Set(idx int, value T) {
	if idx < 0 || idx >= len(t.slots) || !t.slots[idx].live {
		return
	}
	t.slots[idx].value = value
}

// Each calls fn for every live slot, in index order.
func (t *Table[T]) Each(fn func(idx int, value T)) {
	for i := range t.slots {
		if t.slots[i].live {
			fn(i, t.slots[i].value)
		}
	}
}

// Len reports the number of live slots.
func (t *Table[T]) Len() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].live {
			n++
		}
	}
	return n
}

// Registry groups the four entity tables a node owns.
type Registry struct {
	Publishers       *Table[*PublisherSlot]
	Subscribers      *Table[*SubscriberSlot]
	ServiceProviders *Table[*ServiceProviderSlot]
	ServiceCallers   *Table[*ServiceCallerSlot]
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		Publishers:       NewTable[*PublisherSlot](),
		Subscribers:      NewTable[*SubscriberSlot](),
		ServiceProviders: NewTable[*ServiceProviderSlot](),
		ServiceCallers:   NewTable[*ServiceCallerSlot](),
	}
}
