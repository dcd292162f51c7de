package core

import "fmt"

// SubscribeHandle is the opaque identifier subscribe() returns. It carries
// enough information for unsubscribe() to route back to the right transport
// without a reverse lookup (spec §3).
type SubscribeHandle struct {
	Transport TransportTag
	ID        uint64
}

func (h SubscribeHandle) String() string {
	return fmt.Sprintf("%s#%d", h.Transport, h.ID)
}

// IsZero reports whether h is the zero value, i.e. not a handle returned by
// subscribe().
func (h SubscribeHandle) IsZero() bool {
	return h.ID == 0 && h.Transport == 0
}

// HandleAllocator issues monotonically increasing handle ids for a single
// TransportTag; ids are unique within one allocator, not across
// allocators.
type HandleAllocator struct {
	tag  TransportTag
	next uint64
}

// NewHandleAllocator returns an allocator that mints SubscribeHandle values
// tagged with tag.
func NewHandleAllocator(tag TransportTag) *HandleAllocator {
	return &HandleAllocator{tag: tag}
}

// Next returns the next handle for this allocator's transport.
func (a *HandleAllocator) Next() SubscribeHandle {
	a.next++
	return SubscribeHandle{Transport: a.tag, ID: a.next}
}
