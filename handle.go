package aitt

import "github.com/localrivet/aitt/internal/core"

// SubscribeHandle is the opaque identifier subscribe() returns. It carries
// enough information for unsubscribe() to route back to the right transport
// without a reverse lookup (spec §3).
type SubscribeHandle = core.SubscribeHandle

// HandleAllocator issues monotonically increasing handle ids for a single
// TransportTag; ids are unique within one allocator, not across
// allocators.
type HandleAllocator = core.HandleAllocator

// NewHandleAllocator returns an allocator that mints SubscribeHandle values
// tagged with tag.
func NewHandleAllocator(tag TransportTag) *HandleAllocator {
	return core.NewHandleAllocator(tag)
}
