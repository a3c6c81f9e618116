package kastchei

import "sync/atomic"

// refAllocator hands out the per-socket correlation ids. The first value is
// 0. The counter wraps after 2^64 allocations, which is not handled.
type refAllocator struct {
	n atomic.Uint64
}

func (r *refAllocator) next() uint64 {
	return r.n.Add(1) - 1
}
