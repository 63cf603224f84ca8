package rpcmux

import (
	"github.com/bits-and-blooms/bitset"
)

// idPool hands out currently-unused request ids from the fixed range
// [0, maxSlots). It is the multiplexer's C1: only ever touched from the
// single event-loop goroutine that owns the registry, so it needs no
// internal locking (spec.md §4.1/§5).
//
// Backed by a bitset instead of a free-list so the auxiliary structure's
// size is fixed at maxSlots/8 bytes regardless of churn, rather than
// growing/shrinking with a linked free-list's allocation traffic.
type idPool struct {
	inUse    *bitset.BitSet
	maxSlots uint32
	next     uint32 // next slot to probe from, to spread reuse round-robin
	count    uint32
}

func newIDPool(maxSlots uint32) *idPool {
	return &idPool{
		inUse:    bitset.New(uint(maxSlots)),
		maxSlots: maxSlots,
	}
}

// acquire returns an unused id, or ok=false if the pool is exhausted.
func (p *idPool) acquire() (RequestID, bool) {
	if p.count >= p.maxSlots {
		return 0, false
	}
	for i := uint32(0); i < p.maxSlots; i++ {
		slot := (p.next + i) % p.maxSlots
		if !p.inUse.Test(uint(slot)) {
			p.inUse.Set(uint(slot))
			p.next = (slot + 1) % p.maxSlots
			p.count++
			return RequestID(slot), true
		}
	}
	return 0, false
}

// acquireN acquires n ids transactionally: either all n succeed, or none
// are left acquired (used by StartBatch per spec.md §4.4).
func (p *idPool) acquireN(n int) ([]RequestID, bool) {
	ids := make([]RequestID, 0, n)
	for i := 0; i < n; i++ {
		id, ok := p.acquire()
		if !ok {
			for _, acquired := range ids {
				p.release(acquired)
			}
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

// release returns id to the pool. Releasing an id not currently in use
// is a no-op (defensive; callers are expected to release exactly once).
func (p *idPool) release(id RequestID) {
	slot := uint(id)
	if slot >= uint(p.maxSlots) {
		return
	}
	if p.inUse.Test(slot) {
		p.inUse.Clear(slot)
		p.count--
	}
}

// inUseCount reports the number of currently allocated ids.
func (p *idPool) inUseCount() uint32 { return p.count }
