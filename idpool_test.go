package rpcmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDPoolAcquireReleaseRoundRobin(t *testing.T) {
	p := newIDPool(4)
	var ids []RequestID
	for i := 0; i < 4; i++ {
		id, ok := p.acquire()
		require.True(t, ok)
		ids = append(ids, id)
	}
	_, ok := p.acquire()
	assert.False(t, ok, "pool of 4 must be exhausted after 4 acquires")

	p.release(ids[0])
	next, ok := p.acquire()
	require.True(t, ok)
	assert.Equal(t, ids[0], next, "freed slot is reused round-robin, not LIFO")
}

func TestIDPoolAcquireNAllOrNothing(t *testing.T) {
	p := newIDPool(3)
	ids, ok := p.acquireN(3)
	require.True(t, ok)
	assert.Len(t, ids, 3)

	_, ok = p.acquireN(1)
	assert.False(t, ok)

	for _, id := range ids {
		p.release(id)
	}
	_, ok = p.acquireN(3)
	assert.True(t, ok)
}

func TestIDPoolAcquireNRollsBackOnExhaustion(t *testing.T) {
	p := newIDPool(3)
	id0, _ := p.acquire()

	_, ok := p.acquireN(3)
	assert.False(t, ok, "only 2 slots remain free")
	assert.Equal(t, uint32(1), p.inUseCount(), "failed acquireN must not leak partial acquisitions")

	p.release(id0)
	ids, ok := p.acquireN(3)
	assert.True(t, ok)
	assert.Len(t, ids, 3)
}

func TestIDPoolReleaseUnacquiredIsNoop(t *testing.T) {
	p := newIDPool(4)
	p.release(2)
	assert.Equal(t, uint32(0), p.inUseCount())
}
