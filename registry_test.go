package rpcmux

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySingleLookupAndDelete(t *testing.T) {
	r := newRegistry()
	w := &waiter{kind: waiterSingleRequest, reply: make(chan callResult, 1)}
	r.putSingle(1, w)

	got, ok := r.lookup(1)
	require.True(t, ok)
	assert.Same(t, w, got)

	r.deleteSingle(1)
	_, ok = r.lookup(1)
	assert.False(t, ok)
}

func TestRegistryPutSingleRejectsDuplicateID(t *testing.T) {
	r := newRegistry()
	first := &waiter{kind: waiterSingleRequest, reply: make(chan callResult, 1)}
	assert.True(t, r.putSingle(1, first))

	second := &waiter{kind: waiterSingleRequest, reply: make(chan callResult, 1)}
	assert.False(t, r.putSingle(1, second), "id already owned must be rejected, not overwritten")

	got, ok := r.lookup(1)
	require.True(t, ok)
	assert.Same(t, first, got, "original waiter must survive the rejected overwrite")
}

func TestRegistryPutBatchIsAllOrNothingOnConflict(t *testing.T) {
	r := newRegistry()
	existing := &waiter{kind: waiterSingleRequest, reply: make(chan callResult, 1)}
	r.putSingle(2, existing)

	batch := &waiter{kind: waiterBatchRequest, reply: make(chan callResult, 1), batchIDs: []RequestID{1, 2, 3}}
	assert.False(t, r.putBatch(batch.batchIDs, batch))

	_, ok := r.lookup(1)
	assert.False(t, ok, "no id from a rejected batch may be partially installed")
	_, ok = r.lookup(3)
	assert.False(t, ok)
}

func TestRegistryBatchSharesOneWaiter(t *testing.T) {
	r := newRegistry()
	w := &waiter{kind: waiterBatchRequest, reply: make(chan callResult, 1), batchIDs: []RequestID{1, 2, 3}}
	r.putBatch(w.batchIDs, w)

	for _, id := range w.batchIDs {
		got, ok := r.lookup(id)
		require.True(t, ok)
		assert.Same(t, w, got)
	}
	assert.Equal(t, 1, r.pendingSlotCount())
}

func TestRegistrySubscriptionLifecycle(t *testing.T) {
	r := newRegistry()
	rec := &subscriptionRecord{subID: "0xabc", unsubMethod: "eth_unsubscribe", notify: make(chan json.RawMessage, 1), done: make(chan struct{})}
	r.addSubscription(rec)

	got, ok := r.subscription("0xabc")
	require.True(t, ok)
	assert.Same(t, rec, got)

	r.removeSubscription("0xabc")
	_, ok = r.subscription("0xabc")
	assert.False(t, ok)
}

func TestRegistryDrainAllResolvesEveryWaiterOnce(t *testing.T) {
	r := newRegistry()
	single := &waiter{kind: waiterSingleRequest, reply: make(chan callResult, 1)}
	r.putSingle(1, single)

	batch := &waiter{kind: waiterBatchRequest, reply: make(chan callResult, 1), batchIDs: []RequestID{2, 3}}
	r.putBatch(batch.batchIDs, batch)

	sub := &subscriptionRecord{subID: "0xabc", notify: make(chan json.RawMessage, 1), done: make(chan struct{})}
	r.addSubscription(sub)

	cause := RestartNeeded("transport closed")
	r.drainAll(cause)

	res := <-single.reply
	assert.Equal(t, cause, res.err)

	res = <-batch.reply
	assert.Equal(t, cause, res.err)
	// batch.reply must only fire once even though it is keyed by 2 ids.
	select {
	case <-batch.reply:
		t.Fatal("batch waiter drained twice")
	default:
	}

	_, open := <-sub.notify
	assert.False(t, open, "subscription sink must be closed on drain")
	_, open = <-sub.done
	assert.False(t, open, "subscription done channel must be closed on drain")

	assert.Equal(t, 0, r.pendingSlotCount())
}
