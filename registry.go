package rpcmux

import "encoding/json"

// waiterKind distinguishes the three shapes of pending call a Waiter can
// represent (spec.md §3 "Waiter").
type waiterKind int

const (
	waiterSingleRequest waiterKind = iota
	waiterSubscribeRequest
	waiterBatchRequest
)

// waiter is the per-pending-call record the multiplexer owns. Exactly
// one exists per RequestId at any instant (spec.md invariant 5).
type waiter struct {
	kind waiterKind

	// reply delivers the eventual outcome to the frontend caller. For
	// waiterBatchRequest it is only written once, after every child id
	// has a result.
	reply chan callResult

	// Batch-only fields.
	batchIDs    []RequestID           // ids belonging to this batch, in submission order
	batchResult map[RequestID]batchSlot // filled in as children resolve

	// Subscribe-only fields.
	subMethod   string
	unsubMethod string
	// notify is the channel subscription payloads are pushed onto once
	// the subscription is confirmed and handed off to a subscription
	// (see mux.go's handling of the subscribe response).
	notify chan json.RawMessage
}

// batchSlot holds one child result of a batch call.
type batchSlot struct {
	result json.RawMessage
	err    *ServerError
}

// callResult is what a waiter's reply channel carries.
type callResult struct {
	result json.RawMessage
	err    error

	// For waiterBatchRequest, results holds one entry per id in the
	// batch's original submission order (spec.md §4.3: "ordered by the
	// caller's input order, not by server response order").
	results []batchElemResult

	// For waiterSubscribeRequest, sub carries the confirmed subscription
	// once the server has replied with a SubscriptionID.
	sub *subscriptionHandle
}

// batchElemResult is one reassembled slot of a batch response.
type batchElemResult struct {
	Result json.RawMessage
	Err    *ServerError
}

// subscriptionRecord is the C2 "Subscription record" of spec.md §3:
// { sub_id, unsubscribe_method, outbound_sink }.
type subscriptionRecord struct {
	subID       SubscriptionID
	unsubMethod string
	notify      chan json.RawMessage
	done        chan struct{} // closed when the subscription is torn down
}

// registry is C2: the request/subscription correlation tables. It is
// mutated exclusively by the multiplexer's event-loop goroutine
// (spec.md §4.2: "Operations are only invoked from C4 and therefore
// require no internal synchronization").
type registry struct {
	pendingRequests map[RequestID]*waiter
	pendingBatches  map[RequestID]*waiter // each id in a batch maps to the same *waiter
	subscriptions   map[SubscriptionID]*subscriptionRecord
}

func newRegistry() *registry {
	return &registry{
		pendingRequests: make(map[RequestID]*waiter),
		pendingBatches:  make(map[RequestID]*waiter),
		subscriptions:   make(map[SubscriptionID]*subscriptionRecord),
	}
}

// putSingle installs w for id, or reports false if id is already owned
// by another waiter — invariant 5 (spec.md §2 "DuplicateRequestId")
// would otherwise silently orphan the existing waiter's reply channel.
// This should never happen given idPool's bookkeeping; it is guarded
// here defensively so the violation surfaces as a session termination
// instead of a caller hanging forever.
func (r *registry) putSingle(id RequestID, w *waiter) bool {
	if r.owned(id) {
		return false
	}
	r.pendingRequests[id] = w
	return true
}

// putBatch installs w for every id in ids, all-or-nothing: if any id is
// already owned, nothing is inserted and false is returned.
func (r *registry) putBatch(ids []RequestID, w *waiter) bool {
	for _, id := range ids {
		if r.owned(id) {
			return false
		}
	}
	for _, id := range ids {
		r.pendingBatches[id] = w
	}
	return true
}

func (r *registry) owned(id RequestID) bool {
	if _, ok := r.pendingRequests[id]; ok {
		return true
	}
	if _, ok := r.pendingBatches[id]; ok {
		return true
	}
	return false
}

// lookup finds the waiter owning id, whichever keyspace it lives in.
func (r *registry) lookup(id RequestID) (*waiter, bool) {
	if w, ok := r.pendingRequests[id]; ok {
		return w, true
	}
	if w, ok := r.pendingBatches[id]; ok {
		return w, true
	}
	return nil, false
}

func (r *registry) deleteSingle(id RequestID) {
	delete(r.pendingRequests, id)
}

func (r *registry) deleteBatchID(id RequestID) {
	delete(r.pendingBatches, id)
}

func (r *registry) addSubscription(rec *subscriptionRecord) {
	r.subscriptions[rec.subID] = rec
}

func (r *registry) subscription(id SubscriptionID) (*subscriptionRecord, bool) {
	rec, ok := r.subscriptions[id]
	return rec, ok
}

func (r *registry) removeSubscription(id SubscriptionID) {
	delete(r.subscriptions, id)
}

// pendingSlotCount returns the number of distinct pending waiters: a
// batch counts once however many ids it holds, and confirmed
// subscriptions are not counted, since their originating request id has
// already been released (invariant 3).
func (r *registry) pendingSlotCount() int {
	seen := make(map[*waiter]struct{}, len(r.pendingRequests)+len(r.pendingBatches))
	for _, w := range r.pendingRequests {
		seen[w] = struct{}{}
	}
	for _, w := range r.pendingBatches {
		seen[w] = struct{}{}
	}
	return len(seen)
}

// drainAll completes every outstanding waiter and closes every
// subscription's notify channel with the given terminal error — used on
// the Terminating → Terminated transition (spec.md §3 Lifecycle, §4.4).
func (r *registry) drainAll(err error) {
	done := make(map[*waiter]struct{})
	for _, w := range r.pendingRequests {
		drainWaiter(w, err, done)
	}
	for _, w := range r.pendingBatches {
		drainWaiter(w, err, done)
	}
	for id, rec := range r.subscriptions {
		close(rec.notify)
		close(rec.done)
		delete(r.subscriptions, id)
	}
	r.pendingRequests = make(map[RequestID]*waiter)
	r.pendingBatches = make(map[RequestID]*waiter)
}

func drainWaiter(w *waiter, err error, done map[*waiter]struct{}) {
	if _, ok := done[w]; ok {
		return
	}
	done[w] = struct{}{}
	w.reply <- callResult{err: err}
}
