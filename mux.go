package rpcmux

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
)

// command is the sum type of messages the frontend submits to the
// multiplexer over the command channel (spec.md §4.4 "Inputs per
// iteration", item 1).
type command interface{ isCommand() }

type cmdRequest struct {
	method   string
	params   Params
	timeout  time.Duration // zero means no per-request deadline
	replyCh  chan callResult
}

type cmdBatch struct {
	calls   []batchCallIn
	replyCh chan callResult
}

type batchCallIn struct {
	method string
	params Params
}

type cmdSubscribe struct {
	subMethod   string
	unsubMethod string
	params      Params
	replyCh     chan callResult
}

type cmdUnsubscribe struct {
	subID SubscriptionID
}

type cmdNotify struct {
	method  string
	params  Params
	replyCh chan error
}

func (cmdRequest) isCommand()    {}
func (cmdBatch) isCommand()      {}
func (cmdSubscribe) isCommand()  {}
func (cmdUnsubscribe) isCommand() {}
func (cmdNotify) isCommand()     {}

// pendingTimeout is how the event loop is told a deadline elapsed for a
// specific id, without needing a lock around the registry (spec.md
// §4.4 "Request timeout").
type pendingTimeout struct {
	id RequestID
}

// mux is C4: the single-threaded background multiplexer. All mutation
// of idPool/registry happens inside run, on one goroutine.
type mux struct {
	transport Transport
	opts      ClientOptions
	log       Logger
	metrics   *metrics
	sessionID string

	ids  *idPool
	reg  *registry

	cmdCh     chan command
	timeoutCh chan pendingTimeout

	doneCh      chan struct{}
	terminalErr error
	cancel      context.CancelFunc // cancels run's context; set by run, called by terminate
	mu          sync.Mutex         // guards terminalErr/doneCh close only

	// tombstone guards against a late reply for a timed-out (and thus
	// already-reused-eligible) id being mistaken for a protocol
	// violation — spec.md §9's open question. Implemented as a
	// rotating pair of Bloom filters so the "recently timed out"
	// membership set stays bounded without an unbounded map.
	tombstoneCur, tombstonePrev *bloom.BloomFilter
	tombstoneCount              uint32
}

const tombstoneRotateEvery = 128

func newMux(transport Transport, opts ClientOptions, log Logger, reg prometheus.Registerer) *mux {
	sessionID := uuid.NewString()
	return &mux{
		transport:     transport,
		opts:          opts,
		log:           log,
		metrics:       newMetrics(reg, sessionID),
		sessionID:     sessionID,
		ids:           newIDPool(opts.MaxConcurrentRequests),
		reg:           newRegistry(),
		cmdCh:         make(chan command, 64),
		timeoutCh:     make(chan pendingTimeout, 16),
		doneCh:        make(chan struct{}),
		tombstoneCur:  bloom.NewWithEstimates(256, 0.01),
		tombstonePrev: bloom.NewWithEstimates(256, 0.01),
	}
}

// run is the event loop goroutine. It owns the transport's send/recv
// halves exclusively and is the sole mutator of m.ids/m.reg.
func (m *mux) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	defer cancel()

	var wg conc.WaitGroup
	readFrameCh := make(chan []byte)
	readErrCh := make(chan error, 1)

	wg.Go(func() {
		for {
			frame, err := m.transport.Recv(ctx)
			if err != nil {
				select {
				case readErrCh <- err:
				case <-ctx.Done():
				}
				return
			}
			select {
			case readFrameCh <- frame:
			case <-ctx.Done():
				return
			}
		}
	})

	for {
		select {
		case cmd := <-m.cmdCh:
			m.handleCommand(ctx, cmd)

		case pt := <-m.timeoutCh:
			m.handleTimeout(pt.id)

		case frame := <-readFrameCh:
			msgs, err := parseFrame(frame)
			if err != nil {
				m.terminate(wrapErr(KindParseError, "malformed frame", err))
				wg.Wait()
				return
			}
			for _, msg := range msgs {
				m.dispatch(msg)
			}

		case err := <-readErrCh:
			m.terminate(TransportError(err))
			wg.Wait()
			return

		case <-ctx.Done():
			m.terminate(ErrClientQuit)
			wg.Wait()
			return
		}

		if m.isTerminated() {
			wg.Wait()
			return
		}
	}
}

func (m *mux) isTerminated() bool {
	select {
	case <-m.doneCh:
		return true
	default:
		return false
	}
}

func (m *mux) handleCommand(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case cmdRequest:
		m.handleStartRequest(ctx, c)
	case cmdBatch:
		m.handleStartBatch(ctx, c)
	case cmdSubscribe:
		m.handleStartSubscribe(ctx, c)
	case cmdUnsubscribe:
		m.handleStartUnsubscribe(ctx, c)
	case cmdNotify:
		m.handleSendNotification(ctx, c)
	}
}

func (m *mux) handleStartRequest(ctx context.Context, c cmdRequest) {
	id, ok := m.ids.acquire()
	if !ok {
		c.replyCh <- callResult{err: ErrMaxSlotsExceeded}
		return
	}
	w := &waiter{kind: waiterSingleRequest, reply: c.replyCh}
	if !m.putSingleOrTerminate(id, w) {
		return
	}
	m.updateSlotMetrics()

	frame, err := encodeMethodCall(c.method, c.params, id)
	if err != nil {
		m.reg.deleteSingle(id)
		m.ids.release(id)
		c.replyCh <- callResult{err: wrapErr(KindInternal, "encode request", err)}
		return
	}
	if err := m.transport.Send(ctx, frame); err != nil {
		m.terminate(TransportError(err))
		return
	}
	if c.timeout > 0 {
		m.scheduleTimeout(id, c.timeout)
	}
}

func (m *mux) handleStartBatch(ctx context.Context, c cmdBatch) {
	ids, ok := m.ids.acquireN(len(c.calls))
	if !ok {
		c.replyCh <- callResult{err: ErrMaxSlotsExceeded}
		return
	}
	w := &waiter{
		kind:        waiterBatchRequest,
		reply:       c.replyCh,
		batchIDs:    ids,
		batchResult: make(map[RequestID]batchSlot, len(ids)),
	}
	if !m.putBatchOrTerminate(ids, w) {
		return
	}
	m.updateSlotMetrics()

	calls := make([]batchCall, len(c.calls))
	for i, elem := range c.calls {
		calls[i] = batchCall{Method: elem.method, Params: elem.params, ID: ids[i]}
	}
	frame, err := encodeBatch(calls)
	if err != nil {
		for _, id := range ids {
			m.reg.deleteBatchID(id)
			m.ids.release(id)
		}
		c.replyCh <- callResult{err: wrapErr(KindInternal, "encode batch", err)}
		return
	}
	if err := m.transport.Send(ctx, frame); err != nil {
		m.terminate(TransportError(err))
		return
	}
}

func (m *mux) handleStartSubscribe(ctx context.Context, c cmdSubscribe) {
	if c.subMethod == c.unsubMethod {
		c.replyCh <- callResult{err: newErr(KindSubscriptionNameConflict, c.subMethod)}
		return
	}
	if !m.transport.Bidirectional() {
		c.replyCh <- callResult{err: newErr(KindTransportError, "subscriptions require a bidirectional transport")}
		return
	}
	id, ok := m.ids.acquire()
	if !ok {
		c.replyCh <- callResult{err: ErrMaxSlotsExceeded}
		return
	}
	w := &waiter{
		kind:        waiterSubscribeRequest,
		reply:       c.replyCh,
		subMethod:   c.subMethod,
		unsubMethod: c.unsubMethod,
		notify:      make(chan json.RawMessage, m.opts.SubscriptionChannelCapacity),
	}
	if !m.putSingleOrTerminate(id, w) {
		return
	}
	m.updateSlotMetrics()

	frame, err := encodeMethodCall(c.subMethod, c.params, id)
	if err != nil {
		m.reg.deleteSingle(id)
		m.ids.release(id)
		c.replyCh <- callResult{err: wrapErr(KindInternal, "encode subscribe", err)}
		return
	}
	if err := m.transport.Send(ctx, frame); err != nil {
		m.terminate(TransportError(err))
		return
	}
}

func (m *mux) handleStartUnsubscribe(ctx context.Context, c cmdUnsubscribe) {
	rec, ok := m.reg.subscription(c.subID)
	if !ok {
		return // already moot — silently drop per spec.md §4.4
	}
	m.reg.removeSubscription(c.subID)
	m.updateSlotMetrics()
	close(rec.done)

	frame, err := encodeNotification(rec.unsubMethod, mustPositionalParams(string(c.subID)))
	if err != nil {
		m.log.Warnw("encode unsubscribe notification failed", "subscription", c.subID, "error", err)
		return
	}
	if err := m.transport.Send(ctx, frame); err != nil {
		m.terminate(TransportError(err))
	}
}

func (m *mux) handleSendNotification(ctx context.Context, c cmdNotify) {
	frame, err := encodeNotification(c.method, c.params)
	if err != nil {
		c.replyCh <- wrapErr(KindInternal, "encode notification", err)
		return
	}
	if err := m.transport.Send(ctx, frame); err != nil {
		m.terminate(TransportError(err))
		c.replyCh <- RestartNeeded("transport closed while sending notification")
		return
	}
	c.replyCh <- nil
}

// dispatch routes one decoded inbound message to the right handler
// (spec.md §4.4 "Frame handling").
func (m *mux) dispatch(msg *jsonrpcMessage) {
	switch {
	case msg.isResponse():
		m.handleResponseMsg(msg)
	case msg.isNotification():
		m.handlePushOrDrop(msg)
	default:
		m.log.Debugw("dropping unexpected message", "msg", msg.String())
	}
}

func (m *mux) handleResponseMsg(msg *jsonrpcMessage) {
	id, ok := msg.ID.IsInteger()
	if !ok {
		m.log.Debugw("dropping response with non-integer id", "msg", msg.String())
		return
	}
	w, found := m.reg.lookup(id)
	if !found {
		if m.isTombstoned(id) {
			m.log.Debugw("dropping late reply for timed-out id", "id", id)
			return
		}
		m.terminate(newErr(KindInvalidRequestID, "Invalid request ID"))
		return
	}

	switch w.kind {
	case waiterSingleRequest:
		m.reg.deleteSingle(id)
		m.ids.release(id)
		m.updateSlotMetrics()
		w.reply <- callResult{result: msg.Result, err: serverErrToErr(msg.Error)}

	case waiterBatchRequest:
		m.reg.deleteBatchID(id)
		m.ids.release(id)
		m.updateSlotMetrics()
		w.batchResult[id] = batchSlot{result: msg.Result, err: msg.Error}
		if len(w.batchResult) == len(w.batchIDs) {
			ordered := make([]batchElemResult, len(w.batchIDs))
			for i, bid := range w.batchIDs {
				slot := w.batchResult[bid]
				ordered[i] = batchElemResult{Result: slot.result, Err: slot.err}
			}
			w.reply <- callResult{results: ordered}
		}

	case waiterSubscribeRequest:
		m.handleSubscribeResponse(id, w, msg)
	}
}

func (m *mux) handleSubscribeResponse(id RequestID, w *waiter, msg *jsonrpcMessage) {
	m.reg.deleteSingle(id)
	m.ids.release(id)
	m.updateSlotMetrics()

	if msg.Error != nil {
		w.reply <- callResult{err: &Error{Kind: KindRequest, Cause: msg.Error}}
		return
	}
	subID, ok := parseSubscriptionID(msg.Result)
	if !ok {
		w.reply <- callResult{err: newErr(KindInvalidSubscriptionID, string(msg.Result))}
		return
	}
	rec := &subscriptionRecord{
		subID:       subID,
		unsubMethod: w.unsubMethod,
		notify:      w.notify,
		done:        make(chan struct{}),
	}
	m.reg.addSubscription(rec)
	m.updateSlotMetrics()
	w.reply <- callResult{sub: &subscriptionHandle{
		subID:       subID,
		unsubMethod: w.unsubMethod,
		notify:      w.notify,
		done:        rec.done,
	}}
}

func (m *mux) handlePushOrDrop(msg *jsonrpcMessage) {
	var params subscriptionNotificationParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Subscription == nil {
		m.log.Debugw("dropping non-subscription notification", "method", msg.Method)
		return
	}
	subID, ok := parseSubscriptionID(params.Subscription)
	if !ok {
		m.log.Debugw("dropping notification with unparseable subscription id", "method", msg.Method)
		return
	}
	rec, found := m.reg.subscription(subID)
	if !found {
		m.log.Debugw("dropping notification for unknown subscription", "subscription", subID)
		return
	}
	m.deliverDropOldest(rec, params.Result)
}

// deliverDropOldest implements the §5 "drop the oldest" backpressure
// policy for a full subscription sink.
func (m *mux) deliverDropOldest(rec *subscriptionRecord, payload json.RawMessage) {
	select {
	case rec.notify <- payload:
		return
	default:
	}
	select {
	case <-rec.notify:
		m.metrics.droppedPayloads.Inc()
		m.log.Debugw("subscription sink full, dropped oldest payload", "subscription", rec.subID)
	default:
	}
	select {
	case rec.notify <- payload:
	default:
	}
}

func (m *mux) scheduleTimeout(id RequestID, d time.Duration) {
	time.AfterFunc(d, func() {
		select {
		case m.timeoutCh <- pendingTimeout{id: id}:
		case <-m.doneCh:
		}
	})
}

func (m *mux) handleTimeout(id RequestID) {
	w, found := m.reg.lookup(id)
	if !found {
		return // already resolved by a server reply
	}
	if w.kind == waiterBatchRequest {
		return // per-request timeouts are only scheduled for single calls (handleStartRequest)
	}
	m.reg.deleteSingle(id)
	m.ids.release(id)
	m.updateSlotMetrics()
	m.markTombstoned(id)
	w.reply <- callResult{err: newErr(KindWsRequestTimeout, "")}
}

func idBytes(id RequestID) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return b[:]
}

func (m *mux) markTombstoned(id RequestID) {
	m.tombstoneCur.Add(idBytes(id))
	m.tombstoneCount++
	if m.tombstoneCount >= tombstoneRotateEvery {
		m.tombstonePrev, m.tombstoneCur = m.tombstoneCur, bloom.NewWithEstimates(256, 0.01)
		m.tombstoneCount = 0
	}
}

func (m *mux) isTombstoned(id RequestID) bool {
	b := idBytes(id)
	return m.tombstoneCur.Test(b) || m.tombstonePrev.Test(b)
}

func (m *mux) updateSlotMetrics() {
	m.metrics.inFlightRequests.Set(float64(m.ids.inUseCount()))
	m.metrics.activeSubs.Set(float64(len(m.reg.subscriptions)))
	m.metrics.freeSlots.Set(float64(m.opts.MaxConcurrentRequests - m.ids.inUseCount()))
}

// terminate transitions Running -> Terminating -> Terminated: every
// waiter drains with err, every subscription sink closes, and doneCh
// closes so IsConnected starts reporting false (spec.md §3 Lifecycle,
// §4.4 state machine). It also closes the transport and cancels run's
// context on every path — including the two self-triggered causes
// (a malformed frame, an unknown reply id) that never touch the
// transport or ctx themselves — so the dedicated read goroutine
// (run's wg.Go closure) is always released from a blocked Recv instead
// of leaking until some later, unrelated event unblocks it. Mirrors
// the teacher's `defer c.conn.Close()` in rpc/client.go's dispatch loop.
func (m *mux) terminate(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.doneCh:
		return // already terminated
	default:
	}
	// Every outstanding and future caller observes RestartNeeded,
	// whatever the underlying cause was (transport death, a parse
	// failure, or a protocol violation) — spec.md §7 "Propagation
	// policy" and the S4 end-to-end scenario.
	restart := RestartNeeded(cause.Error())
	m.terminalErr = restart
	m.reg.drainAll(restart)
	m.metrics.terminations.Inc()
	m.log.Warnw("multiplexer terminated", "reason", cause.Error(), "session", m.sessionID)
	if err := m.transport.Close(); err != nil {
		m.log.Debugw("transport close on terminate", "error", err)
	}
	if m.cancel != nil {
		m.cancel()
	}
	close(m.doneCh)
}

// putSingleOrTerminate installs w for id, or — if id is already
// registered, an invariant 5 violation that should be unreachable given
// idPool's own bookkeeping — terminates the session and replies to w
// with the resulting RestartNeeded instead of leaving it to hang.
func (m *mux) putSingleOrTerminate(id RequestID, w *waiter) bool {
	if m.reg.putSingle(id, w) {
		return true
	}
	m.ids.release(id)
	m.terminate(newErr(KindDuplicateRequestID, fmt.Sprintf("request id %d already registered", id)))
	w.reply <- callResult{err: m.terminalErr}
	return false
}

// putBatchOrTerminate is putSingleOrTerminate's batch counterpart.
func (m *mux) putBatchOrTerminate(ids []RequestID, w *waiter) bool {
	if m.reg.putBatch(ids, w) {
		return true
	}
	for _, id := range ids {
		m.ids.release(id)
	}
	m.terminate(newErr(KindDuplicateRequestID, "batch request id already registered"))
	w.reply <- callResult{err: m.terminalErr}
	return false
}

func serverErrToErr(se *ServerError) error {
	if se == nil {
		return nil
	}
	return &Error{Kind: KindRequest, Cause: se}
}

func parseSubscriptionID(raw json.RawMessage) (SubscriptionID, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "", false
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		return SubscriptionID(s), true
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return "", false
	}
	return SubscriptionID(n.String()), true
}

func mustPositionalParams(args ...interface{}) Params {
	p, err := NewPositionalParams(args...)
	if err != nil {
		return nil
	}
	return p
}
