package rpcmux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(t *testing.T) (*mux, *fakeTransport, context.CancelFunc) {
	t.Helper()
	ft := newFakeTransport()
	opts, err := ClientOptions{}.withDefaults()
	require.NoError(t, err)
	m := newMux(ft, opts, discardLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go m.run(ctx)
	return m, ft, cancel
}

// S1: a plain success reply resolves the request to its result.
func TestMuxScenario1_SimpleRequest(t *testing.T) {
	m, ft, cancel := newTestMux(t)
	defer cancel()

	reply := make(chan callResult, 1)
	m.cmdCh <- cmdRequest{method: "say_hello", replyCh: reply}

	waitForSend(t, ft)
	ft.push([]byte(`{"jsonrpc":"2.0","result":"hello","id":0}`))

	res := recvResult(t, reply)
	require.NoError(t, res.err)
	assert.JSONEq(t, `"hello"`, string(res.result))
}

// S2: a notification consumes no id and resolves immediately.
func TestMuxScenario2_Notification(t *testing.T) {
	m, ft, cancel := newTestMux(t)
	defer cancel()

	reply := make(chan error, 1)
	m.cmdCh <- cmdNotify{method: "notif", replyCh: reply}

	require.NoError(t, <-reply)
	waitForSend(t, ft)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notif"}`, string(ft.sentFrames()[0]))
}

// S3: a server error response surfaces as a Request-kind Error carrying
// the server's code and message.
func TestMuxScenario3_ServerErrorResponse(t *testing.T) {
	m, ft, cancel := newTestMux(t)
	defer cancel()

	reply := make(chan callResult, 1)
	m.cmdCh <- cmdRequest{method: "say_hello", replyCh: reply}
	waitForSend(t, ft)
	ft.push([]byte(`{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"},"id":0}`))

	res := recvResult(t, reply)
	require.Error(t, res.err)
	rpcErr, ok := res.err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindRequest, rpcErr.Kind)
	se, ok := rpcErr.ServerError()
	require.True(t, ok)
	assert.EqualValues(t, CodeMethodNotFound, se.Code)
	assert.Equal(t, "Method not found", se.Message)
}

// S4: a reply referencing an id the client never allocated is a protocol
// violation. Every outstanding and future caller observes RestartNeeded,
// and the session is reported disconnected from then on.
func TestMuxScenario4_UnknownIDTerminatesSession(t *testing.T) {
	m, ft, cancel := newTestMux(t)
	defer cancel()

	reply := make(chan callResult, 1)
	m.cmdCh <- cmdRequest{method: "say_hello", replyCh: reply}
	waitForSend(t, ft)
	ft.push([]byte(`{"jsonrpc":"2.0","result":"foo","id":99}`))

	res := recvResult(t, reply)
	require.Error(t, res.err)
	rpcErr, ok := res.err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindRestartNeeded, rpcErr.Kind)
	assert.Contains(t, rpcErr.Reason, "Invalid request ID")

	select {
	case <-m.doneCh:
	case <-time.After(time.Second):
		t.Fatal("multiplexer did not terminate")
	}
	assertTransportClosed(t, ft)
}

// A malformed frame is the other self-triggered termination cause
// (alongside an unknown reply id): both must still close the
// transport and release the dedicated read goroutine rather than
// leaving it parked in Recv forever.
func TestMuxTerminatesOnMalformedFrameAndClosesTransport(t *testing.T) {
	m, ft, cancel := newTestMux(t)
	defer cancel()

	ft.push([]byte(`{"jsonrpc":"2.0",`))

	select {
	case <-m.doneCh:
	case <-time.After(time.Second):
		t.Fatal("multiplexer did not terminate on malformed frame")
	}
	assertTransportClosed(t, ft)
}

func assertTransportClosed(t *testing.T, ft *fakeTransport) {
	t.Helper()
	select {
	case <-ft.closed:
	case <-time.After(time.Second):
		t.Fatal("terminate did not close the transport; read goroutine would leak")
	}
}

// S5: a batch resolves every slot in caller submission order regardless
// of the order replies arrive on the wire.
func TestMuxScenario5_BatchPreservesSubmissionOrder(t *testing.T) {
	m, ft, cancel := newTestMux(t)
	defer cancel()

	reply := make(chan callResult, 1)
	m.cmdCh <- cmdBatch{
		calls: []batchCallIn{
			{method: "say_hello"},
			{method: "say_goodbye"},
			{method: "get_swag"},
		},
		replyCh: reply,
	}
	waitForSend(t, ft)
	ft.push([]byte(`[{"jsonrpc":"2.0","result":"here's your swag","id":2},` +
		`{"jsonrpc":"2.0","result":"hello","id":0},` +
		`{"jsonrpc":"2.0","result":"goodbye","id":1}]`))

	res := recvResult(t, reply)
	require.NoError(t, res.err)
	require.Len(t, res.results, 3)
	assert.JSONEq(t, `"hello"`, string(res.results[0].Result))
	assert.JSONEq(t, `"goodbye"`, string(res.results[1].Result))
	assert.JSONEq(t, `"here's your swag"`, string(res.results[2].Result))
}

// S6: a confirmed subscription delivers pushed notifications through
// the subscription handle.
func TestMuxScenario6_SubscriptionDelivery(t *testing.T) {
	m, ft, cancel := newTestMux(t)
	defer cancel()

	reply := make(chan callResult, 1)
	m.cmdCh <- cmdSubscribe{subMethod: "subscribe_hello", unsubMethod: "unsubscribe_hello", replyCh: reply}
	waitForSend(t, ft)
	ft.push([]byte(`{"jsonrpc":"2.0","result":7,"id":0}`))

	res := recvResult(t, reply)
	require.NoError(t, res.err)
	require.NotNil(t, res.sub)
	assert.Equal(t, SubscriptionID("7"), res.sub.subID)

	ft.push([]byte(`{"jsonrpc":"2.0","method":"m","params":{"subscription":7,"result":"hello my friend"}}`))

	select {
	case payload := <-res.sub.notify:
		assert.JSONEq(t, `"hello my friend"`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}
}

func TestMuxSubscribeRejectsMatchingUnsubMethod(t *testing.T) {
	m, _, cancel := newTestMux(t)
	defer cancel()

	reply := make(chan callResult, 1)
	m.cmdCh <- cmdSubscribe{subMethod: "same", unsubMethod: "same", replyCh: reply}

	res := recvResult(t, reply)
	require.Error(t, res.err)
	rpcErr, ok := res.err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindSubscriptionNameConflict, rpcErr.Kind)
}

func TestMuxRequestTimeoutReleasesSlotAndTombstones(t *testing.T) {
	m, ft, cancel := newTestMux(t)
	defer cancel()

	reply := make(chan callResult, 1)
	m.cmdCh <- cmdRequest{method: "slow", timeout: 10 * time.Millisecond, replyCh: reply}
	waitForSend(t, ft)

	res := recvResult(t, reply)
	require.Error(t, res.err)
	rpcErr, ok := res.err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindWsRequestTimeout, rpcErr.Kind)

	// A late reply for the now-freed, tombstoned id must not be treated
	// as an unknown-id protocol violation.
	ft.push([]byte(`{"jsonrpc":"2.0","result":"too late","id":0}`))
	select {
	case <-m.doneCh:
		t.Fatal("late reply for a tombstoned id must not terminate the session")
	case <-time.After(50 * time.Millisecond):
	}
}

// A registry id collision (invariant 5 — DuplicateRequestId) should be
// unreachable given idPool's own bookkeeping, but if it ever happens
// the session must terminate instead of leaving the stale waiter's
// caller hanging forever.
func TestMuxHandleStartRequestTerminatesOnDuplicateID(t *testing.T) {
	m, _, cancel := newTestMux(t)
	defer cancel()

	stale := &waiter{kind: waiterSingleRequest, reply: make(chan callResult, 1)}
	m.reg.putSingle(0, stale)

	reply := make(chan callResult, 1)
	m.cmdCh <- cmdRequest{method: "say_hello", replyCh: reply}

	res := recvResult(t, reply)
	require.Error(t, res.err)
	rpcErr, ok := res.err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindRestartNeeded, rpcErr.Kind)

	select {
	case <-m.doneCh:
	case <-time.After(time.Second):
		t.Fatal("multiplexer did not terminate on duplicate id")
	}
}

func waitForSend(t *testing.T, ft *fakeTransport) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(ft.sentFrames()) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a frame to be sent")
}

func recvResult(t *testing.T, ch chan callResult) callResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
		return callResult{}
	}
}
