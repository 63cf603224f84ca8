package rpcmux

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Client is C3, the caller-visible façade. All of its operations
// submit a command to the background multiplexer (C4) over a bounded
// channel and then await a reply — the frontend itself holds no
// mutable correlation state (spec.md §4.3, §9 "No shared mutable
// state — message passing only").
type Client struct {
	mux       *mux
	transport Transport
	opts      ClientOptions
	cancel    context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// NewClient starts the background multiplexer over transport and
// returns the frontend handle. The multiplexer goroutine runs until
// the transport fails, Close is called, or a protocol violation is
// observed (spec.md §3 Lifecycle).
func NewClient(transport Transport, opts ClientOptions) (*Client, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	m := newMux(transport, opts, logger, prometheus.DefaultRegisterer)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{mux: m, transport: transport, opts: opts, cancel: cancel}
	go m.run(ctx)
	return c, nil
}

// Dial opens a transport for rawurl ("ws"/"wss"/"http"/"https") and
// wraps it in a Client, mirroring the teacher's rpc.Dial scheme
// dispatch in rpc/client.go.
func Dial(ctx context.Context, rawurl string, opts ClientOptions) (*Client, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, wrapErr(KindInternal, "parse url", err)
	}
	var t Transport
	switch u.Scheme {
	case "ws", "wss":
		t, err = DialWS(ctx, rawurl)
		if err != nil {
			return nil, err
		}
	case "http", "https":
		t = DialHTTP(rawurl)
	default:
		return nil, newErr(KindInternal, fmt.Sprintf("no known transport for URL scheme %q", u.Scheme))
	}
	return NewClient(t, opts)
}

// submit enqueues cmd on the command channel, suspending the caller
// under backpressure (spec.md §5) until it is accepted or the session
// has already terminated.
func (c *Client) submit(cmd command) error {
	select {
	case c.mux.cmdCh <- cmd:
		return nil
	case <-c.mux.doneCh:
		return c.mux.terminalErr
	}
}

// Request performs a single JSON-RPC method call and waits for the
// server's reply (spec.md §4.3).
func (c *Client) Request(ctx context.Context, method string, params Params) (json.RawMessage, error) {
	if err := c.checkBodySize(params); err != nil {
		return nil, err
	}
	replyCh := make(chan callResult, 1)
	if err := c.submit(cmdRequest{method: method, params: params, timeout: c.opts.RequestTimeout, replyCh: replyCh}); err != nil {
		return nil, err
	}
	select {
	case res := <-replyCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.mux.doneCh:
		return nil, c.mux.terminalErr
	}
}

// Notify submits a notification. It resolves as soon as the frame has
// been handed to the transport; no request id is consumed (spec.md §4.3).
func (c *Client) Notify(ctx context.Context, method string, params Params) error {
	if err := c.checkBodySize(params); err != nil {
		return err
	}
	replyCh := make(chan error, 1)
	if err := c.submit(cmdNotify{method: method, params: params, replyCh: replyCh}); err != nil {
		return err
	}
	select {
	case err := <-replyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.mux.doneCh:
		return c.mux.terminalErr
	}
}

// BatchCall is one element of a batch submitted via BatchRequest.
type BatchCall struct {
	Method string
	Params Params
}

// BatchResult is one element of a BatchRequest's reply: a slot is
// resolved once its own id has a reply, independent of every other
// slot's outcome (spec.md §4.4 "Partial batch failures are reported
// per-slot").
type BatchResult struct {
	Result json.RawMessage
	Err    error
}

// BatchRequest submits every call as one JSON-RPC batch and waits for
// all of them to resolve. The returned slice is ordered by the
// caller's input order regardless of the order replies arrived in
// (spec.md §4.3, testable property 3).
func (c *Client) BatchRequest(ctx context.Context, calls []BatchCall) ([]BatchResult, error) {
	if len(calls) == 0 {
		return nil, newErr(KindInvalidRequest, "batch_request requires at least one call")
	}
	in := make([]batchCallIn, len(calls))
	for i, call := range calls {
		if err := c.checkBodySize(call.Params); err != nil {
			return nil, err
		}
		in[i] = batchCallIn{method: call.Method, params: call.Params}
	}
	replyCh := make(chan callResult, 1)
	if err := c.submit(cmdBatch{calls: in, replyCh: replyCh}); err != nil {
		return nil, err
	}
	select {
	case res := <-replyCh:
		if res.err != nil {
			return nil, res.err
		}
		out := make([]BatchResult, len(res.results))
		for i, r := range res.results {
			out[i] = BatchResult{Result: r.Result, Err: serverErrToErr(r.Err)}
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.mux.doneCh:
		return nil, c.mux.terminalErr
	}
}

// Subscribe calls subMethod, and on receipt of a valid subscription id
// installs a subscription record and returns a Subscription handle
// whose notifications arrive via Subscription.Next. unsubMethod is
// used to tear the subscription down later; it must differ from
// subMethod (spec.md §4.3).
func (c *Client) Subscribe(ctx context.Context, subMethod string, params Params, unsubMethod string) (*Subscription, error) {
	if subMethod == unsubMethod {
		return nil, newErr(KindSubscriptionNameConflict, subMethod)
	}
	if err := c.checkBodySize(params); err != nil {
		return nil, err
	}
	replyCh := make(chan callResult, 1)
	if err := c.submit(cmdSubscribe{subMethod: subMethod, unsubMethod: unsubMethod, params: params, replyCh: replyCh}); err != nil {
		return nil, err
	}
	select {
	case res := <-replyCh:
		if res.err != nil {
			return nil, res.err
		}
		sub := &Subscription{handle: res.sub, unsub: c.unsubscribe}
		// A Subscription reclaimed by the garbage collector without an
		// explicit Unsubscribe still enqueues its unsubscribe.
		runtime.SetFinalizer(sub, func(s *Subscription) { go s.Unsubscribe() })
		return sub, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.mux.doneCh:
		return nil, c.mux.terminalErr
	}
}

func (c *Client) unsubscribe(subID SubscriptionID) {
	select {
	case c.mux.cmdCh <- cmdUnsubscribe{subID: subID}:
	case <-c.mux.doneCh:
	}
}

// IsConnected reports whether the background multiplexer is still
// running (spec.md §4.3).
func (c *Client) IsConnected() bool {
	select {
	case <-c.mux.doneCh:
		return false
	default:
		return true
	}
}

// checkBodySize enforces ClientOptions.MaxRequestBodySize client-side,
// before a frame is handed to the multiplexer at all (SPEC_FULL.md §4.3).
func (c *Client) checkBodySize(params Params) error {
	if c.opts.MaxRequestBodySize == 0 || len(params) == 0 {
		return nil
	}
	if uint32(len(params)) > c.opts.MaxRequestBodySize {
		return newErr(KindInvalidRequest, "request body exceeds max_request_body_size")
	}
	return nil
}

// Close stops the background multiplexer and closes the transport. It
// is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		var g errgroup.Group
		g.Go(func() error { return c.transport.Close() })
		g.Go(func() error { <-c.mux.doneCh; return nil })
		c.closeErr = g.Wait()
	})
	return c.closeErr
}
