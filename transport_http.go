package rpcmux

import (
	"context"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// httpTransport is the §9 "HTTP transport variant": a request/response
// transport built on github.com/go-resty/resty/v2 (hyperledger-firefly-signer's
// HTTP client of choice). Each Send performs a synchronous POST and
// queues the response body for the next Recv, which is enough to drive
// Request/Notify/BatchRequest through the same multiplexer — but it
// cannot carry server-initiated pushes, so Subscribe over this
// transport fails fast (see mux.go's handleStartSubscribe).
type httpTransport struct {
	rc      *resty.Client
	url     string
	inbound chan []byte
	closed  chan struct{}
}

// DialHTTP builds an httpTransport pointed at a JSON-RPC HTTP endpoint.
func DialHTTP(rawurl string) Transport {
	return &httpTransport{
		rc:      resty.New(),
		url:     rawurl,
		inbound: make(chan []byte, 1),
		closed:  make(chan struct{}),
	}
}

func (t *httpTransport) Send(ctx context.Context, text []byte) error {
	resp, err := t.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(text).
		Post(t.url)
	if err != nil {
		return errors.Wrap(err, "http post")
	}
	if resp.IsError() {
		return errors.Errorf("http post: unexpected status %d", resp.StatusCode())
	}
	if len(resp.Body()) == 0 {
		return nil // a notification gets no reply body; nothing to queue
	}
	select {
	case t.inbound <- resp.Body():
		return nil
	case <-t.closed:
		return errors.New("http transport closed")
	}
}

func (t *httpTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-t.inbound:
		return b, nil
	case <-t.closed:
		return nil, errors.New("http transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *httpTransport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}

func (t *httpTransport) Bidirectional() bool { return false }
