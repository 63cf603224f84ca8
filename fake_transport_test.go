package rpcmux

import (
	"context"
	"sync"
)

// fakeTransport is an in-process Transport double used to drive the
// multiplexer's event loop deterministically, the way the teacher's
// rpc/client_test.go drives a Server through DialInProc instead of a
// real socket.
type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	inbox  chan []byte
	closed chan struct{}
	bidi   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
		bidi:   true,
	}
}

func (f *fakeTransport) Send(ctx context.Context, text []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), text...))
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-f.inbox:
		if !ok {
			return nil, TransportError(ErrClientQuit)
		}
		return b, nil
	case <-f.closed:
		return nil, TransportError(ErrClientQuit)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) Bidirectional() bool { return f.bidi }

// push delivers a server frame to the multiplexer's Recv loop.
func (f *fakeTransport) push(frame []byte) {
	select {
	case f.inbox <- frame:
	case <-f.closed:
	}
}

func (f *fakeTransport) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}
