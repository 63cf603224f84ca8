package rpcmux

import (
	"context"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

// wsTransport is the primary Transport: a single bidirectional
// WebSocket connection dialed with nhooyr.io/websocket, the direct
// dependency the rest of this corpus (Exca-DK-juno) uses for exactly
// this purpose. Framing, TLS and the handshake are entirely the
// library's concern — out of scope per spec.md §1.
type wsTransport struct {
	conn *websocket.Conn
}

// DialWS opens a WebSocket transport suitable for Subscribe, Request,
// Notify and BatchRequest alike.
func DialWS(ctx context.Context, rawurl string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, rawurl, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial websocket")
	}
	// Unbounded read limit: JSON-RPC payloads (batches in particular)
	// can legitimately exceed nhooyr's conservative 32KiB default.
	conn.SetReadLimit(-1)
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(ctx context.Context, text []byte) error {
	if err := t.conn.Write(ctx, websocket.MessageText, text); err != nil {
		return errors.Wrap(err, "websocket write")
	}
	return nil
}

func (t *wsTransport) Recv(ctx context.Context) ([]byte, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "websocket read")
	}
	if typ != websocket.MessageText {
		return nil, errors.New("websocket: unexpected binary frame")
	}
	return data, nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client closed")
}

func (t *wsTransport) Bidirectional() bool { return true }
