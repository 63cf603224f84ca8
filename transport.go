package rpcmux

import "context"

// Transport is the duplex message stream the multiplexer sits on top
// of (spec.md §6 "Transport contract (consumed)"). No framing
// responsibility lives in the core: a Transport delivers and accepts
// whole text payloads.
type Transport interface {
	// Send writes one complete text frame. Safe to assume exclusive
	// ownership of the send half — only the multiplexer calls Send.
	Send(ctx context.Context, text []byte) error
	// Recv blocks until the next complete text frame arrives, the
	// transport is closed, or ctx is done.
	Recv(ctx context.Context) ([]byte, error)
	// Close releases the transport's resources. Safe to call more than
	// once.
	Close() error
	// Bidirectional reports whether this transport can carry
	// server-initiated pushes (subscriptions). HTTP-style
	// request/response transports return false — see §9.
	Bidirectional() bool
}
