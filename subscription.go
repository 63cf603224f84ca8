package rpcmux

import (
	"context"
	"encoding/json"
)

// subscriptionHandle is the internal record mux.go hands to client.go
// once a subscribe call is confirmed; Subscription wraps it with the
// caller-facing pull API (spec.md §4.5).
type subscriptionHandle struct {
	subID       SubscriptionID
	unsubMethod string
	notify      chan json.RawMessage
	done        chan struct{}
}

// Subscription is a lazy, finite-or-infinite sequence of notification
// payloads for one live subscription (C5). Consumers call Next in a
// loop; dropping a Subscription without calling Unsubscribe still
// enqueues its unsubscribe on a best-effort basis once the garbage
// collector reclaims it (spec.md §4.5, §8 property 5), but callers
// should prefer an explicit Unsubscribe or a defer.
type Subscription struct {
	handle   *subscriptionHandle
	unsub    func(SubscriptionID)
	unsubbed bool
}

// Next suspends until the next payload arrives, the subscription is
// closed by the server/session, or ctx is done.
func (s *Subscription) Next(ctx context.Context) (json.RawMessage, error) {
	select {
	case payload, ok := <-s.handle.notify:
		if !ok {
			return nil, RestartNeeded("subscription closed")
		}
		return payload, nil
	case <-s.handle.done:
		return nil, RestartNeeded("subscription closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unsubscribe enqueues StartUnsubscribe on the multiplexer's command
// channel and stops delivering payloads. Safe to call more than once;
// the drop path never blocks indefinitely — if the multiplexer has
// already terminated the subscription is moot (spec.md §4.5).
func (s *Subscription) Unsubscribe() {
	if s.unsubbed {
		return
	}
	s.unsubbed = true
	s.unsub(s.handle.subID)
}
