package rpcmux

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionNextReturnsQueuedPayload(t *testing.T) {
	h := &subscriptionHandle{notify: make(chan json.RawMessage, 1), done: make(chan struct{})}
	h.notify <- json.RawMessage(`"payload"`)
	s := &Subscription{handle: h, unsub: func(SubscriptionID) {}}

	payload, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"payload"`, string(payload))
}

func TestSubscriptionNextReportsRestartNeededWhenClosed(t *testing.T) {
	h := &subscriptionHandle{notify: make(chan json.RawMessage), done: make(chan struct{})}
	close(h.done)
	s := &Subscription{handle: h, unsub: func(SubscriptionID) {}}

	_, err := s.Next(context.Background())
	require.Error(t, err)
	rpcErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindRestartNeeded, rpcErr.Kind)
}

func TestSubscriptionNextRespectsContextCancellation(t *testing.T) {
	h := &subscriptionHandle{notify: make(chan json.RawMessage), done: make(chan struct{})}
	s := &Subscription{handle: h, unsub: func(SubscriptionID) {}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscriptionUnsubscribeIsIdempotent(t *testing.T) {
	var calls int
	h := &subscriptionHandle{subID: "7", notify: make(chan json.RawMessage), done: make(chan struct{})}
	s := &Subscription{handle: h, unsub: func(SubscriptionID) { calls++ }}

	s.Unsubscribe()
	s.Unsubscribe()
	assert.Equal(t, 1, calls)
}
