package signaling

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerRelaysBetweenRegistrations(t *testing.T) {
	broker := NewMemoryBroker()
	broker.QueueIDs("abc123")
	ctx := context.Background()

	host, err := broker.Register(ctx)
	require.NoError(t, err)
	defer host.Close()
	joiner, err := broker.Register(ctx)
	require.NoError(t, err)
	defer joiner.Close()

	assert.Equal(t, "abc123", host.ID())
	assert.NotEmpty(t, joiner.ID())
	assert.NotEqual(t, host.ID(), joiner.ID())

	require.NoError(t, joiner.Send(ctx, Signal{Type: SignalOffer, To: "abc123", SDP: "v=0"}))
	got := <-host.Signals()
	assert.Equal(t, Signal{Type: SignalOffer, From: joiner.ID(), To: "abc123", SDP: "v=0"}, got)
}

func TestMemoryBrokerUnknownTarget(t *testing.T) {
	broker := NewMemoryBroker()
	reg, err := broker.Register(context.Background())
	require.NoError(t, err)

	err = reg.Send(context.Background(), Signal{Type: SignalOffer, To: "nobody"})
	assert.ErrorIs(t, err, ErrPeerUnavailable)
}

func TestMemoryBrokerClosedRegistration(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()
	host, err := broker.Register(ctx)
	require.NoError(t, err)
	joiner, err := broker.Register(ctx)
	require.NoError(t, err)

	require.NoError(t, host.Close())
	require.NoError(t, host.Close())
	_, open := <-host.Signals()
	assert.False(t, open)

	assert.ErrorIs(t, joiner.Send(ctx, Signal{Type: SignalOffer, To: host.ID()}), ErrPeerUnavailable)
	require.NoError(t, joiner.Close())
	assert.ErrorIs(t, joiner.Send(ctx, Signal{Type: SignalOffer, To: host.ID()}), ErrClosed)
}

func TestMemoryBrokerFailRegistrations(t *testing.T) {
	broker := NewMemoryBroker()
	down := errors.New("network down")
	broker.FailRegistrations(down)

	_, err := broker.Register(context.Background())
	assert.ErrorIs(t, err, down)

	broker.FailRegistrations(nil)
	reg, err := broker.Register(context.Background())
	require.NoError(t, err)
	assert.NoError(t, reg.Close())
}

func TestMemoryBrokerSkipsQueuedIDInUse(t *testing.T) {
	broker := NewMemoryBroker()
	broker.QueueIDs("same", "same")

	first, err := broker.Register(context.Background())
	require.NoError(t, err)
	second, err := broker.Register(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "same", first.ID())
	assert.NotEqual(t, "same", second.ID())
}

func TestSignalErr(t *testing.T) {
	assert.NoError(t, Signal{Type: SignalAnswer}.Err())
	assert.ErrorIs(t, Signal{Type: SignalError, Reason: ReasonPeerUnavailable}.Err(), ErrPeerUnavailable)
	assert.EqualError(t, Signal{Type: SignalError, Reason: "boom"}.Err(), "signaling: boom")
}
