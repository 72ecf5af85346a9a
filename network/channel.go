package network

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrChannelNotOpen is returned when sending on a channel that is not open.
var ErrChannelNotOpen = errors.New("network: channel not open")

// Channel is one reliable, ordered message channel to a remote peer. Event
// handlers may be registered at any time; an OnOpen registered after the
// channel opened fires immediately, and messages received before OnMessage
// is registered are held until it is.
type Channel interface {
	PeerID() string
	Send(payload []byte) error
	Close() error

	OnOpen(func())
	OnMessage(func(payload []byte))
	OnClose(func())
	OnError(func(error))
}

// Endpoint is a registered signaling identity able to open channels to other
// identities and accept channels from them.
type Endpoint interface {
	ID() string
	// Dial starts an outbound channel to peerID. It returns once the attempt
	// has been dispatched, before the channel is open.
	Dial(ctx context.Context, peerID string) (Channel, error)
	// OnChannel sets the handler for inbound channels.
	OnChannel(func(Channel))
	Close() error
}

// EndpointFactory creates endpoints using the given relay servers.
type EndpointFactory interface {
	Open(ctx context.Context, relays []webrtc.ICEServer) (Endpoint, error)
}

// RelayPolicy decides which relay servers a new endpoint should use.
type RelayPolicy interface {
	RelayServers(ctx context.Context) []webrtc.ICEServer
}
