package network

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var errSendFailed = errors.New("send failed")

type fakeChannel struct {
	peerID string

	mu        sync.Mutex
	opened    bool
	closed    bool
	failSend  bool
	sent      [][]byte
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
	onError   func(error)
}

func newFakeChannel(peerID string) *fakeChannel {
	return &fakeChannel{peerID: peerID}
}

func (c *fakeChannel) PeerID() string { return c.peerID }

func (c *fakeChannel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened || c.closed {
		return ErrChannelNotOpen
	}
	if c.failSend {
		return errSendFailed
	}
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handler := c.onClose
	c.mu.Unlock()
	if handler != nil {
		handler()
	}
	return nil
}

func (c *fakeChannel) OnOpen(handler func()) {
	c.mu.Lock()
	c.onOpen = handler
	fire := c.opened && !c.closed
	c.mu.Unlock()
	if fire && handler != nil {
		handler()
	}
}

func (c *fakeChannel) OnMessage(handler func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

func (c *fakeChannel) OnClose(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = handler
}

func (c *fakeChannel) OnError(handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// open simulates the remote side accepting the channel.
func (c *fakeChannel) open() {
	c.mu.Lock()
	c.opened = true
	handler := c.onOpen
	c.mu.Unlock()
	if handler != nil {
		handler()
	}
}

// deliver simulates an inbound message.
func (c *fakeChannel) deliver(payload []byte) {
	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()
	if handler != nil {
		handler(payload)
	}
}

func (c *fakeChannel) fail(err error) {
	c.mu.Lock()
	handler := c.onError
	c.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

func (c *fakeChannel) setFailSend(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSend = fail
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

type fakeEndpoint struct {
	id string

	mu        sync.Mutex
	dialErr   error
	dialed    []*fakeChannel
	onChannel func(Channel)
	closed    bool
}

func (e *fakeEndpoint) ID() string { return e.id }

func (e *fakeEndpoint) Dial(_ context.Context, peerID string) (Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dialErr != nil {
		return nil, e.dialErr
	}
	channel := newFakeChannel(peerID)
	e.dialed = append(e.dialed, channel)
	return channel, nil
}

func (e *fakeEndpoint) OnChannel(handler func(Channel)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChannel = handler
}

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// accept simulates an inbound channel from peerID.
func (e *fakeEndpoint) accept(peerID string) *fakeChannel {
	channel := newFakeChannel(peerID)
	e.mu.Lock()
	handler := e.onChannel
	e.mu.Unlock()
	if handler != nil {
		handler(channel)
	}
	return channel
}

func (e *fakeEndpoint) lastDialed() *fakeChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.dialed) == 0 {
		return nil
	}
	return e.dialed[len(e.dialed)-1]
}

func (e *fakeEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeFactory struct {
	mu        sync.Mutex
	err       error
	ids       []string
	opened    []*fakeEndpoint
	relayArgs [][]webrtc.ICEServer
}

func (f *fakeFactory) Open(_ context.Context, relays []webrtc.ICEServer) (Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	id := "local"
	if len(f.ids) > 0 {
		id, f.ids = f.ids[0], f.ids[1:]
	}
	endpoint := &fakeEndpoint{id: id}
	f.opened = append(f.opened, endpoint)
	f.relayArgs = append(f.relayArgs, relays)
	return endpoint, nil
}

func (f *fakeFactory) endpoint(i int) *fakeEndpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

type staticRelays []webrtc.ICEServer

func (r staticRelays) RelayServers(context.Context) []webrtc.ICEServer { return r }
