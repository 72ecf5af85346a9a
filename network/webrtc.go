package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"powerlink/signaling"
)

const (
	// dataChannelLabel names the single application channel per peer.
	dataChannelLabel = "powerlink"
	// iceGatherTimeout bounds candidate gathering before an offer or answer
	// is published.
	iceGatherTimeout = 10 * time.Second
)

var (
	// ErrEndpointClosed is returned when dialing on a closed endpoint.
	ErrEndpointClosed = errors.New("network: endpoint closed")
	// ErrConnectionFailed is reported on a channel whose peer connection
	// failed.
	ErrConnectionFailed = errors.New("network: peer connection failed")
)

// Compile-time interface checks.
var (
	_ EndpointFactory = (*WebRTCEndpointFactory)(nil)
	_ Endpoint        = (*webrtcEndpoint)(nil)
	_ Channel         = (*dataChannel)(nil)
)

// WebRTCOptions configures WebRTC endpoints.
type WebRTCOptions struct {
	Broker signaling.Broker
	Logger *zap.Logger
	// IncludeLoopback adds loopback ICE candidates, for same-machine peers.
	IncludeLoopback bool
}

// WebRTCEndpointFactory opens endpoints that carry channels over WebRTC data
// channels. Each endpoint owns one signaling registration; offers and
// answers carry complete SDP (vanilla ICE), so each connection needs exactly
// one signaling round trip.
type WebRTCEndpointFactory struct {
	broker          signaling.Broker
	logger          *zap.Logger
	includeLoopback bool
}

// NewWebRTCEndpointFactory creates a factory using options.Broker for
// signaling.
func NewWebRTCEndpointFactory(options WebRTCOptions) *WebRTCEndpointFactory {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebRTCEndpointFactory{
		broker:          options.Broker,
		logger:          logger,
		includeLoopback: options.IncludeLoopback,
	}
}

// Open registers a signaling identity and starts answering inbound offers.
func (f *WebRTCEndpointFactory) Open(ctx context.Context, relays []webrtc.ICEServer) (Endpoint, error) {
	if f.broker == nil {
		return nil, errors.New("no signaling broker configured")
	}
	reg, err := f.broker.Register(ctx)
	if err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	if f.includeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	endpoint := &webrtcEndpoint{
		reg:    reg,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		config: webrtc.Configuration{ICEServers: append([]webrtc.ICEServer(nil), relays...)},
		logger: f.logger.With(zap.String("local_peer", reg.ID())),
		peers:  make(map[string]*rtcPeer),
		closed: make(chan struct{}),
	}
	endpoint.wg.Add(1)
	go endpoint.signalLoop()

	endpoint.logger.Info("signaling identity created", zap.Int("relays", len(relays)))
	return endpoint, nil
}

// rtcPeer is the peer connection and application channel for one remote id.
type rtcPeer struct {
	connection *webrtc.PeerConnection
	channel    *dataChannel
}

type webrtcEndpoint struct {
	reg    signaling.Registration
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.Logger

	mu        sync.Mutex
	peers     map[string]*rtcPeer
	onChannel func(Channel)

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (e *webrtcEndpoint) ID() string { return e.reg.ID() }

func (e *webrtcEndpoint) OnChannel(handler func(Channel)) {
	e.mu.Lock()
	e.onChannel = handler
	e.mu.Unlock()
}

func (e *webrtcEndpoint) Dial(ctx context.Context, peerID string) (Channel, error) {
	select {
	case <-e.closed:
		return nil, ErrEndpointClosed
	default:
	}

	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	channel := newDataChannel(peerID, e.logger)
	channel.bind(pc, dc)
	peer := &rtcPeer{connection: pc, channel: channel}
	e.watch(peerID, peer)
	e.replacePeer(peerID, peer)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		e.dropPeer(peerID, peer)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		e.dropPeer(peerID, peer)
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := e.waitGathering(ctx, gatherComplete); err != nil {
		e.dropPeer(peerID, peer)
		return nil, err
	}

	if err := e.reg.Send(ctx, signaling.Signal{
		Type: signaling.SignalOffer,
		To:   peerID,
		SDP:  pc.LocalDescription().SDP,
	}); err != nil {
		e.dropPeer(peerID, peer)
		return nil, fmt.Errorf("send offer to %s: %w", peerID, err)
	}

	e.logger.Info("offer sent", zap.String("peer", peerID))
	return channel, nil
}

func (e *webrtcEndpoint) waitGathering(ctx context.Context, done <-chan struct{}) error {
	timer := time.NewTimer(iceGatherTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return ErrEndpointClosed
	}
}

func (e *webrtcEndpoint) signalLoop() {
	defer e.wg.Done()

	signals := e.reg.Signals()
	for {
		select {
		case signal, ok := <-signals:
			if !ok {
				return
			}
			e.handleSignal(signal)
		case <-e.closed:
			return
		}
	}
}

func (e *webrtcEndpoint) handleSignal(signal signaling.Signal) {
	switch signal.Type {
	case signaling.SignalOffer:
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.answer(signal); err != nil {
				e.logger.Warn("answering offer failed", zap.String("peer", signal.From), zap.Error(err))
			}
		}()
	case signaling.SignalAnswer:
		peer := e.peer(signal.From)
		if peer == nil {
			e.logger.Debug("answer for unknown peer", zap.String("peer", signal.From))
			return
		}
		if err := peer.connection.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  signal.SDP,
		}); err != nil {
			e.logger.Warn("applying answer failed", zap.String("peer", signal.From), zap.Error(err))
			peer.channel.fail(err)
			e.dropPeer(signal.From, peer)
		}
	case signaling.SignalError:
		peer := e.peer(signal.From)
		if peer == nil {
			return
		}
		peer.channel.fail(signal.Err())
		e.dropPeer(signal.From, peer)
	default:
		e.logger.Debug("ignoring signal", zap.String("type", string(signal.Type)))
	}
}

func (e *webrtcEndpoint) answer(offer signaling.Signal) error {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	channel := newDataChannel(offer.From, e.logger)
	peer := &rtcPeer{connection: pc, channel: channel}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			e.logger.Debug("ignoring data channel", zap.String("label", dc.Label()))
			_ = dc.Close()
			return
		}
		channel.bind(pc, dc)

		e.mu.Lock()
		handler := e.onChannel
		e.mu.Unlock()
		if handler == nil {
			_ = channel.Close()
			return
		}
		handler(channel)
	})
	e.watch(offer.From, peer)
	e.replacePeer(offer.From, peer)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		e.dropPeer(offer.From, peer)
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		e.dropPeer(offer.From, peer)
		return fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		e.dropPeer(offer.From, peer)
		return fmt.Errorf("set local description: %w", err)
	}
	if err := e.waitGathering(context.Background(), gatherComplete); err != nil {
		e.dropPeer(offer.From, peer)
		return err
	}

	if err := e.reg.Send(context.Background(), signaling.Signal{
		Type: signaling.SignalAnswer,
		To:   offer.From,
		SDP:  pc.LocalDescription().SDP,
	}); err != nil {
		e.dropPeer(offer.From, peer)
		return fmt.Errorf("send answer: %w", err)
	}

	e.logger.Info("inbound connection answered", zap.String("peer", offer.From))
	return nil
}

// watch maps peer connection failure and closure onto the channel.
func (e *webrtcEndpoint) watch(peerID string, peer *rtcPeer) {
	peer.connection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Debug("peer connection state",
			zap.String("peer", peerID),
			zap.String("state", state.String()),
		)
		switch state {
		case webrtc.PeerConnectionStateFailed:
			peer.channel.fail(ErrConnectionFailed)
			e.dropPeer(peerID, peer)
		case webrtc.PeerConnectionStateClosed:
			peer.channel.handleClose()
			e.forget(peerID, peer)
		}
	})
}

func (e *webrtcEndpoint) peer(peerID string) *rtcPeer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers[peerID]
}

func (e *webrtcEndpoint) replacePeer(peerID string, peer *rtcPeer) {
	e.mu.Lock()
	previous := e.peers[peerID]
	e.peers[peerID] = peer
	e.mu.Unlock()

	if previous != nil && previous != peer {
		_ = previous.channel.Close()
	}
}

func (e *webrtcEndpoint) forget(peerID string, peer *rtcPeer) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.peers[peerID] == peer {
		delete(e.peers, peerID)
		return true
	}
	return false
}

func (e *webrtcEndpoint) dropPeer(peerID string, peer *rtcPeer) {
	e.forget(peerID, peer)
	_ = peer.channel.Close()
}

func (e *webrtcEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)

		e.mu.Lock()
		peers := make([]*rtcPeer, 0, len(e.peers))
		for id, peer := range e.peers {
			peers = append(peers, peer)
			delete(e.peers, id)
		}
		e.mu.Unlock()

		for _, peer := range peers {
			err = multierr.Append(err, peer.channel.Close())
		}
		err = multierr.Append(err, e.reg.Close())
		e.wg.Wait()
		e.logger.Info("signaling identity released")
	})
	return err
}

// dataChannel adapts one pion data channel and its peer connection to
// Channel.
type dataChannel struct {
	peerID string
	logger *zap.Logger

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	opened    bool
	closed    bool
	pending   [][]byte
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
	onError   func(error)

	// deliverMu keeps inbound messages in arrival order across the
	// pending flush.
	deliverMu sync.Mutex
}

func newDataChannel(peerID string, logger *zap.Logger) *dataChannel {
	return &dataChannel{peerID: peerID, logger: logger}
}

func (c *dataChannel) bind(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.pc = pc
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(c.handleOpen)
	dc.OnMessage(func(message webrtc.DataChannelMessage) {
		c.handleMessage(message.Data)
	})
	dc.OnClose(c.handleClose)
	dc.OnError(c.handleError)
}

func (c *dataChannel) PeerID() string { return c.peerID }

func (c *dataChannel) Send(payload []byte) error {
	c.mu.Lock()
	dc := c.dc
	ready := c.opened && !c.closed
	c.mu.Unlock()
	if !ready || dc == nil {
		return ErrChannelNotOpen
	}
	return dc.SendText(string(payload))
}

func (c *dataChannel) Close() error {
	c.mu.Lock()
	dc, pc := c.dc, c.pc
	c.mu.Unlock()

	var err error
	if dc != nil {
		err = multierr.Append(err, dc.Close())
	}
	if pc != nil {
		err = multierr.Append(err, pc.Close())
	}
	c.handleClose()
	return err
}

func (c *dataChannel) OnOpen(handler func()) {
	c.mu.Lock()
	c.onOpen = handler
	fire := c.opened && !c.closed
	c.mu.Unlock()
	if fire && handler != nil {
		handler()
	}
}

func (c *dataChannel) OnMessage(handler func([]byte)) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	c.onMessage = handler
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if handler == nil {
		return
	}
	for _, payload := range pending {
		handler(payload)
	}
}

func (c *dataChannel) OnClose(handler func()) {
	c.mu.Lock()
	c.onClose = handler
	fire := c.closed
	c.mu.Unlock()
	if fire && handler != nil {
		handler()
	}
}

func (c *dataChannel) OnError(handler func(error)) {
	c.mu.Lock()
	c.onError = handler
	c.mu.Unlock()
}

func (c *dataChannel) handleOpen() {
	c.mu.Lock()
	if c.opened || c.closed {
		c.mu.Unlock()
		return
	}
	c.opened = true
	handler := c.onOpen
	c.mu.Unlock()

	c.logger.Debug("data channel open", zap.String("peer", c.peerID))
	if handler != nil {
		handler()
	}
}

func (c *dataChannel) handleMessage(data []byte) {
	payload := append([]byte(nil), data...)

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	handler := c.onMessage
	if handler == nil {
		c.pending = append(c.pending, payload)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	handler(payload)
}

func (c *dataChannel) handleError(err error) {
	c.mu.Lock()
	handler := c.onError
	c.mu.Unlock()

	c.logger.Debug("data channel error", zap.String("peer", c.peerID), zap.Error(err))
	if handler != nil {
		handler(err)
	}
}

func (c *dataChannel) handleClose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = nil
	handler := c.onClose
	c.mu.Unlock()

	c.logger.Debug("data channel closed", zap.String("peer", c.peerID))
	if handler != nil {
		handler()
	}
}

// fail reports err and then closes the channel.
func (c *dataChannel) fail(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.handleError(err)
	_ = c.Close()
}
