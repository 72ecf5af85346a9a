// Package network owns point-to-point sessions between devices: identity
// creation through signaling, channel setup, message dispatch and lifecycle.
package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"powerlink/models"
)

const (
	// DefaultConfirmInterval is the connection-confirmation poll interval.
	DefaultConfirmInterval = 500 * time.Millisecond
	// DefaultConfirmAttempts is the connection-confirmation poll budget.
	DefaultConfirmAttempts = 20
)

var (
	// ErrSignalingUnavailable means no local signaling identity could be
	// created. The caller has to retry.
	ErrSignalingUnavailable = errors.New("network: signaling unavailable")
	// ErrConnectTimeout means a session did not open within the
	// confirmation budget. The session has been abandoned.
	ErrConnectTimeout = errors.New("network: connection not confirmed in time")
	// ErrSessionClosed means the session closed before it opened.
	ErrSessionClosed = errors.New("network: session closed before opening")
	// ErrNoSession is returned for operations on a peer without a session.
	ErrNoSession = errors.New("network: no session for peer")
	// ErrPeerIDRequired is returned when a peer id is empty.
	ErrPeerIDRequired = errors.New("network: peer id is required")
)

// Options configures a Manager.
type Options struct {
	Endpoints EndpointFactory
	// Relays picks relay servers for new identities. Nil means none.
	Relays      RelayPolicy
	LocalDevice models.DeviceInfo
	Clock       clock.Clock
	Logger      *zap.Logger

	ConfirmInterval time.Duration
	ConfirmAttempts int
}

// Manager owns every PeerSession of this device. Each event hook holds a
// single handler; registering again replaces it.
type Manager struct {
	endpoints       EndpointFactory
	relays          RelayPolicy
	local           models.DeviceInfo
	clock           clock.Clock
	logger          *zap.Logger
	confirmInterval time.Duration
	confirmAttempts int

	mu       sync.Mutex
	endpoint Endpoint
	hosting  bool
	sessions map[string]*PeerSession

	hooksMu       sync.RWMutex
	onConnect     func(peerID string)
	onDeviceInfo  func(peerID string, info models.DeviceInfo)
	onDisconnect  func(peerID string)
	onPerformance func(peerID string, sample models.PerformanceSample, receivedAt time.Time)
	onLatency     func(peerID string, latency time.Duration)
}

// NewManager creates a Manager with defaults applied.
func NewManager(options Options) *Manager {
	clk := options.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := options.ConfirmInterval
	if interval <= 0 {
		interval = DefaultConfirmInterval
	}
	attempts := options.ConfirmAttempts
	if attempts <= 0 {
		attempts = DefaultConfirmAttempts
	}

	return &Manager{
		endpoints:       options.Endpoints,
		relays:          options.Relays,
		local:           options.LocalDevice,
		clock:           clk,
		logger:          logger,
		confirmInterval: interval,
		confirmAttempts: attempts,
		sessions:        make(map[string]*PeerSession),
	}
}

// OnConnect sets the handler fired when a session opens.
func (m *Manager) OnConnect(handler func(peerID string)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onConnect = handler
}

// OnDeviceInfo sets the handler for a peer's declared device metadata.
func (m *Manager) OnDeviceInfo(handler func(peerID string, info models.DeviceInfo)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onDeviceInfo = handler
}

// OnDisconnect sets the handler fired when a session is removed.
func (m *Manager) OnDisconnect(handler func(peerID string)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onDisconnect = handler
}

// OnPerformance sets the handler for performance updates. receivedAt is this
// device's clock at receipt.
func (m *Manager) OnPerformance(handler func(peerID string, sample models.PerformanceSample, receivedAt time.Time)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onPerformance = handler
}

// OnLatency sets the handler for round-trip measurements from pongs.
func (m *Manager) OnLatency(handler func(peerID string, latency time.Duration)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onLatency = handler
}

// StartAsHost creates (or reuses) the local signaling identity and starts
// accepting inbound channels. It returns the local peer id.
func (m *Manager) StartAsHost(ctx context.Context) (string, error) {
	endpoint, err := m.ensureEndpoint(ctx)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.hosting = true
	m.mu.Unlock()

	m.logger.Info("hosting", zap.String("peer_id", endpoint.ID()))
	return endpoint.ID(), nil
}

// ConnectToHost creates (or reuses) the local signaling identity and starts
// an outbound channel to peerID. It returns once the attempt is dispatched;
// use WaitConnected or the OnConnect hook to learn that the channel opened.
func (m *Manager) ConnectToHost(ctx context.Context, peerID string) error {
	if peerID == "" {
		return ErrPeerIDRequired
	}
	endpoint, err := m.ensureEndpoint(ctx)
	if err != nil {
		return err
	}

	session := newPeerSession(peerID, m.clock.Now())
	m.install(session)

	channel, err := endpoint.Dial(ctx, peerID)
	if err != nil {
		m.mu.Lock()
		if m.sessions[peerID] == session {
			delete(m.sessions, peerID)
		}
		m.mu.Unlock()
		session.transition(SessionClosed)
		return fmt.Errorf("connect to %s: %w", peerID, err)
	}

	m.attach(session, channel)
	m.logger.Info("connecting", zap.String("peer", peerID))
	return nil
}

// WaitConnected polls the session for peerID every ConfirmInterval until it
// is open, for at most ConfirmAttempts polls. On timeout the session is
// abandoned and ErrConnectTimeout is returned.
func (m *Manager) WaitConnected(ctx context.Context, peerID string) error {
	for attempt := 1; ; attempt++ {
		session := m.session(peerID)
		if session == nil {
			return fmt.Errorf("%w: %s", ErrSessionClosed, peerID)
		}
		if session.State() == SessionOpen {
			return nil
		}
		if attempt >= m.confirmAttempts {
			m.remove(session, false)
			m.logger.Warn("connection not confirmed",
				zap.String("peer", peerID),
				zap.Int("attempts", attempt),
			)
			return fmt.Errorf("%w: %s after %d attempts", ErrConnectTimeout, peerID, attempt)
		}

		select {
		case <-m.clock.After(m.confirmInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Broadcast stamps and sends a message to every open session. A failed send
// is logged and does not affect other peers. It returns how many peers the
// message was handed to.
func (m *Manager) Broadcast(kind MessageKind, data any) (int, error) {
	payload, err := EncodeMessage(kind, data, m.clock.Now().UnixMilli())
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, session := range m.openSessions() {
		if err := session.send(payload); err != nil {
			m.logger.Warn("send failed",
				zap.String("peer", session.PeerID()),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	m.logger.Debug("broadcast", zap.String("kind", string(kind)), zap.Int("delivered", delivered))
	return delivered, nil
}

// SendPerformanceUpdate broadcasts a performance-update message.
func (m *Manager) SendPerformanceUpdate(cpu, gpu, ram float64) int {
	delivered, err := m.Broadcast(KindPerformanceUpdate, models.PerformanceSample{CPU: cpu, GPU: gpu, RAM: ram})
	if err != nil {
		m.logger.Error("encode performance update", zap.Error(err))
	}
	return delivered
}

// Ping sends a ping to peerID. The latency is reported through OnLatency
// when the pong arrives.
func (m *Manager) Ping(peerID string) error {
	session := m.session(peerID)
	if session == nil {
		return ErrNoSession
	}
	now := m.clock.Now().UnixMilli()
	payload, err := EncodeMessage(KindPing, PingData{Timestamp: now}, now)
	if err != nil {
		return err
	}
	return session.send(payload)
}

// DisconnectDevice closes the session for peerID. It is a no-op when there
// is none. When the device is not hosting and no sessions remain, the local
// signaling identity is released.
func (m *Manager) DisconnectDevice(peerID string) {
	session := m.session(peerID)
	if session == nil {
		return
	}
	m.remove(session, true)
}

// DisconnectAll closes every session and releases the signaling identity.
func (m *Manager) DisconnectAll() error {
	m.mu.Lock()
	sessions := make([]*PeerSession, 0, len(m.sessions))
	for id, session := range m.sessions {
		sessions = append(sessions, session)
		delete(m.sessions, id)
	}
	endpoint := m.endpoint
	m.endpoint = nil
	m.hosting = false
	m.mu.Unlock()

	var err error
	for _, session := range sessions {
		err = multierr.Append(err, m.closeSession(session, true))
	}
	if endpoint != nil {
		err = multierr.Append(err, endpoint.Close())
	}
	if len(sessions) > 0 || endpoint != nil {
		m.logger.Info("disconnected all", zap.Int("sessions", len(sessions)))
	}
	return err
}

// Close is DisconnectAll.
func (m *Manager) Close() error {
	return m.DisconnectAll()
}

// VisibilityChanged is called when the application is backgrounded or
// foregrounded. Sessions are kept either way.
func (m *Manager) VisibilityChanged(visible bool) {
	m.logger.Debug("visibility changed, sessions kept",
		zap.Bool("visible", visible),
		zap.Int("open", len(m.openSessions())),
	)
}

// ConfirmClose asks confirm whether to proceed when the application is about
// to close with sessions open. It returns true when closing may proceed.
func (m *Manager) ConfirmClose(confirm func(open int) bool) bool {
	open := len(m.openSessions())
	if open == 0 || confirm == nil {
		return true
	}
	return confirm(open)
}

// PeerID returns the local signaling id, or "" without an identity.
func (m *Manager) PeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endpoint == nil {
		return ""
	}
	return m.endpoint.ID()
}

// Hosting reports whether StartAsHost is in effect.
func (m *Manager) Hosting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hosting
}

// IsConnected reports whether any session is open.
func (m *Manager) IsConnected() bool {
	return len(m.openSessions()) > 0
}

// ConnectedDevices returns the peer ids of open sessions, sorted.
func (m *Manager) ConnectedDevices() []string {
	sessions := m.openSessions()
	out := make([]string, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, session.PeerID())
	}
	sort.Strings(out)
	return out
}

// Session returns a snapshot of the session for peerID.
func (m *Manager) Session(peerID string) (SessionInfo, bool) {
	session := m.session(peerID)
	if session == nil {
		return SessionInfo{}, false
	}
	return session.Info(), true
}

func (m *Manager) ensureEndpoint(ctx context.Context) (Endpoint, error) {
	m.mu.Lock()
	if m.endpoint != nil {
		endpoint := m.endpoint
		m.mu.Unlock()
		return endpoint, nil
	}
	m.mu.Unlock()

	if m.endpoints == nil {
		return nil, fmt.Errorf("%w: no endpoint factory", ErrSignalingUnavailable)
	}
	var relays []webrtc.ICEServer
	if m.relays != nil {
		relays = m.relays.RelayServers(ctx)
	}
	endpoint, err := m.endpoints.Open(ctx, relays)
	if err != nil {
		m.logger.Error("create signaling identity", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSignalingUnavailable, err)
	}
	endpoint.OnChannel(m.accept)

	m.mu.Lock()
	if m.endpoint != nil {
		existing := m.endpoint
		m.mu.Unlock()
		_ = endpoint.Close()
		return existing, nil
	}
	m.endpoint = endpoint
	m.mu.Unlock()
	return endpoint, nil
}

func (m *Manager) accept(channel Channel) {
	session := newPeerSession(channel.PeerID(), m.clock.Now())
	m.install(session)
	m.attach(session, channel)
	m.logger.Info("inbound connection", zap.String("peer", channel.PeerID()))
}

// install makes session the current one for its peer. A previous session for
// the same peer is closed without a disconnect event.
func (m *Manager) install(session *PeerSession) {
	m.mu.Lock()
	previous := m.sessions[session.PeerID()]
	m.sessions[session.PeerID()] = session
	m.mu.Unlock()

	if previous != nil {
		_ = m.closeSession(previous, false)
	}
}

func (m *Manager) attach(session *PeerSession, channel Channel) {
	session.setChannel(channel)
	channel.OnClose(func() { m.handleClose(session) })
	channel.OnError(func(err error) {
		m.logger.Warn("channel error", zap.String("peer", session.PeerID()), zap.Error(err))
		m.handleClose(session)
	})
	channel.OnOpen(func() { m.handleOpen(session) })
	channel.OnMessage(func(payload []byte) { m.handleMessage(session, payload) })
}

func (m *Manager) handleOpen(session *PeerSession) {
	if !m.isCurrent(session) {
		return
	}
	info := m.local
	if info.ID == "" {
		info.ID = m.PeerID()
	}
	intro, err := EncodeMessage(KindDeviceInfo, info, m.clock.Now().UnixMilli())
	if err != nil {
		m.logger.Error("encode device info", zap.Error(err))
		return
	}

	opened, err := session.open(intro)
	if !opened {
		return
	}
	session.touch(m.clock.Now())
	if err != nil {
		m.logger.Warn("send device info failed", zap.String("peer", session.PeerID()), zap.Error(err))
	}

	m.logger.Info("connected", zap.String("peer", session.PeerID()))
	m.hooksMu.RLock()
	handler := m.onConnect
	m.hooksMu.RUnlock()
	if handler != nil {
		handler(session.PeerID())
	}

	for batch := session.release(); batch != nil; batch = session.release() {
		for _, payload := range batch {
			m.dispatch(session, payload)
		}
	}
}

func (m *Manager) handleClose(session *PeerSession) {
	if !session.transition(SessionClosed) {
		return
	}

	m.mu.Lock()
	current := m.sessions[session.PeerID()] == session
	if current {
		delete(m.sessions, session.PeerID())
	}
	m.mu.Unlock()

	if !current {
		return
	}
	m.logger.Info("disconnected", zap.String("peer", session.PeerID()))
	m.fireDisconnect(session.PeerID())
}

func (m *Manager) handleMessage(session *PeerSession, payload []byte) {
	if !m.isCurrent(session) {
		return
	}
	if session.hold(payload) {
		return
	}
	m.dispatch(session, payload)
}

// dispatch decodes one message and routes it to the matching hook.
func (m *Manager) dispatch(session *PeerSession, payload []byte) {
	if !m.isCurrent(session) {
		return
	}
	now := m.clock.Now()
	session.touch(now)

	message, err := DecodeMessage(payload)
	if err != nil {
		m.logger.Warn("dropping message", zap.String("peer", session.PeerID()), zap.Error(err))
		return
	}
	peerID := session.PeerID()
	m.logger.Debug("message", zap.String("peer", peerID), zap.String("kind", string(message.Kind)))

	m.hooksMu.RLock()
	onDeviceInfo := m.onDeviceInfo
	onPerformance := m.onPerformance
	onLatency := m.onLatency
	m.hooksMu.RUnlock()

	switch message.Kind {
	case KindDeviceInfo:
		info, err := decodeDeviceInfo(message)
		if err != nil {
			m.logger.Warn("dropping message", zap.String("peer", peerID), zap.Error(err))
			return
		}
		if onDeviceInfo != nil {
			onDeviceInfo(peerID, info)
		}
	case KindPerformanceUpdate:
		sample, err := decodePerformance(message)
		if err != nil {
			m.logger.Warn("dropping message", zap.String("peer", peerID), zap.Error(err))
			return
		}
		if onPerformance != nil {
			onPerformance(peerID, sample, now)
		}
	case KindPing:
		pong, err := EncodeMessage(KindPong, PingData{Timestamp: message.Timestamp}, now.UnixMilli())
		if err != nil {
			m.logger.Error("encode pong", zap.Error(err))
			return
		}
		if err := session.send(pong); err != nil {
			m.logger.Warn("send pong failed", zap.String("peer", peerID), zap.Error(err))
		}
	case KindPong:
		data, err := decodePing(message)
		if err != nil {
			m.logger.Warn("dropping message", zap.String("peer", peerID), zap.Error(err))
			return
		}
		latency := time.Duration(now.UnixMilli()-data.Timestamp) * time.Millisecond
		m.logger.Debug("latency", zap.String("peer", peerID), zap.Duration("latency", latency))
		if onLatency != nil {
			onLatency(peerID, latency)
		}
	}
}

// remove drops session if it is current, closes it and releases the
// identity when this device is not hosting and nothing is left.
func (m *Manager) remove(session *PeerSession, notify bool) {
	m.mu.Lock()
	if m.sessions[session.PeerID()] != session {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, session.PeerID())
	var release Endpoint
	if !m.hosting && len(m.sessions) == 0 {
		release = m.endpoint
		m.endpoint = nil
	}
	m.mu.Unlock()

	if err := m.closeSession(session, notify); err != nil {
		m.logger.Debug("close channel", zap.String("peer", session.PeerID()), zap.Error(err))
	}
	if release != nil {
		if err := release.Close(); err != nil {
			m.logger.Warn("release signaling identity", zap.Error(err))
		}
	}
}

// closeSession closes a session that is no longer in the session map.
func (m *Manager) closeSession(session *PeerSession, notify bool) error {
	transitioned := session.transition(SessionClosed)
	var err error
	if channel := session.currentChannel(); channel != nil {
		err = channel.Close()
	}
	if transitioned && notify {
		m.logger.Info("disconnected", zap.String("peer", session.PeerID()))
		m.fireDisconnect(session.PeerID())
	}
	return err
}

func (m *Manager) fireDisconnect(peerID string) {
	m.hooksMu.RLock()
	handler := m.onDisconnect
	m.hooksMu.RUnlock()
	if handler != nil {
		handler(peerID)
	}
}

func (m *Manager) session(peerID string) *PeerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[peerID]
}

func (m *Manager) isCurrent(session *PeerSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[session.PeerID()] == session
}

func (m *Manager) openSessions() []*PeerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PeerSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		if session.State() == SessionOpen {
			out = append(out, session)
		}
	}
	return out
}
