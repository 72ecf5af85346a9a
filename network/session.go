package network

import (
	"sync"
	"time"
)

// SessionState is the lifecycle state of one PeerSession.
type SessionState string

const (
	SessionConnecting SessionState = "connecting"
	SessionOpen       SessionState = "open"
	SessionClosed     SessionState = "closed"
)

func (s SessionState) rank() int {
	switch s {
	case SessionConnecting:
		return 0
	case SessionOpen:
		return 1
	case SessionClosed:
		return 2
	default:
		return -1
	}
}

// SessionInfo is a snapshot of a PeerSession.
type SessionInfo struct {
	PeerID     string       `json:"peer_id"`
	State      SessionState `json:"state"`
	LastSeenAt time.Time    `json:"last_seen_at"`
}

// PeerSession is one connection attempt to a remote peer. Its state only
// moves forward: connecting, open, closed. Reconnecting creates a new
// PeerSession.
type PeerSession struct {
	peerID string

	mu         sync.RWMutex
	channel    Channel
	state      SessionState
	lastSeenAt time.Time

	// Messages that arrive before the session opened are held until the
	// connect hook has run.
	held     [][]byte
	released bool

	// sendMu serializes sends so the self-introduction is always the first
	// message on an open channel.
	sendMu sync.Mutex
}

func newPeerSession(peerID string, now time.Time) *PeerSession {
	return &PeerSession{
		peerID:     peerID,
		state:      SessionConnecting,
		lastSeenAt: now,
	}
}

// PeerID returns the remote peer id.
func (s *PeerSession) PeerID() string { return s.peerID }

// State returns the current state.
func (s *PeerSession) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastSeenAt returns when traffic was last received from the peer.
func (s *PeerSession) LastSeenAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeenAt
}

// Info returns a snapshot of the session.
func (s *PeerSession) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{PeerID: s.peerID, State: s.state, LastSeenAt: s.lastSeenAt}
}

func (s *PeerSession) transition(next SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next.rank() <= s.state.rank() {
		return false
	}
	s.state = next
	return true
}

func (s *PeerSession) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastSeenAt) {
		s.lastSeenAt = now
	}
}

func (s *PeerSession) setChannel(channel Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = channel
}

func (s *PeerSession) currentChannel() Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channel
}

// send writes payload if the session is open.
func (s *PeerSession) send(payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.RLock()
	channel, state := s.channel, s.state
	s.mu.RUnlock()
	if state != SessionOpen || channel == nil {
		return ErrChannelNotOpen
	}
	return channel.Send(payload)
}

// open moves the session to open and sends intro before any other message
// can be sent. It reports false when the session was not connecting.
func (s *PeerSession) open(intro []byte) (bool, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if !s.transition(SessionOpen) {
		return false, nil
	}
	channel := s.currentChannel()
	if channel == nil {
		return true, ErrChannelNotOpen
	}
	return true, channel.Send(intro)
}

// hold queues payload while the session has not been released yet.
func (s *PeerSession) hold(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.held = append(s.held, payload)
	return true
}

// release returns the messages held so far. Once nothing is left it marks
// the session released and returns nil; later messages are not held.
func (s *PeerSession) release() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.held) == 0 {
		s.released = true
		return nil
	}
	batch := s.held
	s.held = nil
	return batch
}
