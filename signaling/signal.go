// Package signaling exchanges connection offers and answers between devices
// that do not share a local broadcast scope. A Broker hands out short-lived
// identities; each Registration can address any other live identity by id.
package signaling

import (
	"context"
	"errors"
)

const (
	SignalOffer  SignalType = "offer"
	SignalAnswer SignalType = "answer"
	SignalError  SignalType = "error"
	// SignalOpen is sent by a hub to a new client. To carries the assigned id.
	SignalOpen SignalType = "open"
)

// ReasonPeerUnavailable is the error reason for signals addressed to an id
// that is not registered.
const ReasonPeerUnavailable = "peer-unavailable"

var (
	// ErrPeerUnavailable means the target id is not registered.
	ErrPeerUnavailable = errors.New("signaling: peer unavailable")
	// ErrClosed is returned when using a closed registration.
	ErrClosed = errors.New("signaling: registration closed")
	// ErrQueueFull is returned when a recipient is not draining its signals.
	ErrQueueFull = errors.New("signaling: recipient queue full")
)

// SignalType identifies a signaling message.
type SignalType string

// Signal is one message relayed by a broker. SDP carries a complete session
// description with all candidates embedded.
type Signal struct {
	Type   SignalType `json:"type"`
	From   string     `json:"from,omitempty"`
	To     string     `json:"to,omitempty"`
	SDP    string     `json:"sdp,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// Err maps an error signal to a Go error. It returns nil for other types.
func (s Signal) Err() error {
	if s.Type != SignalError {
		return nil
	}
	if s.Reason == ReasonPeerUnavailable {
		return ErrPeerUnavailable
	}
	return errors.New("signaling: " + s.Reason)
}

// Broker creates signaling identities.
type Broker interface {
	Register(ctx context.Context) (Registration, error)
}

// Registration is one live signaling identity. Signals addressed to ID are
// delivered on Signals until Close, after which the channel is closed.
type Registration interface {
	ID() string
	Send(ctx context.Context, signal Signal) error
	Signals() <-chan Signal
	Close() error
}
