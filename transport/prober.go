package transport

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
)

// DefaultProbeTimeout bounds one local-address probe.
const DefaultProbeTimeout = 2 * time.Second

// ErrNoLocalAddress is returned when the probe ends without a usable candidate.
var ErrNoLocalAddress = errors.New("transport: no local IPv4 candidate")

// Prober discovers the device's best-effort local IPv4 address.
type Prober interface {
	ProbeLocalAddress(ctx context.Context) (string, error)
}

// ICEProber harvests the first host candidate address from a PeerConnection
// that has no ICE servers configured. The PeerConnection never leaves the
// gathering phase and is closed as soon as an address is found.
type ICEProber struct {
	Timeout time.Duration
	Clock   clock.Clock

	newPeerConnection func(webrtc.Configuration) (*webrtc.PeerConnection, error)
}

// NewICEProber creates a prober with the default timeout.
func NewICEProber(clk clock.Clock) *ICEProber {
	if clk == nil {
		clk = clock.New()
	}
	return &ICEProber{
		Timeout:           DefaultProbeTimeout,
		Clock:             clk,
		newPeerConnection: webrtc.NewPeerConnection,
	}
}

// ProbeLocalAddress returns the first non-loopback, non-unspecified IPv4 host
// candidate. It returns ErrNoLocalAddress when gathering finishes or the
// timeout expires first.
func (p *ICEProber) ProbeLocalAddress(ctx context.Context) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	newPC := p.newPeerConnection
	if newPC == nil {
		newPC = webrtc.NewPeerConnection
	}

	ctx, cancel := clk.WithTimeout(ctx, timeout)
	defer cancel()

	pc, err := newPC(webrtc.Configuration{ICEServers: []webrtc.ICEServer{}})
	if err != nil {
		return "", fmt.Errorf("create probe peer connection: %w", err)
	}
	defer func() {
		_ = pc.Close()
	}()

	found := make(chan string, 1)
	gatheringDone := make(chan struct{})
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			close(gatheringDone)
			return
		}
		address, ok := usableCandidateAddress(candidate.Address)
		if !ok {
			return
		}
		select {
		case found <- address:
		default:
		}
	})

	if _, err := pc.CreateDataChannel("", nil); err != nil {
		return "", fmt.Errorf("create probe data channel: %w", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create probe offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set probe local description: %w", err)
	}

	select {
	case address := <-found:
		return address, nil
	case <-gatheringDone:
		select {
		case address := <-found:
			return address, nil
		default:
			return "", ErrNoLocalAddress
		}
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrNoLocalAddress, ctx.Err())
	}
}

func usableCandidateAddress(raw string) (string, bool) {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", false
	}
	if !addr.Is4() || addr.IsLoopback() || addr.IsUnspecified() {
		return "", false
	}
	return addr.String(), true
}
