package transport

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsableCandidateAddress(t *testing.T) {
	cases := map[string]bool{
		"192.168.1.4": true,
		"169.254.3.3": true,
		"127.0.0.1":   false,
		"0.0.0.0":     false,
		"fe80::1":     false,
		"abcd.local":  false,
	}
	for raw, want := range cases {
		_, ok := usableCandidateAddress(raw)
		assert.Equal(t, want, ok, "candidate %q", raw)
	}
}

func TestICEProberPeerConnectionFailure(t *testing.T) {
	prober := NewICEProber(nil)
	prober.newPeerConnection = func(webrtc.Configuration) (*webrtc.PeerConnection, error) {
		return nil, errors.New("no webrtc")
	}

	_, err := prober.ProbeLocalAddress(context.Background())
	require.Error(t, err)
}

func TestICEProberReturnsIPv4OrNoAddress(t *testing.T) {
	prober := NewICEProber(nil)
	prober.Timeout = 500 * time.Millisecond

	address, err := prober.ProbeLocalAddress(context.Background())
	if err != nil {
		t.Skipf("no usable local address in this environment: %v", err)
	}
	parsed, parseErr := netip.ParseAddr(address)
	require.NoError(t, parseErr)
	assert.True(t, parsed.Is4())
	assert.False(t, parsed.IsLoopback())
}
