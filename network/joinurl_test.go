package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinURLRoundTrip(t *testing.T) {
	link, err := JoinURL("https://powerlink.example/join?lang=en", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://powerlink.example/join?lang=en&peer=abc123", link)

	peerID, err := PeerIDFromJoinURL(link)
	require.NoError(t, err)
	assert.Equal(t, "abc123", peerID)
}

func TestJoinURLRequiresPeer(t *testing.T) {
	_, err := JoinURL("https://powerlink.example/join", "")
	assert.ErrorIs(t, err, ErrPeerIDRequired)
}

func TestPeerIDFromJoinURL(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{name: "bare id", raw: " abc123 ", want: "abc123"},
		{name: "query only", raw: "?peer=h1", want: "h1"},
		{name: "missing parameter", raw: "https://powerlink.example/join?lang=en", wantErr: ErrNoPeerInURL},
		{name: "empty", raw: "   ", wantErr: ErrPeerIDRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := PeerIDFromJoinURL(tc.raw)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
