package network

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// JoinQueryParam is the query parameter carrying the host peer id.
const JoinQueryParam = "peer"

// ErrNoPeerInURL is returned when a join URL has no peer parameter.
var ErrNoPeerInURL = errors.New("network: join url has no peer parameter")

// JoinURL adds the host peer id to base as the peer query parameter.
func JoinURL(base, peerID string) (string, error) {
	if peerID == "" {
		return "", ErrPeerIDRequired
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse join base url: %w", err)
	}
	query := u.Query()
	query.Set(JoinQueryParam, peerID)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// PeerIDFromJoinURL extracts the host peer id from a scanned join URL. A
// bare peer id is returned unchanged.
func PeerIDFromJoinURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrPeerIDRequired
	}
	if !strings.Contains(raw, "://") && !strings.ContainsAny(raw, "?/=") {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse join url: %w", err)
	}
	peerID := strings.TrimSpace(u.Query().Get(JoinQueryParam))
	if peerID == "" {
		return "", ErrNoPeerInURL
	}
	return peerID, nil
}
