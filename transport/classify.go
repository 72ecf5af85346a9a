// Package transport decides which physical path connects two devices and
// whether connection negotiation needs relay servers.
//
// Classification is a pure function of the best-effort local IPv4 address.
// The address is harvested from ICE host candidates of a throwaway pion
// PeerConnection configured without any ICE servers; no connection is ever
// made. Every failure degrades to TransportInternet, which always carries the
// full relay list.
package transport

import (
	"net/netip"

	"github.com/pion/webrtc/v4"

	"powerlink/models"
)

// DefaultRelayServers are the public STUN servers used when no local path is
// assumed.
var DefaultRelayServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

type rule struct {
	prefixes []netip.Prefix
	class    models.TransportClass
}

// rules are evaluated in order; the first matching prefix wins.
var rules = []rule{
	{
		// iOS personal hotspot over USB.
		prefixes: []netip.Prefix{netip.MustParsePrefix("172.20.10.0/24")},
		class:    models.TransportUSBTethering,
	},
	{
		// Android USB tethering, current and legacy subnets.
		prefixes: []netip.Prefix{
			netip.MustParsePrefix("192.168.42.0/24"),
			netip.MustParsePrefix("192.168.43.0/24"),
		},
		class: models.TransportUSBTethering,
	},
	{
		// USB Ethernet link-local without tethering (Mac <-> iPad cable).
		prefixes: []netip.Prefix{netip.MustParsePrefix("169.254.0.0/16")},
		class:    models.TransportUSBTethering,
	},
	{
		prefixes: []netip.Prefix{
			netip.MustParsePrefix("192.168.0.0/16"),
			netip.MustParsePrefix("10.0.0.0/8"),
			netip.MustParsePrefix("172.16.0.0/12"),
		},
		class: models.TransportLocalWiFi,
	},
}

// Classify maps a local address to its transport class. Empty, unparsable and
// IPv6 addresses classify as TransportInternet.
func Classify(localAddress string) models.TransportClass {
	if localAddress == "" {
		return models.TransportInternet
	}
	addr, err := netip.ParseAddr(localAddress)
	if err != nil || !addr.Is4() {
		return models.TransportInternet
	}

	for _, r := range rules {
		for _, prefix := range r.prefixes {
			if prefix.Contains(addr) {
				return r.class
			}
		}
	}
	return models.TransportInternet
}

// IsUSBTethering reports whether localAddress is on a tethering or link-local
// subnet.
func IsUSBTethering(localAddress string) bool {
	return Classify(localAddress) == models.TransportUSBTethering
}

// RelayConfig returns the relay servers to configure for class using
// DefaultRelayServers.
func RelayConfig(class models.TransportClass) []webrtc.ICEServer {
	return relayConfig(class, DefaultRelayServers)
}

func relayConfig(class models.TransportClass, servers []webrtc.ICEServer) []webrtc.ICEServer {
	if class.Local() {
		return []webrtc.ICEServer{}
	}
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		server.URLs = append([]string(nil), server.URLs...)
		out = append(out, server)
	}
	return out
}
