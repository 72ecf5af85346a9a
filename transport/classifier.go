package transport

import (
	"context"
	"net"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"powerlink/models"
)

// ClassifierOptions configures a Classifier.
type ClassifierOptions struct {
	Prober Prober
	// RelayServers replaces DefaultRelayServers for internet transport.
	RelayServers  []webrtc.ICEServer
	PreferredType models.TransportClass
	Logger        *zap.Logger

	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
}

// Classifier tracks the current transport class of this device. The
// preferred type is a UI hint only and never influences classification.
type Classifier struct {
	prober       Prober
	relayServers []webrtc.ICEServer
	logger       *zap.Logger

	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)

	mu        sync.RWMutex
	current   models.TransportClass
	preferred models.TransportClass
}

// NewClassifier creates a Classifier. The current type starts as
// TransportInternet and the preferred type defaults to TransportUSBTethering.
func NewClassifier(options ClassifierOptions) *Classifier {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	servers := options.RelayServers
	if len(servers) == 0 {
		servers = DefaultRelayServers
	}
	preferred := options.PreferredType
	if !preferred.Valid() {
		preferred = models.TransportUSBTethering
	}
	interfaces := options.interfaces
	if interfaces == nil {
		interfaces = net.Interfaces
	}
	addrs := options.addrs
	if addrs == nil {
		addrs = func(iface net.Interface) ([]net.Addr, error) { return iface.Addrs() }
	}

	return &Classifier{
		prober:       options.Prober,
		relayServers: servers,
		logger:       logger,
		interfaces:   interfaces,
		addrs:        addrs,
		current:      models.TransportInternet,
		preferred:    preferred,
	}
}

// Classify probes the local address and records the resulting class as the
// current type. It never fails: probe errors yield TransportInternet with no
// local address.
func (c *Classifier) Classify(ctx context.Context) models.NetworkProfile {
	address := c.probe(ctx)
	class := Classify(address)

	c.mu.Lock()
	c.current = class
	c.mu.Unlock()

	c.logger.Debug("network classified",
		zap.String("transport", string(class)),
		zap.String("local_address", address),
	)

	return models.NetworkProfile{
		TransportClass: class,
		LocalAddress:   address,
		Online:         c.online(),
	}
}

// RelayConfig returns no relay servers for local classes and the configured
// list for internet.
func (c *Classifier) RelayConfig(class models.TransportClass) []webrtc.ICEServer {
	return relayConfig(class, c.relayServers)
}

// RelayServers classifies the network and returns the matching relay list.
func (c *Classifier) RelayServers(ctx context.Context) []webrtc.ICEServer {
	profile := c.Classify(ctx)
	servers := c.RelayConfig(profile.TransportClass)
	if len(servers) == 0 {
		c.logger.Info("local transport detected, relay servers disabled",
			zap.String("transport", string(profile.TransportClass)))
	}
	return servers
}

// USBTetheringAvailable probes and reports whether the local address is on a
// tethering subnet. The current type is left untouched.
func (c *Classifier) USBTetheringAvailable(ctx context.Context) bool {
	return IsUSBTethering(c.probe(ctx))
}

// IsLocalNetwork probes and reports whether the local address is on a private
// or link-local subnet.
func (c *Classifier) IsLocalNetwork(ctx context.Context) bool {
	return Classify(c.probe(ctx)).Local()
}

// CurrentType returns the class recorded by the last Classify call.
func (c *Classifier) CurrentType() models.TransportClass {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// PreferredType returns the user's preferred transport hint.
func (c *Classifier) PreferredType() models.TransportClass {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.preferred
}

// SetPreferredType stores the user's preferred transport hint. Unknown values
// are ignored.
func (c *Classifier) SetPreferredType(class models.TransportClass) {
	if !class.Valid() {
		return
	}
	c.mu.Lock()
	c.preferred = class
	c.mu.Unlock()
	c.logger.Info("preferred transport set", zap.String("transport", string(class)))
}

func (c *Classifier) probe(ctx context.Context) string {
	if c.prober == nil {
		return ""
	}
	address, err := c.prober.ProbeLocalAddress(ctx)
	if err != nil {
		c.logger.Debug("local address probe failed", zap.Error(err))
		return ""
	}
	return address
}

// online reports whether any non-loopback interface is up with an address.
func (c *Classifier) online() bool {
	ifaces, err := c.interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := c.addrs(iface)
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}
