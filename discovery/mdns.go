package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"powerlink/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_powerlink._udp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultAnnouncePort is published in the SRV record. Nothing listens on
	// it; peers connect through signaling.
	DefaultAnnouncePort = 9
	// DefaultBrowseInterval is how often a port opens a browse window.
	DefaultBrowseInterval = 5 * time.Second
	// DefaultBrowseWindow bounds each browse window.
	DefaultBrowseWindow = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

type resolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// A zeroconf resolver shuts its sockets down once a Browse context ends, so
// every window gets a new one.
type resolverFunc func() (resolver, error)

func newZeroconfResolver() (resolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// MDNSConfig controls the LAN-wide broadcast channel.
type MDNSConfig struct {
	Service        string
	Domain         string
	Port           int
	BrowseInterval time.Duration
	BrowseWindow   time.Duration

	Clock  clock.Clock
	Logger *zap.Logger

	registerFn  registerFunc
	browseFn    browseFunc
	newResolver resolverFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Port <= 0 {
		out.Port = DefaultAnnouncePort
	}
	if out.BrowseInterval <= 0 {
		out.BrowseInterval = DefaultBrowseInterval
	}
	if out.BrowseWindow <= 0 {
		out.BrowseWindow = DefaultBrowseWindow
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.newResolver == nil {
		out.newResolver = newZeroconfResolver
	}
	return out
}

// MDNSBus carries host notices over multicast DNS so that processes on
// different machines of one LAN share a discovery scope. Announcements are
// published as a service instance with TXT metadata; goodbyes withdraw the
// instance. Receivers observe notices by diffing successive browse windows.
type MDNSBus struct {
	cfg MDNSConfig
}

// NewMDNSBus creates an mDNS-backed bus with defaults applied.
func NewMDNSBus(config MDNSConfig) *MDNSBus {
	return &MDNSBus{cfg: config.withDefaults()}
}

// Open starts browsing and returns a port for publishing.
func (b *MDNSBus) Open(handler func(Notice)) (Port, error) {
	ctx, cancel := context.WithCancel(context.Background())
	port := &mdnsPort{
		cfg:     b.cfg,
		handler: handler,
		own:     make(map[string]struct{}),
		seen:    make(map[string]models.PeerAdvertisement),
		ctx:     ctx,
		cancel:  cancel,
	}

	ticker := b.cfg.Clock.Ticker(b.cfg.BrowseInterval)
	port.wg.Add(1)
	go port.loop(ticker)
	return port, nil
}

type mdnsPort struct {
	cfg     MDNSConfig
	handler func(Notice)

	mu         sync.Mutex
	server     *zeroconf.Server
	registered bool
	own        map[string]struct{}
	closed     bool

	seenMu sync.Mutex
	seen   map[string]models.PeerAdvertisement

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (p *mdnsPort) Post(notice Notice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPortClosed
	}

	switch notice.Type {
	case NoticeAnnounce:
		return p.announceLocked(notice.Host)
	case NoticeGoodbye:
		delete(p.own, notice.Host.PeerID)
		p.shutdownLocked()
		return nil
	default:
		return fmt.Errorf("unsupported notice type %q", notice.Type)
	}
}

func (p *mdnsPort) announceLocked(host models.PeerAdvertisement) error {
	if strings.TrimSpace(host.PeerID) == "" {
		return errors.New("peer id is required")
	}
	p.own[host.PeerID] = struct{}{}
	txt := advertisementTXT(host)

	if p.registered {
		if p.server != nil {
			p.server.SetText(txt)
		}
		return nil
	}

	instance := strings.TrimSpace(host.DeviceName)
	if instance == "" {
		instance = host.PeerID
	}
	server, err := p.cfg.registerFn(instance, p.cfg.Service, p.cfg.Domain, p.cfg.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	p.server = server
	p.registered = true
	return nil
}

func (p *mdnsPort) shutdownLocked() {
	if p.server != nil {
		p.server.Shutdown()
	}
	p.server = nil
	p.registered = false
}

func (p *mdnsPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.shutdownLocked()
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *mdnsPort) loop(ticker *clock.Ticker) {
	defer p.wg.Done()
	defer ticker.Stop()

	p.runWindow()
	for {
		select {
		case <-ticker.C:
			p.runWindow()
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *mdnsPort) runWindow() {
	browse := p.cfg.browseFn
	if browse == nil {
		r, err := p.cfg.newResolver()
		if err != nil {
			p.cfg.Logger.Warn("create mDNS resolver", zap.Error(err))
			return
		}
		browse = r.Browse
	}

	windowCtx, cancel := p.cfg.Clock.WithTimeout(p.ctx, p.cfg.BrowseWindow)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]models.PeerAdvertisement)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-windowCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				host, ok := parseEntry(entry)
				if !ok || p.isOwn(host.PeerID) {
					continue
				}
				host.Timestamp = p.cfg.Clock.Now().UnixMilli()
				collected[host.PeerID] = host
			}
		}
	}()

	if err := browse(windowCtx, p.cfg.Service, p.cfg.Domain, entries); err != nil {
		p.cfg.Logger.Warn("mDNS browse failed", zap.Error(err))
		cancel()
		<-collectorDone
		return
	}

	<-windowCtx.Done()
	<-collectorDone
	if p.ctx.Err() != nil {
		return
	}
	p.applySnapshot(collected)
}

// applySnapshot re-announces every host seen in this window and says goodbye
// for hosts that were seen last window but not this one.
func (p *mdnsPort) applySnapshot(next map[string]models.PeerAdvertisement) {
	p.seenMu.Lock()
	previous := p.seen
	p.seen = next
	p.seenMu.Unlock()

	if p.handler == nil {
		return
	}
	for _, host := range next {
		p.handler(Notice{Type: NoticeAnnounce, Host: host})
	}
	for id, host := range previous {
		if _, exists := next[id]; !exists {
			p.handler(Notice{Type: NoticeGoodbye, Host: host})
		}
	}
}

func (p *mdnsPort) isOwn(peerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.own[peerID]
	return ok
}

func advertisementTXT(host models.PeerAdvertisement) []string {
	return []string{
		"peer_id=" + host.PeerID,
		"device_name=" + host.DeviceName,
		"network_type=" + string(host.NetworkType),
		"timestamp=" + strconv.FormatInt(host.Timestamp, 10),
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) (models.PeerAdvertisement, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt["peer_id"])
	if peerID == "" {
		return models.PeerAdvertisement{}, false
	}

	name := txt["device_name"]
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = peerID
	}

	networkType := models.TransportClass(txt["network_type"])
	if !networkType.Valid() {
		networkType = models.TransportInternet
	}

	return models.PeerAdvertisement{
		PeerID:      peerID,
		DeviceName:  name,
		NetworkType: networkType,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
