// Package discovery lets hosting devices advertise themselves and joining
// devices find them, over two redundant local mechanisms: a broadcast Bus and
// a shared timestamped Directory.
package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"powerlink/models"
)

const (
	// DefaultStaleAfter is the advertisement freshness window.
	DefaultStaleAfter = 15 * time.Second
	// DefaultAnnounceInterval is how often an announcing host republishes.
	DefaultAnnounceInterval = 5 * time.Second
	// DefaultSweepInterval is how often stale directory entries are removed.
	DefaultSweepInterval = 3 * time.Second
	// DefaultKnownHostsLimit bounds the known-hosts cache.
	DefaultKnownHostsLimit = 256
)

// ErrPeerIDRequired is returned by Announce when called without a peer id.
var ErrPeerIDRequired = errors.New("discovery: peer id is required")

// Config controls an Advertiser. Bus and Directory are both optional; with
// neither, discovery finds nothing but never fails.
type Config struct {
	Bus       Bus
	Directory Directory
	Clock     clock.Clock
	Logger    *zap.Logger

	StaleAfter       time.Duration
	AnnounceInterval time.Duration
	SweepInterval    time.Duration
	KnownHostsLimit  int
}

func (c Config) withDefaults() Config {
	out := c
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.KnownHostsLimit <= 0 {
		out.KnownHostsLimit = DefaultKnownHostsLimit
	}
	return out
}

type announcement struct {
	host models.PeerAdvertisement
	stop chan struct{}
	done chan struct{}
}

type hostEvent struct {
	lost bool
	host models.PeerAdvertisement
}

// Advertiser announces this device as a host and tracks hosts announced by
// others.
type Advertiser struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu           sync.Mutex
	port         Port
	known        *lru.Cache[string, models.PeerAdvertisement]
	announcing   *announcement
	onDiscovered func(peerID string, host models.PeerAdvertisement)
	onLost       func(peerID string)

	startOnce sync.Once
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an Advertiser with defaults applied. Call Start to join the bus
// and begin sweeping.
func New(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	known, err := lru.New[string, models.PeerAdvertisement](cfg.KnownHostsLimit)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Advertiser{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		known:  known,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start opens the bus port and starts the background sweep. A bus that
// cannot be opened is logged and discovery continues on the directory alone.
func (a *Advertiser) Start() {
	a.startOnce.Do(func() {
		if a.cfg.Bus != nil {
			port, err := a.cfg.Bus.Open(a.handleNotice)
			if err != nil {
				a.logger.Warn("broadcast channel unavailable", zap.Error(err))
			} else {
				a.mu.Lock()
				a.port = port
				a.mu.Unlock()
			}
		}

		ticker := a.clock.Ticker(a.cfg.SweepInterval)
		a.wg.Add(1)
		go a.sweepLoop(ticker)
	})
}

// Close withdraws any announcement, stops the sweep and leaves the bus.
func (a *Advertiser) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.StopAnnouncing()
		a.cancel()
		a.wg.Wait()

		a.mu.Lock()
		port := a.port
		a.port = nil
		a.mu.Unlock()
		if port != nil {
			err = port.Close()
		}
	})
	return err
}

// OnDiscovered sets the handler fired once per newly known host. It replaces
// any previous handler.
func (a *Advertiser) OnDiscovered(handler func(peerID string, host models.PeerAdvertisement)) {
	a.mu.Lock()
	a.onDiscovered = handler
	a.mu.Unlock()
}

// OnLost sets the handler fired when a known host expires or withdraws. It
// replaces any previous handler.
func (a *Advertiser) OnLost(handler func(peerID string)) {
	a.mu.Lock()
	a.onLost = handler
	a.mu.Unlock()
}

// Announce starts advertising this device as host peerID. It publishes
// immediately and then every AnnounceInterval until StopAnnouncing. Calling it
// again replaces the previous announcement.
func (a *Advertiser) Announce(peerID, deviceName string, hint models.TransportClass) error {
	if peerID == "" {
		return ErrPeerIDRequired
	}
	if !hint.Valid() {
		hint = models.TransportInternet
	}

	a.mu.Lock()
	previous := a.announcing
	a.announcing = nil
	a.mu.Unlock()
	if previous != nil {
		a.stopLoop(previous)
		if previous.host.PeerID != peerID {
			a.withdraw(previous.host)
		}
	}

	current := &announcement{
		host: models.PeerAdvertisement{
			PeerID:      peerID,
			DeviceName:  deviceName,
			NetworkType: hint,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	a.mu.Lock()
	a.announcing = current
	a.mu.Unlock()

	a.publish(current.host)
	ticker := a.clock.Ticker(a.cfg.AnnounceInterval)
	go a.announceLoop(current, ticker)

	a.logger.Info("announcing host",
		zap.String("peer", peerID),
		zap.String("network_type", string(hint)),
	)
	return nil
}

// StopAnnouncing withdraws the current announcement. It is a no-op when not
// announcing.
func (a *Advertiser) StopAnnouncing() {
	a.mu.Lock()
	current := a.announcing
	a.announcing = nil
	a.mu.Unlock()
	if current == nil {
		return
	}

	a.stopLoop(current)
	a.withdraw(current.host)
	a.logger.Info("stopped announcing", zap.String("peer", current.host.PeerID))
}

// Announcing reports the peer id currently being announced.
func (a *Advertiser) Announcing() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.announcing == nil {
		return "", false
	}
	return a.announcing.host.PeerID, true
}

func (a *Advertiser) announceLoop(current *announcement, ticker *clock.Ticker) {
	defer close(current.done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.publish(current.host)
		case <-current.stop:
			return
		}
	}
}

func (a *Advertiser) stopLoop(current *announcement) {
	close(current.stop)
	<-current.done
}

func (a *Advertiser) publish(host models.PeerAdvertisement) {
	host.Timestamp = a.clock.Now().UnixMilli()

	if port := a.currentPort(); port != nil {
		if err := port.Post(Notice{Type: NoticeAnnounce, Host: host}); err != nil {
			a.logger.Warn("broadcast announce failed", zap.String("peer", host.PeerID), zap.Error(err))
		}
	}
	if a.cfg.Directory != nil {
		if err := a.cfg.Directory.Put(a.ctx, host); err != nil {
			a.logger.Warn("directory write failed", zap.String("peer", host.PeerID), zap.Error(err))
		}
	}
}

func (a *Advertiser) withdraw(host models.PeerAdvertisement) {
	host.Timestamp = a.clock.Now().UnixMilli()

	if port := a.currentPort(); port != nil {
		if err := port.Post(Notice{Type: NoticeGoodbye, Host: host}); err != nil {
			a.logger.Warn("broadcast goodbye failed", zap.String("peer", host.PeerID), zap.Error(err))
		}
	}
	if a.cfg.Directory != nil {
		if err := a.cfg.Directory.Remove(context.Background(), host.PeerID); err != nil {
			a.logger.Warn("directory remove failed", zap.String("peer", host.PeerID), zap.Error(err))
		}
	}
}

func (a *Advertiser) currentPort() Port {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port
}

// Scan returns the fresh hosts in the shared directory, newest first, and
// merges them into the known-hosts cache. When the directory is unavailable
// it falls back to fresh hosts already known from the broadcast channel.
func (a *Advertiser) Scan(ctx context.Context) []models.PeerAdvertisement {
	now := a.clock.Now()

	if a.cfg.Directory == nil {
		return a.freshKnown(now)
	}
	entries, err := a.cfg.Directory.Entries(ctx)
	if err != nil {
		a.logger.Warn("directory read failed", zap.Error(err))
		return a.freshKnown(now)
	}

	a.mu.Lock()
	self := ""
	if a.announcing != nil {
		self = a.announcing.host.PeerID
	}
	fresh := make([]models.PeerAdvertisement, 0, len(entries))
	var events []hostEvent
	for id, host := range entries {
		if id == "" || id == self || !a.isFresh(host, now) {
			continue
		}
		if host.PeerID == "" {
			host.PeerID = id
		}
		fresh = append(fresh, host)
		if event, ok := a.rememberLocked(host); ok {
			events = append(events, event)
		}
	}
	a.mu.Unlock()

	a.dispatch(events)
	sortNewestFirst(fresh)
	return fresh
}

// BestHost scans and returns the most recently refreshed host.
func (a *Advertiser) BestHost(ctx context.Context) (models.PeerAdvertisement, bool) {
	hosts := a.Scan(ctx)
	if len(hosts) == 0 {
		return models.PeerAdvertisement{}, false
	}
	return hosts[0], true
}

// KnownHosts returns a snapshot of the known-hosts cache, newest first.
func (a *Advertiser) KnownHosts() []models.PeerAdvertisement {
	a.mu.Lock()
	out := a.known.Values()
	a.mu.Unlock()
	sortNewestFirst(out)
	return out
}

// Sweep removes stale entries from the shared directory and expires stale
// known hosts, firing onLost for each host that leaves the cache. Known hosts
// still refreshed in the directory are updated first and stay.
func (a *Advertiser) Sweep(ctx context.Context) {
	now := a.clock.Now()

	var refreshed []models.PeerAdvertisement
	if a.cfg.Directory != nil {
		entries, err := a.cfg.Directory.Entries(ctx)
		if err != nil {
			a.logger.Warn("directory read failed", zap.Error(err))
		} else {
			var stale []string
			for id, host := range entries {
				if host.Age(now) > a.cfg.StaleAfter {
					stale = append(stale, id)
					continue
				}
				if host.PeerID == "" {
					host.PeerID = id
				}
				refreshed = append(refreshed, host)
			}
			if len(stale) > 0 {
				sort.Strings(stale)
				if err := a.cfg.Directory.Remove(ctx, stale...); err != nil {
					a.logger.Warn("directory sweep failed", zap.Error(err))
				}
			}
		}
	}

	a.mu.Lock()
	for _, host := range refreshed {
		if existing, ok := a.known.Peek(host.PeerID); ok && host.Timestamp > existing.Timestamp {
			a.known.Add(host.PeerID, host)
		}
	}
	var events []hostEvent
	for _, host := range a.known.Values() {
		if host.Age(now) > a.cfg.StaleAfter {
			a.known.Remove(host.PeerID)
			events = append(events, hostEvent{lost: true, host: host})
		}
	}
	a.mu.Unlock()

	a.dispatch(events)
}

func (a *Advertiser) sweepLoop(ticker *clock.Ticker) {
	defer a.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Sweep(a.ctx)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Advertiser) handleNotice(notice Notice) {
	host := notice.Host
	if host.PeerID == "" {
		return
	}

	a.mu.Lock()
	if a.announcing != nil && a.announcing.host.PeerID == host.PeerID {
		a.mu.Unlock()
		return
	}
	var events []hostEvent
	switch notice.Type {
	case NoticeAnnounce:
		if event, ok := a.rememberLocked(host); ok {
			events = append(events, event)
		}
	case NoticeGoodbye:
		if known, ok := a.known.Peek(host.PeerID); ok {
			a.known.Remove(host.PeerID)
			events = append(events, hostEvent{lost: true, host: known})
		}
	}
	a.mu.Unlock()

	a.dispatch(events)
}

// rememberLocked merges host into the known-hosts cache, keeping the newer
// advertisement. It reports a discovery event when the peer was not known.
func (a *Advertiser) rememberLocked(host models.PeerAdvertisement) (hostEvent, bool) {
	existing, ok := a.known.Peek(host.PeerID)
	if ok {
		if host.Timestamp >= existing.Timestamp {
			a.known.Add(host.PeerID, host)
		}
		return hostEvent{}, false
	}
	a.known.Add(host.PeerID, host)
	return hostEvent{host: host}, true
}

func (a *Advertiser) dispatch(events []hostEvent) {
	if len(events) == 0 {
		return
	}
	a.mu.Lock()
	onDiscovered := a.onDiscovered
	onLost := a.onLost
	a.mu.Unlock()

	for _, event := range events {
		if event.lost {
			a.logger.Info("host lost", zap.String("peer", event.host.PeerID))
			if onLost != nil {
				onLost(event.host.PeerID)
			}
			continue
		}
		a.logger.Info("host discovered",
			zap.String("peer", event.host.PeerID),
			zap.String("name", event.host.DeviceName),
		)
		if onDiscovered != nil {
			onDiscovered(event.host.PeerID, event.host)
		}
	}
}

func (a *Advertiser) freshKnown(now time.Time) []models.PeerAdvertisement {
	a.mu.Lock()
	out := make([]models.PeerAdvertisement, 0, a.known.Len())
	for _, host := range a.known.Values() {
		if a.isFresh(host, now) {
			out = append(out, host)
		}
	}
	a.mu.Unlock()
	sortNewestFirst(out)
	return out
}

func (a *Advertiser) isFresh(host models.PeerAdvertisement, now time.Time) bool {
	return host.Age(now) < a.cfg.StaleAfter
}

func sortNewestFirst(hosts []models.PeerAdvertisement) {
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Timestamp == hosts[j].Timestamp {
			return hosts[i].PeerID < hosts[j].PeerID
		}
		return hosts[i].Timestamp > hosts[j].Timestamp
	})
}
