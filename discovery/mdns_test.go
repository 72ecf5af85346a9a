package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"powerlink/models"
)

func idleBrowse(ctx context.Context, _, _ string, _ chan<- *zeroconf.ServiceEntry) error {
	return nil
}

func TestMDNSPortRegistersOnceAndReRegistersAfterGoodbye(t *testing.T) {
	var mu sync.Mutex
	var registrations [][]string
	var instances []string

	bus := NewMDNSBus(MDNSConfig{
		Logger:         zaptest.NewLogger(t),
		BrowseInterval: time.Hour,
		BrowseWindow:   time.Millisecond,
		registerFn: func(instance, service, domain string, port int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, DefaultService, service)
			assert.Equal(t, DefaultDomain, domain)
			assert.Equal(t, DefaultAnnouncePort, port)
			instances = append(instances, instance)
			registrations = append(registrations, text)
			return nil, nil
		},
		browseFn: idleBrowse,
	})

	port, err := bus.Open(nil)
	require.NoError(t, err)
	defer port.Close()

	host := models.PeerAdvertisement{PeerID: "abc123", DeviceName: "Desk", NetworkType: models.TransportLocalWiFi, Timestamp: 42}
	require.NoError(t, port.Post(Notice{Type: NoticeAnnounce, Host: host}))
	require.NoError(t, port.Post(Notice{Type: NoticeAnnounce, Host: host}))

	mu.Lock()
	require.Len(t, registrations, 1)
	assert.Equal(t, []string{"Desk"}, instances)
	assert.ElementsMatch(t, []string{
		"peer_id=abc123",
		"device_name=Desk",
		"network_type=local-wifi",
		"timestamp=42",
	}, registrations[0])
	mu.Unlock()

	require.NoError(t, port.Post(Notice{Type: NoticeGoodbye, Host: host}))
	require.NoError(t, port.Post(Notice{Type: NoticeAnnounce, Host: host}))

	mu.Lock()
	assert.Len(t, registrations, 2)
	mu.Unlock()
}

func TestMDNSPortRejectsAnnounceWithoutPeerID(t *testing.T) {
	bus := NewMDNSBus(MDNSConfig{
		BrowseInterval: time.Hour,
		BrowseWindow:   time.Millisecond,
		browseFn:       idleBrowse,
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			t.Fatal("register should not be called")
			return nil, nil
		},
	})
	port, err := bus.Open(nil)
	require.NoError(t, err)
	defer port.Close()

	assert.Error(t, port.Post(Notice{Type: NoticeAnnounce}))
}

func TestMDNSBrowseWindowsEmitAnnounceThenGoodbye(t *testing.T) {
	var calls int
	var callsMu sync.Mutex
	browse := func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		callsMu.Lock()
		calls++
		deliver := calls == 2
		callsMu.Unlock()
		if !deliver {
			return nil
		}

		remote := zeroconf.NewServiceEntry("Laptop", service, domain)
		remote.Text = []string{"peer_id=remote-1", "device_name=Laptop", "network_type=usb-tethering"}
		own := zeroconf.NewServiceEntry("Self", service, domain)
		own.Text = []string{"peer_id=self-1", "device_name=Self"}
		anonymous := zeroconf.NewServiceEntry("Printer", service, domain)
		entries <- remote
		entries <- own
		entries <- anonymous
		return nil
	}

	var recorder noticeRecorder
	bus := NewMDNSBus(MDNSConfig{
		Logger:         zaptest.NewLogger(t),
		BrowseInterval: 30 * time.Millisecond,
		BrowseWindow:   10 * time.Millisecond,
		browseFn:       browse,
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
	})

	port, err := bus.Open(recorder.handle)
	require.NoError(t, err)
	defer port.Close()
	require.NoError(t, port.Post(Notice{Type: NoticeAnnounce, Host: models.PeerAdvertisement{PeerID: "self-1"}}))

	require.Eventually(t, func() bool {
		for _, notice := range recorder.snapshot() {
			if notice.Type == NoticeGoodbye {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	notices := recorder.snapshot()
	require.GreaterOrEqual(t, len(notices), 2)
	assert.Equal(t, NoticeAnnounce, notices[0].Type)
	assert.Equal(t, "remote-1", notices[0].Host.PeerID)
	assert.Equal(t, "Laptop", notices[0].Host.DeviceName)
	assert.Equal(t, models.TransportUSBTethering, notices[0].Host.NetworkType)
	assert.NotZero(t, notices[0].Host.Timestamp)
	for _, notice := range notices {
		assert.Equal(t, "remote-1", notice.Host.PeerID)
	}
}

// singleUseResolver answers its first Browse and stays silent afterwards,
// like a zeroconf resolver whose sockets closed with the previous window.
type singleUseResolver struct {
	mu      sync.Mutex
	used    bool
	entries []*zeroconf.ServiceEntry
}

func (r *singleUseResolver) Browse(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
	r.mu.Lock()
	used := r.used
	r.used = true
	r.mu.Unlock()
	if used {
		return nil
	}
	for _, entry := range r.entries {
		entries <- entry
	}
	return nil
}

func TestMDNSEveryWindowBrowsesWithFreshResolver(t *testing.T) {
	var mu sync.Mutex
	var created int
	newResolver := func() (resolver, error) {
		mu.Lock()
		defer mu.Unlock()
		created++

		steady := zeroconf.NewServiceEntry("Laptop", DefaultService, DefaultDomain)
		steady.Text = []string{"peer_id=steady-1", "device_name=Laptop"}
		r := &singleUseResolver{entries: []*zeroconf.ServiceEntry{steady}}
		if created >= 3 {
			late := zeroconf.NewServiceEntry("Tablet", DefaultService, DefaultDomain)
			late.Text = []string{"peer_id=late-1", "device_name=Tablet"}
			r.entries = append(r.entries, late)
		}
		return r, nil
	}

	var recorder noticeRecorder
	bus := NewMDNSBus(MDNSConfig{
		Logger:         zaptest.NewLogger(t),
		BrowseInterval: 20 * time.Millisecond,
		BrowseWindow:   5 * time.Millisecond,
		newResolver:    newResolver,
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
	})

	port, err := bus.Open(recorder.handle)
	require.NoError(t, err)
	defer port.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		windows := created
		mu.Unlock()
		if windows < 5 {
			return false
		}
		for _, notice := range recorder.snapshot() {
			if notice.Type == NoticeAnnounce && notice.Host.PeerID == "late-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	for _, notice := range recorder.snapshot() {
		assert.Equal(t, NoticeAnnounce, notice.Type, "unexpected goodbye for %s", notice.Host.PeerID)
	}
}

func TestMDNSResolverFailureSkipsWindow(t *testing.T) {
	var mu sync.Mutex
	var attempts int
	var recorder noticeRecorder
	bus := NewMDNSBus(MDNSConfig{
		Logger:         zaptest.NewLogger(t),
		BrowseInterval: 10 * time.Millisecond,
		BrowseWindow:   time.Millisecond,
		newResolver: func() (resolver, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			return nil, errors.New("no multicast interface")
		},
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
	})

	port, err := bus.Open(recorder.handle)
	require.NoError(t, err)
	defer port.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, recorder.snapshot())
}

func TestParseEntryDefaults(t *testing.T) {
	entry := zeroconf.NewServiceEntry("Kitchen Tablet", DefaultService, DefaultDomain)
	entry.Text = []string{"peer_id= p-9 ", "network_type=bogus", "garbage"}

	host, ok := parseEntry(entry)
	require.True(t, ok)
	assert.Equal(t, "p-9", host.PeerID)
	assert.Equal(t, "Kitchen Tablet", host.DeviceName)
	assert.Equal(t, models.TransportInternet, host.NetworkType)

	_, ok = parseEntry(zeroconf.NewServiceEntry("x", DefaultService, DefaultDomain))
	assert.False(t, ok)
}
