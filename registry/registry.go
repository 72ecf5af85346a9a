// Package registry keeps the list of connected devices and their reported
// metrics, fed by network.Manager hooks, and exports it to Prometheus.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"powerlink/models"
	"powerlink/network"
)

// DefaultPerformanceMaxAge is how long a performance sample stays current.
const DefaultPerformanceMaxAge = 15 * time.Second

const metricsNamespace = "powerlink"

// Device is one connected peer as seen by this device.
type Device struct {
	PeerID      string            `json:"peer_id"`
	Info        models.DeviceInfo `json:"info"`
	HasInfo     bool              `json:"has_info"`
	ConnectedAt time.Time         `json:"connected_at"`

	Performance   models.PerformanceSample `json:"performance"`
	PerformanceAt time.Time                `json:"performance_at,omitempty"`
	Latency       time.Duration            `json:"latency"`
}

// PerformanceStale reports whether the last sample is missing or older than
// maxAge at now.
func (d Device) PerformanceStale(now time.Time, maxAge time.Duration) bool {
	if d.PerformanceAt.IsZero() {
		return true
	}
	return now.Sub(d.PerformanceAt) > maxAge
}

// Options configures a Registry.
type Options struct {
	// Registerer receives the registry's collectors. Nil skips registration.
	Registerer prometheus.Registerer
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Registry is the device list shown to the user.
type Registry struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	devices map[string]*Device

	connected  prometheus.Gauge
	connects   prometheus.Counter
	cpu        *prometheus.GaugeVec
	gpu        *prometheus.GaugeVec
	ram        *prometheus.GaugeVec
	latency    *prometheus.GaugeVec
	collectors []prometheus.Collector
	registerer prometheus.Registerer
	closeOnce  sync.Once
}

// New creates a Registry and registers its collectors.
func New(options Options) (*Registry, error) {
	clk := options.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	peerGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "peer",
			Name:      name,
			Help:      help,
		}, []string{"peer"})
	}

	r := &Registry{
		clock:   clk,
		logger:  logger,
		devices: make(map[string]*Device),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected_devices",
			Help:      "Number of devices with an open session.",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Sessions opened since start.",
		}),
		cpu:     peerGauge("cpu", "Last CPU figure reported by the peer."),
		gpu:     peerGauge("gpu", "Last GPU figure reported by the peer."),
		ram:     peerGauge("ram", "Last RAM figure reported by the peer."),
		latency: peerGauge("latency_seconds", "Last measured round trip to the peer."),
	}
	r.collectors = []prometheus.Collector{r.connected, r.connects, r.cpu, r.gpu, r.ram, r.latency}

	if options.Registerer != nil {
		for i, collector := range r.collectors {
			if err := options.Registerer.Register(collector); err != nil {
				for _, registered := range r.collectors[:i] {
					options.Registerer.Unregister(registered)
				}
				return nil, err
			}
		}
		r.registerer = options.Registerer
	}
	return r, nil
}

// Attach wires the registry to m's event hooks. It replaces any handlers
// previously set on m.
func (r *Registry) Attach(m *network.Manager) {
	m.OnConnect(r.Connected)
	m.OnDeviceInfo(r.DeviceInfo)
	m.OnDisconnect(r.Disconnected)
	m.OnPerformance(r.Performance)
	m.OnLatency(r.Latency)
}

// Connected adds peerID. A repeated call keeps the existing entry.
func (r *Registry) Connected(peerID string) {
	r.mu.Lock()
	if _, ok := r.devices[peerID]; ok {
		r.mu.Unlock()
		return
	}
	r.devices[peerID] = &Device{PeerID: peerID, ConnectedAt: r.clock.Now()}
	count := len(r.devices)
	r.mu.Unlock()

	r.connects.Inc()
	r.connected.Set(float64(count))
	r.logger.Info("device connected", zap.String("peer", peerID), zap.Int("devices", count))
}

// DeviceInfo records the metadata peerID declared about itself.
func (r *Registry) DeviceInfo(peerID string, info models.DeviceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[peerID]
	if !ok {
		r.logger.Debug("device info for unknown peer", zap.String("peer", peerID))
		return
	}
	device.Info = info
	device.HasInfo = true
}

// Performance records a sample received at receivedAt.
func (r *Registry) Performance(peerID string, sample models.PerformanceSample, receivedAt time.Time) {
	r.mu.Lock()
	device, ok := r.devices[peerID]
	if ok {
		device.Performance = sample
		device.PerformanceAt = receivedAt
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.cpu.WithLabelValues(peerID).Set(sample.CPU)
	r.gpu.WithLabelValues(peerID).Set(sample.GPU)
	r.ram.WithLabelValues(peerID).Set(sample.RAM)
}

// Latency records a round-trip measurement.
func (r *Registry) Latency(peerID string, latency time.Duration) {
	r.mu.Lock()
	device, ok := r.devices[peerID]
	if ok {
		device.Latency = latency
	}
	r.mu.Unlock()
	if ok {
		r.latency.WithLabelValues(peerID).Set(latency.Seconds())
	}
}

// Disconnected drops peerID and its series.
func (r *Registry) Disconnected(peerID string) {
	r.mu.Lock()
	_, ok := r.devices[peerID]
	delete(r.devices, peerID)
	count := len(r.devices)
	r.mu.Unlock()
	if !ok {
		return
	}

	for _, vec := range []*prometheus.GaugeVec{r.cpu, r.gpu, r.ram, r.latency} {
		vec.DeleteLabelValues(peerID)
	}
	r.connected.Set(float64(count))
	r.logger.Info("device disconnected", zap.String("peer", peerID), zap.Int("devices", count))
}

// Devices returns connected devices ordered by connection time.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, device := range r.devices {
		out = append(out, *device)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// Device returns the entry for peerID.
func (r *Registry) Device(peerID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.devices[peerID]
	if !ok {
		return Device{}, false
	}
	return *device, true
}

// Len returns the number of connected devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Close unregisters the collectors.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		if r.registerer == nil {
			return
		}
		for _, collector := range r.collectors {
			r.registerer.Unregister(collector)
		}
	})
}
