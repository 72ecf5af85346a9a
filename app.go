package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"powerlink/config"
	"powerlink/device"
	"powerlink/discovery"
	"powerlink/models"
	"powerlink/network"
	"powerlink/registry"
	"powerlink/signaling"
	"powerlink/storage"
	"powerlink/transport"
)

const (
	signalPath        = "/signal"
	metricsPath       = "/metrics"
	readHeaderTimeout = 5 * time.Second
)

// services is everything a command may use. Modules a command does not load
// leave their fields nil.
type services struct {
	fx.In

	Config     *config.DeviceConfig
	Logger     *zap.Logger
	Clock      clock.Clock
	Manager    *network.Manager      `optional:"true"`
	Registry   *registry.Registry    `optional:"true"`
	Classifier *transport.Classifier `optional:"true"`
	Advertiser *discovery.Advertiser `optional:"true"`
	Hub        *signaling.Hub        `optional:"true"`
}

func coreModule(cfg *config.DeviceConfig) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			func() clock.Clock { return clock.New() },
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
	)
}

func sessionModule() fx.Option {
	return fx.Options(
		fx.Provide(
			newMetricsRegistry,
			newClassifier,
			newBroker,
			newEndpointFactory,
			newManager,
			newRegistry,
		),
		fx.Invoke(serveMetrics),
	)
}

func discoveryModule() fx.Option {
	return fx.Provide(
		newBus,
		newDirectory,
		newAdvertiser,
	)
}

func hubModule() fx.Option {
	return fx.Options(
		fx.Provide(newHub),
		fx.Invoke(serveHub),
	)
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newClassifier(cfg *config.DeviceConfig, clk clock.Clock, logger *zap.Logger) *transport.Classifier {
	return transport.NewClassifier(transport.ClassifierOptions{
		Prober:        transport.NewICEProber(clk),
		RelayServers:  cfg.ICEServers(),
		PreferredType: models.TransportClass(cfg.PreferredTransport),
		Logger:        logger.Named("transport"),
	})
}

func newBroker(cfg *config.DeviceConfig, logger *zap.Logger) signaling.Broker {
	return signaling.NewWebSocketBroker(cfg.SignalingURL, logger.Named("signaling"))
}

func newEndpointFactory(broker signaling.Broker, logger *zap.Logger) network.EndpointFactory {
	return network.NewWebRTCEndpointFactory(network.WebRTCOptions{
		Broker: broker,
		Logger: logger.Named("webrtc"),
	})
}

func newManager(
	lc fx.Lifecycle,
	cfg *config.DeviceConfig,
	endpoints network.EndpointFactory,
	classifier *transport.Classifier,
	clk clock.Clock,
	logger *zap.Logger,
) *network.Manager {
	manager := network.NewManager(network.Options{
		Endpoints: endpoints,
		Relays:    classifier,
		LocalDevice: device.Local(device.Overrides{
			Name: cfg.DeviceName,
			Type: models.DeviceType(cfg.DeviceType),
		}),
		Clock:           clk,
		Logger:          logger.Named("session"),
		ConfirmInterval: cfg.ConfirmInterval(),
		ConfirmAttempts: cfg.ConfirmAttempts,
	})
	lc.Append(fx.StopHook(manager.Close))
	return manager
}

func newRegistry(
	lc fx.Lifecycle,
	manager *network.Manager,
	reg *prometheus.Registry,
	clk clock.Clock,
	logger *zap.Logger,
) (*registry.Registry, error) {
	devices, err := registry.New(registry.Options{
		Registerer: reg,
		Clock:      clk,
		Logger:     logger.Named("registry"),
	})
	if err != nil {
		return nil, err
	}
	devices.Attach(manager)
	lc.Append(fx.StopHook(devices.Close))
	return devices, nil
}

func serveMetrics(lc fx.Lifecycle, cfg *config.DeviceConfig, reg *prometheus.Registry, logger *zap.Logger) {
	if cfg.MetricsAddress == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	serveHTTP(lc, cfg.MetricsAddress, mux, logger.Named("metrics"))
}

func newBus(cfg *config.DeviceConfig, clk clock.Clock, logger *zap.Logger) discovery.Bus {
	if cfg.DiscoveryMode == config.DiscoveryModeMemory {
		return discovery.NewMemoryBus()
	}
	return discovery.NewMDNSBus(discovery.MDNSConfig{
		Clock:  clk,
		Logger: logger.Named("mdns"),
	})
}

// newDirectory opens the shared SQLite directory. When it cannot be opened,
// discovery continues on the bus alone.
func newDirectory(lc fx.Lifecycle, cfg *config.DeviceConfig, logger *zap.Logger) discovery.Directory {
	store, err := storage.OpenPath(cfg.DirectoryPath)
	if err != nil {
		logger.Warn("shared directory unavailable", zap.String("path", cfg.DirectoryPath), zap.Error(err))
		return nil
	}
	lc.Append(fx.StopHook(store.Close))
	return store
}

func newAdvertiser(
	lc fx.Lifecycle,
	bus discovery.Bus,
	directory discovery.Directory,
	clk clock.Clock,
	logger *zap.Logger,
) (*discovery.Advertiser, error) {
	advertiser, err := discovery.New(discovery.Config{
		Bus:       bus,
		Directory: directory,
		Clock:     clk,
		Logger:    logger.Named("discovery"),
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			advertiser.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			return advertiser.Close()
		},
	})
	return advertiser, nil
}

func newHub(lc fx.Lifecycle, logger *zap.Logger) *signaling.Hub {
	hub := signaling.NewHub(logger.Named("hub"))
	lc.Append(fx.StopHook(hub.Close))
	return hub
}

type hubParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Hub       *signaling.Hub
	Logger    *zap.Logger
	Address   string `name:"listen"`
}

func serveHub(params hubParams) {
	mux := http.NewServeMux()
	mux.Handle(signalPath, params.Hub)
	serveHTTP(params.Lifecycle, params.Address, mux, params.Logger.Named("hub"))
}

// serveHTTP binds address on start and shuts the server down on stop.
func serveHTTP(lc fx.Lifecycle, address string, handler http.Handler, logger *zap.Logger) {
	server := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			listener, err := net.Listen("tcp", address)
			if err != nil {
				return err
			}
			logger.Info("listening", zap.String("address", listener.Addr().String()))
			go func() {
				if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
