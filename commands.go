package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"powerlink/device"
	"powerlink/models"
	"powerlink/network"
	"powerlink/registry"
)

// errUsage marks a command line that could not be acted on.
var errUsage = errors.New("usage")

type commandOptions struct {
	joinBase     string
	listen       string
	target       string
	scanWait     time.Duration
	connect      bool
	pingInterval time.Duration
	perfInterval time.Duration
}

type command struct {
	name    string
	usage   string
	summary string
	modules func(opts *commandOptions) fx.Option
	run     func(ctx context.Context, svc services, opts *commandOptions) error
}

var commands = []command{
	{
		name:    "host",
		usage:   "host [flags]",
		summary: "create a peer id, print its join link and accept connections",
		modules: func(*commandOptions) fx.Option { return fx.Options(sessionModule(), discoveryModule()) },
		run:     runHost,
	},
	{
		name:    "join",
		usage:   "join [flags] <peer-id | join-url>",
		summary: "connect to a host and report its metrics",
		modules: func(*commandOptions) fx.Option { return sessionModule() },
		run:     runJoin,
	},
	{
		name:    "scan",
		usage:   "scan [flags]",
		summary: "list hosts announcing nearby, optionally connecting to the newest",
		modules: func(*commandOptions) fx.Option { return fx.Options(sessionModule(), discoveryModule()) },
		run:     runScan,
	},
	{
		name:    "signal",
		usage:   "signal [flags]",
		summary: "run the signaling hub used to exchange connection offers",
		modules: func(opts *commandOptions) fx.Option {
			return fx.Options(
				fx.Supply(fx.Annotated{Name: "listen", Target: opts.listen}),
				hubModule(),
			)
		},
		run: runSignal,
	},
}

func findCommand(name string) (command, bool) {
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd, true
		}
	}
	return command{}, false
}

func runHost(ctx context.Context, svc services, opts *commandOptions) error {
	profile := svc.Classifier.Classify(ctx)
	svc.Logger.Info("network classified",
		zap.String("transport", string(profile.TransportClass)),
		zap.String("local_address", profile.LocalAddress),
		zap.Bool("online", profile.Online),
	)

	peerID, err := svc.Manager.StartAsHost(ctx)
	if err != nil {
		return fmt.Errorf("could not start hosting, run `powerlink host` again to retry: %w", err)
	}
	link, err := network.JoinURL(opts.joinBase, peerID)
	if err != nil {
		return err
	}
	fmt.Printf("Peer ID:         %s\n", peerID)
	fmt.Printf("Join Link:       %s\n", link)
	fmt.Printf("Transport:       %s\n", profile.TransportClass)

	if err := svc.Advertiser.Announce(peerID, svc.Config.DeviceName, profile.TransportClass); err != nil {
		return err
	}
	defer svc.Advertiser.StopAnnouncing()

	fmt.Println("Status:          hosting (press Ctrl+C to stop)")
	return reportLoop(ctx, svc, opts, nil)
}

func runJoin(ctx context.Context, svc services, opts *commandOptions) error {
	if opts.target == "" {
		return fmt.Errorf("%w: join needs a peer id or join link", errUsage)
	}
	peerID, err := network.PeerIDFromJoinURL(opts.target)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	return join(ctx, svc, opts, peerID)
}

func runScan(ctx context.Context, svc services, opts *commandOptions) error {
	select {
	case <-svc.Clock.After(opts.scanWait):
	case <-ctx.Done():
		return nil
	}

	hosts := svc.Advertiser.Scan(ctx)
	if len(hosts) == 0 {
		fmt.Println("No hosts found.")
		return nil
	}
	now := svc.Clock.Now()
	for _, host := range hosts {
		fmt.Printf("%-38s %-24s %-14s %s ago\n",
			host.PeerID, host.DeviceName, host.NetworkType, host.Age(now).Round(time.Second))
	}

	if !opts.connect {
		return nil
	}
	best, ok := svc.Advertiser.BestHost(ctx)
	if !ok {
		return errors.New("the best host went stale while scanning")
	}
	return join(ctx, svc, opts, best.PeerID)
}

func runSignal(ctx context.Context, svc services, opts *commandOptions) error {
	fmt.Printf("Signaling hub:   ws://%s%s\n", opts.listen, signalPath)
	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	svc.Logger.Info("hub stopping", zap.Int("clients", svc.Hub.Clients()))
	return nil
}

func join(ctx context.Context, svc services, opts *commandOptions, peerID string) error {
	if err := svc.Manager.ConnectToHost(ctx, peerID); err != nil {
		return fmt.Errorf("could not connect to %s, run `powerlink join %s` again to retry: %w", peerID, peerID, err)
	}
	if err := svc.Manager.WaitConnected(ctx, peerID); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("connection to %s failed, run `powerlink join %s` again to retry: %w", peerID, peerID, err)
	}
	fmt.Printf("Connected:       %s\n", peerID)

	ping := func() {
		if err := svc.Manager.Ping(peerID); err != nil {
			svc.Logger.Debug("ping failed", zap.String("peer", peerID), zap.Error(err))
		}
	}
	ping()
	return reportLoop(ctx, svc, opts, ping)
}

// reportLoop sends performance updates and prints the device list until ctx
// ends. A joining device stops when its host goes away.
func reportLoop(ctx context.Context, svc services, opts *commandOptions, onTick func()) error {
	perf := svc.Clock.Ticker(opts.perfInterval)
	defer perf.Stop()
	pings := svc.Clock.Ticker(opts.pingInterval)
	defer pings.Stop()

	hosting := svc.Manager.Hosting()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-perf.C:
			sample := device.Sample()
			svc.Manager.SendPerformanceUpdate(sample.CPU, sample.GPU, sample.RAM)
			printDevices(svc)
			if !hosting && !svc.Manager.IsConnected() {
				return errors.New("host disconnected, join again to reconnect")
			}
		case <-pings.C:
			if onTick != nil {
				onTick()
			}
		}
	}
}

func printDevices(svc services) {
	now := svc.Clock.Now()
	for _, d := range svc.Registry.Devices() {
		name := d.PeerID
		if d.HasInfo {
			name = fmt.Sprintf("%s (%s)", d.Info.Name, d.Info.Type)
		}
		perf := "no recent metrics"
		if !d.PerformanceStale(now, registry.DefaultPerformanceMaxAge) {
			perf = formatSample(d.Performance)
		}
		fmt.Printf("  %-36s %-28s latency %-8s %s\n", d.PeerID, name, d.Latency.Round(time.Millisecond), perf)
	}
}

func formatSample(s models.PerformanceSample) string {
	return fmt.Sprintf("cpu %.1f gpu %.1f ram %.1f%%", s.CPU, s.GPU, s.RAM)
}
