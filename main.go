package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"powerlink/config"
	"powerlink/models"
)

const (
	defaultJoinBase     = "powerlink://join"
	defaultListen       = "127.0.0.1:8787"
	defaultScanWait     = 3 * time.Second
	defaultPingInterval = 5 * time.Second
	defaultPerfInterval = 5 * time.Second
	stopTimeout         = 15 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(os.Stderr)
		return nil
	}
	cmd, ok := findCommand(args[0])
	if !ok {
		printUsage(os.Stderr)
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("startup failed while loading config: %w", err)
	}

	opts, err := parseFlags(cmd, args[1:], cfg)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Config File:     %s\n", cfgPath)

	var svc services
	app := fx.New(
		coreModule(cfg),
		cmd.modules(opts),
		fx.Invoke(func(s services) { svc = s }),
	)
	if err := app.Err(); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	runErr := supervise(svc, cmd, opts)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), stopTimeout)
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		svc.Logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return runErr
}

// supervise runs the command until it returns or the process is asked to
// stop. An interrupt while devices are connected asks for confirmation
// first.
func supervise(svc services, cmd command, opts *commandOptions) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.run(ctx, svc, opts) }()

	var listener visibilityListener
	if svc.Manager != nil {
		listener = svc.Manager
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, append([]os.Signal{os.Interrupt, syscall.SIGTERM}, visibilitySignals...)...)
	defer signal.Stop(signals)

	for {
		select {
		case err := <-done:
			return err
		case sig := <-signals:
			if applyVisibility(listener, sig, suspend) {
				continue
			}
			if sig == os.Interrupt && svc.Manager != nil {
				if !svc.Manager.ConfirmClose(confirmPrompt(os.Stdin, os.Stdout)) {
					fmt.Println("Status:          still running")
					continue
				}
			}
			fmt.Println("Status:          shutting down")
			cancel()
			return <-done
		}
	}
}

type visibilityListener interface {
	VisibilityChanged(visible bool)
}

// applyVisibility forwards a suspend or resume signal to listener and runs
// stop after a suspend. It reports false for any other signal.
func applyVisibility(listener visibilityListener, sig os.Signal, stop func()) bool {
	visible, ok := visibilityFor(sig)
	if !ok {
		return false
	}
	if listener != nil {
		listener.VisibilityChanged(visible)
	}
	if !visible && stop != nil {
		stop()
	}
	return true
}

// confirmPrompt asks on out and reads the answer from in. Anything but an
// explicit yes keeps the sessions open.
func confirmPrompt(in io.Reader, out io.Writer) func(open int) bool {
	return func(open int) bool {
		fmt.Fprintf(out, "%d device(s) still connected. Close anyway? [y/N] ", open)
		answer, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && answer == "" {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true
		default:
			return false
		}
	}
}

// parseFlags parses args for cmd. Flags that mirror config fields override
// cfg for this run only.
func parseFlags(cmd command, args []string, cfg *config.DeviceConfig) (*commandOptions, error) {
	opts := &commandOptions{
		joinBase:     defaultJoinBase,
		listen:       defaultListen,
		scanWait:     defaultScanWait,
		pingInterval: defaultPingInterval,
		perfInterval: defaultPerfInterval,
	}

	flagSet := pflag.NewFlagSet("powerlink "+cmd.name, pflag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: powerlink %s\n\n%s\n\nFlags:\n", cmd.usage, cmd.summary)
		flagSet.PrintDefaults()
	}

	flagSet.StringVar(&cfg.DeviceName, "name", cfg.DeviceName, "device name shown to peers")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flagSet.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "also write rotated JSON logs to this file")

	switch cmd.name {
	case "signal":
		flagSet.StringVar(&opts.listen, "listen", opts.listen, "address the signaling hub listens on")
	default:
		flagSet.StringVar(&cfg.SignalingURL, "signaling-url", cfg.SignalingURL, "signaling hub websocket URL")
		flagSet.StringSliceVar(&cfg.RelayServers, "relay", cfg.RelayServers, "STUN/TURN relay URL (repeatable)")
		flagSet.StringVar(&cfg.MetricsAddress, "metrics-address", cfg.MetricsAddress, "serve Prometheus metrics on this address")
		flagSet.DurationVar(&opts.perfInterval, "perf-interval", opts.perfInterval, "how often to send performance updates")
		flagSet.DurationVar(&opts.pingInterval, "ping-interval", opts.pingInterval, "how often to measure latency to the host")
	}
	switch cmd.name {
	case "host":
		flagSet.StringVar(&opts.joinBase, "join-base", opts.joinBase, "base URL for the printed join link")
		flagSet.StringVar(&cfg.DiscoveryMode, "discovery", cfg.DiscoveryMode, "discovery mode: mdns or memory")
		flagSet.StringVar(&cfg.PreferredTransport, "prefer", cfg.PreferredTransport, "preferred transport shown to the user")
	case "scan":
		flagSet.StringVar(&cfg.DiscoveryMode, "discovery", cfg.DiscoveryMode, "discovery mode: mdns or memory")
		flagSet.DurationVar(&opts.scanWait, "wait", opts.scanWait, "how long to listen before listing hosts")
		flagSet.BoolVar(&opts.connect, "connect", false, "connect to the most recently announced host")
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}

	rest := flagSet.Args()
	if cmd.name == "join" && len(rest) > 0 {
		opts.target, rest = rest[0], rest[1:]
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: unexpected argument %q", errUsage, rest[0])
	}

	return opts, validateOverrides(cfg, opts)
}

func validateOverrides(cfg *config.DeviceConfig, opts *commandOptions) error {
	for _, raw := range cfg.RelayServers {
		if err := config.ValidateRelayURL(raw); err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
	}
	if cfg.DiscoveryMode != config.DiscoveryModeMDNS && cfg.DiscoveryMode != config.DiscoveryModeMemory {
		return fmt.Errorf("%w: unknown discovery mode %q", errUsage, cfg.DiscoveryMode)
	}
	if !models.TransportClass(cfg.PreferredTransport).Valid() {
		return fmt.Errorf("%w: unknown transport %q", errUsage, cfg.PreferredTransport)
	}
	if opts.perfInterval <= 0 || opts.pingInterval <= 0 || opts.scanWait < 0 {
		return fmt.Errorf("%w: intervals must be positive", errUsage)
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: powerlink <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run `powerlink <command> --help` for command flags.")
}
