// Package main implements umnbus, a diagnostic CLI for the UMN bus. It
// can emit a single envelope onto any channel, tail a topic, and watch
// organ liveness from heartbeats, against either the ZeroMQ relays or
// the degraded local transport.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/HomoYouDidnt/kloros-sub004/bus"
	"github.com/HomoYouDidnt/kloros-sub004/config"
	"github.com/HomoYouDidnt/kloros-sub004/envelope"
	"github.com/HomoYouDidnt/kloros-sub004/errors"
	"github.com/HomoYouDidnt/kloros-sub004/health"
	"github.com/HomoYouDidnt/kloros-sub004/metric"
	"github.com/HomoYouDidnt/kloros-sub004/pkg/retry"
	"github.com/HomoYouDidnt/kloros-sub004/transport"
)

const (
	Version = "0.1.0"
	appName = "umnbus"
)

func main() {
	if err := run(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	globals := flag.NewFlagSet(appName, flag.ExitOnError)
	configPath := globals.String("config", getEnv("UMN_CONFIG", ""), "path to bus config file (env: UMN_CONFIG)")
	logLevel := globals.String("log-level", getEnv("UMN_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	logFormat := globals.String("log-format", getEnv("UMN_LOG_FORMAT", "text"), "log format: json, text")
	showVersion := globals.Bool("version", false, "show version and exit")
	globals.Usage = usage

	if err := globals.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}
	if globals.NArg() < 1 {
		usage()
		return fmt.Errorf("a command is required")
	}

	logger := setupLogger(*logLevel, *logFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	command, args := globals.Arg(0), globals.Args()[1:]
	switch command {
	case "emit":
		return runEmit(cfg, logger, args)
	case "listen":
		return runListen(cfg, logger, args)
	case "monitor":
		return runMonitor(cfg, logger, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s [flags] <command> [command flags]

Commands:
  emit     publish one envelope onto the bus
  listen   subscribe to a topic and print every envelope
  monitor  watch organ liveness from heartbeat traffic

Global flags:
`, appName)
	fmt.Fprintf(os.Stderr, "  -config path    bus config file (env: UMN_CONFIG)\n")
	fmt.Fprintf(os.Stderr, "  -log-level s    debug, info, warn, error\n")
	fmt.Fprintf(os.Stderr, "  -log-format s   json, text\n")
	fmt.Fprintf(os.Stderr, "  -version        show version and exit\n")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		cfg.Transport = config.TransportLocal
		slog.Warn("no config file given, using the local transport", "dir", cfg.LocalDir)
		return cfg, nil
	}
	return config.LoadFile(path)
}

// newContext builds the shared socket context, skipped entirely on the
// local transport. When context creation fails the config is downgraded
// to the local transport in place, keeping the command usable on hosts
// without the socket library.
func newContext(cfg *config.Config) (*transport.Context, func(), error) {
	if cfg.Transport == config.TransportLocal {
		return nil, func() {}, nil
	}
	tctx, err := transport.NewContext()
	if err != nil {
		slog.Warn("socket context unavailable, degrading to the local transport",
			"error", err, "dir", cfg.LocalDir)
		cfg.Transport = config.TransportLocal
		if cfg.LocalDir == "" {
			cfg.LocalDir = config.Default().LocalDir
		}
		return nil, func() {}, nil
	}
	return tctx, func() { _ = tctx.Close() }, nil
}

// buildPublisher constructs a publisher with startup backoff: relay
// processes may still be coming up when a diagnostic command starts.
func buildPublisher(tctx *transport.Context, cfg *config.Config, logger *slog.Logger) (*bus.Publisher, error) {
	var pub *bus.Publisher
	err := retry.Do(context.Background(), retry.SocketSetup(), func() error {
		p, err := bus.NewPublisher(tctx, cfg, bus.WithPublisherLogger(logger))
		if err != nil {
			if errors.IsInvalid(err) {
				return retry.NonRetryable(err)
			}
			return err
		}
		pub = p
		return nil
	})
	return pub, err
}

// buildSubscriber mirrors buildPublisher for the subscribing side.
func buildSubscriber(tctx *transport.Context, cfg *config.Config, topic string,
	handler bus.Handler, opts ...bus.SubscriberOption) (*bus.Subscriber, error) {
	var sub *bus.Subscriber
	err := retry.Do(context.Background(), retry.SocketSetup(), func() error {
		s, err := bus.NewSubscriber(tctx, cfg, topic, handler, opts...)
		if err != nil {
			if errors.IsInvalid(err) {
				return retry.NonRetryable(err)
			}
			return err
		}
		sub = s
		return nil
	})
	return sub, err
}

func runEmit(cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("emit", flag.ExitOnError)
	signalName := fs.String("signal", "", "signal name, doubles as the topic (required)")
	ecosystem := fs.String("ecosystem", "", "originating ecosystem (required)")
	intensity := fs.Float64("intensity", 0, "signal intensity")
	factsJSON := fs.String("facts", "{}", "facts payload as JSON")
	channel := fs.String("channel", "legacy", "delivery channel: legacy, reflex, affect, trophic")
	incidentID := fs.String("incident", "", "incident id for replay defense")
	trace := fs.String("trace", "", "trace correlation id, generated when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *signalName == "" || *ecosystem == "" {
		return fmt.Errorf("emit requires -signal and -ecosystem")
	}

	var facts envelope.Facts
	if err := json.Unmarshal([]byte(*factsJSON), &facts); err != nil {
		return fmt.Errorf("parse -facts: %w", err)
	}

	tctx, cleanup, err := newContext(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	pub, err := buildPublisher(tctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	// Operator-emitted probes always carry a trace id so replies and log
	// lines can be tied back to this invocation.
	if *trace == "" {
		*trace = uuid.NewString()
	}

	opts := []bus.EmitOption{
		bus.WithChannel(envelope.Channel(*channel)),
		bus.WithTrace(*trace),
	}
	if *incidentID != "" {
		opts = append(opts, bus.WithIncidentID(*incidentID))
	}

	ack, err := pub.Emit(*signalName, *ecosystem, *intensity, facts, opts...)
	if err != nil {
		return err
	}
	if ack != nil {
		out, _ := json.Marshal(ack)
		fmt.Println(string(out))
	} else {
		logger.Info("emitted", "signal", *signalName, "channel", *channel, "trace", *trace)
	}
	return nil
}

func runListen(cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	topic := fs.String("topic", "", "topic prefix to subscribe to (required)")
	zooid := fs.String("zooid", "", "identity for heartbeat emission, empty disables")
	niche := fs.String("niche", "diagnostic", "role reported in heartbeats")
	metricsAddr := fs.String("metrics-addr", "", "address for the metrics endpoint, empty disables")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *topic == "" {
		return fmt.Errorf("listen requires -topic")
	}

	tctx, cleanup, err := newContext(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	var metrics *bus.Metrics
	if *metricsAddr != "" {
		registry := metric.NewRegistry()
		metrics = bus.NewMetrics(registry.Registerer())
		server := metric.NewServer(*metricsAddr, "", registry, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := shutdownContext()
			defer cancel()
			_ = server.Stop(ctx)
		}()
	}

	subOpts := []bus.SubscriberOption{bus.WithSubscriberLogger(logger)}
	if *zooid != "" {
		subOpts = append(subOpts, bus.WithIdentity(*zooid, *niche))
	}
	if metrics != nil {
		subOpts = append(subOpts, bus.WithSubscriberMetrics(metrics))
	}

	sub, err := buildSubscriber(tctx, cfg, *topic, func(env *envelope.Envelope) error {
		out, err := json.Marshal(env)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}, subOpts...)
	if err != nil {
		return err
	}
	defer sub.Close()

	if err := sub.Start(); err != nil {
		return err
	}
	logger.Info("listening", "topic", *topic)

	waitForSignal()
	return nil
}

func runMonitor(cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	refresh := fs.Duration("refresh", 5*time.Second, "snapshot print interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tctx, cleanup, err := newContext(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	monitor := health.NewMonitor(cfg.HeartbeatInterval)
	sub, err := buildSubscriber(tctx, cfg, cfg.Topics.Heartbeat, monitor.Handler(),
		bus.WithSubscriberLogger(logger))
	if err != nil {
		return err
	}
	defer sub.Close()

	if err := sub.Start(); err != nil {
		return err
	}
	logger.Info("monitoring heartbeats", "topic", cfg.Topics.Heartbeat)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(*refresh)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			printSnapshot(monitor.Snapshot())
		}
	}
}

func printSnapshot(snap map[string]health.Status) {
	if len(snap) == 0 {
		fmt.Println("no heartbeats observed yet")
		return
	}

	zooids := make([]string, 0, len(snap))
	for zooid := range snap {
		zooids = append(zooids, zooid)
	}
	sort.Strings(zooids)

	for _, zooid := range zooids {
		s := snap[zooid]
		fmt.Printf("%-24s %-12s %-6s uptime=%.0fs processed=%d last_seen=%s\n",
			s.Zooid, s.Niche, s.State, s.UptimeS, s.Processed,
			s.LastSeen.Format(time.RFC3339))
	}
	fmt.Println()
}

func waitForSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
