package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/oklog/run"
	"go.uber.org/zap"

	"github.com/hramov/floatkeeper/internal/config"
	"github.com/hramov/floatkeeper/internal/election"
	"github.com/hramov/floatkeeper/internal/errors"
	"github.com/hramov/floatkeeper/internal/events"
	"github.com/hramov/floatkeeper/internal/health"
	"github.com/hramov/floatkeeper/internal/logging"
	"github.com/hramov/floatkeeper/internal/notify"
	"github.com/hramov/floatkeeper/internal/status"
	"github.com/hramov/floatkeeper/internal/transport"
)

const (
	recentEvents          = 256
	statusShutdownTimeout = 5 * time.Second
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "status" {
		os.Exit(statusCommand(os.Args[2:], os.Stdout))
	}

	if os.Getenv("FLOATKEEPER_ENV") == "" {
		// .env is optional outside development.
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			log.Fatalf("cannot load .env file: %v", err)
		}
	}

	configPath := flag.String("config", os.Getenv("FLOATKEEPER_CONFIG_PATH"), "path to the YAML configuration file")
	flag.Parse()
	if *configPath == "" {
		log.Fatal("config path is not set: use -config or FLOATKEEPER_CONFIG_PATH")
	}

	cfg := config.Config{}
	if err := config.LoadConfig(*configPath, &cfg); err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, "floatkeeper")
	if err != nil {
		log.Fatalf("cannot build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck
	undo := zap.RedirectStdLog(logger)
	defer undo()

	logger = logger.With(zap.String("node_id", cfg.NodeID))
	logger.Info("starting floatkeeper",
		zap.String("version", cfg.Version),
		zap.String("bind_address", cfg.BindAddress),
		zap.String("floating_address", cfg.FloatingAddress),
		zap.Int("peers", len(cfg.Peers)))

	if err := serve(cfg, logger); err != nil {
		logger.Error("floatkeeper stopped", zap.Error(err),
			zap.Stringer("kind", errors.GetKind(err)),
			zap.Any("attributes", errors.GetAttributes(err)))
		logger.Sync() //nolint:errcheck
		os.Exit(1)
	}
	logger.Info("floatkeeper stopped")
}

func serve(cfg config.Config, logger *zap.Logger) error {
	peers := make([]transport.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, transport.Peer{ID: p.ID, Address: p.Address})
	}
	udp, err := transport.NewUDP(cfg.BindAddress, peers, logger)
	if err != nil {
		return err
	}
	if err := udp.Listen(); err != nil {
		return err
	}
	defer udp.Close()

	capability, err := newCapability(cfg, logger)
	if err != nil {
		return err
	}

	hooks := []notify.Hook{}
	if cfg.Notify.HookCommand != "" {
		hooks = append(hooks, notify.CommandHook{Command: cfg.Notify.HookCommand})
	}
	if cfg.Status.StateFile != "" {
		hooks = append(hooks, status.StateFile{Path: cfg.Status.StateFile})
	}

	notifier := notify.New(notify.Config{
		NodeID:          cfg.NodeID,
		FloatingAddress: cfg.FloatingAddress,
		ReleaseOnBackup: cfg.Notify.ReleaseOnBackup,
		Retry: notify.RetryConfig{
			MaxAttempts:     cfg.Notify.Retry.MaxAttempts,
			InitialInterval: cfg.Notify.Retry.InitialInterval,
			MaxInterval:     cfg.Notify.Retry.MaxInterval,
		},
		HookTimeout:   cfg.Notify.HookTimeout,
		ShutdownGrace: cfg.Notify.ShutdownGrace,
	}, capability, hooks, logger)

	ring := events.NewRing(recentEvents)
	sinks := []events.Sink{events.NewLogSink(logger), ring}
	if cfg.Status.EventsFile != "" {
		f, err := os.OpenFile(cfg.Status.EventsFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.Attr(errors.Wrap(err, errors.KindConfiguration, "open events file"),
				"path", cfg.Status.EventsFile)
		}
		defer f.Close()
		sinks = append(sinks, events.NewJSONLines(f, logger))
	}

	engine, err := election.New(election.Config{
		NodeID:             cfg.NodeID,
		BasePriority:       cfg.BasePriority,
		PenaltyWeight:      cfg.HealthCheck.Penalty(),
		MinPriority:        cfg.MinPriority,
		AdvertInterval:     cfg.AdvertInterval,
		MasterDownInterval: cfg.MasterDownInterval,
		Preempt:            cfg.PreemptEnabled(),
		Secret:             []byte(cfg.AuthSecret),
	}, udp, notifier, logger, election.WithEventSink(events.Multi(sinks...)))
	if err != nil {
		return err
	}

	var checker health.Checker = health.AlwaysHealthy
	if cfg.HealthCheck.Command != "" {
		checker = health.CommandChecker{Command: cfg.HealthCheck.Command}
	}
	probe := health.NewProbe(health.Config{
		Interval: cfg.HealthCheck.Interval,
		Timeout:  cfg.HealthCheck.Timeout,
		Rise:     cfg.HealthCheck.Rise,
		Fall:     cfg.HealthCheck.Fall,
	}, checker, engine.UpdateHealth, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := func(error) { cancel() }

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error { return udp.Serve(ctx, engine.Inbound()) }, stop)
	g.Add(func() error { return notifier.Run(ctx) }, stop)
	g.Add(func() error { return engine.Run(ctx) }, stop)
	g.Add(func() error { return probe.Run(ctx) }, stop)

	if cfg.Status.Listen != "" {
		api := status.NewServer(logger, cfg.Status.Listen, status.NewHandler(engine, notifier, ring, logger))
		g.Add(api.ListenAndServe, func(error) {
			if err := api.Shutdown(statusShutdownTimeout); err != nil {
				logger.Warn("status api shutdown", zap.Error(err))
			}
		})
	}

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		logger.Info("received signal", zap.Stringer("signal", sig.Signal))
		return nil
	}
	return err
}

func newCapability(cfg config.Config, logger *zap.Logger) (notify.Capability, error) {
	ap := cfg.AddressProvider
	switch ap.Type {
	case config.ProviderCommand:
		return notify.CommandCapability{
			AssociateCommand:    ap.AssociateCommand,
			DisassociateCommand: ap.DisassociateCommand,
			Timeout:             ap.Timeout,
		}, nil
	case config.ProviderNetlink:
		return notify.NetlinkCapability{Interface: ap.Interface, Logger: logger}, nil
	case config.ProviderNone:
		return notify.NoopCapability{Logger: logger}, nil
	}
	return nil, errors.Attr(errors.Errorf(errors.KindConfiguration, "unknown address provider %q", ap.Type),
		"field", "address_provider.type")
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path]\n       %s status [-addr url] [-json]\n",
		os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func init() {
	flag.Usage = usage
}
