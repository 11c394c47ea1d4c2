package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/api"
	"github.com/markus-lassfolk/airbalance/pkg/audit"
	"github.com/markus-lassfolk/airbalance/pkg/coloring"
	"github.com/markus-lassfolk/airbalance/pkg/controller"
	"github.com/markus-lassfolk/airbalance/pkg/handover"
	"github.com/markus-lassfolk/airbalance/pkg/logx"
	"github.com/markus-lassfolk/airbalance/pkg/metrics"
	"github.com/markus-lassfolk/airbalance/pkg/mqtt"
	"github.com/markus-lassfolk/airbalance/pkg/persist"
	"github.com/markus-lassfolk/airbalance/pkg/pidfile"
	"github.com/markus-lassfolk/airbalance/pkg/uci"
)

var (
	configPath = flag.String("config", uci.DefaultConfigPath, "Path to UCI configuration file")
	pidPath    = flag.String("pid-file", "/var/run/airbalanced.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	dryRun     = flag.Bool("dry-run", false, "Dry run mode - log commands instead of publishing them")
	force      = flag.Bool("force", false, "Force start by removing stale PID file")
	version    = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "airbalanced"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	effectiveLogLevel := cfg.LogLevel
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)

	if !cfg.Enable {
		logger.Info("airbalance is disabled in configuration, exiting")
		return
	}
	if *dryRun {
		cfg.DryRun = true
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("airbalanced failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *uci.Config, logger *logx.Logger) error {
	pidFile := pidfile.New(*pidPath)
	if *force {
		if err := pidFile.ForceRemove(); err != nil {
			return fmt.Errorf("failed to remove existing PID file: %w", err)
		}
	}
	if err := pidFile.Create(); err != nil {
		return err
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	logger.Info("Starting airbalance daemon",
		"version", AppVersion,
		"pid", os.Getpid(),
		"dry_run", cfg.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector, err := metrics.NewCollector(nil)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	opts := controller.Options{
		Logger:  logger.With("component", "controller"),
		Metrics: collector,
	}

	stateStore, err := persist.Open(cfg.StateDBPath, logger)
	if err != nil {
		logger.Warn("State store unavailable, running without persistence", "path", cfg.StateDBPath, "error", err)
	} else {
		defer stateStore.Close()
		opts.Persist = stateStore
	}

	var sink audit.Sink
	if cfg.AuditLog {
		sqlite, err := audit.NewSQLiteSink(cfg.AuditDBPath, logger)
		if err != nil {
			logger.Warn("Audit database unavailable, keeping decisions in memory", "path", cfg.AuditDBPath, "error", err)
		} else {
			sink = sqlite
		}
	}
	decisions := audit.NewDecisionLogger(logger.With("component", "audit"), cfg.AuditRecords, sink, true)
	defer decisions.Close()
	opts.Audit = decisions

	mqttConfig := mqttConfigFrom(cfg)
	if !mqttConfig.Enabled {
		return errors.New("mqtt must be enabled: it carries telemetry and commands")
	}
	client := mqtt.NewClient(mqttConfig, logger.With("component", "mqtt"))

	commander := mqtt.NewCommander(client, mqttConfig, logger.With("component", "commander"))
	opts.Topology = commander

	loop, err := controller.NewLoop(loopConfigFrom(cfg, logger), opts)
	if err != nil {
		return fmt.Errorf("failed to create control loop: %w", err)
	}

	bridge := mqtt.NewBridge(client, loop, mqttConfig.TopicPrefix, logger.With("component", "bridge"))
	publisher := mqtt.NewPublisher(client, mqttConfig.TopicPrefix, mqttConfig.PublishRate, logger.With("component", "publisher"))
	loop.EventLog().SetCallback(publisher.PublishEvent)

	// subscriptions registered before Connect are made in onConnect
	if err := commander.Start(); err != nil {
		return err
	}
	if err := bridge.Start(); err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Disconnect()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		return publisher.Run(gctx, loop, mqttConfig.SnapshotInterval)
	})

	if cfg.API.Enabled {
		var metricsHandler http.Handler
		if cfg.Metrics.Enabled && cfg.Metrics.Listen == cfg.API.Listen {
			metricsHandler = collector.Handler()
		}
		server := api.NewServer(&api.Config{Listen: cfg.API.Listen}, loop, loop.EventLog(), decisions, metricsHandler, logger.With("component", "api"))
		g.Go(func() error {
			return server.Run(gctx)
		})
	}
	if cfg.Metrics.Enabled && (!cfg.API.Enabled || cfg.Metrics.Listen != cfg.API.Listen) {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Listen, collector.Handler(), logger)
		})
	}

	err = g.Wait()
	logger.Info("airbalance daemon stopped",
		"rejected_messages", bridge.Rejected(),
		"dropped_events", publisher.Dropped())
	return err
}

func loopConfigFrom(cfg *uci.Config, logger *logx.Logger) *controller.Config {
	channels := make([]pkg.Channel, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels = append(channels, pkg.Channel(ch))
	}
	if len(channels) == 0 {
		channels = coloring.RegDomainChannels(cfg.RegDomain, coloring.Band(cfg.Band), cfg.UseDFS)
		logger.Info("Using regulatory domain channels",
			"reg_domain", cfg.RegDomain,
			"band", cfg.Band,
			"channels", channels)
	}

	return &controller.Config{
		TickInterval:   time.Duration(cfg.TickIntervalMS) * time.Millisecond,
		QueueSize:      cfg.QueueSize,
		WindowSize:     cfg.WindowSize,
		EventCapacity:  cfg.EventCapacity,
		SustainCount:   cfg.SustainCount,
		Channels:       channels,
		Prune:          cfg.Prune,
		PruneThreshold: cfg.PruneThreshold,
		Handover: &handover.Config{
			Cooldown:       time.Duration(cfg.CooldownMS) * time.Millisecond,
			SettleWindow:   time.Duration(cfg.SettleWindowMS) * time.Millisecond,
			RevertDelta:    cfg.RevertDelta,
			CandidateFloor: cfg.CandidateRSSIFloor,
			ForcedRSSI:     cfg.ForcedRSSILimit,
			ForcedCount:    cfg.ForcedRSSICount,
			MaxRetries:     cfg.MaxRetries,
		},
	}
}

func mqttConfigFrom(cfg *uci.Config) *mqtt.Config {
	return &mqtt.Config{
		Broker:           cfg.MQTT.Broker,
		Port:             cfg.MQTT.Port,
		ClientID:         cfg.MQTT.ClientID,
		Username:         cfg.MQTT.Username,
		Password:         cfg.MQTT.Password,
		TopicPrefix:      cfg.MQTT.TopicPrefix,
		QoS:              cfg.MQTT.QoS,
		Enabled:          cfg.MQTT.Enabled,
		DryRun:           cfg.DryRun,
		TransitionWindow: time.Duration(cfg.MQTT.TransitionWindowMS) * time.Millisecond,
		PublishTimeout:   time.Duration(cfg.MQTT.PublishTimeoutMS) * time.Millisecond,
		SnapshotInterval: time.Duration(cfg.MQTT.SnapshotIntervalS) * time.Second,
		PublishRate:      cfg.MQTT.PublishRate,
	}
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger *logx.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting metrics server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
