package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"mevrelay/auth"
	"mevrelay/config"
	"mevrelay/dedup"
	"mevrelay/observability/logging"
	telemetry "mevrelay/observability/otel"
	"mevrelay/policy"
	"mevrelay/ratelimit"
	"mevrelay/relay"
	"mevrelay/rpc"
	"mevrelay/stats"
	"mevrelay/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to relay configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RELAY_ENV"))
	logger := logging.Setup("relayd", env, nil)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg.Log.File != "" {
		logger = logging.Setup("relayd", env, &logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
	}

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: cfg.Observability.ServiceName,
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Observability.Metrics,
		Traces:      cfg.Observability.Tracing,
	})
	if err != nil {
		logger.Error("initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	var store auth.CredentialStore
	if cfg.Store.DSN != "" {
		db, err := storage.Open(cfg.Store.DSN)
		if err != nil {
			logger.Error("open credential store", "error", err)
			os.Exit(1)
		}
		store = db
	} else {
		logger.Warn("no credential store configured; key-pair authentication disabled")
	}

	rules, err := policy.NewRules(cfg.Policy.Blacklist, cfg.Policy.MaxDistinctTo, cfg.Policy.GasFloor, cfg.Policy.GasCeiling)
	if err != nil {
		logger.Error("build policy rules", "error", err)
		os.Exit(1)
	}

	var persistence dedup.Persistence
	if cfg.Dedup.PersistPath != "" {
		ldb, err := dedup.NewLevelDBPersistence(cfg.Dedup.PersistPath)
		if err != nil {
			logger.Error("open fingerprint store", "error", err)
			os.Exit(1)
		}
		defer func() {
			_ = ldb.Close()
		}()
		persistence = ldb
	}
	replays := dedup.New(cfg.Dedup.Capacity, persistence, logger)
	if persistence != nil {
		hydrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := replays.Hydrate(hydrateCtx, time.Now().Add(-24*time.Hour)); err != nil {
			logger.Warn("hydrate fingerprint cache", "error", err)
		}
		cancel()
	}

	metrics := rpc.NewMetrics()

	targets := make([]relay.Target, 0, len(cfg.Miners))
	for _, miner := range cfg.Miners {
		target, err := relay.NewTarget(miner.Name, miner.URL, cfg.Fanout.TargetRatePerSecond, cfg.Fanout.TargetBurst)
		if err != nil {
			logger.Error("configure miner target", "error", err)
			os.Exit(1)
		}
		targets = append(targets, target)
	}
	dispatcher := relay.NewDispatcher(targets, cfg.Fanout.Timeout.Std(), logger, metrics.FanoutFailures)

	var sim *stats.SimClient
	if cfg.Simulation.Endpoint != "" {
		sim = stats.NewSimClient(cfg.Simulation.Endpoint, cfg.Simulation.Timeout.Std())
	}

	server := rpc.NewServer(rpc.Config{
		Gate:          auth.NewGate(store),
		Limits: ratelimit.New(ratelimit.Config{
			IdentityWindow: cfg.RateLimits.IdentityWindow.Std(),
			IdentityLimit:  cfg.RateLimits.IdentityLimit,
			GlobalWindow:   cfg.RateLimits.GlobalWindow.Std(),
			GlobalLimit:    cfg.RateLimits.GlobalLimit,
		}),
		Replays:       replays,
		Rules:         rules,
		Dispatcher:    dispatcher,
		Sim:           sim,
		Coinbase:      cfg.Simulation.Coinbase,
		MinSimGasUsed: cfg.Simulation.MinGasUsed,
		Tracing:       cfg.Observability.Tracing,
		Logger:        logger,
		Metrics:       metrics,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout.Std(),
		WriteTimeout: cfg.WriteTimeout.Std(),
		IdleTimeout:  cfg.IdleTimeout.Std(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Error("listen", "address", cfg.ListenAddress, "error", err)
		os.Exit(1)
	}
	go func() {
		logger.Info("relay listening", "address", listener.Addr().String(), "targets", len(targets))
		if serveErr := httpServer.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("serve", "error", serveErr)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Fanout.DrainTimeout.Std())
	defer cancelDrain()
	if err := dispatcher.Drain(drainCtx); err != nil {
		logger.Warn("fan-out drain incomplete", "error", err)
	}
}
