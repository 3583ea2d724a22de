package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"agrowatch/internal/api"
	"agrowatch/internal/auth"
	"agrowatch/internal/background"
	"agrowatch/internal/config"
	"agrowatch/internal/dispatch"
	"agrowatch/internal/events"
	"agrowatch/internal/metrics"
	"agrowatch/internal/mqtt"
	"agrowatch/internal/pipeline"
	"agrowatch/internal/rules"
	"agrowatch/internal/storage"
	"agrowatch/internal/threshold"
	"agrowatch/internal/tracker"
)

// Version is set at build time via -ldflags "-X main.Version=vX.Y.Z"
var Version = "dev"

const (
	auditCapacity    = 500
	tokenLifetime    = 24 * time.Hour
	housekeepEvery   = time.Minute
	triggerClientTTL = 10 * time.Minute
	shutdownTimeout  = 10 * time.Second
)

func main() {
	configPath := flag.String("config", ".env", "path to the configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	// Load configuration from .env file
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	logger.Printf("AgroWatch %s, configuration loaded: %s", Version, cfg)

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("Fatal: %v", err)
	}
	logger.Printf("Stopped")
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewBoltStorage(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	if err := loadDefinitions(cfg.DefinitionsPath(), store, logger); err != nil {
		return err
	}

	// Event bus: audit store and metrics are subscribers
	bus := events.NewBus(logger)
	defer bus.Close()

	auditStore := events.NewStore(auditCapacity)
	bus.Subscribe("audit", auditStore, 0)

	heartbeats := tracker.NewHeartbeatStore()
	promMetrics := metrics.New(heartbeats.Len)
	bus.Subscribe("metrics", promMetrics, 0)

	// Broker connection
	namespace := cfg.Namespace()
	client, err := mqtt.New(mqtt.Config{
		Broker:            cfg.MQTTBroker(),
		ClientID:          cfg.MQTTClientID(),
		Username:          cfg.MQTTUsername(),
		Password:          cfg.MQTTPassword(),
		UseTLS:            cfg.MQTTUseTLS(),
		AvailabilityTopic: mqtt.AvailabilityTopic(namespace),
	}, logger)
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Disconnect()

	// Confirmation timers stop with the process
	scheduler := background.NewScheduler(ctx, logger, "command timers")
	defer scheduler.Stop()

	dispatcher := dispatch.NewDispatcher(client, store, dispatch.Options{
		Namespace:      namespace,
		ConfirmTimeout: cfg.ConfirmTimeout(),
		GracePeriod:    cfg.GracePeriod(),
		PublishTimeout: cfg.PublishTimeout(),
		Scheduler:      scheduler,
		Events:         bus,
		Logger:         logger,
	})
	if _, err := dispatcher.Recover(); err != nil {
		return err
	}

	ackTracker := tracker.New(store, store, tracker.Options{
		OfflineAfter: cfg.OfflineAfter(),
		Heartbeats:   heartbeats,
		Events:       bus,
		Logger:       logger,
	})

	ingestor := pipeline.New(
		store,
		threshold.NewMonitor(bus),
		rules.NewResolver(store, namespace, logger),
		dispatcher,
		pipeline.Options{
			Readings:       store,
			ReadingHistory: cfg.ReadingHistory(),
			Events:         bus,
			Logger:         logger,
		},
	)

	router := mqtt.NewRouter(namespace, mqtt.Handlers{
		Telemetry: func(sensorID string, payload []byte) {
			ingestor.HandleTelemetry(ctx, sensorID, payload)
		},
		Ack:    ackTracker.HandleAck,
		Status: ackTracker.HandleStatus,
	}, logger)
	router.OnMessage(func(k mqtt.Kind) {
		promMetrics.MessageReceived(string(k))
	})
	if err := router.Subscribe(client); err != nil {
		return err
	}
	defer router.Wait()
	// Stop inbound traffic before waiting for in-flight handlers
	defer client.Disconnect()

	// HTTP surface
	limiter := auth.NewTriggerLimiter(cfg.TriggerRate(), cfg.TriggerBurst())
	wsTokens := auth.NewWSTokenStore()
	server := api.NewServer(api.Deps{
		Store:      store,
		Trigger:    dispatcher,
		EventStore: auditStore,
		Broker:     client,
		Metrics:    promMetrics.Handler(),
		JWT:        auth.NewJWTManager(cfg.JWTSecret(), tokenLifetime),
		Limiter:    limiter,
		WSTokens:   wsTokens,
		NoAuth:     cfg.NoAuth(),
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.NoAuth() {
		logger.Printf("WARNING: Authentication is DISABLED!")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Printf("HTTP server listening on %s", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ackTracker.RunSweeper(gctx, cfg.SweepInterval())
		return nil
	})

	g.Go(func() error {
		background.RunPeriodic(gctx, housekeepEvery, logger, "auth housekeeping", func(context.Context) error {
			limiter.Cleanup(triggerClientTTL)
			wsTokens.Cleanup()
			return nil
		})
		return nil
	})

	err = g.Wait()
	logger.Printf("Shutting down")
	return err
}

// loadDefinitions applies the definitions file when it exists
func loadDefinitions(path string, store config.DefinitionStore, logger *log.Logger) error {
	if path == "" {
		return nil
	}

	defs, err := config.LoadDefinitions(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Printf("No definitions file at %s, using stored definitions", path)
		return nil
	}
	if err != nil {
		return err
	}

	if err := defs.Apply(store); err != nil {
		return err
	}
	logger.Printf("Loaded %d devices, %d sensors, %d rules from %s",
		len(defs.Devices), len(defs.Sensors), len(defs.Rules), path)
	return nil
}
