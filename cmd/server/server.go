package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/telemetry-hub/internal/alarm"
	"github.com/t77yq/telemetry-hub/internal/api"
	"github.com/t77yq/telemetry-hub/internal/broker"
	"github.com/t77yq/telemetry-hub/internal/config"
	"github.com/t77yq/telemetry-hub/internal/fanout"
	"github.com/t77yq/telemetry-hub/internal/ingest"
	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/monitor"
	"github.com/t77yq/telemetry-hub/internal/notify"
	"github.com/t77yq/telemetry-hub/internal/pipeline"
	"github.com/t77yq/telemetry-hub/internal/rules"
	"github.com/t77yq/telemetry-hub/internal/storage"
	"github.com/t77yq/telemetry-hub/internal/tenant"
)

// run wires every component, serves until ctx is done and shuts down in reverse order
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	monitor.Init()

	nc, err := connectNATS(cfg, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if err := broker.EnsureStreams(js, broker.StreamConfig{
		TelemetryMaxAge: cfg.NATS.TelemetryMaxAge,
		FanoutMaxAge:    cfg.NATS.FanoutMaxAge,
		Memory:          cfg.NATS.MemoryStorage,
	}, logger); err != nil {
		return err
	}

	store, err := storage.NewSQLiteStore(logger, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	guard := tenant.NewGuard(logger)

	if cfg.Rules.SeedFile != "" {
		if _, err := rules.LoadSeed(ctx, cfg.Rules.SeedFile, store, guard, logger); err != nil {
			return err
		}
	}

	engine := rules.NewEngine(store, rules.EngineConfig{
		CacheTTL:             cfg.Rules.CacheTTL,
		CacheCleanupInterval: cfg.Rules.CacheCleanup,
	}, logger)
	invalidations, err := engine.SubscribeInvalidations(nc)
	if err != nil {
		return err
	}
	defer invalidations.Unsubscribe()

	// Fan-out: publish through JetStream, relay every instance's events to local viewers
	registry := fanout.NewRegistry(cfg.Fanout.QueueSize, logger)
	defer registry.Close()
	publisher := fanout.NewPublisher(js, registry, cfg.Fanout.PublishTimeout, logger)
	relaySubs, err := fanout.NewRelay(registry, logger).Subscribe(nc)
	if err != nil {
		return err
	}
	defer func() {
		for _, sub := range relaySubs {
			sub.Unsubscribe()
		}
	}()

	dispatcher := notify.NewDispatcher(notify.NewNATSSink(js), notifyPolicy(cfg.Notify), notify.Config{
		Workers:         cfg.Notify.Workers,
		QueueSize:       cfg.Notify.QueueSize,
		DeliveryTimeout: cfg.Notify.DeliveryTimeout,
	}, logger)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	alarms := alarm.NewManager(store, logger,
		alarm.WithPublisher(publisher),
		alarm.WithNotifier(dispatcher),
	)

	processor := pipeline.NewProcessor(pipeline.Dependencies{
		Validator:   ingest.NewValidator(validatorConfig(cfg.Ingest), logger),
		Guard:       guard,
		Telemetry:   store,
		Devices:     store,
		Rules:       engine,
		Alarms:      alarms,
		Publisher:   publisher,
		DeadLetters: pipeline.NewJetStreamDeadLetters(js),
	}, pipeline.ProcessorConfig{
		Retry:        retryPolicy(cfg.Pipeline),
		StageTimeout: cfg.Pipeline.StageTimeout,
	}, logger)

	consumer := pipeline.NewConsumer(js, processor, pipeline.ConsumerConfig{
		Durable:    cfg.Pipeline.Durable,
		Workers:    cfg.Pipeline.Workers,
		ShardQueue: cfg.Pipeline.ShardQueue,
		AckWait:    cfg.Pipeline.AckWait,
		MaxDeliver: cfg.Pipeline.MaxDeliver,
	}, logger)
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	defer consumer.Stop()

	if cfg.MQTT.Enabled {
		bridge := pipeline.NewBridge(js, pipeline.BridgeConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      byte(cfg.MQTT.QoS),
		}, logger)
		if err := bridge.Start(); err != nil {
			return err
		}
		defer bridge.Stop()
	}

	alerts := monitor.NewAlertManager(js, monitor.AlertConfig{
		Window:        cfg.Monitor.AlertWindow,
		CriticalAfter: cfg.Monitor.AlertCriticalAfter,
	}, logger)
	if err := alerts.Start(ctx); err != nil {
		return err
	}
	defer alerts.Stop()

	collector := monitor.NewMetricsCollector(cfg.Monitor.HealthInterval, logger)
	collector.Start(ctx)
	defer collector.Stop()

	sweeper := monitor.NewSweeper(store, store, monitor.SweepConfig{
		Schedule:          cfg.Monitor.SweepSchedule,
		IdleAfter:         cfg.Monitor.IdleAfter,
		OfflineAfter:      cfg.Monitor.OfflineAfter,
		RetentionSchedule: cfg.Monitor.RetentionSchedule,
		Retention:         cfg.Monitor.Retention,
	}, logger)
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	router := api.RegisterHandlers(api.NewRouter(cfg.HTTP.AllowedOrigins), api.Services{
		Alarms:        alarms,
		Rules:         engine,
		Invalidations: nc,
		Live:          fanout.NewLiveServer(registry, logger),
		Health: map[string]api.HealthCheck{
			"storage": store.Ping,
			"broker": func(context.Context) error {
				if status := nc.Status(); status != nats.CONNECTED {
					return fmt.Errorf("nats connection %s", status)
				}
				return nil
			},
		},
		Guard:       guard,
		TokenSecret: []byte(cfg.HTTP.TokenSecret),
	}, logger)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// connectNATS connects with the reconnect options of a long-running service, retrying the first dial
func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	retries := cfg.NATS.ConnectRetries
	if retries <= 0 {
		retries = 1
	}

	urls := strings.Join(cfg.NATS.URLs, ",")
	var nc *nats.Conn
	var err error
	for i := 0; i < retries; i++ {
		nc, err = nats.Connect(urls, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", retries, err)
	}

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// seedRules loads a rule file without starting the pipeline
func seedRules(ctx context.Context, cfg *config.Config, path string, logger *zap.Logger) error {
	store, err := storage.NewSQLiteStore(logger, cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	_, err = rules.LoadSeed(ctx, path, store, tenant.NewGuard(logger), logger)
	return err
}

func validatorConfig(cfg config.IngestConfig) ingest.Config {
	ranges := make(map[string]ingest.Range, len(cfg.Ranges))
	for name, r := range cfg.Ranges {
		ranges[name] = ingest.Range{Min: r.Min, Max: r.Max}
	}
	return ingest.Config{
		MaxSkew:        cfg.MaxSkew,
		RetentionFloor: cfg.RetentionFloor,
		Ranges:         ranges,
	}
}

func retryPolicy(cfg config.PipelineConfig) pipeline.RetryPolicy {
	policy := pipeline.DefaultRetryPolicy()
	if cfg.RetryAttempts > 0 {
		policy.MaxAttempts = cfg.RetryAttempts
	}
	if cfg.RetryInitial > 0 && cfg.RetryMax > 0 && cfg.RetryMultiplier >= 1 {
		policy.Strategy = &pipeline.ExponentialBackoff{
			InitialDelay: cfg.RetryInitial,
			MaxDelay:     cfg.RetryMax,
			Multiplier:   cfg.RetryMultiplier,
		}
	}
	return policy
}

// notifyPolicy overlays configured channels on the default policy. Viper lowercases map keys.
func notifyPolicy(cfg config.NotifyConfig) notify.Policy {
	policy := notify.DefaultPolicy()
	if cfg.Cooldown > 0 {
		policy.Cooldown = cfg.Cooldown
	}
	if cfg.Template != "" {
		policy.Template = cfg.Template
	}
	for severity, channels := range cfg.Channels {
		policy.BySeverity[model.Severity(strings.ToUpper(severity))] = channels
	}
	return policy
}
