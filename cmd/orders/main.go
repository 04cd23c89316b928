package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/pickup-orderflow/internal/broadcast"
	"github.com/joao-fontenele/pickup-orderflow/internal/config"
	"github.com/joao-fontenele/pickup-orderflow/internal/directory"
	"github.com/joao-fontenele/pickup-orderflow/internal/httpx"
	"github.com/joao-fontenele/pickup-orderflow/internal/inventory"
	"github.com/joao-fontenele/pickup-orderflow/internal/messaging"
	"github.com/joao-fontenele/pickup-orderflow/internal/notify"
	"github.com/joao-fontenele/pickup-orderflow/internal/orders"
	"github.com/joao-fontenele/pickup-orderflow/internal/statistics"
	"github.com/joao-fontenele/pickup-orderflow/internal/telemetry"
	"github.com/joao-fontenele/pickup-orderflow/internal/tokens"
)

const (
	eventsTopic   = "order.events"
	hookQueueSize = 1024
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load("orders", "8081")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	metricsHandler, shutdownTelemetry, err := telemetry.Init(ctx, cfg.ServiceName, cfg.ServiceVersion, cfg.OTELEndpoint)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTelemetry(ctx) }()

	if cfg.CatalogURL == "" {
		logger.Error("CATALOG_SERVICE_URL environment variable is required")
		os.Exit(1)
	}
	if cfg.IdentityURL == "" {
		logger.Error("IDENTITY_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", "error", err, "driver", cfg.StoreDriver)
		os.Exit(1)
	}
	defer func() { _ = store.close() }()

	hooks := []orders.Hook{orders.StatisticsHook(store.statistics)}
	var publishers broadcast.Fanout

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = redisClient.Close() }()
		publishers = append(publishers, broadcast.NewRedisBroadcaster(redisClient))
	}

	if len(cfg.KafkaBrokers) > 0 {
		events := messaging.NewProducer(cfg.KafkaBrokers, eventsTopic)
		defer func() { _ = events.Close() }()
		publishers = append(publishers, broadcast.NewKafkaBroadcaster(events))

		notifications := messaging.NewProducer(cfg.KafkaBrokers, notify.Topic)
		defer func() { _ = notifications.Close() }()
		hooks = append(hooks, orders.NotificationHook(notify.NewKafkaGateway(notifications)))
	} else {
		logger.Warn("KAFKA_BROKERS not set, notifications are disabled")
	}

	var stockPublisher inventory.Publisher
	if len(publishers) > 0 {
		hooks = append(hooks, orders.BroadcastHook(publishers))
		stockPublisher = publishers
	}
	ledger := inventory.NewLedger(store.stock, stockPublisher, logger)

	if cfg.TokenSecret == "" {
		logger.Warn("TOKEN_SECRET not set, using a random key")
	}
	issuer, err := tokens.NewIssuer([]byte(cfg.TokenSecret))
	if err != nil {
		logger.Error("failed to create token issuer", "error", err)
		os.Exit(1)
	}

	httpClient := &http.Client{
		Timeout:   5 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	catalog := directory.NewCatalog(directory.NewClient("catalog", cfg.CatalogURL, httpClient, logger))
	identity := directory.NewIdentity(directory.NewClient("identity", cfg.IdentityURL, httpClient, logger))

	opts := []orders.Option{
		orders.WithHooks(hooks...),
		orders.WithHookTimeout(cfg.HookTimeout),
		orders.WithAsyncHooks(hookQueueSize),
	}
	if cfg.MasterCancelCode != "" {
		opts = append(opts, orders.WithMasterCancelCode(cfg.MasterCancelCode))
	} else {
		logger.Warn("MASTER_CANCEL_CODE not set, any confirmation code is accepted")
	}
	service := orders.NewService(store.orders, ledger, issuer, catalog, identity, logger, opts...)

	r := httpx.NewRouter()
	r.Handle("/metrics", metricsHandler)
	r.Group(func(r chi.Router) {
		r.Use(telemetry.ChiRoute, httpx.Timeout(10*time.Second))
		orders.NewHandler(service, logger).Routes(r)
		statistics.NewHandler(store.statistics, logger).Routes(r)
		if cfg.StoreDriver == config.StoreMemory {
			// nothing else can reach in-process stock
			inventory.NewHandler(ledger, logger).Routes(r)
		}
	})
	if redisClient != nil {
		r.With(telemetry.ChiRoute).Method(http.MethodGet, "/events",
			broadcast.NewStream(redisClient, broadcast.NewPresence(), logger))
	}

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelhttp.NewHandler(r, "orders"),
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting orders service", "port", cfg.Port, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	if err := service.Close(shutdownCtx); err != nil {
		logger.Error("pending hooks dropped", "error", err)
	}
}
