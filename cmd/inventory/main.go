package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/pickup-orderflow/internal/broadcast"
	"github.com/joao-fontenele/pickup-orderflow/internal/config"
	"github.com/joao-fontenele/pickup-orderflow/internal/httpx"
	"github.com/joao-fontenele/pickup-orderflow/internal/inventory"
	"github.com/joao-fontenele/pickup-orderflow/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load("inventory", "8082")
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

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open storage", "error", err, "driver", cfg.StoreDriver)
		os.Exit(1)
	}
	defer func() { _ = closeStore() }()

	var publisher inventory.Publisher
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		publisher = broadcast.NewRedisBroadcaster(client)
	}

	ledger := inventory.NewLedger(store, publisher, logger)

	r := httpx.NewRouter()
	r.Handle("/metrics", metricsHandler)
	r.Group(func(r chi.Router) {
		r.Use(telemetry.ChiRoute, httpx.Timeout(10*time.Second))
		inventory.NewHandler(ledger, logger).Routes(r)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(r, "inventory"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting inventory service", "port", cfg.Port, "store", cfg.StoreDriver)
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
}

func openStore(ctx context.Context, cfg config.Config) (inventory.Store, func() error, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		if cfg.PostgresURL == "" {
			return nil, nil, errors.New("POSTGRES_URL environment variable is required")
		}
		db, err := telemetry.OpenDB(cfg.PostgresURL, "inventory")
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return inventory.NewPostgresStore(db), db.Close, nil

	case config.StoreMongo:
		if cfg.MongoURI == "" {
			return nil, nil, errors.New("MONGO_URI environment variable is required")
		}
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}
		disconnect := func() error { return client.Disconnect(context.Background()) }
		return inventory.NewMongoStore(client.Database(cfg.MongoDatabase)), disconnect, nil
	}

	return inventory.NewMemoryStore(), func() error { return nil }, nil
}
