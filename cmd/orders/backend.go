package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/joao-fontenele/pickup-orderflow/internal/config"
	"github.com/joao-fontenele/pickup-orderflow/internal/inventory"
	"github.com/joao-fontenele/pickup-orderflow/internal/orders"
	"github.com/joao-fontenele/pickup-orderflow/internal/statistics"
	"github.com/joao-fontenele/pickup-orderflow/internal/telemetry"
)

type statisticsStore interface {
	orders.StatisticsSink
	statistics.Reader
}

// backend is the storage selected by STORE_DRIVER.
type backend struct {
	orders     orders.Store
	stock      inventory.Store
	statistics statisticsStore
	close      func() error
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		return openPostgres(ctx, cfg)
	case config.StoreMongo:
		return openMongo(ctx, cfg)
	}

	logger.Warn("using in-memory storage, data is lost on restart")
	return &backend{
		orders:     orders.NewMemoryStore(),
		stock:      inventory.NewMemoryStore(),
		statistics: statistics.NewMemorySink(),
		close:      func() error { return nil },
	}, nil
}

func openPostgres(ctx context.Context, cfg config.Config) (*backend, error) {
	if cfg.PostgresURL == "" {
		return nil, errors.New("POSTGRES_URL environment variable is required")
	}

	ordersDB, err := telemetry.OpenDB(cfg.PostgresURL, "orders")
	if err != nil {
		return nil, fmt.Errorf("open orders database: %w", err)
	}
	if err := ordersDB.PingContext(ctx); err != nil {
		_ = ordersDB.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	inventoryDB, err := telemetry.OpenDB(cfg.PostgresURL, "inventory")
	if err != nil {
		_ = ordersDB.Close()
		return nil, fmt.Errorf("open inventory database: %w", err)
	}

	return &backend{
		orders:     orders.NewPostgresStore(ordersDB),
		stock:      inventory.NewPostgresStore(inventoryDB),
		statistics: statistics.NewPostgresSink(ordersDB),
		close: func() error {
			return errors.Join(ordersDB.Close(), inventoryDB.Close())
		},
	}, nil
}

func openMongo(ctx context.Context, cfg config.Config) (*backend, error) {
	if cfg.MongoURI == "" {
		return nil, errors.New("MONGO_URI environment variable is required")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(cfg.MongoDatabase)
	store := orders.NewMongoStore(db)
	if err := store.CreateIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return &backend{
		orders:     store,
		stock:      inventory.NewMongoStore(db),
		statistics: statistics.NewMongoSink(db),
		close:      func() error { return client.Disconnect(context.Background()) },
	}, nil
}
