// Package config reads service settings from the environment, after
// loading a .env file when one is present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreMemory   = "memory"
)

type Config struct {
	ServiceName    string
	ServiceVersion string
	Port           string
	OTELEndpoint   string

	PostgresURL    string
	MigrationsPath string
	MongoURI       string
	MongoDatabase  string
	StoreDriver    string
	RedisAddr      string
	KafkaBrokers   []string

	CatalogURL   string
	IdentityURL  string
	NotifyURL    string
	OrdersURL    string
	InventoryURL string

	TokenSecret      string
	MasterCancelCode string
	HookTimeout      time.Duration

	ScanRatePerSecond float64
	ScanBurst         int
	// TrustedPeers may set actor headers at the gateway.
	TrustedPeers []string
}

// Load builds the configuration of one service. Values already in the
// environment win over the .env file.
func Load(serviceName, defaultPort string) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ServiceName:    getenv("SERVICE_NAME", serviceName),
		ServiceVersion: getenv("SERVICE_VERSION", "0.1.0"),
		Port:           getenv("PORT", defaultPort),
		OTELEndpoint:   getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		PostgresURL:    os.Getenv("POSTGRES_URL"),
		MigrationsPath: getenv("MIGRATIONS_PATH", "file://migrations"),
		MongoURI:       os.Getenv("MONGO_URI"),
		MongoDatabase:  getenv("MONGO_DATABASE", "orderflow"),
		StoreDriver:    getenv("STORE_DRIVER", StorePostgres),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		KafkaBrokers:   splitCSV(os.Getenv("KAFKA_BROKERS")),

		CatalogURL:   os.Getenv("CATALOG_SERVICE_URL"),
		IdentityURL:  os.Getenv("IDENTITY_SERVICE_URL"),
		NotifyURL:    os.Getenv("NOTIFY_SERVICE_URL"),
		OrdersURL:    os.Getenv("ORDERS_SERVICE_URL"),
		InventoryURL: os.Getenv("INVENTORY_SERVICE_URL"),

		TokenSecret:      os.Getenv("TOKEN_SECRET"),
		MasterCancelCode: os.Getenv("MASTER_CANCEL_CODE"),
		TrustedPeers:     splitCSV(os.Getenv("TRUSTED_IDENTITY_PEERS")),
	}

	var err error
	if cfg.HookTimeout, err = getDuration("HOOK_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ScanRatePerSecond, err = getFloat("SCAN_RATE_PER_SECOND", 1); err != nil {
		return Config{}, err
	}
	if cfg.ScanBurst, err = getInt("SCAN_BURST", 5); err != nil {
		return Config{}, err
	}

	switch cfg.StoreDriver {
	case StorePostgres, StoreMongo, StoreMemory:
	default:
		return Config{}, fmt.Errorf("STORE_DRIVER must be one of postgres, mongo, memory, got %q", cfg.StoreDriver)
	}

	return cfg, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", k, v)
	}
	return d, nil
}

func getFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%s must be a positive number, got %q", k, v)
	}
	return f, nil
}

func getInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", k, v)
	}
	return n, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
