package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/pickup-orderflow/internal/config"
	"github.com/joao-fontenele/pickup-orderflow/internal/gateway"
	"github.com/joao-fontenele/pickup-orderflow/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load("gateway", "8080")
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

	if cfg.OrdersURL == "" {
		logger.Error("ORDERS_SERVICE_URL is required")
		os.Exit(1)
	}

	if cfg.InventoryURL == "" {
		logger.Error("INVENTORY_SERVICE_URL is required")
		os.Exit(1)
	}

	trustedPeers, err := gateway.ParseTrustedPeers(cfg.TrustedPeers)
	if err != nil {
		logger.Error("invalid TRUSTED_IDENTITY_PEERS", "error", err)
		os.Exit(1)
	}
	if len(cfg.TrustedPeers) == 0 {
		logger.Warn("TRUSTED_IDENTITY_PEERS not set, actor headers from clients are dropped")
	}

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	streamClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	ordersProxy := gateway.NewServiceProxy(cfg.OrdersURL, httpClient)
	inventoryProxy := gateway.NewServiceProxy(cfg.InventoryURL, httpClient)
	handler := gateway.NewHandler(ordersProxy, inventoryProxy, logger,
		gateway.WithEventsProxy(gateway.NewServiceProxy(cfg.OrdersURL, streamClient)),
		gateway.WithTrustedPeers(trustedPeers),
		gateway.WithScanLimiter(gateway.NewLimiter(cfg.ScanRatePerSecond, cfg.ScanBurst, 3*time.Minute)),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("POST /orders/scan", telemetry.WithHTTPRoute(handler.HandleScan))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("POST /orders/{id}/accept", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("POST /orders/{id}/reject", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("POST /orders/{id}/cancel", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("POST /orders/{id}/master-cancel", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("PATCH /orders/{id}/status", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("GET /statistics", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("GET /events", telemetry.WithHTTPRoute(handler.HandleEvents))
	mux.HandleFunc("GET /inventory/stock", telemetry.WithHTTPRoute(handler.HandleInventory))
	mux.HandleFunc("GET /inventory/stock/{productID}", telemetry.WithHTTPRoute(handler.HandleInventory))
	mux.HandleFunc("PUT /inventory/stock/{productID}", telemetry.WithHTTPRoute(handler.HandleInventory))

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: otelhttp.NewHandler(mux, "gateway",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting gateway service", "port", cfg.Port)
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
