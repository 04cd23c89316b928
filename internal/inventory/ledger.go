package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

// Store persists per-product available quantity. Reserve and Restore must
// each be a single conditional write; callers never read-then-write.
type Store interface {
	// Reserve decrements available by qty only if available >= qty.
	// Returns domain.ErrOutOfStock when it is not, domain.ErrNotFound
	// when the product has no stock record.
	Reserve(ctx context.Context, productID string, qty int) (domain.StockLevel, error)
	// Restore increments available by qty.
	Restore(ctx context.Context, productID string, qty int) (domain.StockLevel, error)
	Get(ctx context.Context, productID string) (domain.StockLevel, error)
	List(ctx context.Context) ([]domain.StockLevel, error)
	// Set overwrites the available quantity, creating the record if needed.
	Set(ctx context.Context, productID string, available int) (domain.StockLevel, error)
}

// Publisher receives stock change events for connected clients.
type Publisher interface {
	Publish(ctx context.Context, event domain.EventType, payload any, targets ...domain.Target) error
}

const publishTimeout = 2 * time.Second

// Ledger is the only writer of stock counts. Every successful change is
// announced to the publisher; a failed announcement never undoes it.
type Ledger struct {
	store        Store
	publisher    Publisher
	logger       *slog.Logger
	reservations metric.Int64Counter
}

func NewLedger(store Store, publisher Publisher, logger *slog.Logger) *Ledger {
	counter, _ := otel.Meter("inventory").Int64Counter("inventory.reservations",
		metric.WithDescription("Stock reservations and restorations by outcome"),
	)
	return &Ledger{
		store:        store,
		publisher:    publisher,
		logger:       logger,
		reservations: counter,
	}
}

func (l *Ledger) Reserve(ctx context.Context, productID string, qty int) (domain.StockLevel, error) {
	if err := checkQuantity(qty); err != nil {
		return domain.StockLevel{}, err
	}

	level, err := l.store.Reserve(ctx, productID, qty)
	l.record(ctx, "reserve", err)
	if err != nil {
		return domain.StockLevel{}, err
	}

	l.logger.Info("stock reserved", "product_id", productID, "quantity", qty, "available", level.Available)
	l.announce(ctx, level)
	return level, nil
}

func (l *Ledger) Restore(ctx context.Context, productID string, qty int) (domain.StockLevel, error) {
	if err := checkQuantity(qty); err != nil {
		return domain.StockLevel{}, err
	}

	level, err := l.store.Restore(ctx, productID, qty)
	l.record(ctx, "restore", err)
	if err != nil {
		return domain.StockLevel{}, err
	}

	l.logger.Info("stock restored", "product_id", productID, "quantity", qty, "available", level.Available)
	l.announce(ctx, level)
	return level, nil
}

func (l *Ledger) Get(ctx context.Context, productID string) (domain.StockLevel, error) {
	return l.store.Get(ctx, productID)
}

func (l *Ledger) List(ctx context.Context) ([]domain.StockLevel, error) {
	return l.store.List(ctx)
}

// Set replaces the free count of a product. Quantities held by open orders
// are not part of it and still come back through Restore, so available is
// what may be sold on top of those reservations.
func (l *Ledger) Set(ctx context.Context, productID string, available int) (domain.StockLevel, error) {
	if productID == "" {
		return domain.StockLevel{}, fmt.Errorf("%w: product id is required", domain.ErrValidation)
	}
	if available < 0 {
		return domain.StockLevel{}, fmt.Errorf("%w: available must not be negative", domain.ErrValidation)
	}

	level, err := l.store.Set(ctx, productID, available)
	if err != nil {
		return domain.StockLevel{}, err
	}

	l.announce(ctx, level)
	return level, nil
}

func (l *Ledger) announce(ctx context.Context, level domain.StockLevel) {
	if l.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	event := domain.StockChangedEvent{
		ProductID: level.ProductID,
		Available: level.Available,
		At:        level.UpdatedAt,
	}
	if err := l.publisher.Publish(ctx, domain.EventStockChanged, event); err != nil {
		l.logger.Warn("failed to publish stock change", "error", err, "product_id", level.ProductID)
	}
}

func (l *Ledger) record(ctx context.Context, op string, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, domain.ErrOutOfStock):
		outcome = "out_of_stock"
	case errors.Is(err, domain.ErrNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	l.reservations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func checkQuantity(qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", domain.ErrValidation, qty)
	}
	return nil
}
