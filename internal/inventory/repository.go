package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) List(ctx context.Context) ([]domain.StockLevel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, available, updated_at
		FROM stock
		ORDER BY product_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list stock: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := []domain.StockLevel{}
	for rows.Next() {
		var stock domain.StockLevel
		if err := rows.Scan(&stock.ProductID, &stock.Available, &stock.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		items = append(items, stock)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stock: %w", err)
	}

	return items, nil
}

func (r *PostgresStore) Get(ctx context.Context, productID string) (domain.StockLevel, error) {
	stock := domain.StockLevel{}

	err := r.db.QueryRowContext(ctx, `
		SELECT product_id, available, updated_at
		FROM stock
		WHERE product_id = $1
	`, productID).Scan(&stock.ProductID, &stock.Available, &stock.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockLevel{}, fmt.Errorf("%w: product %s has no stock record", domain.ErrNotFound, productID)
	}
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("get stock: %w", err)
	}

	return stock, nil
}

func (r *PostgresStore) Reserve(ctx context.Context, productID string, qty int) (domain.StockLevel, error) {
	stock := domain.StockLevel{ProductID: productID}

	err := r.db.QueryRowContext(ctx, `
		UPDATE stock
		SET available = available - $2, updated_at = NOW()
		WHERE product_id = $1 AND available >= $2
		RETURNING available, updated_at
	`, productID, qty).Scan(&stock.Available, &stock.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the product is unknown or the guard failed; tell them apart
		// for the caller. The decision itself was already made atomically.
		current, getErr := r.Get(ctx, productID)
		if getErr != nil {
			return domain.StockLevel{}, getErr
		}
		return domain.StockLevel{}, fmt.Errorf("%w: product %s has %d available, %d requested",
			domain.ErrOutOfStock, productID, current.Available, qty)
	}
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("reserve stock: %w", err)
	}

	return stock, nil
}

func (r *PostgresStore) Restore(ctx context.Context, productID string, qty int) (domain.StockLevel, error) {
	stock := domain.StockLevel{ProductID: productID}

	err := r.db.QueryRowContext(ctx, `
		UPDATE stock
		SET available = available + $2, updated_at = NOW()
		WHERE product_id = $1
		RETURNING available, updated_at
	`, productID, qty).Scan(&stock.Available, &stock.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockLevel{}, fmt.Errorf("%w: product %s has no stock record", domain.ErrNotFound, productID)
	}
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("restore stock: %w", err)
	}

	return stock, nil
}

func (r *PostgresStore) Set(ctx context.Context, productID string, available int) (domain.StockLevel, error) {
	stock := domain.StockLevel{ProductID: productID}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO stock (product_id, available, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (product_id) DO UPDATE
		SET available = EXCLUDED.available, updated_at = EXCLUDED.updated_at
		RETURNING available, updated_at
	`, productID, available).Scan(&stock.Available, &stock.UpdatedAt)
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("set stock: %w", err)
	}

	return stock, nil
}
