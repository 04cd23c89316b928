package statistics

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (r *PostgresSink) RecordCompletion(ctx context.Context, c domain.Completion) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO statistics.recorded_orders (order_id, recorded_at)
		VALUES ($1, $2)
		ON CONFLICT (order_id) DO NOTHING
	`, c.OrderID, c.CompletedAt)
	if err != nil {
		return fmt.Errorf("mark order recorded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark order recorded: %w", err)
	}
	if n == 0 {
		return tx.Rollback()
	}

	period := Period(c.CompletedAt)
	fee := commission(c)
	sellers := []string{PlatformSeller}
	if c.SellerID != "" {
		sellers = append(sellers, c.SellerID)
	}
	for _, seller := range sellers {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO statistics.monthly_revenue
				(period, seller_id, revenue, commission, seller_revenue, orders, updated_at)
			VALUES ($1, $2, $3, $4, $3 - $4, 1, $5)
			ON CONFLICT (period, seller_id) DO UPDATE SET
				revenue        = statistics.monthly_revenue.revenue + EXCLUDED.revenue,
				commission     = statistics.monthly_revenue.commission + EXCLUDED.commission,
				seller_revenue = statistics.monthly_revenue.seller_revenue + EXCLUDED.seller_revenue,
				orders         = statistics.monthly_revenue.orders + 1,
				updated_at     = EXCLUDED.updated_at
		`, period, seller, c.TotalAmount, fee, c.CompletedAt)
		if err != nil {
			return fmt.Errorf("upsert revenue for %q: %w", seller, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresSink) Monthly(ctx context.Context, period string) ([]MonthlyRevenue, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT period, seller_id, revenue, commission, seller_revenue, orders, updated_at
		FROM statistics.monthly_revenue
		WHERE period = $1
		ORDER BY seller_id
	`, period)
	if err != nil {
		return nil, fmt.Errorf("list monthly revenue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []MonthlyRevenue{}
	for rows.Next() {
		var m MonthlyRevenue
		if err := rows.Scan(&m.Period, &m.SellerID, &m.Revenue, &m.Commission, &m.SellerRevenue, &m.Orders, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan monthly revenue: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list monthly revenue: %w", err)
	}
	return out, nil
}
