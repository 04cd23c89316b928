package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

const uniqueViolation = "23505"

const orderColumns = `id, order_number, schema_version, version, product_id, user_id, seller_id, outlet_id,
	quantity, unit_price, total_amount, commission_rate, product_snapshot, user_snapshot, seller_snapshot,
	status, secure_token_user, secure_token_seller, token_used_user, token_used_seller, qr_code_data,
	cancelled_by_master, cancellation_code, rejection_reason, rejected_by,
	pickup_location, pickup_instructions, delivery_address, metadata, created_at, updated_at`

// PostgresStore keeps orders in the orders table and history rows in
// order_status_history, one row per entry keyed by (order_id, seq).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) Create(ctx context.Context, order *domain.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}

	productSnap, err := json.Marshal(order.ProductSnapshot)
	if err != nil {
		return fmt.Errorf("marshal product snapshot: %w", err)
	}
	userSnap, err := json.Marshal(order.UserSnapshot)
	if err != nil {
		return fmt.Errorf("marshal user snapshot: %w", err)
	}
	var sellerSnap sql.NullString
	if order.SellerSnapshot != nil {
		b, err := json.Marshal(order.SellerSnapshot)
		if err != nil {
			return fmt.Errorf("marshal seller snapshot: %w", err)
		}
		sellerSnap = sql.NullString{String: string(b), Valid: true}
	}
	metadata, err := json.Marshal(order.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, 1, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)
	`,
		order.ID, order.OrderNumber, order.SchemaVersion, order.ProductID, order.UserID,
		nullString(order.SellerID), nullString(order.OutletID),
		order.Quantity, order.UnitPrice, order.TotalAmount, order.CommissionRate,
		string(productSnap), string(userSnap), sellerSnap,
		order.Status, nullString(order.SecureTokenUser), nullString(order.SecureTokenSeller),
		order.TokenUsedUser, order.TokenUsedSeller, nullString(order.QRCodeData),
		order.CancelledByMaster, nullString(order.CancellationCode), nullString(order.RejectionReason),
		nullString(order.RejectedBy), order.PickupLocation, order.PickupInstructions,
		nullString(order.DeliveryAddress), string(metadata), order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", domain.ErrConflict, pqErr.Detail)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	if err := insertHistory(ctx, tx, order.ID, 0, order.StatusHistory); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	order.Version = 1
	return nil
}

func (r *PostgresStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return r.getOne(ctx, `id = $1`, id)
}

func (r *PostgresStore) GetByNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	return r.getOne(ctx, `order_number = $1`, orderNumber)
}

func (r *PostgresStore) FindByToken(ctx context.Context, role domain.Role, token string) (*domain.Order, error) {
	var column string
	switch role {
	case domain.RoleUser:
		column = "secure_token_user"
	case domain.RoleSeller:
		column = "secure_token_seller"
	default:
		return nil, fmt.Errorf("%w: role %s holds no token", domain.ErrNotFound, role)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", domain.ErrNotFound)
	}
	return r.getOne(ctx, column+` = $1`, token)
}

func (r *PostgresStore) getOne(ctx context.Context, where string, arg any) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, arg)

	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	history, err := r.loadHistory(ctx, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.StatusHistory = history[order.ID]

	return order, nil
}

func (r *PostgresStore) List(ctx context.Context, filter Filter) ([]*domain.Order, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.SellerID != "" {
		add("seller_id = $%d", filter.SellerID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, filter.limit())
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	orders := []*domain.Order{}
	var ids []string
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	if len(ids) == 0 {
		return orders, nil
	}

	history, err := r.loadHistory(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		o.StatusHistory = history[o.ID]
	}

	return orders, nil
}

func (r *PostgresStore) Update(ctx context.Context, order *domain.Order, expectedVersion int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Snapshots, references, pricing and created_at are not in the SET
	// list: they cannot change after creation.
	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			status = $3,
			secure_token_user = $4,
			secure_token_seller = $5,
			token_used_user = $6,
			token_used_seller = $7,
			qr_code_data = $8,
			cancelled_by_master = $9,
			cancellation_code = $10,
			rejection_reason = $11,
			rejected_by = $12,
			updated_at = $13,
			version = version + 1
		WHERE id = $1 AND version = $2
	`,
		order.ID, expectedVersion, order.Status,
		nullString(order.SecureTokenUser), nullString(order.SecureTokenSeller),
		order.TokenUsedUser, order.TokenUsedSeller, nullString(order.QRCodeData),
		order.CancelledByMaster, nullString(order.CancellationCode),
		nullString(order.RejectionReason), nullString(order.RejectedBy), order.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", domain.ErrConflict, pqErr.Detail)
		}
		return fmt.Errorf("update order: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if rowsAffected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check order: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: order %s", domain.ErrNotFound, order.ID)
		}
		return fmt.Errorf("%w: order %s changed since version %d", domain.ErrConflict, order.ID, expectedVersion)
	}

	// The row lock taken by the UPDATE serializes this count with any other writer.
	var persisted int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_status_history WHERE order_id = $1`, order.ID).Scan(&persisted); err != nil {
		return fmt.Errorf("count history: %w", err)
	}
	if len(order.StatusHistory) < persisted {
		return fmt.Errorf("order %s: status history cannot shrink", order.ID)
	}

	if err := insertHistory(ctx, tx, order.ID, persisted, order.StatusHistory[persisted:]); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	order.Version = expectedVersion + 1
	return nil
}

func (r *PostgresStore) loadHistory(ctx context.Context, ids []string) (map[string][]domain.HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, status, note, updated_by, created_at
		FROM order_status_history
		WHERE order_id = ANY($1::uuid[])
		ORDER BY order_id, seq
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	history := make(map[string][]domain.HistoryEntry, len(ids))
	for rows.Next() {
		var (
			orderID string
			entry   domain.HistoryEntry
		)
		if err := rows.Scan(&orderID, &entry.Status, &entry.Note, &entry.UpdatedBy, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		history[orderID] = append(history[orderID], entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	return history, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, orderID string, firstSeq int, entries []domain.HistoryEntry) error {
	for i, entry := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_status_history (order_id, seq, status, note, updated_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, orderID, firstSeq+i, entry.Status, entry.Note, entry.UpdatedBy, entry.Timestamp)
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                                                  domain.Order
		sellerID, outletID, tokenUser, tokenSeller, qrData sql.NullString
		cancellationCode, rejectionReason, rejectedBy      sql.NullString
		deliveryAddress                                    sql.NullString
		productSnap, userSnap, sellerSnap, metadata        []byte
	)

	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.SchemaVersion, &o.Version, &o.ProductID, &o.UserID, &sellerID, &outletID,
		&o.Quantity, &o.UnitPrice, &o.TotalAmount, &o.CommissionRate, &productSnap, &userSnap, &sellerSnap,
		&o.Status, &tokenUser, &tokenSeller, &o.TokenUsedUser, &o.TokenUsedSeller, &qrData,
		&o.CancelledByMaster, &cancellationCode, &rejectionReason, &rejectedBy,
		&o.PickupLocation, &o.PickupInstructions, &deliveryAddress, &metadata, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.SellerID = sellerID.String
	o.OutletID = outletID.String
	o.SecureTokenUser = tokenUser.String
	o.SecureTokenSeller = tokenSeller.String
	o.QRCodeData = qrData.String
	o.CancellationCode = cancellationCode.String
	o.RejectionReason = rejectionReason.String
	o.RejectedBy = rejectedBy.String
	o.DeliveryAddress = deliveryAddress.String

	if err := json.Unmarshal(productSnap, &o.ProductSnapshot); err != nil {
		return nil, fmt.Errorf("decode product snapshot: %w", err)
	}
	if err := json.Unmarshal(userSnap, &o.UserSnapshot); err != nil {
		return nil, fmt.Errorf("decode user snapshot: %w", err)
	}
	if len(sellerSnap) > 0 {
		o.SellerSnapshot = &domain.PartySnapshot{}
		if err := json.Unmarshal(sellerSnap, o.SellerSnapshot); err != nil {
			return nil, fmt.Errorf("decode seller snapshot: %w", err)
		}
	}
	if err := json.Unmarshal(metadata, &o.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
