package orders

import (
	"context"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

const (
	DefaultListLimit = 200
	MaxListLimit     = 200
)

// Filter narrows List. Zero fields match everything.
type Filter struct {
	UserID   string
	SellerID string
	Status   domain.OrderStatus
	Limit    int
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > MaxListLimit {
		return DefaultListLimit
	}
	return f.Limit
}

// Store persists orders and their status history.
type Store interface {
	// Create inserts a new order with its first history entry. A taken
	// order number returns domain.ErrConflict.
	Create(ctx context.Context, order *domain.Order) error
	// Get returns domain.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*domain.Order, error)
	GetByNumber(ctx context.Context, orderNumber string) (*domain.Order, error)
	// FindByToken looks the token up only in the column of the given role.
	FindByToken(ctx context.Context, role domain.Role, token string) (*domain.Order, error)
	// List returns matching orders, newest first.
	List(ctx context.Context, filter Filter) ([]*domain.Order, error)
	// Update writes order only if the stored version still equals
	// expectedVersion, appending history entries the store has not seen.
	// On success order.Version is bumped. A lost race returns
	// domain.ErrConflict and changes nothing.
	Update(ctx context.Context, order *domain.Order, expectedVersion int64) error
}
