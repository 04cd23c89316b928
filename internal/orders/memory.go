package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

// MemoryStore is a Store backed by maps. Stored orders are never handed
// out directly; callers always get copies.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*domain.Order
	byNumber map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*domain.Order),
		byNumber: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("%w: order %s already exists", domain.ErrConflict, order.ID)
	}
	if _, ok := m.byNumber[order.OrderNumber]; ok {
		return fmt.Errorf("%w: order number %s is taken", domain.ErrConflict, order.OrderNumber)
	}

	order.Version = 1
	m.orders[order.ID] = order.Clone()
	m.byNumber[order.OrderNumber] = order.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (m *MemoryStore) GetByNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	m.mu.RLock()
	id, ok := m.byNumber[orderNumber]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: order number %s", domain.ErrNotFound, orderNumber)
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) FindByToken(_ context.Context, role domain.Role, token string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if token != "" {
		for _, o := range m.orders {
			if (role == domain.RoleUser && o.SecureTokenUser == token) ||
				(role == domain.RoleSeller && o.SecureTokenSeller == token) {
				return o.Clone(), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no order holds this %s token", domain.ErrNotFound, role)
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*domain.Order{}
	for _, o := range m.orders {
		if filter.UserID != "" && o.UserID != filter.UserID {
			continue
		}
		if filter.SellerID != "" && o.SellerID != filter.SellerID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		out = append(out, o.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, order *domain.Order, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.orders[order.ID]
	if !ok {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, order.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: order %s is at version %d, expected %d",
			domain.ErrConflict, order.ID, current.Version, expectedVersion)
	}
	if len(order.StatusHistory) < len(current.StatusHistory) {
		return fmt.Errorf("order %s: status history cannot shrink", order.ID)
	}

	order.Version = expectedVersion + 1
	m.orders[order.ID] = order.Clone()
	return nil
}
