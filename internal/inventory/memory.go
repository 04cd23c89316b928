package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

// MemoryStore keeps stock in a map guarded by a mutex.
type MemoryStore struct {
	mu    sync.Mutex
	stock map[string]domain.StockLevel
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stock: make(map[string]domain.StockLevel),
		now:   time.Now,
	}
}

func (m *MemoryStore) Reserve(_ context.Context, productID string, qty int) (domain.StockLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	level, ok := m.stock[productID]
	if !ok {
		return domain.StockLevel{}, fmt.Errorf("%w: product %s has no stock record", domain.ErrNotFound, productID)
	}
	if level.Available < qty {
		return domain.StockLevel{}, fmt.Errorf("%w: product %s has %d available, %d requested",
			domain.ErrOutOfStock, productID, level.Available, qty)
	}

	level.Available -= qty
	level.UpdatedAt = m.now().UTC()
	m.stock[productID] = level
	return level, nil
}

func (m *MemoryStore) Restore(_ context.Context, productID string, qty int) (domain.StockLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	level, ok := m.stock[productID]
	if !ok {
		return domain.StockLevel{}, fmt.Errorf("%w: product %s has no stock record", domain.ErrNotFound, productID)
	}

	level.Available += qty
	level.UpdatedAt = m.now().UTC()
	m.stock[productID] = level
	return level, nil
}

func (m *MemoryStore) Get(_ context.Context, productID string) (domain.StockLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	level, ok := m.stock[productID]
	if !ok {
		return domain.StockLevel{}, fmt.Errorf("%w: product %s has no stock record", domain.ErrNotFound, productID)
	}
	return level, nil
}

func (m *MemoryStore) List(_ context.Context) ([]domain.StockLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := make([]domain.StockLevel, 0, len(m.stock))
	for _, level := range m.stock {
		items = append(items, level)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	return items, nil
}

func (m *MemoryStore) Set(_ context.Context, productID string, available int) (domain.StockLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	level := domain.StockLevel{ProductID: productID, Available: available, UpdatedAt: m.now().UTC()}
	m.stock[productID] = level
	return level, nil
}
