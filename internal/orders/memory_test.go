package orders

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

func storedOrder(id, number string, created time.Time) *domain.Order {
	o := &domain.Order{
		ID:            id,
		OrderNumber:   number,
		SchemaVersion: domain.SchemaVersion,
		ProductID:     "p-1",
		UserID:        "u-1",
		SellerID:      "s-1",
		Quantity:      1,
		UnitPrice:     100,
		TotalAmount:   100,
		CreatedAt:     created,
	}
	o.Transition(domain.OrderStatusPendingSeller, buyer, "", created)
	return o
}

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("create and read back", func(t *testing.T) {
		s := newStore(t)
		o := storedOrder("11111111-1111-1111-1111-111111111111", "BBHC-1", now)
		require.NoError(t, s.Create(ctx, o))
		assert.Equal(t, int64(1), o.Version)

		got, err := s.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.OrderNumber, got.OrderNumber)
		assert.Len(t, got.StatusHistory, 1)

		got, err = s.GetByNumber(ctx, "BBHC-1")
		require.NoError(t, err)
		assert.Equal(t, o.ID, got.ID)

		_, err = s.Get(ctx, "22222222-2222-2222-2222-222222222222")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("duplicate order number conflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, storedOrder("11111111-1111-1111-1111-111111111111", "BBHC-1", now)))
		err := s.Create(ctx, storedOrder("22222222-2222-2222-2222-222222222222", "BBHC-1", now))
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("update is version guarded", func(t *testing.T) {
		s := newStore(t)
		o := storedOrder("11111111-1111-1111-1111-111111111111", "BBHC-1", now)
		require.NoError(t, s.Create(ctx, o))

		next := o.Clone()
		next.SecureTokenUser = "tok-user"
		next.SecureTokenSeller = "tok-seller"
		next.Transition(domain.OrderStatusSellerAccepted, seller, "", now.Add(time.Minute))
		require.NoError(t, s.Update(ctx, next, 1))
		assert.Equal(t, int64(2), next.Version)

		stale := o.Clone()
		stale.Transition(domain.OrderStatusSellerRejected, seller, "late", now.Add(2*time.Minute))
		assert.ErrorIs(t, s.Update(ctx, stale, 1), domain.ErrConflict)

		got, err := s.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusSellerAccepted, got.Status)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, []domain.OrderStatus{domain.OrderStatusPendingSeller, domain.OrderStatusSellerAccepted}, historyStatuses(got))
	})

	t.Run("tokens only match their role", func(t *testing.T) {
		s := newStore(t)
		o := storedOrder("11111111-1111-1111-1111-111111111111", "BBHC-1", now)
		require.NoError(t, s.Create(ctx, o))
		next := o.Clone()
		next.SecureTokenUser = "tok-user"
		next.SecureTokenSeller = "tok-seller"
		next.Transition(domain.OrderStatusSellerAccepted, seller, "", now)
		require.NoError(t, s.Update(ctx, next, o.Version))

		got, err := s.FindByToken(ctx, domain.RoleSeller, "tok-seller")
		require.NoError(t, err)
		assert.Equal(t, o.ID, got.ID)

		_, err = s.FindByToken(ctx, domain.RoleSeller, "tok-user")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = s.FindByToken(ctx, domain.RoleUser, "")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("list filters newest first", func(t *testing.T) {
		s := newStore(t)
		first := storedOrder("11111111-1111-1111-1111-111111111111", "BBHC-1", now)
		second := storedOrder("22222222-2222-2222-2222-222222222222", "BBHC-2", now.Add(time.Hour))
		second.UserID = "u-2"
		require.NoError(t, s.Create(ctx, first))
		require.NoError(t, s.Create(ctx, second))

		all, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, second.ID, all[0].ID)
		assert.Len(t, all[1].StatusHistory, 1)

		mine, err := s.List(ctx, Filter{UserID: "u-1"})
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, first.ID, mine[0].ID)

		limited, err := s.List(ctx, Filter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		none, err := s.List(ctx, Filter{Status: domain.OrderStatusCompleted})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	o := storedOrder("o-1", "BBHC-1", time.Now())
	require.NoError(t, s.Create(ctx, o))

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	got.Status = domain.OrderStatusCompleted
	got.StatusHistory[0].Note = "tampered"

	again, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPendingSeller, again.Status)
	assert.Empty(t, again.StatusHistory[0].Note)
}
