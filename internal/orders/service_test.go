package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
	"github.com/joao-fontenele/pickup-orderflow/internal/inventory"
	"github.com/joao-fontenele/pickup-orderflow/internal/tokens"
)

var (
	buyer       = domain.Actor{Role: domain.RoleUser, ID: "u-1"}
	otherBuyer  = domain.Actor{Role: domain.RoleUser, ID: "u-2"}
	seller      = domain.Actor{Role: domain.RoleSeller, ID: "s-1"}
	otherSeller = domain.Actor{Role: domain.RoleSeller, ID: "s-2"}
	outlet      = domain.Actor{Role: domain.RoleOutlet, ID: "o-1"}
	master      = domain.Actor{Role: domain.RoleMaster, ID: "m-1"}
)

type staticCatalog map[string]domain.Product

func (c staticCatalog) GetProduct(_ context.Context, id string) (domain.Product, error) {
	p, ok := c[id]
	if !ok {
		return domain.Product{}, fmt.Errorf("%w: product %s", domain.ErrNotFound, id)
	}
	return p, nil
}

type staticDirectory struct {
	users   map[string]domain.PartySnapshot
	sellers map[string]domain.PartySnapshot
}

func (d staticDirectory) GetUser(_ context.Context, id string) (domain.PartySnapshot, error) {
	u, ok := d.users[id]
	if !ok {
		return domain.PartySnapshot{}, fmt.Errorf("%w: user %s", domain.ErrNotFound, id)
	}
	return u, nil
}

func (d staticDirectory) GetSeller(_ context.Context, id string) (domain.PartySnapshot, error) {
	s, ok := d.sellers[id]
	if !ok {
		return domain.PartySnapshot{}, fmt.Errorf("%w: seller %s", domain.ErrNotFound, id)
	}
	return s, nil
}

type recordingHook struct {
	mu     sync.Mutex
	name   string
	events []domain.OrderEvent
	err    error
	panic  bool
}

func (h *recordingHook) Name() string { return h.name }

func (h *recordingHook) AfterCommit(_ context.Context, ev domain.OrderEvent) error {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	if h.panic {
		panic("hook exploded")
	}
	return h.err
}

func (h *recordingHook) types() []domain.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.EventType, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingSink struct {
	mu          sync.Mutex
	completions []domain.Completion
}

func (s *recordingSink) RecordCompletion(_ context.Context, c domain.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, c)
	return nil
}

type fixture struct {
	svc    *Service
	store  Store
	stock  *inventory.MemoryStore
	events *recordingHook
	sink   *recordingSink
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, NewMemoryStore(), opts...)
}

func newFixtureWithStore(t *testing.T, store Store, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stock := inventory.NewMemoryStore()
	_, err := stock.Set(ctx, "p-1", 5)
	require.NoError(t, err)
	_, err = stock.Set(ctx, "p-2", 3)
	require.NoError(t, err)

	issuer, err := tokens.NewIssuer([]byte("test-secret"))
	require.NoError(t, err)

	catalog := staticCatalog{
		"p-1": {ID: "p-1", Name: "Batik Shirt", Price: 15000, SellerRef: "s-1", CommissionRate: 0.15},
		"p-2": {ID: "p-2", Name: "Clay Mug", Price: 4000, SellerRef: "s-gone"},
	}
	directory := staticDirectory{
		users: map[string]domain.PartySnapshot{
			"u-1": {ID: "u-1", Name: "Ayu", Email: "ayu@example.com", Address: "Jl. Merdeka 1"},
			"u-2": {ID: "u-2", Name: "Budi", Phone: "+62811"},
		},
		sellers: map[string]domain.PartySnapshot{
			"s-1": {ID: "s-1", Name: "Batik House", Email: "shop@example.com"},
		},
	}

	events := &recordingHook{name: "recorder"}
	sink := &recordingSink{}
	opts = append([]Option{WithHooks(events, StatisticsHook(sink))}, opts...)

	svc := NewService(store, inventory.NewLedger(stock, nil, logger), issuer, catalog, directory, logger, opts...)
	return &fixture{svc: svc, store: store, stock: stock, events: events, sink: sink}
}

func (f *fixture) available(t *testing.T, productID string) int {
	t.Helper()
	level, err := f.stock.Get(context.Background(), productID)
	require.NoError(t, err)
	return level.Available
}

func (f *fixture) place(t *testing.T, qty int) *domain.Order {
	t.Helper()
	o, err := f.svc.Place(context.Background(), buyer, PlaceInput{ProductID: "p-1", Quantity: qty})
	require.NoError(t, err)
	return o
}

func (f *fixture) accepted(t *testing.T, qty int) *domain.Order {
	t.Helper()
	o, err := f.svc.Accept(context.Background(), seller, f.place(t, qty).ID)
	require.NoError(t, err)
	return o
}

func historyStatuses(o *domain.Order) []domain.OrderStatus {
	out := make([]domain.OrderStatus, 0, len(o.StatusHistory))
	for _, h := range o.StatusHistory {
		out = append(out, h.Status)
	}
	return out
}

func TestService_Place(t *testing.T) {
	ctx := context.Background()

	t.Run("reserves stock and snapshots the parties", func(t *testing.T) {
		f := newFixture(t)

		o, err := f.svc.Place(ctx, buyer, PlaceInput{ProductID: "p-1", Quantity: 2})
		require.NoError(t, err)

		assert.Equal(t, domain.OrderStatusPendingSeller, o.Status)
		assert.Equal(t, int64(30000), o.TotalAmount)
		assert.Equal(t, 0.15, o.CommissionRate)
		assert.Equal(t, "s-1", o.SellerID)
		assert.Equal(t, "Ayu", o.UserSnapshot.Name)
		require.NotNil(t, o.SellerSnapshot)
		assert.Equal(t, "Batik House", o.SellerSnapshot.Name)
		assert.Equal(t, "Jl. Merdeka 1", o.DeliveryAddress)
		assert.Equal(t, domain.DefaultPickupLocation, o.PickupLocation)
		assert.Equal(t, domain.DefaultMetadata(), o.Metadata)
		assert.Regexp(t, `^BBHC-\d{14}-\d{3}$`, o.OrderNumber)
		assert.Equal(t, []domain.OrderStatus{domain.OrderStatusPendingSeller}, historyStatuses(o))
		assert.Equal(t, "user:u-1", o.StatusHistory[0].UpdatedBy)
		assert.Empty(t, o.SecureTokenUser)
		assert.Equal(t, 3, f.available(t, "p-1"))

		stored, err := f.store.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.OrderNumber, stored.OrderNumber)
		assert.Equal(t, []domain.EventType{domain.EventOrderPlaced}, f.events.types())
	})

	t.Run("missing seller profile is tolerated", func(t *testing.T) {
		f := newFixture(t)

		o, err := f.svc.Place(ctx, buyer, PlaceInput{ProductID: "p-2", Quantity: 1})
		require.NoError(t, err)
		assert.Nil(t, o.SellerSnapshot)
		assert.Equal(t, domain.DefaultCommissionRate, o.CommissionRate)
	})

	t.Run("out of stock writes nothing", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Place(ctx, buyer, PlaceInput{ProductID: "p-1", Quantity: 6})
		assert.ErrorIs(t, err, domain.ErrOutOfStock)

		list, err := f.store.List(ctx, Filter{})
		require.NoError(t, err)
		assert.Empty(t, list)
		assert.Equal(t, 5, f.available(t, "p-1"))
		assert.Empty(t, f.events.types())
	})

	t.Run("rejects bad input", func(t *testing.T) {
		f := newFixture(t)

		tests := []struct {
			name  string
			actor domain.Actor
			in    PlaceInput
			want  error
		}{
			{"zero quantity", buyer, PlaceInput{ProductID: "p-1"}, domain.ErrValidation},
			{"negative quantity", buyer, PlaceInput{ProductID: "p-1", Quantity: -1}, domain.ErrValidation},
			{"missing product", buyer, PlaceInput{Quantity: 1}, domain.ErrValidation},
			{"unknown product", buyer, PlaceInput{ProductID: "nope", Quantity: 1}, domain.ErrNotFound},
			{"unknown buyer", domain.Actor{Role: domain.RoleUser, ID: "ghost"}, PlaceInput{ProductID: "p-1", Quantity: 1}, domain.ErrNotFound},
			{"seller cannot buy", seller, PlaceInput{ProductID: "p-1", Quantity: 1}, domain.ErrUnauthorized},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.svc.Place(ctx, tt.actor, tt.in)
				assert.ErrorIs(t, err, tt.want)
			})
		}
		assert.Equal(t, 5, f.available(t, "p-1"))
	})

	t.Run("gives stock back when the order cannot be stored", func(t *testing.T) {
		f := newFixtureWithStore(t, &failingStore{Store: NewMemoryStore(), createErr: errors.New("disk full")})

		_, err := f.svc.Place(ctx, buyer, PlaceInput{ProductID: "p-1", Quantity: 2})
		require.Error(t, err)
		assert.Equal(t, 5, f.available(t, "p-1"))
		assert.Empty(t, f.events.types())
	})
}

type failingStore struct {
	Store
	createErr error
}

func (s *failingStore) Create(ctx context.Context, o *domain.Order) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.Store.Create(ctx, o)
}

func TestService_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	placed := f.place(t, 2)

	accepted, err := f.svc.Accept(ctx, seller, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSellerAccepted, accepted.Status)
	require.NotEmpty(t, accepted.SecureTokenUser)
	require.NotEmpty(t, accepted.SecureTokenSeller)
	assert.NotEqual(t, accepted.SecureTokenUser, accepted.SecureTokenSeller)
	assert.Equal(t, domain.QRPayload(accepted.OrderNumber, domain.RoleUser, accepted.SecureTokenUser), accepted.QRCodeData)

	handed, err := f.svc.ScanSellerToken(ctx, outlet, ScanInput{Token: accepted.SecureTokenSeller, OrderID: placed.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusHandedOver, handed.Status)
	assert.True(t, handed.TokenUsedSeller)
	assert.False(t, handed.TokenUsedUser)

	completed, err := f.svc.ScanUserToken(ctx, outlet, ScanInput{Token: accepted.SecureTokenUser, OrderNumber: placed.OrderNumber})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, completed.Status)
	assert.True(t, completed.TokenUsedUser)

	assert.Equal(t, []domain.OrderStatus{
		domain.OrderStatusPendingSeller,
		domain.OrderStatusSellerAccepted,
		domain.OrderStatusHandedOver,
		domain.OrderStatusCompleted,
	}, historyStatuses(completed))
	assert.Equal(t, placed.StatusHistory[0], completed.StatusHistory[0])
	assert.Equal(t, 3, f.available(t, "p-1"))

	assert.Equal(t, []domain.EventType{
		domain.EventOrderPlaced,
		domain.EventOrderAccepted,
		domain.EventOrderHandedOver,
		domain.EventOrderCompleted,
	}, f.events.types())

	require.Len(t, f.sink.completions, 1)
	assert.Equal(t, int64(30000), f.sink.completions[0].TotalAmount)
	assert.Equal(t, "s-1", f.sink.completions[0].SellerID)
	assert.Equal(t, 0.15, f.sink.completions[0].CommissionRate)
}

func TestService_RejectAndCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("reject restores stock", func(t *testing.T) {
		f := newFixture(t)
		o := f.place(t, 2)
		require.Equal(t, 3, f.available(t, "p-1"))

		rejected, err := f.svc.Reject(ctx, seller, o.ID, "out of fabric")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusSellerRejected, rejected.Status)
		assert.Equal(t, "out of fabric", rejected.RejectionReason)
		assert.Equal(t, "seller:s-1", rejected.RejectedBy)
		assert.Equal(t, 5, f.available(t, "p-1"))
	})

	t.Run("reject needs a reason", func(t *testing.T) {
		f := newFixture(t)
		o := f.place(t, 1)

		_, err := f.svc.Reject(ctx, seller, o.ID, "  ")
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("only the owning seller decides", func(t *testing.T) {
		f := newFixture(t)
		o := f.place(t, 1)

		_, err := f.svc.Accept(ctx, otherSeller, o.ID)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
		_, err = f.svc.Accept(ctx, buyer, o.ID)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("buyer cancels while pending", func(t *testing.T) {
		f := newFixture(t)
		o := f.place(t, 1)

		cancelled, err := f.svc.Cancel(ctx, buyer, o.ID, "")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
		assert.Equal(t, 5, f.available(t, "p-1"))
	})

	t.Run("another buyer cannot cancel", func(t *testing.T) {
		f := newFixture(t)
		o := f.place(t, 1)

		_, err := f.svc.Cancel(ctx, otherBuyer, o.ID, "")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("cancel after acceptance is refused", func(t *testing.T) {
		f := newFixture(t)
		o := f.accepted(t, 1)

		_, err := f.svc.Cancel(ctx, buyer, o.ID, "")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		assert.Contains(t, err.Error(), string(domain.OrderStatusSellerAccepted))
		assert.Equal(t, 4, f.available(t, "p-1"))
	})

	t.Run("unknown order", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Accept(ctx, seller, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestService_Scans(t *testing.T) {
	ctx := context.Background()

	t.Run("user token before handover is rejected", func(t *testing.T) {
		f := newFixture(t)
		o := f.accepted(t, 1)

		_, err := f.svc.ScanUserToken(ctx, outlet, ScanInput{Token: o.SecureTokenUser})
		assert.ErrorIs(t, err, domain.ErrTokenRejected)

		stored, err := f.store.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusSellerAccepted, stored.Status)
		assert.False(t, stored.TokenUsedUser)
	})

	t.Run("a token works once", func(t *testing.T) {
		f := newFixture(t)
		o := f.accepted(t, 1)

		_, err := f.svc.ScanSellerToken(ctx, outlet, ScanInput{Token: o.SecureTokenSeller})
		require.NoError(t, err)
		_, err = f.svc.ScanSellerToken(ctx, outlet, ScanInput{Token: o.SecureTokenSeller})
		assert.ErrorIs(t, err, domain.ErrTokenRejected)
	})

	t.Run("tokens only match their own role", func(t *testing.T) {
		f := newFixture(t)
		o := f.accepted(t, 1)

		_, err := f.svc.ScanSellerToken(ctx, outlet, ScanInput{Token: o.SecureTokenUser})
		assert.ErrorIs(t, err, domain.ErrTokenRejected)
	})

	t.Run("token for another order", func(t *testing.T) {
		f := newFixture(t)
		o := f.accepted(t, 1)
		other := f.place(t, 1)

		_, err := f.svc.ScanSellerToken(ctx, outlet, ScanInput{Token: o.SecureTokenSeller, OrderID: other.ID})
		assert.ErrorIs(t, err, domain.ErrTokenRejected)
	})

	t.Run("unknown and empty tokens", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.ScanSellerToken(ctx, outlet, ScanInput{Token: "bogus"})
		assert.ErrorIs(t, err, domain.ErrTokenRejected)
		_, err = f.svc.ScanUserToken(ctx, outlet, ScanInput{})
		assert.ErrorIs(t, err, domain.ErrTokenRejected)
	})

	t.Run("only the owning seller may scan the seller token", func(t *testing.T) {
		f := newFixture(t)
		o := f.accepted(t, 1)

		_, err := f.svc.ScanSellerToken(ctx, otherSeller, ScanInput{Token: o.SecureTokenSeller})
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
		_, err = f.svc.ScanSellerToken(ctx, seller, ScanInput{Token: o.SecureTokenSeller})
		assert.NoError(t, err)
	})

	t.Run("qr payloads dispatch by role", func(t *testing.T) {
		f := newFixture(t)
		o := f.accepted(t, 1)

		handed, err := f.svc.Scan(ctx, outlet, domain.QRPayload(o.OrderNumber, domain.RoleSeller, o.SecureTokenSeller))
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusHandedOver, handed.Status)

		done, err := f.svc.Scan(ctx, outlet, o.QRCodeData)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCompleted, done.Status)

		_, err = f.svc.Scan(ctx, outlet, "not a qr")
		assert.ErrorIs(t, err, domain.ErrTokenRejected)
	})
}

func TestService_ConcurrentScansOfOneToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.accepted(t, 1)

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ScanSellerToken(ctx, outlet, ScanInput{Token: o.SecureTokenSeller})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrTokenRejected):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, rejected)

	stored, err := f.store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.OrderStatus{
		domain.OrderStatusPendingSeller,
		domain.OrderStatusSellerAccepted,
		domain.OrderStatusHandedOver,
	}, historyStatuses(stored))
}

func TestService_ConcurrentAcceptAndReject(t *testing.T) {
	ctx := context.Background()

	for i := range 20 {
		t.Run(fmt.Sprintf("round %d", i), func(t *testing.T) {
			f := newFixture(t)
			o := f.place(t, 1)

			var (
				wg                   sync.WaitGroup
				acceptErr, rejectErr error
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, acceptErr = f.svc.Accept(ctx, seller, o.ID)
			}()
			go func() {
				defer wg.Done()
				_, rejectErr = f.svc.Reject(ctx, seller, o.ID, "changed my mind")
			}()
			wg.Wait()

			require.True(t, (acceptErr == nil) != (rejectErr == nil), "exactly one must win: accept=%v reject=%v", acceptErr, rejectErr)

			stored, err := f.store.Get(ctx, o.ID)
			require.NoError(t, err)
			require.Len(t, stored.StatusHistory, 2)

			if acceptErr == nil {
				assert.ErrorIs(t, rejectErr, domain.ErrInvalidTransition)
				assert.Equal(t, domain.OrderStatusSellerAccepted, stored.Status)
				assert.Equal(t, 4, f.available(t, "p-1"))
			} else {
				assert.ErrorIs(t, acceptErr, domain.ErrInvalidTransition)
				assert.Equal(t, domain.OrderStatusSellerRejected, stored.Status)
				assert.Equal(t, 5, f.available(t, "p-1"))
			}
		})
	}
}

func TestService_StockNeverOversold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		placed  int
		soldOut int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Place(ctx, buyer, PlaceInput{ProductID: "p-1", Quantity: 1})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				placed++
			case errors.Is(err, domain.ErrOutOfStock):
				soldOut++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, placed)
	assert.Equal(t, n-5, soldOut)
	assert.Equal(t, 0, f.available(t, "p-1"))
}

func TestService_TransitionTable(t *testing.T) {
	ctx := context.Background()

	// Drive an order into each state, then try every action on it as
	// every kind of actor.
	reach := map[domain.OrderStatus]func(t *testing.T, f *fixture) *domain.Order{
		domain.OrderStatusPendingSeller:  func(t *testing.T, f *fixture) *domain.Order { return f.place(t, 1) },
		domain.OrderStatusSellerAccepted: func(t *testing.T, f *fixture) *domain.Order { return f.accepted(t, 1) },
		domain.OrderStatusHandedOver: func(t *testing.T, f *fixture) *domain.Order {
			o := f.accepted(t, 1)
			o, err := f.svc.ScanSellerToken(ctx, outlet, ScanInput{Token: o.SecureTokenSeller})
			require.NoError(t, err)
			return o
		},
		domain.OrderStatusCompleted: func(t *testing.T, f *fixture) *domain.Order {
			o := f.accepted(t, 1)
			o, err := f.svc.ScanSellerToken(ctx, outlet, ScanInput{Token: o.SecureTokenSeller})
			require.NoError(t, err)
			o, err = f.svc.ScanUserToken(ctx, outlet, ScanInput{Token: o.SecureTokenUser})
			require.NoError(t, err)
			return o
		},
		domain.OrderStatusSellerRejected: func(t *testing.T, f *fixture) *domain.Order {
			o, err := f.svc.Reject(ctx, seller, f.place(t, 1).ID, "no")
			require.NoError(t, err)
			return o
		},
		domain.OrderStatusCancelled: func(t *testing.T, f *fixture) *domain.Order {
			o, err := f.svc.Cancel(ctx, buyer, f.place(t, 1).ID, "")
			require.NoError(t, err)
			return o
		},
		domain.OrderStatusCancelledMaster: func(t *testing.T, f *fixture) *domain.Order {
			o, err := f.svc.MasterCancel(ctx, master, f.accepted(t, 1).ID, "CONFIRM", "fraud")
			require.NoError(t, err)
			return o
		},
	}

	allowedFrom := map[Action][]domain.OrderStatus{
		ActionAccept:         {domain.OrderStatusPendingSeller},
		ActionReject:         {domain.OrderStatusPendingSeller},
		ActionCancel:         {domain.OrderStatusPendingSeller},
		ActionScanSeller:     {domain.OrderStatusSellerAccepted},
		ActionScanUser:       {domain.OrderStatusHandedOver},
		ActionMasterCancel:   {domain.OrderStatusSellerAccepted, domain.OrderStatusHandedOver},
		ActionOverrideStatus: {domain.OrderStatusPendingSeller},
	}
	permitted := map[Action][]domain.Actor{
		ActionAccept:         {seller},
		ActionReject:         {seller},
		ActionCancel:         {buyer},
		ActionScanSeller:     {seller, outlet},
		ActionScanUser:       {buyer, outlet},
		ActionMasterCancel:   {master},
		ActionOverrideStatus: {master, outlet},
	}
	do := map[Action]func(f *fixture, actor domain.Actor, o *domain.Order) error{
		ActionAccept: func(f *fixture, actor domain.Actor, o *domain.Order) error {
			_, err := f.svc.Accept(ctx, actor, o.ID)
			return err
		},
		ActionReject: func(f *fixture, actor domain.Actor, o *domain.Order) error {
			_, err := f.svc.Reject(ctx, actor, o.ID, "no")
			return err
		},
		ActionCancel: func(f *fixture, actor domain.Actor, o *domain.Order) error {
			_, err := f.svc.Cancel(ctx, actor, o.ID, "")
			return err
		},
		ActionScanSeller: func(f *fixture, actor domain.Actor, o *domain.Order) error {
			_, err := f.svc.ScanSellerToken(ctx, actor, ScanInput{Token: o.SecureTokenSeller})
			return err
		},
		ActionScanUser: func(f *fixture, actor domain.Actor, o *domain.Order) error {
			_, err := f.svc.ScanUserToken(ctx, actor, ScanInput{Token: o.SecureTokenUser})
			return err
		},
		ActionMasterCancel: func(f *fixture, actor domain.Actor, o *domain.Order) error {
			_, err := f.svc.MasterCancel(ctx, actor, o.ID, "CONFIRM", "fraud")
			return err
		},
		ActionOverrideStatus: func(f *fixture, actor domain.Actor, o *domain.Order) error {
			_, err := f.svc.OverrideStatus(ctx, actor, o.ID, domain.OrderStatusCancelled, "closed")
			return err
		},
	}
	actors := []domain.Actor{buyer, otherBuyer, seller, otherSeller, outlet, master}

	for action, run := range do {
		for status, setup := range reach {
			for _, actor := range actors {
				t.Run(fmt.Sprintf("%s from %s as %s", action, status, actor.Tag()), func(t *testing.T) {
					f := newFixture(t)
					o := setup(t, f)
					require.Equal(t, status, o.Status)

					err := run(f, actor, o)

					if slices.Contains(permitted[action], actor) && slices.Contains(allowedFrom[action], status) {
						assert.NoError(t, err)
						return
					}

					scan := action == ActionScanSeller || action == ActionScanUser
					noToken := (action == ActionScanSeller && o.SecureTokenSeller == "") ||
						(action == ActionScanUser && o.SecureTokenUser == "")
					switch {
					case scan && noToken:
						assert.ErrorIs(t, err, domain.ErrTokenRejected)
					case !slices.Contains(permitted[action], actor):
						assert.ErrorIs(t, err, domain.ErrUnauthorized)
					case scan:
						// spent or not yet valid tokens are refused before the state table
						assert.True(t, errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrTokenRejected), "got %v", err)
					default:
						assert.ErrorIs(t, err, domain.ErrInvalidTransition)
					}

					stored, err := f.store.Get(ctx, o.ID)
					require.NoError(t, err)
					assert.Equal(t, status, stored.Status)
					assert.Equal(t, o.Version, stored.Version)
					assert.Len(t, stored.StatusHistory, len(o.StatusHistory))
				})
			}
		}
	}
}

func TestService_MasterCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("restores stock from handed over", func(t *testing.T) {
		f := newFixture(t)
		o := f.accepted(t, 2)
		_, err := f.svc.ScanSellerToken(ctx, outlet, ScanInput{Token: o.SecureTokenSeller})
		require.NoError(t, err)

		cancelled, err := f.svc.MasterCancel(ctx, master, o.ID, "CONFIRM", "buyer never came")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCancelledMaster, cancelled.Status)
		assert.True(t, cancelled.CancelledByMaster)
		assert.Equal(t, "CONFIRM", cancelled.CancellationCode)
		assert.Equal(t, "buyer never came", cancelled.RejectionReason)
		assert.Equal(t, 5, f.available(t, "p-1"))
	})

	t.Run("code and reason are required", func(t *testing.T) {
		f := newFixture(t)
		o := f.accepted(t, 1)

		_, err := f.svc.MasterCancel(ctx, master, o.ID, "", "fraud")
		assert.ErrorIs(t, err, domain.ErrValidation)
		_, err = f.svc.MasterCancel(ctx, master, o.ID, "CONFIRM", "")
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("configured code must match", func(t *testing.T) {
		f := newFixture(t, WithMasterCancelCode("s3cret"))
		o := f.accepted(t, 1)

		_, err := f.svc.MasterCancel(ctx, master, o.ID, "guess", "fraud")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
		_, err = f.svc.MasterCancel(ctx, master, o.ID, "s3cret", "fraud")
		assert.NoError(t, err)
	})

	t.Run("masters only", func(t *testing.T) {
		f := newFixture(t)
		o := f.accepted(t, 1)

		_, err := f.svc.MasterCancel(ctx, outlet, o.ID, "CONFIRM", "fraud")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})
}

func TestService_OverrideStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("to completed issues spent tokens and records revenue", func(t *testing.T) {
		f := newFixture(t)
		o := f.place(t, 1)

		done, err := f.svc.OverrideStatus(ctx, master, o.ID, domain.OrderStatusCompleted, "paid offline")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCompleted, done.Status)
		assert.NotEmpty(t, done.SecureTokenUser)
		assert.True(t, done.TokenUsedUser)
		assert.True(t, done.TokenUsedSeller)
		assert.Len(t, f.sink.completions, 1)
		assert.Equal(t, 4, f.available(t, "p-1"))
	})

	t.Run("to accepted leaves tokens usable", func(t *testing.T) {
		f := newFixture(t)
		o := f.place(t, 1)

		acc, err := f.svc.OverrideStatus(ctx, outlet, o.ID, domain.OrderStatusSellerAccepted, "")
		require.NoError(t, err)
		_, err = f.svc.ScanSellerToken(ctx, outlet, ScanInput{Token: acc.SecureTokenSeller})
		assert.NoError(t, err)
	})

	t.Run("to rejected restores stock", func(t *testing.T) {
		f := newFixture(t)
		o := f.place(t, 2)

		rej, err := f.svc.OverrideStatus(ctx, master, o.ID, domain.OrderStatusSellerRejected, "seller unreachable")
		require.NoError(t, err)
		assert.Equal(t, "seller unreachable", rej.RejectionReason)
		assert.Equal(t, 5, f.available(t, "p-1"))
		assert.Equal(t, []domain.EventType{domain.EventOrderPlaced, domain.EventOrderStatusOverride}, f.events.types())
	})

	t.Run("bad targets and actors", func(t *testing.T) {
		f := newFixture(t)
		o := f.place(t, 1)

		_, err := f.svc.OverrideStatus(ctx, master, o.ID, domain.OrderStatusPendingSeller, "")
		assert.ErrorIs(t, err, domain.ErrValidation)
		_, err = f.svc.OverrideStatus(ctx, master, o.ID, "shipped", "")
		assert.ErrorIs(t, err, domain.ErrValidation)
		_, err = f.svc.OverrideStatus(ctx, seller, o.ID, domain.OrderStatusCompleted, "")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("only from pending", func(t *testing.T) {
		f := newFixture(t)
		o := f.accepted(t, 1)

		_, err := f.svc.OverrideStatus(ctx, master, o.ID, domain.OrderStatusCompleted, "")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestService_HooksCannotFailTransitions(t *testing.T) {
	ctx := context.Background()
	failing := &recordingHook{name: "failing", err: errors.New("smtp down")}
	panicking := &recordingHook{name: "panicking", panic: true}
	after := &recordingHook{name: "after"}

	f := newFixture(t, WithHooks(failing, panicking, after), WithHookTimeout(time.Second))

	o, err := f.svc.Place(ctx, buyer, PlaceInput{ProductID: "p-1", Quantity: 1})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, seller, o.ID)
	require.NoError(t, err)

	assert.Len(t, failing.events, 2)
	assert.Len(t, panicking.events, 2)
	assert.Len(t, after.events, 2)
}

func TestService_HooksOutliveTheRequest(t *testing.T) {
	var hookErr error
	check := hookFunc(func(ctx context.Context, _ domain.OrderEvent) error {
		hookErr = ctx.Err()
		return nil
	})
	f := newFixture(t, WithHooks(check))

	o := f.place(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The store ignores cancellation, so only the hook context is under test.
	_, err := f.svc.Accept(ctx, seller, o.ID)
	require.NoError(t, err)
	assert.NoError(t, hookErr)
}

type hookFunc func(ctx context.Context, ev domain.OrderEvent) error

func (hookFunc) Name() string { return "func" }

func (f hookFunc) AfterCommit(ctx context.Context, ev domain.OrderEvent) error { return f(ctx, ev) }

func TestService_Reads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	mine := f.place(t, 1)
	theirs, err := f.svc.Place(ctx, otherBuyer, PlaceInput{ProductID: "p-1", Quantity: 1})
	require.NoError(t, err)

	t.Run("get is scoped", func(t *testing.T) {
		_, err := f.svc.Get(ctx, buyer, theirs.ID)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
		_, err = f.svc.Get(ctx, otherSeller, mine.ID)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)

		for _, a := range []domain.Actor{buyer, seller, outlet, master} {
			got, err := f.svc.Get(ctx, a, mine.ID)
			require.NoError(t, err)
			assert.Equal(t, mine.ID, got.ID)
		}
	})

	t.Run("list is scoped", func(t *testing.T) {
		list, err := f.svc.List(ctx, buyer, Filter{UserID: otherBuyer.ID})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, mine.ID, list[0].ID)

		list, err = f.svc.List(ctx, seller, Filter{})
		require.NoError(t, err)
		assert.Len(t, list, 2)

		list, err = f.svc.List(ctx, otherSeller, Filter{})
		require.NoError(t, err)
		assert.Empty(t, list)

		list, err = f.svc.List(ctx, master, Filter{UserID: otherBuyer.ID})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, theirs.ID, list[0].ID)
	})

	t.Run("list rejects unknown status", func(t *testing.T) {
		_, err := f.svc.List(ctx, master, Filter{Status: "shipped"})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}
