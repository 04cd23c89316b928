package orders

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

var tracer = otel.Tracer("orders")

const (
	defaultHookTimeout = 5 * time.Second
	restoreAttempts    = 3
	restoreBackoff     = 50 * time.Millisecond
	orderNumberRetries = 3
)

// Service is the order workflow engine. It is the only writer of order
// status: every change goes through a guarded, version-checked transition.
type Service struct {
	store    Store
	ledger   StockLedger
	issuer   TokenIssuer
	catalog  ProductCatalog
	identity IdentityDirectory
	hooks    []Hook
	logger   *slog.Logger
	validate *validator.Validate
	metrics  *metrics

	now         func() time.Time
	hookTimeout time.Duration
	hookQueue   int
	dispatcher  *hookDispatcher
	masterCode  string
}

type Option func(*Service)

func WithHooks(hooks ...Hook) Option {
	return func(s *Service) { s.hooks = append(s.hooks, hooks...) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithHookTimeout(d time.Duration) Option {
	return func(s *Service) { s.hookTimeout = d }
}

// WithAsyncHooks runs hooks in the background with up to size events
// waiting. When the queue is full the request runs them itself.
// Call Close on shutdown to drain it.
func WithAsyncHooks(size int) Option {
	return func(s *Service) { s.hookQueue = size }
}

// WithMasterCancelCode makes MasterCancel compare the confirmation code
// against code. Without it any non-empty code is accepted.
func WithMasterCancelCode(code string) Option {
	return func(s *Service) { s.masterCode = code }
}

func NewService(store Store, ledger StockLedger, issuer TokenIssuer, catalog ProductCatalog, identity IdentityDirectory, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		ledger:      ledger,
		issuer:      issuer,
		catalog:     catalog,
		identity:    identity,
		logger:      logger,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		metrics:     newMetrics(),
		now:         time.Now,
		hookTimeout: defaultHookTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hookQueue > 0 {
		s.dispatcher = newHookDispatcher(s.hookQueue, s.runHooks)
	}
	return s
}

// Close waits for queued hooks to finish. It is a no-op for a service
// running hooks inline.
func (s *Service) Close(ctx context.Context) error {
	if s.dispatcher == nil {
		return nil
	}
	return s.dispatcher.close(ctx)
}

type PlaceInput struct {
	ProductID       string           `json:"product_id" validate:"required,max=64"`
	Quantity        int              `json:"quantity" validate:"required,gt=0,lte=100"`
	OutletID        string           `json:"outlet_id" validate:"max=64"`
	DeliveryAddress string           `json:"delivery_address" validate:"max=500"`
	Metadata        *domain.Metadata `json:"metadata"`
}

// Place reserves stock and creates a pending order. If stock cannot be
// reserved nothing is written; if the order cannot be written the
// reservation is given back.
func (s *Service) Place(ctx context.Context, actor domain.Actor, in PlaceInput) (_ *domain.Order, err error) {
	ctx, done := s.observe(ctx, ActionPlace)
	defer done(&err)

	if err := authorize(ActionPlace, actor, nil); err != nil {
		return nil, err
	}
	if err := s.validateStruct(in); err != nil {
		return nil, err
	}

	var (
		product domain.Product
		buyer   domain.PartySnapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.catalog.GetProduct(gctx, in.ProductID)
		if err != nil {
			return fmt.Errorf("product %s: %w", in.ProductID, err)
		}
		product = p
		return nil
	})
	g.Go(func() error {
		u, err := s.identity.GetUser(gctx, actor.ID)
		if err != nil {
			return fmt.Errorf("buyer %s: %w", actor.ID, err)
		}
		buyer = u
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var seller *domain.PartySnapshot
	if product.SellerRef != "" {
		sp, err := s.identity.GetSeller(ctx, product.SellerRef)
		switch {
		case err == nil:
			seller = &sp
		case errors.Is(err, domain.ErrNotFound):
			s.logger.Warn("seller not found, order has no seller snapshot", "seller_id", product.SellerRef, "product_id", product.ID)
		default:
			return nil, fmt.Errorf("seller %s: %w", product.SellerRef, err)
		}
	}

	if _, err := s.ledger.Reserve(ctx, product.ID, in.Quantity); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	snapshot := product.Snapshot()
	order := &domain.Order{
		ID:                 uuid.New().String(),
		SchemaVersion:      domain.SchemaVersion,
		ProductID:          product.ID,
		UserID:             actor.ID,
		SellerID:           product.SellerRef,
		OutletID:           in.OutletID,
		Quantity:           in.Quantity,
		UnitPrice:          product.Price,
		TotalAmount:        int64(in.Quantity) * product.Price,
		CommissionRate:     snapshot.CommissionRate,
		ProductSnapshot:    snapshot,
		UserSnapshot:       buyer,
		SellerSnapshot:     seller,
		PickupLocation:     domain.DefaultPickupLocation,
		PickupInstructions: domain.DefaultPickupInstructions,
		DeliveryAddress:    in.DeliveryAddress,
		Metadata:           domain.DefaultMetadata(),
		CreatedAt:          now,
	}
	if order.DeliveryAddress == "" {
		order.DeliveryAddress = buyer.Address
	}
	if in.Metadata != nil {
		order.Metadata = *in.Metadata
	}
	order.Transition(domain.OrderStatusPendingSeller, actor, "Order placed", now)

	if err := s.create(ctx, order); err != nil {
		s.releaseStock(ctx, order)
		return nil, err
	}

	s.logger.Info("order placed",
		"order_id", order.ID,
		"order_number", order.OrderNumber,
		"product_id", order.ProductID,
		"quantity", order.Quantity,
		"user_id", order.UserID,
	)
	s.afterCommit(ctx, domain.OrderEvent{Type: domain.EventOrderPlaced, Order: *order, Actor: actor, At: now})

	return order, nil
}

func (s *Service) create(ctx context.Context, order *domain.Order) error {
	for attempt := 1; ; attempt++ {
		order.OrderNumber = domain.NewOrderNumber(order.CreatedAt)
		if err := order.Validate(); err != nil {
			return err
		}
		err := s.store.Create(ctx, order)
		if err == nil || !errors.Is(err, domain.ErrConflict) || attempt == orderNumberRetries {
			return err
		}
	}
}

func (s *Service) Accept(ctx context.Context, actor domain.Actor, orderID string) (_ *domain.Order, err error) {
	ctx, done := s.observe(ctx, ActionAccept)
	defer done(&err)

	return s.run(ctx, actor, transition{
		action: ActionAccept,
		load:   s.byID(orderID),
		apply: func(o *domain.Order, at time.Time) (domain.EventType, error) {
			if err := s.issueTokens(o); err != nil {
				return "", err
			}
			o.Transition(domain.OrderStatusSellerAccepted, actor, "Seller accepted the order", at)
			return domain.EventOrderAccepted, nil
		},
	})
}

func (s *Service) Reject(ctx context.Context, actor domain.Actor, orderID, reason string) (_ *domain.Order, err error) {
	ctx, done := s.observe(ctx, ActionReject)
	defer done(&err)

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a rejection reason is required", domain.ErrValidation)
	}

	return s.run(ctx, actor, transition{
		action: ActionReject,
		load:   s.byID(orderID),
		apply: func(o *domain.Order, at time.Time) (domain.EventType, error) {
			o.RejectionReason = reason
			o.RejectedBy = actor.Tag()
			o.Transition(domain.OrderStatusSellerRejected, actor, reason, at)
			return domain.EventOrderRejected, nil
		},
	})
}

func (s *Service) Cancel(ctx context.Context, actor domain.Actor, orderID, note string) (_ *domain.Order, err error) {
	ctx, done := s.observe(ctx, ActionCancel)
	defer done(&err)

	note = strings.TrimSpace(note)
	if note == "" {
		note = "Cancelled by buyer"
	}

	return s.run(ctx, actor, transition{
		action: ActionCancel,
		load:   s.byID(orderID),
		apply: func(o *domain.Order, at time.Time) (domain.EventType, error) {
			o.Transition(domain.OrderStatusCancelled, actor, note, at)
			return domain.EventOrderCancelled, nil
		},
	})
}

// ScanInput identifies a token presented at the outlet. OrderID and
// OrderNumber are optional cross-checks against the order the token
// resolves to.
type ScanInput struct {
	Token       string `json:"token"`
	OrderID     string `json:"order_id,omitempty"`
	OrderNumber string `json:"order_number,omitempty"`
}

// ScanSellerToken confirms the seller handed the product over.
func (s *Service) ScanSellerToken(ctx context.Context, actor domain.Actor, in ScanInput) (_ *domain.Order, err error) {
	ctx, done := s.observe(ctx, ActionScanSeller)
	defer done(&err)

	return s.run(ctx, actor, transition{
		action: ActionScanSeller,
		load:   s.byToken(domain.RoleSeller, in),
		check: func(o *domain.Order) error {
			if o.TokenUsedSeller {
				return fmt.Errorf("%w: seller token for order %s was already used", domain.ErrTokenRejected, o.OrderNumber)
			}
			return nil
		},
		apply: func(o *domain.Order, at time.Time) (domain.EventType, error) {
			o.TokenUsedSeller = true
			o.Transition(domain.OrderStatusHandedOver, actor, "Seller handed the product over at the outlet", at)
			return domain.EventOrderHandedOver, nil
		},
	})
}

// ScanUserToken confirms the buyer paid and collected the product.
func (s *Service) ScanUserToken(ctx context.Context, actor domain.Actor, in ScanInput) (_ *domain.Order, err error) {
	ctx, done := s.observe(ctx, ActionScanUser)
	defer done(&err)

	return s.run(ctx, actor, transition{
		action: ActionScanUser,
		load:   s.byToken(domain.RoleUser, in),
		check: func(o *domain.Order) error {
			if o.TokenUsedUser {
				return fmt.Errorf("%w: user token for order %s was already used", domain.ErrTokenRejected, o.OrderNumber)
			}
			if o.Status == domain.OrderStatusSellerAccepted {
				return fmt.Errorf("%w: seller has not handed order %s over yet", domain.ErrTokenRejected, o.OrderNumber)
			}
			return nil
		},
		apply: func(o *domain.Order, at time.Time) (domain.EventType, error) {
			o.TokenUsedUser = true
			o.Transition(domain.OrderStatusCompleted, actor, "Buyer paid and collected the product", at)
			return domain.EventOrderCompleted, nil
		},
	})
}

// Scan reads a QR payload and dispatches to the scan for the token's role.
func (s *Service) Scan(ctx context.Context, actor domain.Actor, payload string) (*domain.Order, error) {
	qr, err := domain.ParseQR(payload)
	if err != nil {
		return nil, err
	}

	in := ScanInput{Token: qr.Token, OrderNumber: qr.OrderNumber}
	if qr.Role == domain.RoleSeller {
		return s.ScanSellerToken(ctx, actor, in)
	}
	return s.ScanUserToken(ctx, actor, in)
}

func (s *Service) MasterCancel(ctx context.Context, actor domain.Actor, orderID, code, reason string) (_ *domain.Order, err error) {
	ctx, done := s.observe(ctx, ActionMasterCancel)
	defer done(&err)

	code = strings.TrimSpace(code)
	reason = strings.TrimSpace(reason)
	if code == "" || reason == "" {
		return nil, fmt.Errorf("%w: confirmation code and reason are required", domain.ErrValidation)
	}

	return s.run(ctx, actor, transition{
		action: ActionMasterCancel,
		load:   s.byID(orderID),
		check: func(*domain.Order) error {
			if s.masterCode != "" && subtle.ConstantTimeCompare([]byte(code), []byte(s.masterCode)) != 1 {
				return fmt.Errorf("%w: confirmation code does not match", domain.ErrUnauthorized)
			}
			return nil
		},
		apply: func(o *domain.Order, at time.Time) (domain.EventType, error) {
			o.CancelledByMaster = true
			o.CancellationCode = code
			o.RejectionReason = reason
			o.RejectedBy = actor.Tag()
			o.Transition(domain.OrderStatusCancelledMaster, actor, reason, at)
			return domain.EventOrderMasterCancel, nil
		},
	})
}

// OverrideStatus moves a pending order to any other declared status on
// behalf of a master or outlet. The target's usual side effects still
// apply: tokens for accepted and later states, stock back for rejected
// and cancelled states, revenue for completed.
func (s *Service) OverrideStatus(ctx context.Context, actor domain.Actor, orderID string, target domain.OrderStatus, note string) (_ *domain.Order, err error) {
	ctx, done := s.observe(ctx, ActionOverrideStatus)
	defer done(&err)

	if !target.Valid() || target == domain.OrderStatusPendingSeller {
		return nil, fmt.Errorf("%w: %q is not a valid target status", domain.ErrValidation, target)
	}
	note = strings.TrimSpace(note)
	if note == "" {
		note = fmt.Sprintf("Status set to %s by %s", target, actor.Role)
	}

	return s.run(ctx, actor, transition{
		action: ActionOverrideStatus,
		load:   s.byID(orderID),
		apply: func(o *domain.Order, at time.Time) (domain.EventType, error) {
			switch target {
			case domain.OrderStatusSellerAccepted, domain.OrderStatusHandedOver, domain.OrderStatusCompleted:
				if err := s.issueTokens(o); err != nil {
					return "", err
				}
				o.TokenUsedSeller = target != domain.OrderStatusSellerAccepted
				o.TokenUsedUser = target == domain.OrderStatusCompleted
			case domain.OrderStatusSellerRejected, domain.OrderStatusCancelledMaster:
				o.CancelledByMaster = target == domain.OrderStatusCancelledMaster
				o.RejectionReason = note
				o.RejectedBy = actor.Tag()
			}
			o.Transition(target, actor, note, at)
			return domain.EventOrderStatusOverride, nil
		},
	})
}

func (s *Service) Get(ctx context.Context, actor domain.Actor, orderID string) (*domain.Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !canRead(actor, o) {
		return nil, fmt.Errorf("%w: order %s is not yours", domain.ErrUnauthorized, o.OrderNumber)
	}
	return o, nil
}

// List scopes the filter to the actor: buyers and sellers only ever see
// their own orders.
func (s *Service) List(ctx context.Context, actor domain.Actor, filter Filter) ([]*domain.Order, error) {
	switch actor.Role {
	case domain.RoleUser:
		filter.UserID = actor.ID
	case domain.RoleSeller:
		filter.SellerID = actor.ID
	case domain.RoleOutlet, domain.RoleMaster:
	default:
		return nil, fmt.Errorf("%w: unknown role %s", domain.ErrUnauthorized, actor.Role)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, filter.Status)
	}
	return s.store.List(ctx, filter)
}

type transition struct {
	action Action
	load   func(ctx context.Context) (*domain.Order, error)
	// check holds action-specific guards that run after the actor is
	// authorized and before the state table is consulted.
	check func(o *domain.Order) error
	apply func(o *domain.Order, at time.Time) (domain.EventType, error)
}

func (s *Service) run(ctx context.Context, actor domain.Actor, t transition) (*domain.Order, error) {
	current, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.precheck(actor, t, current); err != nil {
		return nil, err
	}

	at := s.now().UTC()
	next := current.Clone()
	event, err := t.apply(next, at)
	if err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.Update(ctx, next, current.Version); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, s.explainConflict(ctx, actor, t, err)
		}
		return nil, err
	}

	s.logger.Info("order transitioned",
		"order_id", next.ID,
		"order_number", next.OrderNumber,
		"action", t.action,
		"from", current.Status,
		"to", next.Status,
		"actor", actor.Tag(),
	)

	if next.Status.ReleasesStock() && !current.Status.ReleasesStock() {
		s.releaseStock(ctx, next)
	}

	s.afterCommit(ctx, domain.OrderEvent{
		Type:       event,
		Order:      *next,
		Actor:      actor,
		FromStatus: current.Status,
		At:         at,
	})

	return next, nil
}

func (s *Service) precheck(actor domain.Actor, t transition, o *domain.Order) error {
	if err := authorize(t.action, actor, o); err != nil {
		return err
	}
	if t.check != nil {
		if err := t.check(o); err != nil {
			return err
		}
	}
	return checkState(t.action, o)
}

// explainConflict re-reads an order that changed under us so the caller
// learns why (already accepted, token already used) instead of a bare
// conflict. The transition itself is never retried.
func (s *Service) explainConflict(ctx context.Context, actor domain.Actor, t transition, conflict error) error {
	fresh, err := t.load(ctx)
	if err != nil {
		return err
	}
	if err := s.precheck(actor, t, fresh); err != nil {
		return err
	}
	return conflict
}

func (s *Service) byID(orderID string) func(context.Context) (*domain.Order, error) {
	return func(ctx context.Context) (*domain.Order, error) {
		if orderID == "" {
			return nil, fmt.Errorf("%w: order id is required", domain.ErrValidation)
		}
		return s.store.Get(ctx, orderID)
	}
}

func (s *Service) byToken(role domain.Role, in ScanInput) func(context.Context) (*domain.Order, error) {
	return func(ctx context.Context) (*domain.Order, error) {
		token := strings.TrimSpace(in.Token)
		if token == "" {
			return nil, fmt.Errorf("%w: token is required", domain.ErrTokenRejected)
		}

		o, err := s.store.FindByToken(ctx, role, token)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown %s token", domain.ErrTokenRejected, role)
		}
		if err != nil {
			return nil, err
		}

		if (in.OrderID != "" && in.OrderID != o.ID) || (in.OrderNumber != "" && in.OrderNumber != o.OrderNumber) {
			return nil, fmt.Errorf("%w: token belongs to a different order", domain.ErrTokenRejected)
		}
		return o, nil
	}
}

func (s *Service) issueTokens(o *domain.Order) error {
	if o.SecureTokenUser != "" && o.SecureTokenSeller != "" {
		return nil
	}
	pair, err := s.issuer.IssuePair(o.ID, o.SellerID, o.UserID)
	if err != nil {
		return fmt.Errorf("issue tokens: %w", err)
	}
	o.SecureTokenUser = pair.User
	o.SecureTokenSeller = pair.Seller
	o.TokenUsedUser = false
	o.TokenUsedSeller = false
	o.QRCodeData = domain.QRPayload(o.OrderNumber, domain.RoleUser, pair.User)
	return nil
}

// releaseStock gives an order's reservation back. It runs after the order
// change is stored, so it outlives request cancellation and retries
// transient failures before giving up loudly.
func (s *Service) releaseStock(ctx context.Context, o *domain.Order) {
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= restoreAttempts; attempt++ {
		if _, err = s.ledger.Restore(ctx, o.ProductID, o.Quantity); err == nil {
			return
		}
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
			break
		}
		time.Sleep(time.Duration(attempt) * restoreBackoff)
	}

	s.metrics.restoreFailures.Add(ctx, 1)
	s.logger.Error("failed to restore stock",
		"error", err,
		"order_id", o.ID,
		"product_id", o.ProductID,
		"quantity", o.Quantity,
	)
}

func (s *Service) afterCommit(ctx context.Context, ev domain.OrderEvent) {
	if s.dispatcher != nil {
		if s.dispatcher.enqueue(ctx, ev) {
			return
		}
		s.logger.Warn("hook queue unavailable, running hooks inline", "event", ev.Type, "order_id", ev.Order.ID)
	}
	s.runHooks(ctx, ev)
}

func (s *Service) runHooks(ctx context.Context, ev domain.OrderEvent) {
	for _, h := range s.hooks {
		s.runHook(ctx, h, ev)
	}
}

func (s *Service) runHook(ctx context.Context, h Hook, ev domain.OrderEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.hookTimeout)
	defer cancel()

	fail := func(err error) {
		s.metrics.hookFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("hook", h.Name())))
		s.logger.Warn("post-commit hook failed",
			"hook", h.Name(),
			"event", ev.Type,
			"order_id", ev.Order.ID,
			"error", err,
		)
	}
	defer func() {
		if r := recover(); r != nil {
			fail(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := h.AfterCommit(ctx, ev); err != nil {
		fail(err)
	}
}

func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(msgs, ", "))
}

// observe opens a span for action and, when the returned func runs,
// records the outcome on the span and in the transitions counter.
func (s *Service) observe(ctx context.Context, action Action) (context.Context, func(*error)) {
	ctx, span := tracer.Start(ctx, "orders."+string(action))
	return ctx, func(errp *error) {
		outcome := outcomeOf(*errp)
		s.metrics.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", string(action)),
			attribute.String("outcome", outcome),
		))
		if *errp != nil {
			span.RecordError(*errp)
			if outcome == "error" {
				span.SetStatus(codes.Error, (*errp).Error())
			}
		}
		span.End()
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrTokenRejected):
		return "token_rejected"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	}
	return "error"
}

type metrics struct {
	transitions     metric.Int64Counter
	hookFailures    metric.Int64Counter
	restoreFailures metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("orders")
	transitions, _ := meter.Int64Counter("orders.transitions",
		metric.WithDescription("Workflow actions by outcome"))
	hookFailures, _ := meter.Int64Counter("orders.hook_failures",
		metric.WithDescription("Post-commit hooks that returned an error or panicked"))
	restoreFailures, _ := meter.Int64Counter("orders.stock_restore_failures",
		metric.WithDescription("Reservations that could not be given back"))
	return &metrics{
		transitions:     transitions,
		hookFailures:    hookFailures,
		restoreFailures: restoreFailures,
	}
}
