package orders

import (
	"context"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
	"github.com/joao-fontenele/pickup-orderflow/internal/tokens"
)

type StockLedger interface {
	Reserve(ctx context.Context, productID string, qty int) (domain.StockLevel, error)
	Restore(ctx context.Context, productID string, qty int) (domain.StockLevel, error)
}

type TokenIssuer interface {
	IssuePair(orderID, sellerID, userID string) (tokens.Pair, error)
}

type ProductCatalog interface {
	GetProduct(ctx context.Context, id string) (domain.Product, error)
}

type IdentityDirectory interface {
	GetUser(ctx context.Context, id string) (domain.PartySnapshot, error)
	GetSeller(ctx context.Context, id string) (domain.PartySnapshot, error)
}

type NotificationGateway interface {
	Notify(ctx context.Context, n domain.Notification) error
}

type EventBroadcaster interface {
	Publish(ctx context.Context, event domain.EventType, payload any, targets ...domain.Target) error
}

type StatisticsSink interface {
	RecordCompletion(ctx context.Context, c domain.Completion) error
}
