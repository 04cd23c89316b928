package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

// MongoStore keeps each order as one document with its history embedded.
type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection("orders")}
}

func (m *MongoStore) CreateIndexes(ctx context.Context) error {
	sparseUnique := options.Index().SetUnique(true).SetSparse(true)
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "order_number", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "seller_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "secure_token_user", Value: 1}}, Options: sparseUnique},
		{Keys: bson.D{{Key: "secure_token_seller", Value: 1}}, Options: sparseUnique},
	}

	if _, err := m.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (m *MongoStore) Create(ctx context.Context, order *domain.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}

	doc := order.Clone()
	doc.Version = 1
	if _, err := m.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	order.Version = 1
	return nil
}

func (m *MongoStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	return m.findOne(ctx, bson.M{"_id": id})
}

func (m *MongoStore) GetByNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	return m.findOne(ctx, bson.M{"order_number": orderNumber})
}

func (m *MongoStore) FindByToken(ctx context.Context, role domain.Role, token string) (*domain.Order, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", domain.ErrNotFound)
	}
	switch role {
	case domain.RoleUser:
		return m.findOne(ctx, bson.M{"secure_token_user": token})
	case domain.RoleSeller:
		return m.findOne(ctx, bson.M{"secure_token_seller": token})
	}
	return nil, fmt.Errorf("%w: role %s holds no token", domain.ErrNotFound, role)
}

func (m *MongoStore) List(ctx context.Context, filter Filter) ([]*domain.Order, error) {
	query := bson.M{}
	if filter.UserID != "" {
		query["user_id"] = filter.UserID
	}
	if filter.SellerID != "" {
		query["seller_id"] = filter.SellerID
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(filter.limit()))

	cursor, err := m.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	orders := []*domain.Order{}
	if err := cursor.All(ctx, &orders); err != nil {
		return nil, fmt.Errorf("failed to decode orders: %w", err)
	}
	return orders, nil
}

func (m *MongoStore) Update(ctx context.Context, order *domain.Order, expectedVersion int64) error {
	doc := order.Clone()
	doc.Version = expectedVersion + 1

	// The version in the filter is the compare half of the swap; history
	// is only ever appended by the caller, so replacing it is safe.
	result, err := m.collection.ReplaceOne(ctx, bson.M{"_id": order.ID, "version": expectedVersion}, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
		return fmt.Errorf("failed to update order: %w", err)
	}

	if result.MatchedCount == 0 {
		n, err := m.collection.CountDocuments(ctx, bson.M{"_id": order.ID})
		if err != nil {
			return fmt.Errorf("failed to check order: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: order %s", domain.ErrNotFound, order.ID)
		}
		return fmt.Errorf("%w: order %s changed since version %d", domain.ErrConflict, order.ID, expectedVersion)
	}

	order.Version = expectedVersion + 1
	return nil
}

func (m *MongoStore) findOne(ctx context.Context, filter bson.M) (*domain.Order, error) {
	var order domain.Order
	err := m.collection.FindOne(ctx, filter).Decode(&order)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: order", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}
