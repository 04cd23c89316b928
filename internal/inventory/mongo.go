package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

// MongoStore keeps one document per product in the "stock" collection,
// keyed by product id.
type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection("stock")}
}

func (m *MongoStore) Reserve(ctx context.Context, productID string, qty int) (domain.StockLevel, error) {
	filter := bson.M{"_id": productID, "available": bson.M{"$gte": qty}}
	update := bson.M{
		"$inc": bson.M{"available": -qty},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}

	level, err := m.findAndModify(ctx, filter, update)
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, getErr := m.Get(ctx, productID)
		if getErr != nil {
			return domain.StockLevel{}, getErr
		}
		return domain.StockLevel{}, fmt.Errorf("%w: product %s has %d available, %d requested",
			domain.ErrOutOfStock, productID, current.Available, qty)
	}
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("failed to reserve stock: %w", err)
	}
	return level, nil
}

func (m *MongoStore) Restore(ctx context.Context, productID string, qty int) (domain.StockLevel, error) {
	update := bson.M{
		"$inc": bson.M{"available": qty},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}

	level, err := m.findAndModify(ctx, bson.M{"_id": productID}, update)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.StockLevel{}, fmt.Errorf("%w: product %s has no stock record", domain.ErrNotFound, productID)
	}
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("failed to restore stock: %w", err)
	}
	return level, nil
}

func (m *MongoStore) Get(ctx context.Context, productID string) (domain.StockLevel, error) {
	var level domain.StockLevel
	err := m.collection.FindOne(ctx, bson.M{"_id": productID}).Decode(&level)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.StockLevel{}, fmt.Errorf("%w: product %s has no stock record", domain.ErrNotFound, productID)
	}
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("failed to get stock: %w", err)
	}
	return level, nil
}

func (m *MongoStore) List(ctx context.Context) ([]domain.StockLevel, error) {
	cursor, err := m.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list stock: %w", err)
	}

	items := []domain.StockLevel{}
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("failed to decode stock: %w", err)
	}
	return items, nil
}

func (m *MongoStore) Set(ctx context.Context, productID string, available int) (domain.StockLevel, error) {
	update := bson.M{"$set": bson.M{"available": available, "updated_at": time.Now().UTC()}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var level domain.StockLevel
	if err := m.collection.FindOneAndUpdate(ctx, bson.M{"_id": productID}, update, opts).Decode(&level); err != nil {
		return domain.StockLevel{}, fmt.Errorf("failed to set stock: %w", err)
	}
	return level, nil
}

func (m *MongoStore) findAndModify(ctx context.Context, filter, update bson.M) (domain.StockLevel, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var level domain.StockLevel
	err := m.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&level)
	return level, err
}
