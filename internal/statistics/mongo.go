package statistics

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

// MongoSink books completions with $inc upserts. The order is marked as
// recorded first, so a failure halfway loses a booking rather than
// counting one twice.
type MongoSink struct {
	revenue  *mongo.Collection
	recorded *mongo.Collection
}

func NewMongoSink(db *mongo.Database) *MongoSink {
	return &MongoSink{
		revenue:  db.Collection("monthly_revenue"),
		recorded: db.Collection("recorded_orders"),
	}
}

func (m *MongoSink) RecordCompletion(ctx context.Context, c domain.Completion) error {
	_, err := m.recorded.InsertOne(ctx, bson.M{"_id": c.OrderID, "recorded_at": c.CompletedAt})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark order recorded: %w", err)
	}

	period := Period(c.CompletedAt)
	fee := commission(c)
	sellers := []string{PlatformSeller}
	if c.SellerID != "" {
		sellers = append(sellers, c.SellerID)
	}
	for _, seller := range sellers {
		update := bson.M{
			"$inc": bson.M{
				"revenue":        c.TotalAmount,
				"commission":     fee,
				"seller_revenue": c.TotalAmount - fee,
				"orders":         1,
			},
			"$set": bson.M{
				"period":     period,
				"seller_id":  seller,
				"updated_at": c.CompletedAt.UTC().Truncate(time.Millisecond),
			},
		}
		_, err := m.revenue.UpdateOne(ctx, bson.M{"_id": period + "/" + seller}, update, options.Update().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("upsert revenue for %q: %w", seller, err)
		}
	}
	return nil
}

func (m *MongoSink) Monthly(ctx context.Context, period string) ([]MonthlyRevenue, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seller_id", Value: 1}})
	cursor, err := m.revenue.Find(ctx, bson.M{"period": period}, opts)
	if err != nil {
		return nil, fmt.Errorf("list monthly revenue: %w", err)
	}

	out := []MonthlyRevenue{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode monthly revenue: %w", err)
	}
	return out, nil
}
