//go:build integration

package orders

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
	"github.com/joao-fontenele/pickup-orderflow/internal/inventory"
	"github.com/joao-fontenele/pickup-orderflow/internal/messaging"
	"github.com/joao-fontenele/pickup-orderflow/internal/notify"
	"github.com/joao-fontenele/pickup-orderflow/internal/statistics"
	"github.com/joao-fontenele/pickup-orderflow/internal/testutil"
	"github.com/joao-fontenele/pickup-orderflow/internal/tokens"
	"github.com/joao-fontenele/pickup-orderflow/internal/worker"
)

func TestPostgresStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	connStr := testutil.SetupPostgres(ctx, t)
	db := testutil.DBWithSchema(t, connStr, "orders")

	storeContract(t, func(t *testing.T) Store {
		_, err := db.ExecContext(ctx, `TRUNCATE order_status_history, orders`)
		require.NoError(t, err)
		return NewPostgresStore(db)
	})

	t.Run("concurrent accept and reject", func(t *testing.T) {
		_, err := db.ExecContext(ctx, `TRUNCATE order_status_history, orders`)
		require.NoError(t, err)
		f := newFixtureWithStore(t, NewPostgresStore(db))
		o := f.place(t, 1)

		var wg sync.WaitGroup
		var accepted, rejected *domain.Order
		var acceptErr, rejectErr error
		wg.Add(2)
		go func() { defer wg.Done(); accepted, acceptErr = f.svc.Accept(ctx, seller, o.ID) }()
		go func() { defer wg.Done(); rejected, rejectErr = f.svc.Reject(ctx, seller, o.ID, "closed") }()
		wg.Wait()

		assert.True(t, (acceptErr == nil) != (rejectErr == nil), "exactly one transition must win")
		got, err := f.svc.Get(ctx, master, o.ID)
		require.NoError(t, err)
		if acceptErr == nil {
			assert.Equal(t, accepted.Status, got.Status)
		} else {
			assert.Equal(t, rejected.Status, got.Status)
		}
		assert.Len(t, got.StatusHistory, 2)
	})
}

func TestMongoStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db := testutil.SetupMongo(ctx, t)

	storeContract(t, func(t *testing.T) Store {
		require.NoError(t, db.Collection("orders").Drop(ctx))
		s := NewMongoStore(db)
		require.NoError(t, s.CreateIndexes(ctx))
		return s
	})
}

type sendCapture struct {
	mu    sync.Mutex
	sends []notify.SendRequest
}

func (c *sendCapture) handler(w http.ResponseWriter, r *http.Request) {
	var req notify.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.sends = append(c.sends, req)
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *sendCapture) recipients() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sends))
	for _, s := range c.sends {
		out = append(out, s.To)
	}
	return out
}

// TestPickupLifecycle drives one order from placement to completion on the
// real stores and follows its notifications through Kafka to delivery.
func TestPickupLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	connStr := testutil.SetupPostgres(ctx, t)
	brokers := testutil.SetupKafka(ctx, t)

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	require.NoError(t, err)
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: notify.Topic, NumPartitions: 1, ReplicationFactor: 1}))
	_ = conn.Close()

	ordersDB := testutil.DBWithSchema(t, connStr, "orders")
	inventoryDB := testutil.DBWithSchema(t, connStr, "inventory")
	stock := inventory.NewPostgresStore(inventoryDB)
	sink := statistics.NewPostgresSink(ordersDB)

	producer := messaging.NewProducer(brokers, notify.Topic)
	t.Cleanup(func() { _ = producer.Close() })

	issuer, err := tokens.NewIssuer([]byte("integration-secret"))
	require.NoError(t, err)

	catalog := staticCatalog{
		"PROD-003": {ID: "PROD-003", Name: "Rattan Bag", Price: 20000, SellerRef: "s-1", CommissionRate: 0.1},
	}
	directory := staticDirectory{
		users:   map[string]domain.PartySnapshot{"u-1": {ID: "u-1", Name: "Ayu", Email: "ayu@example.com"}},
		sellers: map[string]domain.PartySnapshot{"s-1": {ID: "s-1", Name: "Batik House", Email: "shop@example.com"}},
	}

	svc := NewService(
		NewPostgresStore(ordersDB),
		inventory.NewLedger(stock, nil, logger),
		issuer, catalog, directory, logger,
		WithHooks(
			NotificationHook(notify.NewKafkaGateway(producer)),
			StatisticsHook(sink),
		),
	)

	capture := &sendCapture{}
	notifyServer := httptest.NewServer(http.HandlerFunc(capture.handler))
	defer notifyServer.Close()

	consumer := messaging.NewConsumer(brokers, notify.Topic, "integration-worker",
		messaging.WithStartOffset(kafka.FirstOffset),
		messaging.WithErrorPolicy(worker.SkipPermanent(logger)),
	)
	t.Cleanup(func() { _ = consumer.Close() })
	deliverer := worker.NewNotificationHandler(notifyServer.URL, notifyServer.Client(), logger)

	consumeCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	go func() { _ = consumer.Consume(consumeCtx, deliverer.Handle) }()

	placed, err := svc.Place(ctx, buyer, PlaceInput{ProductID: "PROD-003", Quantity: 2})
	require.NoError(t, err)
	level, err := stock.Get(ctx, "PROD-003")
	require.NoError(t, err)
	assert.Equal(t, 8, level.Available)

	accepted, err := svc.Accept(ctx, seller, placed.ID)
	require.NoError(t, err)

	_, err = svc.ScanSellerToken(ctx, outlet, ScanInput{Token: accepted.SecureTokenSeller, OrderID: placed.ID})
	require.NoError(t, err)

	completed, err := svc.Scan(ctx, outlet, accepted.QRCodeData)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, completed.Status)

	stored, err := svc.Get(ctx, master, placed.ID)
	require.NoError(t, err)
	assert.Len(t, stored.StatusHistory, 4)

	rows, err := sink.Monthly(ctx, statistics.Period(completed.UpdatedAt))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(40000), rows[0].Revenue)
	assert.Equal(t, int64(4000), rows[0].Commission)

	// placed -> seller, accepted -> buyer, handed over -> buyer, completed -> both
	require.Eventually(t, func() bool { return len(capture.recipients()) == 5 }, time.Minute, 100*time.Millisecond)
	assert.ElementsMatch(t, []string{
		"shop@example.com",
		"ayu@example.com",
		"ayu@example.com",
		"ayu@example.com",
		"shop@example.com",
	}, capture.recipients())
}
