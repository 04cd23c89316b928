// Package broadcast delivers order and stock events to live clients over
// Redis pub/sub and to durable consumers over Kafka.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
	"github.com/joao-fontenele/pickup-orderflow/internal/messaging"
)

const (
	channelPrefix    = "orders:"
	channelBroadcast = channelPrefix + "broadcast"

	// HeaderEventType carries the event type on Kafka messages.
	HeaderEventType = "event-type"
)

// Envelope is what subscribers receive.
type Envelope struct {
	Event   domain.EventType `json:"event"`
	Payload json.RawMessage  `json:"payload"`
	Targets []domain.Target  `json:"targets,omitempty"`
	At      time.Time        `json:"at"`
}

func newEnvelope(event domain.EventType, payload any, targets []domain.Target, at time.Time) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Payload: data, Targets: targets, At: at}, nil
}

// Channel maps a target to its Redis channel. "role:outlet" becomes
// "orders:role:outlet" and "seller:42" becomes "orders:seller:42".
func Channel(t domain.Target) string {
	return channelPrefix + string(t)
}

// ChannelsFor lists the channels a connected actor listens on.
func ChannelsFor(a domain.Actor) []string {
	return []string{
		channelBroadcast,
		Channel(domain.TargetRole(a.Role)),
		Channel(domain.TargetActor(a)),
	}
}

type RedisBroadcaster struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, now: time.Now}
}

// Publish sends the event once per target channel, or to the broadcast
// channel when there are no targets.
func (b *RedisBroadcaster) Publish(ctx context.Context, event domain.EventType, payload any, targets ...domain.Target) error {
	env, err := newEnvelope(event, payload, targets, b.now().UTC())
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	channels := []string{channelBroadcast}
	if len(targets) > 0 {
		channels = channels[:0]
		for _, t := range targets {
			channels = append(channels, Channel(t))
		}
	}

	var errs []error
	for _, ch := range channels {
		if err := b.client.Publish(ctx, ch, data).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis publish %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// KafkaBroadcaster appends events to a topic for consumers that must not
// miss any.
type KafkaBroadcaster struct {
	producer *messaging.Producer
	now      func() time.Time
}

func NewKafkaBroadcaster(producer *messaging.Producer) *KafkaBroadcaster {
	return &KafkaBroadcaster{producer: producer, now: time.Now}
}

func (b *KafkaBroadcaster) Publish(ctx context.Context, event domain.EventType, payload any, targets ...domain.Target) error {
	env, err := newEnvelope(event, payload, targets, b.now().UTC())
	if err != nil {
		return err
	}
	return b.producer.Publish(ctx, partitionKey(env), env,
		kafka.Header{Key: HeaderEventType, Value: []byte(event)})
}

// partitionKey keeps the events of one order (or one product) in order.
func partitionKey(env Envelope) string {
	var ids struct {
		OrderID   string `json:"order_id"`
		ProductID string `json:"product_id"`
	}
	if err := json.Unmarshal(env.Payload, &ids); err == nil {
		if ids.OrderID != "" {
			return ids.OrderID
		}
		if ids.ProductID != "" {
			return ids.ProductID
		}
	}
	return strings.TrimPrefix(string(env.Event), "order.")
}

type Publisher interface {
	Publish(ctx context.Context, event domain.EventType, payload any, targets ...domain.Target) error
}

// Fanout publishes to every publisher and reports all failures.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event domain.EventType, payload any, targets ...domain.Target) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event, payload, targets...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
