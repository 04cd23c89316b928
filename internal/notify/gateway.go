// Package notify carries notifications from the workflow to the delivery
// service: a Kafka gateway on the producing side and the HTTP delivery
// endpoint on the other.
package notify

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
	"github.com/joao-fontenele/pickup-orderflow/internal/messaging"
)

const (
	Topic = "order.notifications"

	HeaderChannel = "channel"
	HeaderEvent   = "event-type"
)

// KafkaGateway queues notifications for the worker.
type KafkaGateway struct {
	producer *messaging.Producer
}

func NewKafkaGateway(producer *messaging.Producer) *KafkaGateway {
	return &KafkaGateway{producer: producer}
}

func (g *KafkaGateway) Notify(ctx context.Context, n domain.Notification) error {
	if n.Recipient.Address == "" {
		return fmt.Errorf("%w: notification without address", domain.ErrValidation)
	}
	return g.producer.Publish(ctx, n.OrderID, n,
		kafka.Header{Key: HeaderChannel, Value: []byte(n.Channel)},
		kafka.Header{Key: HeaderEvent, Value: []byte(n.Event)},
	)
}
