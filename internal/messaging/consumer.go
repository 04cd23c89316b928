package messaging

import (
	"context"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var consumerTracer = otel.Tracer("messaging/consumer")

// Message is a consumed record as handlers see it.
type Message struct {
	Topic  string
	Key    []byte
	Value  []byte
	Offset int64
	msg    kafka.Message
}

// Header returns the value of the named header, or "".
func (m Message) Header(key string) string {
	return header(m.msg, key)
}

type Handler func(ctx context.Context, msg Message) error

// ErrorPolicy decides what happens when a handler fails. Returning nil
// commits the message and moves on; returning an error stops Consume.
type ErrorPolicy func(ctx context.Context, msg Message, err error) error

func StopOnError(_ context.Context, _ Message, err error) error {
	return err
}

type Consumer struct {
	reader  *kafka.Reader
	topic   string
	groupID string
	onError ErrorPolicy
}

type ConsumerOption func(*Consumer, *kafka.ReaderConfig)

func WithStartOffset(offset int64) ConsumerOption {
	return func(_ *Consumer, cfg *kafka.ReaderConfig) {
		cfg.StartOffset = offset
	}
}

func WithErrorPolicy(p ErrorPolicy) ConsumerOption {
	return func(c *Consumer, _ *kafka.ReaderConfig) {
		c.onError = p
	}
}

func NewConsumer(brokers []string, topic, groupID string, opts ...ConsumerOption) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	}
	c := &Consumer{
		topic:   topic,
		groupID: groupID,
		onError: StopOnError,
	}

	for _, opt := range opts {
		opt(c, &cfg)
	}

	c.reader = kafka.NewReader(cfg)
	return c
}

// Consume handles messages until ctx ends or the error policy gives up.
// A message is committed only after it was handled or deliberately skipped.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if err := c.process(ctx, msg, handler); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message, handler Handler) error {
	parentCtx := extract(ctx, &msg)

	spanCtx, span := consumerTracer.Start(parentCtx, "process "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.topic),
			semconv.MessagingKafkaConsumerGroup(c.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(string(msg.Key)),
		),
	)
	defer span.End()

	m := Message{Topic: msg.Topic, Key: msg.Key, Value: msg.Value, Offset: msg.Offset, msg: msg}
	if err := handler(spanCtx, m); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c.onError(spanCtx, m, err)
	}

	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
