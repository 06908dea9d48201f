// Package redpanda carries order status events over a Redpanda/Kafka topic.
//
// Events are keyed by order id so one order's events stay ordered within a
// partition. The bus is best-effort: every event reflects state that is
// already durable in PostgreSQL, so publish failures are logged and counted,
// never surfaced to the order lifecycle.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/flowtrade/order-engine/internal/domain"
	"github.com/flowtrade/order-engine/internal/observability"
)

// TopicStatusEvents is the topic carrying order status events.
const TopicStatusEvents = "order-status-events"

// Producer publishes status events and implements domain.EventPublisher.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer constructs a Producer and ensures the topic exists.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTopic(brokers, TopicStatusEvents)
}

// NewProducerWithTopic constructs a Producer on a specific topic; tests use
// unique topics for isolation.
func NewProducerWithTopic(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, topic, 8, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic}, nil
}

// PublishStatus produces ev keyed by its order id. Production is async; a
// failed delivery is logged in the promise and the event is lost, which
// subscribers recover from via backfill.
func (p *Producer) PublishStatus(ctx domain.Context, ev domain.StatusEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=bus.publish marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.OrderID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(ev.Kind)},
		},
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Error("status event publish failed",
				slog.String("order_id", ev.OrderID),
				slog.String("status", string(ev.Status)),
				slog.Any("error", err))
			return
		}
		observability.BusEventsPublishedTotal.Inc()
	})
	return nil
}

// Close flushes pending records and closes the client.
func (p *Producer) Close() error {
	if p.client != nil {
		_ = p.client.Flush(context.Background())
		p.client.Close()
	}
	return nil
}
