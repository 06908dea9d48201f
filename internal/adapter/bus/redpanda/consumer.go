package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/flowtrade/order-engine/internal/domain"
)

// EventSink receives decoded status events; the in-process hub implements it.
type EventSink interface {
	Publish(ev domain.StatusEvent)
}

// Consumer tails the status topic from its end and feeds events to a sink.
// It joins no consumer group: every edge process sees every event and the
// hub filters by order id. Missed history is covered by backfill.
type Consumer struct {
	brokers []string
	topic   string
	sink    EventSink
}

// NewConsumer constructs a Consumer on the default topic.
func NewConsumer(brokers []string, sink EventSink) (*Consumer, error) {
	return NewConsumerWithTopic(brokers, TopicStatusEvents, sink)
}

// NewConsumerWithTopic constructs a Consumer on a specific topic.
func NewConsumerWithTopic(brokers []string, topic string, sink EventSink) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	return &Consumer{brokers: brokers, topic: topic, sink: sink}, nil
}

// Run consumes until ctx is done, reconnecting with exponential backoff
// after client errors. It always resumes at the latest offset.
func (c *Consumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		slog.Error("status consumer disconnected, reconnecting",
			slog.Any("error", err), slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(c.brokers...),
		kgo.ConsumeTopics(c.topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return fmt.Errorf("redpanda client: %w", err)
	}
	defer client.Close()

	slog.Info("status consumer started", slog.String("topic", c.topic))
	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return fmt.Errorf("fetch: %v", errs[0].Err)
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			var ev domain.StatusEvent
			if err := json.Unmarshal(rec.Value, &ev); err != nil {
				slog.Error("skipping undecodable status event",
					slog.String("key", string(rec.Key)), slog.Any("error", err))
				return
			}
			c.sink.Publish(ev)
		})
	}
}
