package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Kafka mirrors the local bus through a single Kafka topic keyed by fan-out topic.
// Each instance reads with its own consumer group so every instance sees every event.
type Kafka struct {
	bridge
	writer  *kafka.Writer
	brokers []string
	topic   string
}

func NewKafka(local *Local, brokers []string, topic string) *Kafka {
	return &Kafka{
		bridge: bridge{local: local, origin: uuid.NewString()},
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
		brokers: brokers,
		topic:   topic,
	}
}

func (k *Kafka) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	return k.local.Subscribe(ctx, topic)
}

func (k *Kafka) Publish(ctx context.Context, ev Event) error {
	if err := k.local.deliver(ev, "local"); err != nil {
		return err
	}
	data, err := k.encode(ev)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Topic), Value: data}); err != nil {
		return fmt.Errorf("fanout kafka publish %s: %w", ev.Topic, err)
	}
	return nil
}

func (k *Kafka) Run(ctx context.Context) {
	retryLoop(ctx, "kafka", k.pump)
}

func (k *Kafka) pump(ctx context.Context) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       k.topic,
		GroupID:     "fanout-" + k.origin,
		StartOffset: kafka.LastOffset,
		MaxBytes:    10e6,
	})
	defer reader.Close()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		k.receive(m.Value)
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
