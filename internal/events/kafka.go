package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"marketplace-api/internal/observability"
)

const DefaultUserEventsTopic = "user_events"

// KafkaPublisher writes auth events asynchronously. Publish never blocks on
// the broker; delivery failures are reported through the logger.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *observability.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *observability.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultUserEventsTopic
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	p := &KafkaPublisher{logger: logger}
	p.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion:             p.completed,
	}
	return p
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, event map[string]any) {
	msg, err := newMessage(key, event)
	if err != nil {
		p.logger.Error("event_encode_failed", map[string]any{"type": event["type"], "error": err.Error()})
		return
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("event_publish_failed", map[string]any{"type": event["type"], "error": err.Error()})
	}
}

func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) completed(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	p.logger.Error("event_delivery_failed", map[string]any{
		"topic":    p.writer.Topic,
		"messages": len(messages),
		"error":    err.Error(),
	})
}

func newMessage(key string, event map[string]any) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{Key: []byte(key), Value: data}
	if eventType, ok := event["type"].(string); ok && eventType != "" {
		msg.Headers = []kafka.Header{{Key: "event-type", Value: []byte(eventType)}}
	}
	return msg, nil
}
