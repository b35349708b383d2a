package kafka

import (
	"context"
	"fmt"

	"ms-commerce/internal/logger"

	"github.com/segmentio/kafka-go"
)

// Producer streams order lifecycle events. The topic rides on each message,
// so one writer serves every event type.
type Producer struct {
	Writer *kafka.Writer
	Logger *logger.Logger
}

func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
	}
	return &Producer{Writer: writer, Logger: log}
}

// Publish writes one event. Keying by order number keeps each order's events
// in a single partition, so consumers see them in emission order.
func (p *Producer) Publish(topic string, key string, value []byte) error {
	err := p.Writer.WriteMessages(context.Background(),
		kafka.Message{
			Topic: topic,
			Key:   []byte(key),
			Value: value,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.Logger.Debug("KAFKA", fmt.Sprintf("Published to %s: %s", topic, key))
	return nil
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
