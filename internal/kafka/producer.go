package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type Producer struct {
	Writer *kafka.Writer
}

// NewProducer creates a topic-agnostic writer; each message carries its own
// topic so one producer serves every booking event stream.
func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.LeastBytes{},
	}
	return &Producer{Writer: writer}
}

// Publish streams one event, keyed by booking id so every event for a
// booking lands on the same partition in order.
func (p *Producer) Publish(topic string, key string, value []byte) error {
	fmt.Printf("Publishing to Kafka [%s]: %s\n", topic, string(value))

	return p.Writer.WriteMessages(context.Background(),
		kafka.Message{
			Topic: topic,
			Key:   []byte(key),
			Value: value,
		},
	)
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
