// Package kafka implements the queue interfaces on segmentio/kafka-go.
package kafka

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"

	"fleetguard/internal/config"
	"fleetguard/internal/queue"
)

// Compile-time checks that the Kafka types satisfy the queue interfaces.
var (
	_ queue.Producer = (*Producer)(nil)
	_ queue.Consumer = (*Consumer)(nil)
)

// Producer publishes to a single topic. Messages are hashed on their key,
// so events of one device, or report requests of one driver, land on the
// same partition.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a producer for topic.
func NewProducer(cfg *config.KafkaConfig, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			// A lost event or report request cannot be recovered upstream.
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

// Topic returns the topic this producer writes to.
func (p *Producer) Topic() string {
	return p.writer.Topic
}

// Publish writes msg and waits for the broker acknowledgement.
func (p *Producer) Publish(ctx context.Context, msg *queue.Message) error {
	record := kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: toKafkaHeaders(msg.Headers),
	}

	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("failed to write to kafka topic %s: %w", p.writer.Topic, err)
	}
	return nil
}

// Close flushes pending writes and closes the writer.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// toKafkaHeaders converts headers in key order so records are reproducible.
func toKafkaHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]kafka.Header, len(keys))
	for i, k := range keys {
		out[i] = kafka.Header{Key: k, Value: []byte(headers[k])}
	}
	return out
}

func fromKafkaHeaders(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
