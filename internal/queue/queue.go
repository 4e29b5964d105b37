// Package queue abstracts the message bus FleetGuard sits on. Two streams
// use it: inbound alert events (keyed by device so a vehicle's events stay
// in order) and outbound compliance report requests (keyed by driver).
// Kafka backs it in storage mode and a buffered channel in memory mode.
package queue

import (
	"context"
)

// Header names carried on FleetGuard messages.
const (
	HeaderAlertID    = "alertId"
	HeaderDeviceID   = "deviceId"
	HeaderAlertType  = "alertType"
	HeaderRequestID  = "requestId"
	HeaderRiskRating = "riskRating"
)

// Message is one record on the bus.
type Message struct {
	// Key selects the partition. Records sharing a key are delivered in
	// publish order.
	Key []byte

	// Value is the JSON encoded payload.
	Value []byte

	// Headers carry routing metadata so consumers can filter without
	// decoding Value.
	Headers map[string]string
}

// Header returns the named header, or "" when absent.
func (m *Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// Producer publishes messages. Implementations must be safe for concurrent
// use.
type Producer interface {
	// Publish sends msg and returns once the bus has accepted it.
	Publish(ctx context.Context, msg *Message) error

	// Close flushes and releases the producer.
	Close() error
}

// MessageHandler processes one consumed message. A non-nil error leaves the
// message uncommitted where the implementation tracks offsets.
type MessageHandler func(ctx context.Context, msg *Message) error

// Consumer delivers messages to a handler.
type Consumer interface {
	// Start blocks, calling handler for each message until ctx is canceled
	// or the consumer fails.
	Start(ctx context.Context, handler MessageHandler) error

	// Close stops consumption and releases resources.
	Close() error
}
