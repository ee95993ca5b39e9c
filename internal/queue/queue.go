// Package queue carries status events between the controller and whatever
// consumes them. NATS JetStream is the default; Redis Streams, Kafka and an
// in-memory queue are interchangeable behind the same interfaces.
package queue

import (
	"context"
	"time"
)

// Message is one delivered event
type Message struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
}

// BatchMessage is one message of a batch publish
type BatchMessage struct {
	Subject string
	Data    []byte
}

// Publisher publishes messages to a subject
type Publisher interface {
	// Publish publishes one message and waits for the broker to accept it
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishBatch publishes messages in order and returns how many were
	// accepted
	PublishBatch(ctx context.Context, messages []BatchMessage) (int, error)

	Close() error
}

// MessageHandler handles one message. Returning an error leaves the message
// unacknowledged where the backend supports redelivery.
type MessageHandler func(msg Message) error

// Subscriber delivers messages of a subject to a handler
type Subscriber interface {
	Subscribe(subject string, handler MessageHandler) error
	Unsubscribe(subject string) error
	Close() error
}

// Queue is both ends
type Queue interface {
	Publisher
	Subscriber
}

// sanitizeName maps a subject onto the characters allowed in stream and
// consumer names: A-Z, a-z, 0-9, dash and underscore
func sanitizeName(subject string) string {
	out := make([]byte, 0, len(subject))
	for i := 0; i < len(subject); i++ {
		c := subject[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			out = append(out, c)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
