// Package queue moves JSON bodies between pipeline stages by logical stream
// name.
package queue

import (
	"context"
	"time"
)

// Message is one delivery. It stays pending until acknowledged.
type Message struct {
	ID     string
	Stream string
	Body   []byte
}

// Queue sends and receives by stream name.
type Queue interface {
	// Receive waits up to wait for the next message. It returns nil, nil
	// when nothing arrived in time.
	Receive(ctx context.Context, stream string, wait time.Duration) (*Message, error)
	// Ack removes a delivered message so it is not redelivered.
	Ack(ctx context.Context, msg *Message) error
	// Send appends body to stream and returns the assigned message id.
	Send(ctx context.Context, stream string, body []byte) (string, error)
	Close() error
}
