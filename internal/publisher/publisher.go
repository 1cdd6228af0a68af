// Package publisher announces call status changes on a message bus.
package publisher

import "context"

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}
