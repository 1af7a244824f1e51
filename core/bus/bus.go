// Package bus defines the upstream publish/subscribe backbone that shared
// channels are multiplexed onto. The relay opens at most one upstream
// subscription per channel name, regardless of how many local connections
// are subscribed to it.
package bus

// Handler is invoked for every message the bus delivers on a subscribed
// channel. Implementations may call it from multiple goroutines.
type Handler func(channel string, payload []byte)

// Subscription represents one active upstream subscription.
type Subscription interface {
	// Unsubscribe tears the subscription down. It is safe to call once.
	Unsubscribe() error
}

// Bus connects the relay to the shared message backbone.
type Bus interface {
	// Publish sends the payload on the given channel.
	Publish(channel string, payload []byte) error

	// Subscribe opens an upstream subscription for the channel and invokes
	// the handler for every delivered message.
	Subscribe(channel string, handler Handler) (Subscription, error)

	// Close releases the underlying connection.
	Close()
}
