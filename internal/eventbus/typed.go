package eventbus

import "context"

// TopicDef binds a Topic string to a payload type T at compile time.
// Use with Publish and SubscribeTo for type-safe messaging.
type TopicDef[T any] struct{ topic Topic }

// NewTopicDef creates a typed topic descriptor for the given topic string.
func NewTopicDef[T any](topic Topic) TopicDef[T] { return TopicDef[T]{topic: topic} }

// Topic returns the underlying topic string.
func (d TopicDef[T]) Topic() Topic { return d.topic }

// Publish sends a typed payload on the bus using the topic descriptor.
// If bus is nil the call is a no-op.
func Publish[T any](ctx context.Context, bus *Bus, td TopicDef[T], source Source, payload T) {
	if bus == nil {
		return
	}
	bus.publish(ctx, Envelope{
		Topic:   td.topic,
		Source:  source,
		Payload: payload,
	})
}

// TypedSubscription wraps a raw Subscription and delivers only payloads
// matching the topic's bound type.
type TypedSubscription[T any] struct {
	raw *Subscription
	ch  chan T
}

// SubscribeTo registers a typed subscriber for the given topic descriptor.
// Payloads of an unexpected dynamic type are silently discarded.
func SubscribeTo[T any](bus *Bus, td TopicDef[T], opts ...SubscriptionOption) *TypedSubscription[T] {
	raw := bus.Subscribe(td.topic, opts...)
	typed := &TypedSubscription[T]{
		raw: raw,
		ch:  make(chan T, cap(raw.ch)),
	}
	go func() {
		defer close(typed.ch)
		for env := range raw.ch {
			payload, ok := env.Payload.(T)
			if !ok {
				continue
			}
			typed.ch <- payload
		}
	}()
	return typed
}

// C exposes the typed payload channel.
func (s *TypedSubscription[T]) C() <-chan T {
	return s.ch
}

// Close terminates the subscription.
func (s *TypedSubscription[T]) Close() {
	s.raw.Close()
}
