// Package messaging carries the fleet's MQTT surface: retained
// per-device status, health events, and the operator command topic.
package messaging

import "context"

// QoS selects the delivery guarantee for one publish.
type QoS byte

const (
	AtMostOnce    QoS = 0
	FireAndForget QoS = 0
	AtLeastOnce   QoS = 1
	ExactlyOnce   QoS = 2
	// AsyncNoWait publishes at QoS 0 without waiting on the token. Used
	// where a slow broker must not stall a device sweep.
	AsyncNoWait QoS = 3
)

// Subscription is a live topic subscription; Unsubscribe detaches it.
type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

// Broker is the raw transport the fleet layer builds its topics on.
type Broker interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Publish(ctx context.Context, topic string, qos QoS, retain bool, payload []byte) error
	PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v interface{}) error
	Subscribe(ctx context.Context, topic string, qos QoS, handler func(ctx context.Context, topic string, payload []byte)) (Subscription, error)
	IsConnected() bool
	Topic(parts ...string) string
}
