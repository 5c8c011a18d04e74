// Package transport abstracts the MQTT broker connection that every
// Peer publishes and subscribes through, so the core routing and
// correlation logic never depends directly on a concrete MQTT client.
package transport

// QoS mirrors the three MQTT 3.1.1 quality-of-service levels.
type QoS byte

const (
	QoS0 QoS = 0
	QoS1 QoS = 1
	QoS2 QoS = 2
)

// MessageHandler receives one inbound message for a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Transport is the minimal surface a Peer needs from an MQTT client.
// The production implementation is PahoTransport; tests use
// transporttest.Mock.
type Transport interface {
	// Publish sends payload to topic at the given QoS.
	Publish(topic string, qos QoS, payload []byte) error
	// Subscribe registers handler for topic at the given QoS. Multiple
	// Subscribe calls for the same topic are all delivered to.
	Subscribe(topic string, qos QoS, handler MessageHandler) error
	// Unsubscribe removes the subscription for topic entirely.
	Unsubscribe(topic string) error
	// Close disconnects from the broker.
	Close() error
}
