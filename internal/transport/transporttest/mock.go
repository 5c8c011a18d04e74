// Package transporttest provides an in-memory transport.Transport for
// unit tests: it records every publish and lets a test deliver
// inbound messages directly to subscribed handlers without a broker.
package transporttest

import (
	"sync"

	"github.com/pionbrook/everest-runtime/internal/transport"
)

// PublishedMessage records one Publish call.
type PublishedMessage struct {
	Topic   string
	QoS     transport.QoS
	Payload []byte
}

// Mock is a transport.Transport that records publishes and lets tests
// drive inbound delivery via Deliver.
type Mock struct {
	mu        sync.Mutex
	published []PublishedMessage
	handlers  map[string][]transport.MessageHandler
}

// New creates an empty Mock transport.
func New() *Mock {
	return &Mock{handlers: map[string][]transport.MessageHandler{}}
}

func (m *Mock) Publish(topic string, qos transport.QoS, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, PublishedMessage{Topic: topic, QoS: qos, Payload: append([]byte(nil), payload...)})
	return nil
}

func (m *Mock) Subscribe(topic string, qos transport.QoS, handler transport.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = append(m.handlers[topic], handler)
	return nil
}

func (m *Mock) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *Mock) Close() error { return nil }

// Published returns every recorded publish, in order.
func (m *Mock) Published() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedMessage, len(m.published))
	copy(out, m.published)
	return out
}

// SubscriberCount reports how many handlers are registered for topic,
// for asserting subscribe/unsubscribe 0-to-1/1-to-0 transitions.
func (m *Mock) SubscriberCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers[topic])
}

// Deliver synchronously invokes every handler registered for topic,
// simulating an inbound broker message.
func (m *Mock) Deliver(topic string, payload []byte) {
	m.mu.Lock()
	hs := append([]transport.MessageHandler(nil), m.handlers[topic]...)
	m.mu.Unlock()
	for _, h := range hs {
		h(topic, payload)
	}
}
