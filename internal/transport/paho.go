package transport

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMQTTLocation is the broker hostname used when
	// MQTT_SERVER_ADDRESS is unset.
	DefaultMQTTLocation = "mqtt-server"
	// DefaultMQTTPort is the broker port used when MQTT_SERVER_PORT is
	// unset or not parseable as an integer.
	DefaultMQTTPort = 1883

	envVarMQTTLocation = "MQTT_SERVER_ADDRESS"
	envVarMQTTPort     = "MQTT_SERVER_PORT"

	keepAlive = 400 * time.Second
)

// BrokerAddressFromEnv resolves the broker host:port from
// MQTT_SERVER_ADDRESS / MQTT_SERVER_PORT, falling back to the
// defaults. An env var holding a port that doesn't parse as an
// integer is ignored, not treated as a fatal error.
func BrokerAddressFromEnv() (host string, port int) {
	host = DefaultMQTTLocation
	port = DefaultMQTTPort

	if v := os.Getenv(envVarMQTTLocation); v != "" {
		host = v
	}
	if v := os.Getenv(envVarMQTTPort); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			port = parsed
		} else {
			logrus.WithField(envVarMQTTPort, v).Warn("transport: ignoring unparseable MQTT port override")
		}
	}
	return host, port
}

// PahoTransport implements Transport over github.com/eclipse/paho.mqtt.golang.
type PahoTransport struct {
	client mqtt.Client

	mu       sync.Mutex
	handlers map[string][]MessageHandler
}

// PahoOptions configures a PahoTransport's connection.
type PahoOptions struct {
	ClientID string
	Host     string
	Port     int
	// CleanSession mirrors the original implementation's default of
	// starting with no retained broker-side subscription state.
	CleanSession bool
}

// DefaultPahoOptions resolves broker host/port from the environment
// and sets clean-session semantics, matching the reference runtime's
// defaults.
func DefaultPahoOptions(clientID string) PahoOptions {
	host, port := BrokerAddressFromEnv()
	return PahoOptions{ClientID: clientID, Host: host, Port: port, CleanSession: true}
}

// NewPahoTransport connects to the broker described by opts.
func NewPahoTransport(opts PahoOptions) (*PahoTransport, error) {
	t := &PahoTransport{handlers: map[string][]MessageHandler{}}

	o := mqtt.NewClientOptions()
	o.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Host, opts.Port))
	o.SetClientID(opts.ClientID)
	o.SetCleanSession(opts.CleanSession)
	o.SetKeepAlive(keepAlive)
	o.SetAutoReconnect(true)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logrus.WithError(err).WithField("client_id", opts.ClientID).Warn("transport: lost connection to broker")
	})

	t.client = mqtt.NewClient(o)
	token := t.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("transport: timed out connecting to %s:%d", opts.Host, opts.Port)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("transport: connect to %s:%d: %w", opts.Host, opts.Port, err)
	}

	return t, nil
}

func (t *PahoTransport) Publish(topic string, qos QoS, payload []byte) error {
	token := t.client.Publish(topic, byte(qos), false, payload)
	token.Wait()
	return token.Error()
}

func (t *PahoTransport) Subscribe(topic string, qos QoS, handler MessageHandler) error {
	t.mu.Lock()
	_, already := t.handlers[topic]
	t.handlers[topic] = append(t.handlers[topic], handler)
	t.mu.Unlock()

	if already {
		return nil
	}

	token := t.client.Subscribe(topic, byte(qos), func(_ mqtt.Client, msg mqtt.Message) {
		t.mu.Lock()
		hs := append([]MessageHandler(nil), t.handlers[msg.Topic()]...)
		t.mu.Unlock()
		for _, h := range hs {
			h(msg.Topic(), msg.Payload())
		}
	})
	token.Wait()
	return token.Error()
}

func (t *PahoTransport) Unsubscribe(topic string) error {
	t.mu.Lock()
	delete(t.handlers, topic)
	t.mu.Unlock()

	token := t.client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

func (t *PahoTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}
