// Package peer implements Peer, the routing and call-correlation
// layer every module speaks to: publish/subscribe to variables,
// call/implement commands, and raw MQTT passthrough, all addressed by
// the everest/ topic grammar.
package peer

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pionbrook/everest-runtime/internal/topic"
	"github.com/pionbrook/everest-runtime/internal/transport"
	"github.com/pionbrook/everest-runtime/internal/worker"
)

// DefaultCallTimeout is how long CallCommand waits for a result
// before giving up.
const DefaultCallTimeout = 3000 * time.Millisecond

// Value is any JSON-encodable value exchanged over a topic.
type Value = any

// Arguments is the named-parameter map passed to a command call.
type Arguments map[string]Value

// SubscriptionHandler receives a subscribed variable's value.
type SubscriptionHandler func(value Value)

// CommandHandler implements a command: it receives the call's
// arguments and returns the command's result (or an error, which is
// logged and never sent back — the original protocol has no
// wire-level failure result, only success).
type CommandHandler func(args Arguments) (Value, error)

// MQTTHandler receives a raw external MQTT message (a topic outside
// the everest/ grammar, or a topic classified Other).
type MQTTHandler func(topic string, payload []byte)

// Unsubscribe cancels a subscription created by SubscribeVariable,
// ImplementCommand is permanent and has no such handle.
type Unsubscribe func()

type callRecord struct {
	result chan Value
}

type calls struct {
	mu  sync.Mutex
	rng *rand.Rand
	m   map[uint32]*callRecord
}

func newCalls(seed string) *calls {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	return &calls{
		rng: rand.New(rand.NewSource(int64(h.Sum64()))),
		m:   map[uint32]*callRecord{},
	}
}

func (c *calls) allocate() (uint32, *callRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		id := c.rng.Uint32()
		if _, exists := c.m[id]; exists {
			continue
		}
		rec := &callRecord{result: make(chan Value, 1)}
		c.m[id] = rec
		return id, rec
	}
}

func (c *calls) release(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, id)
}

// setResult delivers result to the pending call id, if any. known
// reports whether id was a call we actually issued; delivered reports
// whether the value was accepted. known=true, delivered=false means a
// second result (e.g. a QoS1 redelivery) arrived while the first one
// is still waiting in the slot, not an error. Once CallCommand returns
// it releases the id, so any later result for it reports known=false.
func (c *calls) setResult(id uint32, result Value) (known, delivered bool) {
	c.mu.Lock()
	rec, ok := c.m[id]
	c.mu.Unlock()
	if !ok {
		return false, false
	}
	select {
	case rec.result <- result:
		return true, true
	default:
		return true, false
	}
}

func subscriptionKey(peerID, implID string) string {
	if implID == "" {
		return "var/" + peerID
	}
	return "var/" + peerID + "/" + implID
}

func commandKey(implID string) string {
	return "cmd/" + implID
}

// Peer is one endpoint in the everest/ topic namespace: it owns a
// transport connection, routes inbound messages by topic, and
// provides typed publish/call/subscribe/implement operations.
type Peer struct {
	PeerID    string
	transport transport.Transport

	calls *calls

	varWorkers *worker.Registry[Value]
	cmdWorkers *worker.Registry[Value]
	mqttWorker *worker.MessageWorker[[]byte]

	log *logrus.Entry
}

// New creates a Peer, subscribes to its own result topic, and starts
// routing inbound transport messages.
func New(peerID string, t transport.Transport) (*Peer, error) {
	p := &Peer{
		PeerID:     peerID,
		transport:  t,
		calls:      newCalls(peerID),
		varWorkers: worker.NewRegistry[Value](),
		cmdWorkers: worker.NewRegistry[Value](),
		mqttWorker: worker.New[[]byte](),
		log:        logrus.WithField("peer_id", peerID),
	}

	resultTopic := topic.BuildResult(peerID)
	if err := t.Subscribe(resultTopic, transport.QoS1, p.route); err != nil {
		return nil, fmt.Errorf("peer: subscribe to result topic: %w", err)
	}

	return p, nil
}

func (p *Peer) route(raw string, payload []byte) {
	info := topic.Parse(raw)

	switch info.Type {
	case topic.Invalid:
		p.log.WithField("topic", raw).Error("received data on invalid topic")
		return
	case topic.Other:
		p.mqttWorker.AddWork(raw, payload)
		return
	}

	var message Value
	if err := json.Unmarshal(payload, &message); err != nil {
		p.log.WithField("topic", raw).Warn("received unparseable message")
		return
	}

	switch info.Type {
	case topic.Result:
		p.handleResult(message)
	case topic.Var:
		p.handleSubscription(message, info)
	case topic.Cmd:
		p.handleCommand(message, info)
	}
}

func (p *Peer) handleSubscription(message Value, info topic.Info) {
	key := subscriptionKey(info.PeerID, info.ImplID)
	w, ok := p.varWorkers.Find(key)
	if !ok {
		p.log.WithField("key", key).Error("received on a subscription topic we never subscribed")
		return
	}
	w.AddWork(info.Name, message)
}

func (p *Peer) handleCommand(raw Value, info topic.Info) {
	message, ok := raw.(map[string]Value)
	if !ok {
		p.log.Warn("received invalid call message: not an object")
		return
	}
	if _, hasPeer := message["peer"]; !hasPeer {
		p.log.Warn("received invalid call message: missing peer")
		return
	}
	if _, hasID := message["id"]; !hasID {
		p.log.Warn("received invalid call message: missing id")
		return
	}

	key := commandKey(info.ImplID)
	w, ok := p.cmdWorkers.Find(key)
	if !ok {
		p.log.WithField("key", key).Error("received on a command topic we never subscribed")
		return
	}
	w.AddWork(info.Name, Value(message))
}

func (p *Peer) handleResult(raw Value) {
	message, ok := raw.(map[string]Value)
	if !ok {
		p.log.Warn("received invalid result message: not an object")
		return
	}
	idVal, ok := message["id"]
	if !ok {
		p.log.Warn("received invalid result message: missing id")
		return
	}
	id, ok := toUint32(idVal)
	if !ok {
		p.log.Warn("received invalid result message: non-numeric id")
		return
	}
	if known, _ := p.calls.setResult(id, message["result"]); !known {
		p.log.WithField("call_id", id).Warn("invalid call id referenced")
	}
}

func toUint32(v Value) (uint32, bool) {
	switch n := v.(type) {
	case float64:
		return uint32(n), true
	case uint32:
		return n, true
	default:
		return 0, false
	}
}

// PublishVariable publishes a variable value. implID may be empty for
// a module-level (non-implementation) variable.
func (p *Peer) PublishVariable(implID, name string, value Value) error {
	t := topic.BuildVar(p.PeerID, implID, name)
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("peer: marshal variable %q: %w", name, err)
	}
	return p.transport.Publish(t, transport.QoS2, payload)
}

// CallCommand invokes a command on another peer and blocks until the
// result arrives or DefaultCallTimeout elapses.
func (p *Peer) CallCommand(otherPeerID, implID, commandName string, args Arguments) (Value, error) {
	id, rec := p.calls.allocate()
	defer p.calls.release(id)

	payload, err := json.Marshal(map[string]Value{
		"params": args,
		"peer":   p.PeerID,
		"id":     id,
	})
	if err != nil {
		return nil, fmt.Errorf("peer: marshal call to %q: %w", commandName, err)
	}

	t := topic.BuildCmd(otherPeerID, implID, commandName)
	if err := p.transport.Publish(t, transport.QoS2, payload); err != nil {
		return nil, fmt.Errorf("peer: publish call to %q: %w", t, err)
	}

	select {
	case result := <-rec.result:
		return result, nil
	case <-time.After(DefaultCallTimeout):
		return nil, fmt.Errorf("peer: command on path %q timed out", t)
	}
}

// SubscribeVariable subscribes to another peer's variable. The
// returned Unsubscribe tears down the subscription; when the last
// handler for that variable is removed, the underlying topic
// subscription is dropped too.
func (p *Peer) SubscribeVariable(otherPeerID, implID, variableName string, handler SubscriptionHandler) (Unsubscribe, error) {
	t := topic.BuildVar(otherPeerID, implID, variableName)
	key := subscriptionKey(otherPeerID, implID)

	w := p.varWorkers.Get(key)
	tok, wasEmpty := w.AddHandler(variableName, func(v Value) { handler(v) })

	if wasEmpty {
		if err := p.transport.Subscribe(t, transport.QoS2, p.route); err != nil {
			w.RemoveHandler(variableName, tok)
			return nil, fmt.Errorf("peer: subscribe to %q: %w", t, err)
		}
	}

	return func() {
		if w.RemoveHandler(variableName, tok) {
			_ = p.transport.Unsubscribe(t)
		}
	}, nil
}

// ImplementCommand registers the handler for a command this peer
// offers. A given (implID, commandName) pair may only be implemented
// once.
func (p *Peer) ImplementCommand(implID, commandName string, handler CommandHandler) error {
	key := commandKey(implID)
	w := p.cmdWorkers.Get(key)

	if w.HandlerCount(commandName) != 0 {
		return fmt.Errorf("peer: command %q already implemented", commandName)
	}

	t := topic.BuildCmd(p.PeerID, implID, commandName)
	if _, wasEmpty := w.AddHandler(commandName, p.wrapCommandHandler(handler)); wasEmpty {
		if err := p.transport.Subscribe(t, transport.QoS2, p.route); err != nil {
			return fmt.Errorf("peer: subscribe to %q: %w", t, err)
		}
	}

	return nil
}

func (p *Peer) wrapCommandHandler(handler CommandHandler) worker.Handler[Value] {
	return func(raw Value) {
		message, ok := raw.(map[string]Value)
		if !ok {
			return
		}

		var args Arguments
		if params, ok := message["params"].(map[string]Value); ok {
			args = params
		}

		result, err := handler(args)
		if err != nil {
			p.log.WithError(err).Warn("command handler returned an error, dropping reply")
			return
		}

		callerPeer, _ := message["peer"].(string)
		resultTopic := topic.BuildResult(callerPeer)

		payload, err := json.Marshal(map[string]Value{
			"id":     message["id"],
			"result": result,
		})
		if err != nil {
			p.log.WithError(err).Error("failed to marshal command result")
			return
		}

		if err := p.transport.Publish(resultTopic, transport.QoS1, payload); err != nil {
			p.log.WithError(err).Error("failed to publish command result")
		}
	}
}

// MqttSubscribe subscribes to a raw, non-everest/ MQTT topic.
func (p *Peer) MqttSubscribe(t string, handler MQTTHandler) (Unsubscribe, error) {
	tok, wasEmpty := p.mqttWorker.AddHandler(t, func(payload []byte) { handler(t, payload) })

	if wasEmpty {
		if err := p.transport.Subscribe(t, transport.QoS2, p.route); err != nil {
			p.mqttWorker.RemoveHandler(t, tok)
			return nil, fmt.Errorf("peer: mqtt subscribe to %q: %w", t, err)
		}
	}

	return func() {
		if p.mqttWorker.RemoveHandler(t, tok) {
			_ = p.transport.Unsubscribe(t)
		}
	}, nil
}

// MqttPublish publishes raw data to a non-everest/ MQTT topic.
func (p *Peer) MqttPublish(t string, data []byte) error {
	return p.transport.Publish(t, transport.QoS2, data)
}

// Close stops this peer's internal workers. It does not close the
// underlying transport, which may be shared.
func (p *Peer) Close() {
	p.varWorkers.CloseAll()
	p.cmdWorkers.CloseAll()
	p.mqttWorker.Close()
}
