// Package modulepeer implements the per-module bootstrap state
// machine (say_hello/init_done against the manager) and a
// schema-validated wrapper around public/peer.Peer: every
// publish/call/implement/subscribe operation is checked against the
// module's interface schemas before it reaches the wire.
package modulepeer

import (
	"fmt"
	"sync"
	"time"

	"github.com/pionbrook/everest-runtime/internal/modulemodel"
	"github.com/pionbrook/everest-runtime/internal/schema"
	"github.com/pionbrook/everest-runtime/internal/transport"
	"github.com/pionbrook/everest-runtime/public/peer"
)

// State is the bootstrap lifecycle of a ModulePeer. It only ever
// advances, never regresses.
type State int

const (
	Constructed State = iota
	Booted
	Initialized
)

func (s State) String() string {
	switch s {
	case Booted:
		return "booted"
	case Initialized:
		return "initialized"
	default:
		return "constructed"
	}
}

// Fulfillment identifies a concrete module+implementation that
// satisfies one of this module's declared requirements.
type Fulfillment struct {
	ModuleID       string
	ImplementationID string
}

// Value is any JSON-encodable value.
type Value = any

// Arguments is a named-parameter map passed to a command call.
type Arguments = peer.Arguments

// Syncer is implemented by transports that need explicit periodic
// network servicing. Callback-driven transports (the paho client, the
// in-memory test mock) don't need it; SpawnIOSyncThread degrades to a
// plain keep-alive goroutine for those.
type Syncer interface {
	Sync(timeout time.Duration)
}

// ModulePeer wraps a peer.Peer with the module's resolved interface
// model, so every operation can be validated against its declared
// schema before publishing or delegating to a handler.
type ModulePeer struct {
	module *modulemodel.Module
	peer   *peer.Peer
	t      transport.Transport

	mu        sync.Mutex
	state     State
	bypassed  bool
	config    schema.ModuleConfiguration

	validatorsMu sync.Mutex
	validators   map[string]*schema.Validator

	syncMu      sync.Mutex
	syncRunning bool
	syncStop    chan struct{}
}

// New creates a ModulePeer for module, using p as its wire peer (the
// caller is responsible for connecting p to a transport).
func New(module *modulemodel.Module, p *peer.Peer, t transport.Transport) *ModulePeer {
	return &ModulePeer{
		module:     module,
		peer:       p,
		t:          t,
		validators: map[string]*schema.Validator{},
	}
}

// Module returns the resolved module model this peer validates
// against.
func (mp *ModulePeer) Module() *modulemodel.Module {
	return mp.module
}

// State returns the current bootstrap state.
func (mp *ModulePeer) State() State {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.state
}

func (mp *ModulePeer) validatorFor(key string, typ schema.Type) (*schema.Validator, error) {
	mp.validatorsMu.Lock()
	defer mp.validatorsMu.Unlock()

	if v, ok := mp.validators[key]; ok {
		return v, nil
	}
	v, err := schema.NewValidator(typ)
	if err != nil {
		return nil, err
	}
	mp.validators[key] = v
	return v, nil
}

// PublishVariable schema-validates value against the implementation's
// declared variable type, then publishes it.
func (mp *ModulePeer) PublishVariable(implID, name string, value Value) error {
	varType, err := mp.module.Variable(implID, name)
	if err != nil {
		return err
	}
	v, err := mp.validatorFor("var:"+implID+":"+name, varType.Type)
	if err != nil {
		return fmt.Errorf("modulepeer: compile schema for variable %q: %w", name, err)
	}
	if res := v.Validate(value); !res.OK() {
		return fmt.Errorf("modulepeer: value for variable %q does not validate: %w", name, res.Err)
	}
	return mp.peer.PublishVariable(implID, name, value)
}

// CallCommand schema-validates args against reqID's required
// interface's declared command arguments before calling f, and the
// returned result against that command's declared result type,
// failing locally before the call goes out if the arguments don't
// validate.
func (mp *ModulePeer) CallCommand(reqID string, f Fulfillment, commandName string, args Arguments) (Value, error) {
	cmd, ifaceName, err := mp.requiredCommand(reqID, commandName)
	if err != nil {
		return nil, err
	}

	argsValidator, err := mp.validatorFor("call-args:"+ifaceName+":"+commandName, map[string]Value{
		"type":       "object",
		"properties": cmd.Arguments,
	})
	if err != nil {
		return nil, fmt.Errorf("modulepeer: compile argument schema for %q: %w", commandName, err)
	}
	if res := argsValidator.Validate(map[string]Value(args)); !res.OK() {
		return nil, fmt.Errorf("modulepeer: arguments for command %q do not validate: %w", commandName, res.Err)
	}

	result, err := mp.peer.CallCommand(f.ModuleID, f.ImplementationID, commandName, args)
	if err != nil {
		return nil, err
	}

	resultValidator, err := mp.validatorFor("call-result:"+ifaceName+":"+commandName, cmd.Result)
	if err != nil {
		return nil, fmt.Errorf("modulepeer: compile result schema for %q: %w", commandName, err)
	}
	if res := resultValidator.Validate(result); !res.OK() {
		return nil, fmt.Errorf("modulepeer: result of command %q does not validate: %w", commandName, res.Err)
	}

	return result, nil
}

// requiredCommand resolves a command declared on the interface that
// one of this module's requirements demands, mirroring how the
// original's RequirementContext carries a requirement id alongside a
// fulfillment to find the interface to validate against.
func (mp *ModulePeer) requiredCommand(reqID, commandName string) (schema.CommandType, string, error) {
	req, err := mp.module.Requirement(reqID)
	if err != nil {
		return schema.CommandType{}, "", err
	}
	iface, ok := mp.module.Interfaces.Get(req.Interface)
	if !ok {
		return schema.CommandType{}, "", fmt.Errorf("modulepeer: requirement %q references unknown interface %q", reqID, req.Interface)
	}
	cmd, ok := iface.Commands[commandName]
	if !ok {
		return schema.CommandType{}, "", fmt.Errorf("%w: %q on interface %q", modulemodel.ErrUnknownCommand, commandName, req.Interface)
	}
	return cmd, req.Interface, nil
}

// ImplementCommand registers handler for a command this module
// offers, validating inbound arguments against the command's declared
// schema before invoking handler and the returned result before
// publishing it. A validation failure on inbound arguments (or on the
// result) is returned as an error from the wrapped handler, not a
// crash; the peer logs it and publishes no reply, so the remote
// caller receives no failure result and its call times out.
func (mp *ModulePeer) ImplementCommand(implID, commandName string, handler peer.CommandHandler) error {
	cmd, err := mp.module.Command(implID, commandName)
	if err != nil {
		return err
	}

	argsValidator, err := mp.validatorFor("cmd-args:"+implID+":"+commandName, map[string]Value{
		"type":       "object",
		"properties": cmd.Arguments,
	})
	if err != nil {
		return fmt.Errorf("modulepeer: compile argument schema for %q: %w", commandName, err)
	}
	resultValidator, err := mp.validatorFor("cmd-result:"+implID+":"+commandName, cmd.Result)
	if err != nil {
		return fmt.Errorf("modulepeer: compile result schema for %q: %w", commandName, err)
	}

	wrapped := func(args Arguments) (Value, error) {
		if res := argsValidator.Validate(map[string]Value(args)); !res.OK() {
			return nil, fmt.Errorf("modulepeer: arguments for command %q do not validate: %w", commandName, res.Err)
		}
		result, err := handler(args)
		if err != nil {
			return nil, err
		}
		if res := resultValidator.Validate(result); !res.OK() {
			return nil, fmt.Errorf("modulepeer: result of command %q does not validate: %w", commandName, res.Err)
		}
		return result, nil
	}

	return mp.peer.ImplementCommand(implID, commandName, wrapped)
}

// SubscribeVariable subscribes to a fulfilling implementation's
// variable. reqID identifies which of this module's requirements f
// fulfills; a value that fails schema validation against that
// requirement's interface is delivered to handler as an error rather
// than silently dropped.
func (mp *ModulePeer) SubscribeVariable(reqID string, f Fulfillment, variableName string, handler func(Value, error)) (peer.Unsubscribe, error) {
	req, err := mp.module.Requirement(reqID)
	if err != nil {
		return nil, err
	}
	iface, ok := mp.module.Interfaces.Get(req.Interface)
	if !ok {
		return nil, fmt.Errorf("modulepeer: requirement %q references unknown interface %q", reqID, req.Interface)
	}
	varType, ok := iface.Variables[variableName]
	if !ok {
		return nil, fmt.Errorf("%w: %q on interface %q", modulemodel.ErrUnknownVariable, variableName, req.Interface)
	}
	validator, err := mp.validatorFor("sub-var:"+req.Interface+":"+variableName, varType.Type)
	if err != nil {
		return nil, fmt.Errorf("modulepeer: compile schema for variable %q: %w", variableName, err)
	}

	return mp.peer.SubscribeVariable(f.ModuleID, f.ImplementationID, variableName, func(v Value) {
		if res := validator.Validate(v); !res.OK() {
			handler(nil, fmt.Errorf("modulepeer: value for variable %q does not validate: %w", variableName, res.Err))
			return
		}
		handler(v, nil)
	})
}

// MqttSubscribe passes through to the wrapped peer's raw MQTT
// subscription (no schema validation applies outside everest/ topics).
func (mp *ModulePeer) MqttSubscribe(topic string, handler peer.MQTTHandler) (peer.Unsubscribe, error) {
	return mp.peer.MqttSubscribe(topic, handler)
}

// MqttPublish passes through to the wrapped peer's raw MQTT publish.
func (mp *ModulePeer) MqttPublish(topic string, data []byte) error {
	return mp.peer.MqttPublish(topic, data)
}

// Bypass sets up this module's configuration directly, skipping the
// manager round trip entirely. It may only be called once, and is
// meant for unit tests that don't run a live manager.
func (mp *ModulePeer) Bypass(config schema.ModuleConfiguration) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if mp.bypassed {
		return fmt.Errorf("modulepeer: this module peer can only be bypassed once")
	}
	mp.bypassed = true

	if err := mp.module.Setup(config); err != nil {
		return err
	}
	mp.config = config
	return nil
}

// SayHello announces this module to the manager and receives its
// deployment configuration. It is only valid from the Constructed
// state, and advances to Booted.
func (mp *ModulePeer) SayHello(moduleID string) (schema.ModuleConfiguration, error) {
	mp.mu.Lock()
	if mp.state != Constructed {
		mp.mu.Unlock()
		return schema.ModuleConfiguration{}, fmt.Errorf("modulepeer: module is not allowed to say hello in its current state (%s)", mp.state)
	}
	bypassed := mp.bypassed
	mp.mu.Unlock()

	if !bypassed {
		mp.syncMu.Lock()
		running := mp.syncRunning
		mp.syncMu.Unlock()
		if !running {
			return schema.ModuleConfiguration{}, fmt.Errorf("modulepeer: say_hello would block forever because the IO sync thread is not running")
		}

		result, err := mp.peer.CallCommand("manager", "", "say_hello", Arguments{"module_id": moduleID})
		if err != nil {
			return schema.ModuleConfiguration{}, err
		}
		configDoc, _ := result.(map[string]Value)
		cfg, err := schema.ParseModuleConfiguration(configDoc, mp.module.Manifest)
		if err != nil {
			return schema.ModuleConfiguration{}, err
		}
		if err := mp.module.Setup(cfg); err != nil {
			return schema.ModuleConfiguration{}, err
		}

		mp.mu.Lock()
		mp.config = cfg
		mp.mu.Unlock()
	}

	mp.mu.Lock()
	mp.state = Booted
	cfg := mp.config
	mp.mu.Unlock()

	return cfg, nil
}

// InitDone tells the manager this module has finished initializing
// and blocks until the manager's "ready" variable fires, or returns
// immediately if this module was bypassed. It is only valid from the
// Booted state, and advances to Initialized.
func (mp *ModulePeer) InitDone(moduleID string) error {
	mp.mu.Lock()
	if mp.state != Booted {
		mp.mu.Unlock()
		return fmt.Errorf("modulepeer: module is not allowed to finish initialization in its current state (%s)", mp.state)
	}
	bypassed := mp.bypassed
	mp.mu.Unlock()

	if bypassed {
		mp.mu.Lock()
		mp.state = Initialized
		mp.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	var once sync.Once
	unsubscribe, err := mp.peer.SubscribeVariable("manager", "", "ready", func(peer.Value) {
		once.Do(func() { close(ready) })
	})
	if err != nil {
		return err
	}

	if _, err := mp.peer.CallCommand("manager", "", "init_done", Arguments{"module_id": moduleID}); err != nil {
		unsubscribe()
		return err
	}

	<-ready
	unsubscribe()

	mp.mu.Lock()
	mp.state = Initialized
	mp.mu.Unlock()
	return nil
}

// SpawnIOSyncThread starts the background goroutine that services the
// transport. It may only be called once per ModulePeer.
func (mp *ModulePeer) SpawnIOSyncThread() error {
	mp.syncMu.Lock()
	if mp.syncRunning {
		mp.syncMu.Unlock()
		return fmt.Errorf("modulepeer: IO sync thread has already been spawned")
	}
	mp.syncRunning = true
	mp.syncStop = make(chan struct{})
	stop := mp.syncStop
	mp.syncMu.Unlock()

	syncer, _ := mp.t.(Syncer)

	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if syncer != nil {
					syncer.Sync(50 * time.Millisecond)
				}
			}
		}
	}()

	return nil
}

// StopIOSyncThread stops a previously spawned sync goroutine.
func (mp *ModulePeer) StopIOSyncThread() {
	mp.syncMu.Lock()
	defer mp.syncMu.Unlock()
	if !mp.syncRunning {
		return
	}
	mp.syncRunning = false
	close(mp.syncStop)
}
