// Package managerstate implements the manager's per-module bootstrap
// state machine and the say_hello/init_done command handlers that
// drive it.
package managerstate

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pionbrook/everest-runtime/public/peer"
)

// ModuleState is one module's position in the bootstrap protocol.
type ModuleState int

const (
	NotStarted ModuleState = iota
	NotSeen
	SaidHello
	InitFinished
)

func (s ModuleState) String() string {
	switch s {
	case NotSeen:
		return "not_seen"
	case SaidHello:
		return "said_hello"
	case InitFinished:
		return "init_finished"
	default:
		return "not_started"
	}
}

// ModuleConfig is the deployment configuration document handed back
// to a module on say_hello.
type ModuleConfig = map[string]any

// Tracker holds the per-module state for every module the deployment
// names, and implements the say_hello/init_done command handlers.
type Tracker struct {
	mu sync.Mutex

	states  map[string]ModuleState
	configs map[string]ModuleConfig

	initializedCount int
	totalCount       int

	onAllInitialized func()

	log *logrus.Entry
}

// New creates a Tracker for the given module ids, all starting in
// NotStarted. onAllInitialized fires once, after the last module
// calls init_done, outside of the tracker's lock.
func New(moduleConfigs map[string]ModuleConfig, onAllInitialized func()) *Tracker {
	t := &Tracker{
		states:           map[string]ModuleState{},
		configs:          moduleConfigs,
		onAllInitialized: onAllInitialized,
		log:              logrus.WithField("component", "manager"),
	}
	for id := range moduleConfigs {
		t.states[id] = NotStarted
	}
	t.totalCount = len(moduleConfigs)
	return t
}

// MarkSpawned transitions a module from NotStarted to NotSeen, once
// its child process (or a standalone instance) has been started.
func (t *Tracker) MarkSpawned(moduleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[moduleID] = NotSeen
}

// State returns a module's current state.
func (t *Tracker) State(moduleID string) (ModuleState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[moduleID]
	return s, ok
}

// HandleSayHello implements the manager's "say_hello" command: it
// only succeeds for a module currently in NotSeen, returning the
// module's deployment config and advancing it to SaidHello.
func (t *Tracker) HandleSayHello(args peer.Arguments) (peer.Value, error) {
	moduleID, _ := args["module_id"].(string)

	t.mu.Lock()
	defer t.mu.Unlock()

	state, known := t.states[moduleID]
	if !known {
		return map[string]any{"error": "Sorry, I do not know you."}, nil
	}

	switch state {
	case NotStarted:
		return map[string]any{"error": "Do you time travel?"}, nil
	case NotSeen:
		t.states[moduleID] = SaidHello
		t.log.WithField("module_id", moduleID).Info("module said hello")
		return t.configs[moduleID], nil
	default:
		return map[string]any{"error": "You already said hello."}, nil
	}
}

// HandleInitDone implements the manager's "init_done" command: it
// only succeeds for a module currently in SaidHello, advancing it to
// InitFinished. When every module has reached InitFinished, it
// invokes onAllInitialized (outside the lock, so it may safely call
// back into the tracker or publish "ready" itself).
func (t *Tracker) HandleInitDone(args peer.Arguments) (peer.Value, error) {
	moduleID, _ := args["module_id"].(string)

	t.mu.Lock()

	state, known := t.states[moduleID]
	if !known {
		t.mu.Unlock()
		return map[string]any{"error": "Sorry, I do not know you."}, nil
	}

	if state != SaidHello {
		t.mu.Unlock()
		return map[string]any{"error": "I did not expect you tell me that you are done with init."}, nil
	}

	t.states[moduleID] = InitFinished
	t.initializedCount++
	allDone := t.initializedCount == t.totalCount
	t.mu.Unlock()

	t.log.WithField("module_id", moduleID).Info("module finished initialization")

	if allDone && t.onAllInitialized != nil {
		t.onAllInitialized()
	}

	return nil, nil
}

// AllInitialized reports whether every tracked module has reached
// InitFinished.
func (t *Tracker) AllInitialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initializedCount == t.totalCount
}

// Validate checks that moduleID is a known module.
func (t *Tracker) Validate(moduleID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[moduleID]; !ok {
		return fmt.Errorf("managerstate: unknown module %q", moduleID)
	}
	return nil
}
