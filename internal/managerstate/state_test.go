package managerstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pionbrook/everest-runtime/public/peer"
)

func TestSayHelloHappyPath(t *testing.T) {
	wantConfig := ModuleConfig{"config_module": map[string]any{}}
	tr := New(map[string]ModuleConfig{"charger1": wantConfig}, nil)
	tr.MarkSpawned("charger1")

	result, err := tr.HandleSayHello(peer.Arguments{"module_id": "charger1"})
	require.NoError(t, err)

	// say_hello hands back exactly the deployment config it was
	// constructed with, unmodified.
	require.Equal(t, peer.Value(wantConfig), result)

	state, _ := tr.State("charger1")
	require.Equal(t, SaidHello, state)
}

func TestSayHelloRejectsUnknownModule(t *testing.T) {
	tr := New(map[string]ModuleConfig{}, nil)
	result, err := tr.HandleSayHello(peer.Arguments{"module_id": "ghost"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, isError := result.(map[string]any)["error"]; !isError {
		t.Fatalf("expected error result for unknown module")
	}
}

func TestSayHelloRejectsDoubleHello(t *testing.T) {
	tr := New(map[string]ModuleConfig{"charger1": {}}, nil)
	tr.MarkSpawned("charger1")
	if _, err := tr.HandleSayHello(peer.Arguments{"module_id": "charger1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, _ := tr.HandleSayHello(peer.Arguments{"module_id": "charger1"})
	if _, isError := result.(map[string]any)["error"]; !isError {
		t.Fatalf("expected error on second say_hello")
	}
}

func TestSayHelloRejectsNotStarted(t *testing.T) {
	tr := New(map[string]ModuleConfig{"charger1": {}}, nil)
	result, _ := tr.HandleSayHello(peer.Arguments{"module_id": "charger1"})
	if _, isError := result.(map[string]any)["error"]; !isError {
		t.Fatalf("expected error for a module that has not been spawned yet")
	}
}

func TestInitDoneFiresOnAllInitialized(t *testing.T) {
	fired := make(chan struct{}, 1)
	tr := New(map[string]ModuleConfig{"a": {}, "b": {}}, func() { fired <- struct{}{} })
	tr.MarkSpawned("a")
	tr.MarkSpawned("b")
	tr.HandleSayHello(peer.Arguments{"module_id": "a"})
	tr.HandleSayHello(peer.Arguments{"module_id": "b"})

	if _, err := tr.HandleInitDone(peer.Arguments{"module_id": "a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-fired:
		t.Fatal("callback should not fire until every module is done")
	default:
	}

	if _, err := tr.HandleInitDone(peer.Arguments{"module_id": "b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-fired:
	default:
		t.Fatal("expected callback to fire once every module finished init")
	}

	if !tr.AllInitialized() {
		t.Fatal("expected AllInitialized to report true")
	}
}

func TestInitDoneRejectsWrongState(t *testing.T) {
	tr := New(map[string]ModuleConfig{"a": {}}, nil)
	tr.MarkSpawned("a")
	result, err := tr.HandleInitDone(peer.Arguments{"module_id": "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, isError := result.(map[string]any)["error"]; !isError {
		t.Fatalf("expected error calling init_done before say_hello")
	}
}
