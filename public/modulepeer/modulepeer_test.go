package modulepeer

import (
	"testing"
	"time"

	"github.com/pionbrook/everest-runtime/internal/modulemodel"
	"github.com/pionbrook/everest-runtime/internal/schema"
	"github.com/pionbrook/everest-runtime/internal/transport/transporttest"
	"github.com/pionbrook/everest-runtime/public/peer"
)

func buildModule(t *testing.T) *modulemodel.Module {
	t.Helper()
	manifest, err := schema.ParseModuleText([]byte(`{
		"metadata": {"authors": ["a"], "license": "http://MIT"},
		"implements": {
			"evse1": {"interface": "evse"}
		}
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	iface, err := schema.ParseInterfaceText([]byte(`{
		"cmds": {
			"start_session": {
				"arguments": {"token": {"type": "string"}},
				"result": {"type": "boolean"}
			}
		},
		"vars": {"connected": {"type": "boolean"}}
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ifaces := modulemodel.NewInterfaceMapBuilder()
	ifaces.Add("evse", iface)
	mod, err := modulemodel.NewBuilder(manifest, ifaces).Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return mod
}

func buildRequiringModule(t *testing.T) *modulemodel.Module {
	t.Helper()
	manifest, err := schema.ParseModuleText([]byte(`{
		"metadata": {"authors": ["a"], "license": "http://MIT"},
		"requires": {
			"evse": {"interface": "evse", "min_connections": 1, "max_connections": 1}
		}
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	iface, err := schema.ParseInterfaceText([]byte(`{
		"cmds": {
			"start_session": {
				"arguments": {"token": {"type": "string"}},
				"result": {"type": "boolean"}
			}
		},
		"vars": {"connected": {"type": "boolean"}}
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ifaces := modulemodel.NewInterfaceMapBuilder()
	ifaces.Add("evse", iface)
	mod, err := modulemodel.NewBuilder(manifest, ifaces).Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return mod
}

// loopbackPublishes delivers every publish recorded on mock to the
// subscribers of its topic, emulating a broker, until stop is closed.
func loopbackPublishes(mock *transporttest.Mock, stop <-chan struct{}) {
	seen := 0
	for {
		select {
		case <-stop:
			return
		default:
		}
		all := mock.Published()
		for ; seen < len(all); seen++ {
			mock.Deliver(all[seen].Topic, all[seen].Payload)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCallCommandValidatesArgumentsAndResult(t *testing.T) {
	mock := transporttest.New()
	stop := make(chan struct{})
	defer close(stop)
	go loopbackPublishes(mock, stop)

	calleePeer, err := peer.New("station9", mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer calleePeer.Close()
	callee := New(buildModule(t), calleePeer, mock)
	if err := callee.ImplementCommand("evse1", "start_session", func(args peer.Arguments) (peer.Value, error) {
		return true, nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	callerPeer, err := peer.New("controller1", mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer callerPeer.Close()
	caller := New(buildRequiringModule(t), callerPeer, mock)

	f := Fulfillment{ModuleID: "station9", ImplementationID: "evse1"}

	result, err := caller.CallCommand("evse", f, "start_session", Arguments{"token": "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != true {
		t.Fatalf("unexpected result: %v", result)
	}

	// wrong argument type is caught locally, no call goes out.
	if _, err := caller.CallCommand("evse", f, "start_session", Arguments{"token": 42}); err == nil {
		t.Fatal("expected argument validation error")
	}

	// unknown command on the required interface.
	if _, err := caller.CallCommand("evse", f, "no_such_command", Arguments{}); err == nil {
		t.Fatal("expected unknown command error")
	}

	// unknown requirement id.
	if _, err := caller.CallCommand("no_such_req", f, "start_session", Arguments{"token": "abc"}); err == nil {
		t.Fatal("expected unknown requirement error")
	}
}

func TestSubscribeVariableValidatesInboundValue(t *testing.T) {
	mock := transporttest.New()
	stop := make(chan struct{})
	defer close(stop)
	go loopbackPublishes(mock, stop)

	publisherPeer, err := peer.New("station9", mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer publisherPeer.Close()
	publisher := New(buildModule(t), publisherPeer, mock)

	subscriberPeer, err := peer.New("controller1", mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer subscriberPeer.Close()
	subscriber := New(buildRequiringModule(t), subscriberPeer, mock)

	f := Fulfillment{ModuleID: "station9", ImplementationID: "evse1"}

	type delivery struct {
		value Value
		err   error
	}
	got := make(chan delivery, 1)
	unsubscribe, err := subscriber.SubscribeVariable("evse", f, "connected", func(v Value, err error) {
		got <- delivery{v, err}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unsubscribe()

	if err := publisher.PublishVariable("evse1", "connected", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := <-got
	if d.err != nil || d.value != true {
		t.Fatalf("unexpected delivery: %+v", d)
	}

	if _, err := subscriber.SubscribeVariable("evse", f, "no_such_variable", func(Value, error) {}); err == nil {
		t.Fatal("expected unknown variable error")
	}
	if _, err := subscriber.SubscribeVariable("no_such_req", f, "connected", func(Value, error) {}); err == nil {
		t.Fatal("expected unknown requirement error")
	}
}

func TestPublishVariableValidatesSchema(t *testing.T) {
	mock := transporttest.New()
	p, err := peer.New("charger1", mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()

	mp := New(buildModule(t), p, mock)

	if err := mp.PublishVariable("evse1", "connected", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mp.PublishVariable("evse1", "connected", "not-a-bool"); err == nil {
		t.Fatal("expected schema validation error")
	}
}

func TestImplementCommandRejectsBadArguments(t *testing.T) {
	mock := transporttest.New()
	stop := make(chan struct{})
	defer close(stop)
	go loopbackPublishes(mock, stop)
	p, err := peer.New("station9", mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()

	mp := New(buildModule(t), p, mock)

	called := false
	err = mp.ImplementCommand("evse1", "start_session", func(args peer.Arguments) (peer.Value, error) {
		called = true
		return true, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	caller, err := peer.New("charger1", mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer caller.Close()

	// "token" is declared as a string; sending it as a number fails
	// schema validation before the handler runs, and the protocol has
	// no wire-level failure reply, so the caller simply times out.
	_, err = caller.CallCommand("station9", "evse1", "start_session", peer.Arguments{"token": 42})
	if err == nil {
		t.Fatal("expected timeout since the handler should reject the call before replying")
	}
	if called {
		t.Fatal("expected handler not to run for invalid arguments")
	}
}

func TestSayHelloRequiresConstructedState(t *testing.T) {
	mock := transporttest.New()
	p, err := peer.New("charger1", mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()

	mp := New(buildModule(t), p, mock)
	mp.state = Booted

	if _, err := mp.SayHello("charger1"); err == nil {
		t.Fatal("expected error when say_hello is called outside Constructed state")
	}
}

func TestBypassSetsUpConfigurationOnce(t *testing.T) {
	mock := transporttest.New()
	p, err := peer.New("charger1", mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()

	mp := New(buildModule(t), p, mock)

	cfg := schema.ModuleConfiguration{Connections: map[string]schema.Value{}}
	if err := mp.Bypass(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mp.Bypass(cfg); err == nil {
		t.Fatal("expected error bypassing twice")
	}
}

func TestInitDoneCompletesImmediatelyWhenBypassed(t *testing.T) {
	mock := transporttest.New()
	p, err := peer.New("charger1", mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()

	mp := New(buildModule(t), p, mock)
	if err := mp.Bypass(schema.ModuleConfiguration{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mp.state = Booted

	if err := mp.InitDone("charger1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mp.State() != Initialized {
		t.Fatalf("expected Initialized state, got %v", mp.State())
	}
}

func TestSpawnIOSyncThreadOnlyOnce(t *testing.T) {
	mock := transporttest.New()
	p, err := peer.New("charger1", mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()

	mp := New(buildModule(t), p, mock)
	if err := mp.SpawnIOSyncThread(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer mp.StopIOSyncThread()

	if err := mp.SpawnIOSyncThread(); err == nil {
		t.Fatal("expected error spawning the sync thread twice")
	}
}
