package inbox_test

import (
	"context"
	"testing"

	"github.com/chartlyhq/inbox/pkg/inbox"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := inbox.NewRegistry()
	if r.Has("order.created") {
		t.Fatal("expected no handler registered yet")
	}
	h := inbox.Handler(func(ctx context.Context, env inbox.Envelope) (inbox.Result, string) {
		return inbox.Success, ""
	})
	if err := r.Register("order.created", h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.Has("order.created") {
		t.Fatal("expected handler to be registered")
	}
	if _, ok := r.Get("order.created"); !ok {
		t.Fatal("expected Get to find the registered handler")
	}
}

func TestRegistryRegisterRejectsEmptyTypeOrNilHandler(t *testing.T) {
	r := inbox.NewRegistry()
	if err := r.Register("", inbox.Handler(func(context.Context, inbox.Envelope) (inbox.Result, string) { return inbox.Success, "" })); err == nil {
		t.Fatal("expected error for empty message_type")
	}
	if err := r.Register("order.created", nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestRegistryMessageTypesSorted(t *testing.T) {
	r := inbox.NewRegistry()
	noop := inbox.Handler(func(context.Context, inbox.Envelope) (inbox.Result, string) { return inbox.Success, "" })
	_ = r.Register("zebra", noop)
	_ = r.Register("apple", noop)
	got := r.MessageTypes()
	if len(got) != 2 || got[0] != "apple" || got[1] != "zebra" {
		t.Fatalf("expected sorted [apple zebra], got %v", got)
	}
}

func TestRegistryDispatchFailsUnregisteredType(t *testing.T) {
	r := inbox.NewRegistry()
	res, reason := r.Dispatch()(context.Background(), inbox.Envelope{MessageType: "unknown.type"})
	if res != inbox.Failed {
		t.Fatalf("expected Failed for unregistered type, got %v", res)
	}
	if reason == "" {
		t.Fatal("expected a non-empty reason")
	}
}

func TestRegistryDispatchRoutesToRegisteredHandler(t *testing.T) {
	r := inbox.NewRegistry()
	called := false
	_ = r.Register("order.created", inbox.Handler(func(ctx context.Context, env inbox.Envelope) (inbox.Result, string) {
		called = true
		return inbox.Success, ""
	}))
	res, _ := r.Dispatch()(context.Background(), inbox.Envelope{MessageType: "order.created"})
	if !called {
		t.Fatal("expected registered handler to be invoked")
	}
	if res != inbox.Success {
		t.Fatalf("expected Success, got %v", res)
	}
}
