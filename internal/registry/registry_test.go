package registry

import (
	"context"
	"testing"
)

func TestRegisterAbortUnregister(t *testing.T) {
	r := New(nil)

	ctx, ok := r.Register(context.Background(), "r1")
	if !ok {
		t.Fatal("expected registration to succeed")
	}
	if got := r.ListActive(); len(got) != 1 || got[0] != "r1" {
		t.Fatalf("unexpected active list %v", got)
	}

	if !r.Abort("r1") {
		t.Fatal("expected abort of active request to return true")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context cancelled after abort")
	}

	// Abort is idempotent.
	if !r.Abort("r1") {
		t.Fatal("expected repeated abort of registered request to return true")
	}

	r.Unregister("r1")
	if r.Abort("r1") {
		t.Fatal("expected abort of unregistered request to return false")
	}
	if len(r.ListActive()) != 0 {
		t.Fatal("expected empty registry after unregister")
	}

	// Unregister is idempotent too.
	r.Unregister("r1")
}

func TestDuplicateRegistration(t *testing.T) {
	r := New(nil)
	if _, ok := r.Register(context.Background(), "r1"); !ok {
		t.Fatal("first registration should succeed")
	}
	if _, ok := r.Register(context.Background(), "r1"); ok {
		t.Fatal("duplicate registration must fail while active")
	}
	r.Unregister("r1")
	if _, ok := r.Register(context.Background(), "r1"); !ok {
		t.Fatal("registration should succeed after unregister")
	}
}

func TestAbortAll(t *testing.T) {
	r := New(nil)
	ctx1, _ := r.Register(context.Background(), "r1")
	ctx2, _ := r.Register(context.Background(), "r2")

	r.AbortAll()
	for _, ctx := range []context.Context{ctx1, ctx2} {
		select {
		case <-ctx.Done():
		default:
			t.Fatal("expected all contexts cancelled")
		}
	}
	// Entries remain until the owners unregister on their way out.
	if len(r.ListActive()) != 2 {
		t.Fatalf("expected 2 entries until owners unregister, got %d", len(r.ListActive()))
	}
}
