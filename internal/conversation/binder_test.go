package conversation_test

import (
	"context"
	"testing"

	"github.com/convozap/convozap/internal/conversation"
)

func TestNormalizeIdentity(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want string
	}{
		{"5511999998888@s.whatsapp.net", "5511999998888"},
		{"+55 (11) 99999-8888", "5511999998888"},
		{"user@example", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := conversation.NormalizeIdentity(tc.raw); got != tc.want {
			t.Errorf("NormalizeIdentity(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestBinder_ResolveIdempotent(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	binder := conversation.NewBinder(nil, store)

	first, err := binder.Resolve(context.Background(), "5511999998888@s.whatsapp.net")
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if first == "" {
		t.Fatal("first Resolve returned empty conversation id")
	}
	if !store.conversations[first] {
		t.Fatalf("conversation %s was not created", first)
	}

	// Same identity in a different formatting must map to the same
	// conversation.
	second, err := binder.Resolve(context.Background(), "+55 (11) 99999-8888")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if second != first {
		t.Fatalf("second Resolve = %s, want %s", second, first)
	}
	if store.createBindingCalls != 1 {
		t.Fatalf("createBindingCalls = %d, want 1", store.createBindingCalls)
	}
}

func TestBinder_ResolveLosesFirstContactRace(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.stealBinding = "winner-conversation"
	binder := conversation.NewBinder(nil, store)

	got, err := binder.Resolve(context.Background(), "5511999998888")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "winner-conversation" {
		t.Fatalf("Resolve = %s, want winner-conversation", got)
	}
}

func TestBinder_ResolveNoDigits(t *testing.T) {
	t.Parallel()
	binder := conversation.NewBinder(nil, newFakeStore())
	if _, err := binder.Resolve(context.Background(), "not-a-number"); err == nil {
		t.Fatal("Resolve with digit-free identity succeeded, want error")
	}
}
