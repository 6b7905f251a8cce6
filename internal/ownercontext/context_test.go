package ownercontext

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
)

func TestOwnerIDRoundTrip(t *testing.T) {
	ctx := WithOwnerID(context.Background(), snowflake.ID(42))
	got, ok := OwnerIDFromContext(ctx)
	if !ok || got != 42 {
		t.Fatalf("expected owner 42, got %v (ok=%v)", got, ok)
	}
}

func TestOwnerIDMissing(t *testing.T) {
	if _, ok := OwnerIDFromContext(context.Background()); ok {
		t.Fatalf("expected no owner in empty context")
	}
	if _, ok := OwnerIDFromContext(WithOwnerID(context.Background(), 0)); ok {
		t.Fatalf("expected zero owner to be rejected")
	}
}
