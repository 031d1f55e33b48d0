package correlation

import (
	"context"
	"testing"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "abc")
	ctx, cid := EnsureCorrelationID(ctx)
	if cid != "abc" {
		t.Fatalf("expected existing id, got %q", cid)
	}
	if got := Metadata(ctx)["correlation_id"]; got != "abc" {
		t.Fatalf("expected metadata to carry id, got %q", got)
	}
}

func TestEnsureCorrelationIDGenerates(t *testing.T) {
	_, cid := EnsureCorrelationID(context.Background())
	if len(cid) != 26 {
		t.Fatalf("expected ulid, got %q", cid)
	}
}
