package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/smartfollow/harvester/internal/observation"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "visibility", observation.VisibilityChange{ProjectID: "OKX:A", To: "MISSING"})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "other", "payload")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Attributes["project_id"] != "OKX:A" {
		t.Fatalf("attributes not captured: %+v", msgs[0].Attributes)
	}
	if msgs[1].Attributes != nil {
		t.Fatalf("plain payload should have no attributes: %+v", msgs[1].Attributes)
	}
	if got := pub.Topic("visibility"); len(got) != 1 {
		t.Fatalf("expected 1 visibility payload, got %d", len(got))
	}

	msgs[0].Topic = "modified"
	if pub.Messages()[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("topic unavailable")
	pub.FailWith(boom)
	if _, err := pub.Publish(context.Background(), "visibility", "x"); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	pub.FailWith(nil)
	if _, err := pub.Publish(context.Background(), "visibility", "x"); err != nil {
		t.Fatalf("unexpected error after recovery: %v", err)
	}
	if len(pub.Messages()) != 1 {
		t.Fatalf("failed publishes must not be recorded")
	}
}
