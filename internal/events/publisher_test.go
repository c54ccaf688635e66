package events

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-controld/internal/audit"
)

func TestNewPublisherDisabledReturnsNil(t *testing.T) {
	p, err := NewPublisher(nil, "", "", nil, nil, false, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil publisher when disabled")
	}
	// Publish and Close must be safe no-ops on a nil Publisher.
	p.Publish(context.Background(), audit.Event{Kind: audit.PeerRegistered, PeerID: "x"})
	p.Close()
}
