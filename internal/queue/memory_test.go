package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryNotifier_DeliversToSubscribers(t *testing.T) {
	n := NewMemoryNotifier(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan uuid.UUID, 2)
	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = n.Subscribe(ctx, func(id uuid.UUID) { got <- id })
	}()
	<-ready

	id := uuid.New()
	deadline := time.After(time.Second)
	for {
		if err := n.Publish(context.Background(), id); err != nil {
			t.Fatalf("Publish error: %v", err)
		}
		select {
		case recv := <-got:
			if recv != id {
				t.Fatalf("expected %s, got %s", id, recv)
			}
			return
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timeout waiting for announcement")
		}
	}
}

func TestMemoryNotifier_PublishWithoutSubscribers(t *testing.T) {
	n := NewMemoryNotifier(0)
	if err := n.Publish(context.Background(), uuid.New()); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestMemoryNotifier_SubscribeStopsOnCancel(t *testing.T) {
	n := NewMemoryNotifier(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Subscribe(ctx, func(uuid.UUID) {}) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Subscribe did not return after cancel")
	}
}
