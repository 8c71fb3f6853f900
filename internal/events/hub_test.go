package events

import (
	"testing"
	"time"
)

func TestHubSignalCoalesces(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	defer cancel()
	h.Signal()
	h.Signal()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("expected wakeup")
	}
	select {
	case <-ch:
		t.Fatalf("signals should coalesce into one pending wakeup")
	default:
	}
}

func TestHubCancelStopsDelivery(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	cancel()
	h.Signal()
	select {
	case <-ch:
		t.Fatalf("cancelled subscriber woken")
	default:
	}
}

func TestNilHubIsSafe(t *testing.T) {
	var h *Hub
	h.Signal()
	_, cancel := h.Subscribe()
	cancel()
}
