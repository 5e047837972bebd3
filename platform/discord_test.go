package platform

import "testing"

func TestDiscordSessionDispatchesEventsInOrder(t *testing.T) {
	a, err := NewDiscordAdapter("tok", "chan-1")
	if err != nil {
		t.Fatal(err)
	}
	// The handlers only enqueue onto the relay's per-origin queue; they rely
	// on synchronous dispatch so a create and its immediate delete reach the
	// queue in gateway order.
	if !a.session.SyncEvents {
		t.Error("session dispatches handlers in goroutines; consecutive events can reorder")
	}
}
