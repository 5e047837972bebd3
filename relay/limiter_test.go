package relay

import (
	"testing"
	"time"

	"github.com/onnwee/chat-relay/backend/platform"
)

func TestRateLimiterDeniesBeyondWindowBudget(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.Admit(platform.Discord) {
			t.Fatalf("send %d denied inside budget", i+1)
		}
	}
	if rl.Admit(platform.Discord) {
		t.Fatal("send beyond budget admitted")
	}
}

func TestRateLimiterWindowsArePerPlatform(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	if !rl.Admit(platform.Discord) {
		t.Fatal("first discord send denied")
	}
	if rl.Admit(platform.Discord) {
		t.Fatal("second discord send admitted")
	}
	if !rl.Admit(platform.Telegram) {
		t.Fatal("telegram budget exhausted by discord sends")
	}
}

func TestRateLimiterResetsAfterWindowElapses(t *testing.T) {
	current := time.Now()
	rl := NewRateLimiter(1, time.Minute)
	rl.now = func() time.Time { return current }

	if !rl.Admit(platform.Discord) {
		t.Fatal("first send denied")
	}
	if rl.Admit(platform.Discord) {
		t.Fatal("second send admitted within window")
	}

	current = current.Add(time.Minute)
	if !rl.Admit(platform.Discord) {
		t.Fatal("send denied after window elapsed")
	}
}
