package relay

import (
	"sync"
	"time"

	"github.com/onnwee/chat-relay/backend/platform"
)

// RateLimiter is per-destination-platform sliding-window admission control
// applied before outbound relay sends. Window reset is lazy: it happens on
// the next Admit call rather than on a timer, so an idle limiter costs
// nothing. State is not persisted; a restart starts fresh windows.
type RateLimiter struct {
	mu                sync.Mutex
	messagesPerWindow int
	window            time.Duration
	windows           map[platform.Platform]*rateWindow
	now               func() time.Time // overridable in tests
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter builds a limiter allowing messagesPerWindow sends per
// platform per window.
func NewRateLimiter(messagesPerWindow int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		messagesPerWindow: messagesPerWindow,
		window:            window,
		windows:           make(map[platform.Platform]*rateWindow),
		now:               time.Now,
	}
}

// Admit reports whether one more send to the platform is allowed inside the
// current window, counting it if so.
func (rl *RateLimiter) Admit(p platform.Platform) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	w, ok := rl.windows[p]
	if !ok || now.Sub(w.windowStart) >= rl.window {
		rl.windows[p] = &rateWindow{count: 1, windowStart: now}
		return true
	}
	if w.count >= rl.messagesPerWindow {
		return false
	}
	w.count++
	return true
}
