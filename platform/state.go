package platform

import (
	"context"
	"sync"
	"time"
)

// connState tracks connection status and traffic counters shared by all
// adapters. Adapters embed it and call the record helpers from their event
// and send paths.
type connState struct {
	mu        sync.Mutex
	platform  Platform
	connected bool
	lastErr   string
	lastErrAt time.Time
	sent      int64
	received  int64
}

func (s *connState) setConnected(ok bool) {
	s.mu.Lock()
	s.connected = ok
	s.mu.Unlock()
}

func (s *connState) recordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastErr = err.Error()
	s.lastErrAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *connState) recordSent()     { s.mu.Lock(); s.sent++; s.mu.Unlock() }
func (s *connState) recordReceived() { s.mu.Lock(); s.received++; s.mu.Unlock() }

func (s *connState) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Platform:         s.platform,
		Connected:        s.connected,
		LastError:        s.lastErr,
		LastErrorAt:      s.lastErrAt,
		MessagesSent:     s.sent,
		MessagesReceived: s.received,
	}
}

// reconnectBackoff sleeps for the exponential backoff delay of the given
// attempt (1s, 2s, 4s, ... capped at 60s). Returns false if ctx was canceled
// while waiting.
func reconnectBackoff(ctx context.Context, attempt int) bool {
	if attempt > 6 {
		attempt = 6
	}
	d := time.Second << uint(attempt)
	if d > time.Minute {
		d = time.Minute
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
