// Package testutil provides shared test fixtures: a scriptable fake
// platform adapter and store/database helpers.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/onnwee/chat-relay/backend/platform"
)

// SentCall records one SendMessage invocation on a FakeAdapter.
type SentCall struct {
	Content     string
	Attachments []platform.Attachment
	Opts        platform.SendOptions
}

// EditCall records one EditMessage invocation.
type EditCall struct {
	MessageID string
	Content   string
}

// FakeAdapter is a scriptable in-memory platform adapter. Every outbound
// call is recorded; return values can be overridden per call through the
// hook funcs. The zero behavior returns sequential message ids.
type FakeAdapter struct {
	Platform platform.Platform

	// Hooks override default behavior when non-nil.
	SendFunc   func(ctx context.Context, content string, attachments []platform.Attachment, opts platform.SendOptions) (string, error)
	EditFunc   func(ctx context.Context, messageID, content string) (bool, error)
	DeleteFunc func(ctx context.Context, messageID, channelID string) (bool, error)

	// SelfID is what BotUserID reports; empty disables the identity check.
	SelfID string

	mu        sync.Mutex
	connected bool
	nextID    int
	sent      []SentCall
	edits     []EditCall
	deletes   []string
	onMessage platform.MessageHandler
	onDelete  platform.DeleteHandler
}

// NewFakeAdapter returns a fake adapter for the given platform.
func NewFakeAdapter(p platform.Platform) *FakeAdapter {
	return &FakeAdapter{Platform: p, connected: true}
}

func (f *FakeAdapter) Name() platform.Platform { return f.Platform }

func (f *FakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *FakeAdapter) SendMessage(ctx context.Context, content string, attachments []platform.Attachment, opts platform.SendOptions) (string, error) {
	if f.SendFunc != nil {
		id, err := f.SendFunc(ctx, content, attachments, opts)
		if err == nil && id != "" {
			f.record(content, attachments, opts)
		}
		return id, err
	}
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("%s-msg-%d", f.Platform, f.nextID)
	f.sent = append(f.sent, SentCall{Content: content, Attachments: attachments, Opts: opts})
	f.mu.Unlock()
	return id, nil
}

func (f *FakeAdapter) record(content string, attachments []platform.Attachment, opts platform.SendOptions) {
	f.mu.Lock()
	f.sent = append(f.sent, SentCall{Content: content, Attachments: attachments, Opts: opts})
	f.mu.Unlock()
}

func (f *FakeAdapter) EditMessage(ctx context.Context, messageID, content string) (bool, error) {
	if f.EditFunc != nil {
		return f.EditFunc(ctx, messageID, content)
	}
	f.mu.Lock()
	f.edits = append(f.edits, EditCall{MessageID: messageID, Content: content})
	f.mu.Unlock()
	return true, nil
}

func (f *FakeAdapter) DeleteMessage(ctx context.Context, messageID, channelID string) (bool, error) {
	if f.DeleteFunc != nil {
		return f.DeleteFunc(ctx, messageID, channelID)
	}
	f.mu.Lock()
	f.deletes = append(f.deletes, messageID)
	f.mu.Unlock()
	return true, nil
}

func (f *FakeAdapter) OnMessage(h platform.MessageHandler) {
	f.mu.Lock()
	f.onMessage = h
	f.mu.Unlock()
}

func (f *FakeAdapter) OnDelete(h platform.DeleteHandler) {
	f.mu.Lock()
	f.onDelete = h
	f.mu.Unlock()
}

func (f *FakeAdapter) Status() platform.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return platform.Status{
		Platform:         f.Platform,
		Connected:        f.connected,
		MessagesSent:     int64(len(f.sent)),
		MessagesReceived: 0,
	}
}

// BotUserID reports the fake's own account id for echo detection.
func (f *FakeAdapter) BotUserID() string { return f.SelfID }

// SetConnected flips the reported connection state.
func (f *FakeAdapter) SetConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// Deliver feeds an inbound message through the registered handler, as the
// real platform would.
func (f *FakeAdapter) Deliver(ctx context.Context, msg platform.CanonicalMessage) {
	f.mu.Lock()
	h := f.onMessage
	f.mu.Unlock()
	if h != nil {
		h(ctx, msg)
	}
}

// DeliverDelete feeds an inbound deletion event through the registered
// handler.
func (f *FakeAdapter) DeliverDelete(ctx context.Context, ev platform.DeleteEvent) {
	f.mu.Lock()
	h := f.onDelete
	f.mu.Unlock()
	if h != nil {
		h(ctx, ev)
	}
}

// Sent returns a copy of all recorded sends.
func (f *FakeAdapter) Sent() []SentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentCall, len(f.sent))
	copy(out, f.sent)
	return out
}

// Edits returns a copy of all recorded edits.
func (f *FakeAdapter) Edits() []EditCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EditCall, len(f.edits))
	copy(out, f.edits)
	return out
}

// Deletes returns a copy of all recorded deletions.
func (f *FakeAdapter) Deletes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deletes))
	copy(out, f.deletes)
	return out
}
