package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Kick has no official SDK; chat arrives over the public Pusher websocket
// feed and sends go through the undocumented v2 HTTP API with a user bearer
// token. Both surfaces are best-effort and treated as a secondary platform.
const (
	kickPusherKey  = "eb1d5f283081a78b932c"
	kickPusherHost = "wss://ws-us2.pusher.com"
	kickAPIBase    = "https://kick.com/api/v2"
)

// KickAdapter relays through one Kick chatroom.
type KickAdapter struct {
	connState

	chatroomID string
	authToken  string
	botUserID  string
	httpc      *http.Client

	// overridable in tests
	wsURL   string
	apiBase string

	handlerMu sync.Mutex
	onMessage MessageHandler
	onDelete  DeleteHandler
}

// NewKickAdapter builds an adapter for the given chatroom. botUserID is the
// numeric Kick user id of the relay's own account, used for self-echo
// signals since sends are acknowledged asynchronously over the feed.
func NewKickAdapter(chatroomID, authToken, botUserID string) (*KickAdapter, error) {
	if chatroomID == "" {
		return nil, fmt.Errorf("kick: chatroom id required")
	}
	return &KickAdapter{
		connState:  connState{platform: Kick},
		chatroomID: chatroomID,
		authToken:  authToken,
		botUserID:  botUserID,
		httpc:      &http.Client{Timeout: 10 * time.Second},
		wsURL:      fmt.Sprintf("%s/app/%s?protocol=7&client=go&version=1.0", kickPusherHost, kickPusherKey),
		apiBase:    kickAPIBase,
	}, nil
}

func (a *KickAdapter) Name() Platform { return Kick }

// Connect runs the Pusher feed in a reconnect loop.
func (a *KickAdapter) Connect(ctx context.Context) error {
	go func() {
		for attempt := 0; ; {
			if err := a.readFeed(ctx); err != nil {
				a.setConnected(false)
				if ctx.Err() != nil {
					return
				}
				a.recordError(err)
				slog.Warn("kick feed dropped, reconnecting", slog.Any("err", err), slog.Int("attempt", attempt), slog.String("component", "kick_adapter"))
				attempt++
			} else {
				attempt = 0
			}
			if !reconnectBackoff(ctx, attempt) {
				return
			}
		}
	}()
	return nil
}

// pusherFrame is the envelope every Pusher event arrives in; Data is a
// JSON-encoded string, not an object.
type pusherFrame struct {
	Event   string `json:"event"`
	Data    string `json:"data"`
	Channel string `json:"channel,omitempty"`
}

func (a *KickAdapter) readFeed(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, a.wsURL, nil)
	if err != nil {
		return fmt.Errorf("kick: dial pusher: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := pusherFrame{
		Event: "pusher:subscribe",
		Data:  fmt.Sprintf(`{"auth":"","channel":"chatrooms.%s.v2"}`, a.chatroomID),
	}
	if err := wsjson.Write(ctx, conn, sub); err != nil {
		return fmt.Errorf("kick: subscribe: %w", err)
	}
	a.setConnected(true)
	slog.Info("kick feed connected", slog.String("chatroom", a.chatroomID), slog.String("component", "kick_adapter"))

	for {
		var frame pusherFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("kick: read: %w", err)
		}
		switch frame.Event {
		case "pusher:ping":
			_ = wsjson.Write(ctx, conn, pusherFrame{Event: "pusher:pong", Data: "{}"})
		case `App\Events\ChatMessageEvent`:
			a.handleChatMessage(ctx, frame.Data)
		case `App\Events\MessageDeletedEvent`:
			a.handleMessageDeleted(ctx, frame.Data)
		}
	}
}

func (a *KickAdapter) handleChatMessage(ctx context.Context, data string) {
	var ev struct {
		ID        string `json:"id"`
		Content   string `json:"content"`
		CreatedAt string `json:"created_at"`
		Sender    struct {
			ID       json.Number `json:"id"`
			Username string      `json:"username"`
		} `json:"sender"`
	}
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		slog.Debug("kick chat event decode failed", slog.Any("err", err), slog.String("component", "kick_adapter"))
		return
	}
	a.recordReceived()
	a.handlerMu.Lock()
	h := a.onMessage
	a.handlerMu.Unlock()
	if h == nil {
		return
	}
	ts, err := time.Parse(time.RFC3339, ev.CreatedAt)
	if err != nil {
		ts = time.Now().UTC()
	}
	h(ctx, CanonicalMessage{
		Platform:          Kick,
		PlatformMessageID: ev.ID,
		Author:            ev.Sender.Username,
		AuthorID:          ev.Sender.ID.String(),
		Content:           ev.Content,
		Timestamp:         ts.UTC(),
		ChannelID:         a.chatroomID,
	})
}

func (a *KickAdapter) handleMessageDeleted(ctx context.Context, data string) {
	var ev struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.Message.ID == "" {
		return
	}
	a.handlerMu.Lock()
	h := a.onDelete
	a.handlerMu.Unlock()
	if h == nil {
		return
	}
	h(ctx, DeleteEvent{Platform: Kick, PlatformMessageID: ev.Message.ID, ChannelID: a.chatroomID})
}

// SendMessage posts through the v2 API. Without an auth token Kick is a
// receive-only platform and sends soft-fail.
func (a *KickAdapter) SendMessage(ctx context.Context, content string, attachments []Attachment, opts SendOptions) (string, error) {
	if a.authToken == "" {
		return "", nil
	}
	body := renderWithAttachments(content, attachments)
	if body == "" {
		return "", nil
	}
	payload, _ := json.Marshal(map[string]string{"content": body, "type": "message"})
	url := fmt.Sprintf("%s/messages/send/%s", a.apiBase, a.chatroomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("kick: build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.authToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpc.Do(req)
	if err != nil {
		a.recordError(err)
		return "", fmt.Errorf("kick: send: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		slog.Warn("kick send rejected", slog.Int("status", resp.StatusCode), slog.String("component", "kick_adapter"))
		return "", nil
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil // delivered, id unknown
	}
	a.recordSent()
	return out.Data.ID, nil
}

// EditMessage always reports soft failure: Kick chat has no edit.
func (a *KickAdapter) EditMessage(ctx context.Context, platformMessageID, newContent string) (bool, error) {
	return false, nil
}

// DeleteMessage removes a message via the moderation endpoint.
func (a *KickAdapter) DeleteMessage(ctx context.Context, platformMessageID, channelID string) (bool, error) {
	if a.authToken == "" {
		return false, nil
	}
	url := fmt.Sprintf("%s/chatrooms/%s/messages/%s", a.apiBase, a.chatroomID, platformMessageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return false, fmt.Errorf("kick: build delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.authToken)
	resp, err := a.httpc.Do(req)
	if err != nil {
		a.recordError(err)
		return false, fmt.Errorf("kick: delete: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return resp.StatusCode < 400, nil
}

func (a *KickAdapter) OnMessage(h MessageHandler) {
	a.handlerMu.Lock()
	a.onMessage = h
	a.handlerMu.Unlock()
}

func (a *KickAdapter) OnDelete(h DeleteHandler) {
	a.handlerMu.Lock()
	a.onDelete = h
	a.handlerMu.Unlock()
}

func (a *KickAdapter) Status() Status { return a.snapshot() }

// BotUserID exposes the bot identity for the relay's self-echo check.
func (a *KickAdapter) BotUserID() string { return a.botUserID }

var _ Adapter = (*KickAdapter)(nil)
