package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// YouTubeAdapter relays through a YouTube live chat, polling the
// liveChatMessages endpoint at the interval the API asks for. The live chat
// id of the active broadcast is configuration; discovery of the broadcast is
// an external concern.
//
// YouTube live chat has no edit, so EditMessage reports soft failure.
type YouTubeAdapter struct {
	connState

	service    *yt.Service
	liveChatID string

	handlerMu sync.Mutex
	onMessage MessageHandler
	onDelete  DeleteHandler
	botChanID string
}

// NewYouTubeAdapter builds an adapter using a static OAuth access token for
// the relay's own YouTube account. Token refresh is handled outside the
// process; a rotated token means a restart.
func NewYouTubeAdapter(ctx context.Context, accessToken, liveChatID string) (*YouTubeAdapter, error) {
	if accessToken == "" || liveChatID == "" {
		return nil, fmt.Errorf("youtube: access token and live chat id required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := yt.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("youtube: create service: %w", err)
	}
	return &YouTubeAdapter{
		connState:  connState{platform: YouTube},
		service:    svc,
		liveChatID: liveChatID,
	}, nil
}

func (a *YouTubeAdapter) Name() Platform { return YouTube }

// Connect starts the polling loop. The first page establishes the cursor;
// messages older than connect time are never relayed.
func (a *YouTubeAdapter) Connect(ctx context.Context) error {
	go func() {
		started := time.Now().UTC()
		pageToken := ""
		for attempt := 0; ; {
			interval, next, err := a.pollOnce(ctx, pageToken, started)
			if ctx.Err() != nil {
				a.setConnected(false)
				return
			}
			if err != nil {
				a.setConnected(false)
				a.recordError(err)
				slog.Warn("youtube poll failed, backing off", slog.Any("err", err), slog.Int("attempt", attempt), slog.String("component", "youtube_adapter"))
				attempt++
				if !reconnectBackoff(ctx, attempt) {
					return
				}
				continue
			}
			attempt = 0
			a.setConnected(true)
			pageToken = next
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
	return nil
}

func (a *YouTubeAdapter) pollOnce(ctx context.Context, pageToken string, started time.Time) (time.Duration, string, error) {
	call := a.service.LiveChatMessages.List(a.liveChatID, []string{"snippet", "authorDetails"}).
		MaxResults(200).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return 0, pageToken, fmt.Errorf("youtube: list live chat: %w", err)
	}
	for _, item := range resp.Items {
		a.dispatch(ctx, item, started)
	}
	interval := time.Duration(resp.PollingIntervalMillis) * time.Millisecond
	if interval < time.Second {
		interval = 5 * time.Second
	}
	return interval, resp.NextPageToken, nil
}

func (a *YouTubeAdapter) dispatch(ctx context.Context, item *yt.LiveChatMessage, started time.Time) {
	if item.Snippet == nil {
		return
	}
	if item.Snippet.Type == "messageDeletedEvent" {
		if d := item.Snippet.MessageDeletedDetails; d != nil {
			a.handlerMu.Lock()
			h := a.onDelete
			a.handlerMu.Unlock()
			if h != nil {
				h(ctx, DeleteEvent{Platform: YouTube, PlatformMessageID: d.DeletedMessageId, ChannelID: a.liveChatID})
			}
		}
		return
	}
	if item.Snippet.Type != "textMessageEvent" || item.AuthorDetails == nil {
		return
	}
	published, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt)
	if err != nil || published.Before(started) {
		return
	}
	a.recordReceived()
	a.handlerMu.Lock()
	h := a.onMessage
	a.handlerMu.Unlock()
	if h == nil {
		return
	}
	h(ctx, CanonicalMessage{
		Platform:          YouTube,
		PlatformMessageID: item.Id,
		Author:            item.AuthorDetails.DisplayName,
		AuthorID:          item.AuthorDetails.ChannelId,
		Content:           item.Snippet.DisplayMessage,
		Timestamp:         published.UTC(),
		ChannelID:         a.liveChatID,
	})
}

// SendMessage inserts a text message into the live chat and returns its id.
func (a *YouTubeAdapter) SendMessage(ctx context.Context, content string, attachments []Attachment, opts SendOptions) (string, error) {
	body := renderWithAttachments(content, attachments)
	if body == "" {
		return "", nil
	}
	msg := &yt.LiveChatMessage{
		Snippet: &yt.LiveChatMessageSnippet{
			LiveChatId: a.liveChatID,
			Type:       "textMessageEvent",
			TextMessageDetails: &yt.LiveChatTextMessageDetails{
				MessageText: body,
			},
		},
	}
	created, err := a.service.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do()
	if err != nil {
		a.recordError(err)
		return "", fmt.Errorf("youtube: insert message: %w", err)
	}
	a.recordSent()
	if created.AuthorDetails != nil {
		a.handlerMu.Lock()
		if a.botChanID == "" {
			a.botChanID = created.AuthorDetails.ChannelId
		}
		a.handlerMu.Unlock()
	}
	return created.Id, nil
}

// EditMessage always reports soft failure: live chat messages are immutable.
func (a *YouTubeAdapter) EditMessage(ctx context.Context, platformMessageID, newContent string) (bool, error) {
	return false, nil
}

// DeleteMessage removes a live chat message.
func (a *YouTubeAdapter) DeleteMessage(ctx context.Context, platformMessageID, channelID string) (bool, error) {
	if err := a.service.LiveChatMessages.Delete(platformMessageID).Context(ctx).Do(); err != nil {
		if isYouTubeClientError(err) {
			return false, nil
		}
		a.recordError(err)
		return false, fmt.Errorf("youtube: delete message: %w", err)
	}
	return true, nil
}

func isYouTubeClientError(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code >= http.StatusBadRequest && gerr.Code < http.StatusInternalServerError
}

func (a *YouTubeAdapter) OnMessage(h MessageHandler) {
	a.handlerMu.Lock()
	a.onMessage = h
	a.handlerMu.Unlock()
}

func (a *YouTubeAdapter) OnDelete(h DeleteHandler) {
	a.handlerMu.Lock()
	a.onDelete = h
	a.handlerMu.Unlock()
}

func (a *YouTubeAdapter) Status() Status { return a.snapshot() }

// BotUserID returns the relay account's channel id, learned from the first
// successful send (insert responses echo author details).
func (a *YouTubeAdapter) BotUserID() string {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	return a.botChanID
}

var _ Adapter = (*YouTubeAdapter)(nil)
