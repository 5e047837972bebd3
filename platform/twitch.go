package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// TwitchAdapter relays through a bot account in one Twitch IRC channel.
//
// Twitch is the most limited leg of the relay: IRC acknowledges neither sends
// nor moderation actions, messages cannot be edited at all, and the only
// native deletion signal is CLEARMSG. SendMessage therefore delivers but
// returns an empty id (the message stays untracked for edit/delete fan-out),
// and EditMessage/DeleteMessage report soft failure.
type TwitchAdapter struct {
	connState

	client   *twitch.Client
	channel  string
	username string

	handlerMu sync.Mutex
	onMessage MessageHandler
	onDelete  DeleteHandler
}

// NewTwitchAdapter builds an adapter joining the given channel with the bot
// account credentials (oauth token in the "oauth:..." IRC form).
func NewTwitchAdapter(username, oauthToken, channel string) (*TwitchAdapter, error) {
	if username == "" || oauthToken == "" || channel == "" {
		return nil, fmt.Errorf("twitch: username, oauth token and channel required")
	}
	a := &TwitchAdapter{
		connState: connState{platform: Twitch},
		client:    twitch.NewClient(username, oauthToken),
		channel:   channel,
		username:  username,
	}
	a.client.OnConnect(func() {
		a.setConnected(true)
		slog.Info("twitch chat connected", slog.String("channel", channel), slog.String("component", "twitch_adapter"))
	})
	a.client.OnPrivateMessage(a.handlePrivateMessage)
	a.client.OnClearMessage(a.handleClearMessage)
	a.client.Join(channel)
	return a, nil
}

func (a *TwitchAdapter) Name() Platform { return Twitch }

// Connect runs the IRC session in a reconnect loop. twitch.Client.Connect
// blocks until the connection drops, so each return feeds the backoff and a
// fresh attempt until ctx is canceled.
func (a *TwitchAdapter) Connect(ctx context.Context) error {
	go func() {
		for attempt := 0; ; {
			err := a.client.Connect()
			a.setConnected(false)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				a.recordError(err)
				slog.Warn("twitch chat disconnected, reconnecting", slog.Any("err", err), slog.Int("attempt", attempt), slog.String("component", "twitch_adapter"))
				attempt++
			} else {
				attempt = 0
			}
			if !reconnectBackoff(ctx, attempt) {
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		if err := a.client.Disconnect(); err != nil {
			slog.Debug("twitch disconnect", slog.Any("err", err), slog.String("component", "twitch_adapter"))
		}
	}()
	return nil
}

func (a *TwitchAdapter) handlePrivateMessage(msg twitch.PrivateMessage) {
	a.recordReceived()
	a.handlerMu.Lock()
	h := a.onMessage
	a.handlerMu.Unlock()
	if h == nil {
		return
	}
	cm := CanonicalMessage{
		Platform:          Twitch,
		PlatformMessageID: msg.ID,
		Author:            msg.User.DisplayName,
		AuthorID:          msg.User.ID,
		Content:           msg.Message,
		Timestamp:         msg.Time.UTC(),
		ChannelID:         msg.Channel,
	}
	if msg.Reply != nil && msg.Reply.ParentMsgID != "" {
		cm.ReplyTo = &ReplyRef{
			PlatformMessageID: msg.Reply.ParentMsgID,
			Author:            msg.Reply.ParentDisplayName,
			Content:           msg.Reply.ParentMsgBody,
			OriginPlatform:    Twitch,
		}
	}
	h(context.Background(), cm)
}

func (a *TwitchAdapter) handleClearMessage(msg twitch.ClearMessage) {
	a.handlerMu.Lock()
	h := a.onDelete
	a.handlerMu.Unlock()
	if h == nil {
		return
	}
	h(context.Background(), DeleteEvent{
		Platform:          Twitch,
		PlatformMessageID: msg.TargetMsgID,
		ChannelID:         msg.Channel,
	})
}

// SendMessage posts to the joined channel. IRC does not return the created
// message id, so the message is delivered but untracked (empty id).
func (a *TwitchAdapter) SendMessage(ctx context.Context, content string, attachments []Attachment, opts SendOptions) (string, error) {
	body := renderWithAttachments(content, attachments)
	if body == "" {
		return "", nil
	}
	if opts.ReplyToID != "" {
		a.client.Reply(a.channel, opts.ReplyToID, body)
	} else {
		a.client.Say(a.channel, body)
	}
	a.recordSent()
	return "", nil
}

// EditMessage always reports soft failure: Twitch chat has no edit.
func (a *TwitchAdapter) EditMessage(ctx context.Context, platformMessageID, newContent string) (bool, error) {
	return false, nil
}

// DeleteMessage reports soft failure: moderation deletes require the Helix
// API, which this relay does not hold credentials for.
func (a *TwitchAdapter) DeleteMessage(ctx context.Context, platformMessageID, channelID string) (bool, error) {
	return false, nil
}

func (a *TwitchAdapter) OnMessage(h MessageHandler) {
	a.handlerMu.Lock()
	a.onMessage = h
	a.handlerMu.Unlock()
}

func (a *TwitchAdapter) OnDelete(h DeleteHandler) {
	a.handlerMu.Lock()
	a.onDelete = h
	a.handlerMu.Unlock()
}

func (a *TwitchAdapter) Status() Status { return a.snapshot() }

// BotUserID returns the bot login name; Twitch inbound events carry the
// numeric user id, but the login is stable and matches msg.User.Name.
func (a *TwitchAdapter) BotUserID() string { return a.username }

var _ Adapter = (*TwitchAdapter)(nil)
