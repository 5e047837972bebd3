package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// DiscordAdapter relays through a Discord bot account. discordgo maintains
// the gateway session and reconnects on its own; the adapter only mirrors
// connection state into its status snapshot.
type DiscordAdapter struct {
	connState

	session        *discordgo.Session
	defaultChannel string
	botUserID      string

	handlerMu sync.Mutex
	onMessage MessageHandler
	onDelete  DeleteHandler

	// channelOf remembers which channel a message id lives in so edits can be
	// issued later (the Discord API addresses messages by channel+id). Bounded
	// to recent traffic; an evicted id means the edit window has passed for us.
	channelMu sync.Mutex
	channelOf map[string]string
}

const discordChannelCacheMax = 2048

// NewDiscordAdapter builds an adapter for the given bot token and default
// relay channel.
func NewDiscordAdapter(token, defaultChannel string) (*DiscordAdapter, error) {
	if token == "" {
		return nil, fmt.Errorf("discord: bot token required")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	// Handlers only enqueue onto the relay's per-origin queue, so synchronous
	// dispatch is cheap and keeps gateway delivery order: with async dispatch a
	// create and its immediate delete race onto the queue and can invert.
	s.SyncEvents = true
	a := &DiscordAdapter{
		connState:      connState{platform: Discord},
		session:        s,
		defaultChannel: defaultChannel,
		channelOf:      make(map[string]string),
	}
	s.AddHandler(a.handleReady)
	s.AddHandler(a.handleConnect)
	s.AddHandler(a.handleDisconnect)
	s.AddHandler(a.handleMessageCreate)
	s.AddHandler(a.handleMessageUpdate)
	s.AddHandler(a.handleMessageDelete)
	return a, nil
}

func (a *DiscordAdapter) Name() Platform { return Discord }

// Connect opens the gateway session. discordgo owns reconnection after the
// first successful open; the initial open is retried here with backoff until
// it succeeds or ctx is canceled.
func (a *DiscordAdapter) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := a.session.Open(); err != nil {
			lastErr = err
			a.recordError(err)
			slog.Warn("discord connect failed, retrying", slog.Any("err", err), slog.Int("attempt", attempt), slog.String("component", "discord_adapter"))
			if !reconnectBackoff(ctx, attempt) {
				return fmt.Errorf("discord: connect: %w", lastErr)
			}
			continue
		}
		break
	}
	go func() {
		<-ctx.Done()
		if err := a.session.Close(); err != nil {
			slog.Warn("discord session close", slog.Any("err", err), slog.String("component", "discord_adapter"))
		}
		a.setConnected(false)
	}()
	return nil
}

func (a *DiscordAdapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	a.botUserID = r.User.ID
	a.setConnected(true)
	slog.Info("discord ready", slog.String("bot_user", r.User.Username), slog.String("component", "discord_adapter"))
}

func (a *DiscordAdapter) handleConnect(_ *discordgo.Session, _ *discordgo.Connect) {
	a.setConnected(true)
}

func (a *DiscordAdapter) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	a.setConnected(false)
	a.recordError(errors.New("gateway disconnected"))
}

func (a *DiscordAdapter) rememberChannel(messageID, channelID string) {
	a.channelMu.Lock()
	defer a.channelMu.Unlock()
	if len(a.channelOf) >= discordChannelCacheMax {
		// Drop an arbitrary half of the cache; precise LRU is not worth the
		// bookkeeping for an edit-window lookaside.
		n := 0
		for k := range a.channelOf {
			delete(a.channelOf, k)
			n++
			if n >= discordChannelCacheMax/2 {
				break
			}
		}
	}
	a.channelOf[messageID] = channelID
}

func (a *DiscordAdapter) lookupChannel(messageID string) string {
	a.channelMu.Lock()
	defer a.channelMu.Unlock()
	return a.channelOf[messageID]
}

func (a *DiscordAdapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	a.recordReceived()
	a.rememberChannel(m.ID, m.ChannelID)

	a.handlerMu.Lock()
	h := a.onMessage
	a.handlerMu.Unlock()
	if h == nil {
		return
	}
	h(context.Background(), a.canonical(m.Message, false, ""))
}

func (a *DiscordAdapter) handleMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	// Discord sends partial update events (e.g. embed unfurls) without
	// author/content; those are not user edits.
	if m.Author == nil || m.Content == "" {
		return
	}
	a.recordReceived()
	a.handlerMu.Lock()
	h := a.onMessage
	a.handlerMu.Unlock()
	if h == nil {
		return
	}
	h(context.Background(), a.canonical(m.Message, true, m.ID))
}

func (a *DiscordAdapter) handleMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	a.handlerMu.Lock()
	h := a.onDelete
	a.handlerMu.Unlock()
	if h == nil {
		return
	}
	h(context.Background(), DeleteEvent{
		Platform:          Discord,
		PlatformMessageID: m.ID,
		ChannelID:         m.ChannelID,
	})
}

func (a *DiscordAdapter) canonical(m *discordgo.Message, isEdit bool, originalID string) CanonicalMessage {
	cm := CanonicalMessage{
		Platform:          Discord,
		PlatformMessageID: m.ID,
		Author:            m.Author.Username,
		AuthorID:          m.Author.ID,
		Content:           m.Content,
		Timestamp:         m.Timestamp,
		ChannelID:         m.ChannelID,
		IsEdit:            isEdit,
		OriginalMessageID: originalID,
	}
	for _, att := range m.Attachments {
		cm.Attachments = append(cm.Attachments, Attachment{
			Type:     attachmentType(att.ContentType),
			URL:      att.URL,
			Filename: att.Filename,
		})
	}
	if ref := m.ReferencedMessage; ref != nil && ref.Author != nil {
		cm.ReplyTo = &ReplyRef{
			PlatformMessageID: ref.ID,
			Author:            ref.Author.Username,
			Content:           ref.Content,
			OriginPlatform:    Discord,
		}
	}
	return cm
}

func attachmentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

// SendMessage posts to the destination channel, rendering attachments as
// trailing URLs. Returns the created message id.
func (a *DiscordAdapter) SendMessage(ctx context.Context, content string, attachments []Attachment, opts SendOptions) (string, error) {
	channel := opts.ChannelID
	if channel == "" {
		channel = a.defaultChannel
	}
	if channel == "" {
		return "", nil // no destination channel configured: soft fail
	}
	body := renderWithAttachments(content, attachments)
	if body == "" {
		return "", nil
	}
	send := &discordgo.MessageSend{Content: body}
	if opts.ReplyToID != "" {
		send.Reference = &discordgo.MessageReference{MessageID: opts.ReplyToID, ChannelID: channel}
	}
	msg, err := a.session.ChannelMessageSendComplex(channel, send, discordgo.WithContext(ctx))
	if err != nil {
		a.recordError(err)
		return "", fmt.Errorf("discord: send: %w", err)
	}
	a.recordSent()
	a.rememberChannel(msg.ID, channel)
	return msg.ID, nil
}

// EditMessage edits a message previously seen or sent by this adapter.
// Returns false when the id is no longer in the channel cache or Discord
// rejects the edit for a non-transport reason.
func (a *DiscordAdapter) EditMessage(ctx context.Context, platformMessageID, newContent string) (bool, error) {
	channel := a.lookupChannel(platformMessageID)
	if channel == "" {
		channel = a.defaultChannel
	}
	if channel == "" {
		return false, nil
	}
	_, err := a.session.ChannelMessageEdit(channel, platformMessageID, newContent, discordgo.WithContext(ctx))
	if err != nil {
		if isDiscordClientError(err) {
			return false, nil
		}
		a.recordError(err)
		return false, fmt.Errorf("discord: edit: %w", err)
	}
	return true, nil
}

// DeleteMessage removes a message. Returns false for not-found/permission
// responses, error only on transport failure.
func (a *DiscordAdapter) DeleteMessage(ctx context.Context, platformMessageID, channelID string) (bool, error) {
	channel := channelID
	if channel == "" {
		channel = a.lookupChannel(platformMessageID)
	}
	if channel == "" {
		channel = a.defaultChannel
	}
	if channel == "" {
		return false, nil
	}
	if err := a.session.ChannelMessageDelete(channel, platformMessageID, discordgo.WithContext(ctx)); err != nil {
		if isDiscordClientError(err) {
			return false, nil
		}
		a.recordError(err)
		return false, fmt.Errorf("discord: delete: %w", err)
	}
	return true, nil
}

// isDiscordClientError reports whether err is a 4xx REST response (unknown
// message, missing permission, ...), the expected soft-fail class.
func isDiscordClientError(err error) bool {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		return rest.Response.StatusCode >= http.StatusBadRequest && rest.Response.StatusCode < http.StatusInternalServerError
	}
	return false
}

func (a *DiscordAdapter) OnMessage(h MessageHandler) {
	a.handlerMu.Lock()
	a.onMessage = h
	a.handlerMu.Unlock()
}

func (a *DiscordAdapter) OnDelete(h DeleteHandler) {
	a.handlerMu.Lock()
	a.onDelete = h
	a.handlerMu.Unlock()
}

func (a *DiscordAdapter) Status() Status { return a.snapshot() }

// BotUserID exposes the bot identity for the relay's self-echo check.
func (a *DiscordAdapter) BotUserID() string { return a.botUserID }

// renderWithAttachments appends attachment URLs below the text body. An
// attachment without a URL cannot be re-hosted here and is skipped; if the
// result is entirely empty the caller treats it as a soft failure.
func renderWithAttachments(content string, attachments []Attachment) string {
	var b strings.Builder
	b.WriteString(content)
	for _, att := range attachments {
		if att.URL == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(att.URL)
	}
	return strings.TrimSpace(b.String())
}

var _ Adapter = (*DiscordAdapter)(nil)
