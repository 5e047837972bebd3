package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramAdapter relays through a Telegram bot in a single group chat.
// Outbound sends go through the raw Bot API call so a forum topic
// (message_thread_id) can be addressed; the configured topic id is applied
// when the destination channel entry carries one.
type TelegramAdapter struct {
	connState

	bot     *tgbotapi.BotAPI
	chatID  int64
	topicID int // 0 means no topic, send to the group default

	handlerMu sync.Mutex
	onMessage MessageHandler
	onDelete  DeleteHandler
}

// NewTelegramAdapter builds an adapter for the given bot token and group
// chat id. topicID selects a forum topic for outbound sends; zero targets
// the general topic.
func NewTelegramAdapter(token string, chatID int64, topicID int) (*TelegramAdapter, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: bot token required")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram: group chat id required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	bot.Client = &http.Client{Timeout: 15 * time.Second}
	return &TelegramAdapter{
		connState: connState{platform: Telegram},
		bot:       bot,
		chatID:    chatID,
		topicID:   topicID,
	}, nil
}

func (a *TelegramAdapter) Name() Platform { return Telegram }

// Connect starts the long-poll update loop. The tgbotapi update channel
// retries polling internally; the adapter only mirrors state.
func (a *TelegramAdapter) Connect(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := a.bot.GetUpdatesChan(u)
	a.setConnected(true)
	slog.Info("telegram connected", slog.String("bot_user", a.bot.Self.UserName), slog.Int64("chat_id", a.chatID), slog.String("component", "telegram_adapter"))

	go func() {
		defer a.setConnected(false)
		for {
			select {
			case <-ctx.Done():
				a.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				a.handleUpdate(ctx, update)
			}
		}
	}()
	return nil
}

func (a *TelegramAdapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	var msg *tgbotapi.Message
	isEdit := false
	switch {
	case update.Message != nil:
		msg = update.Message
	case update.EditedMessage != nil:
		msg = update.EditedMessage
		isEdit = true
	default:
		return
	}
	if msg.Chat == nil || msg.Chat.ID != a.chatID || msg.From == nil {
		return
	}
	a.recordReceived()

	a.handlerMu.Lock()
	h := a.onMessage
	a.handlerMu.Unlock()
	if h == nil {
		return
	}
	h(ctx, a.canonical(msg, isEdit))
}

func (a *TelegramAdapter) canonical(msg *tgbotapi.Message, isEdit bool) CanonicalMessage {
	author := msg.From.UserName
	if author == "" {
		author = msg.From.FirstName
	}
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	id := strconv.Itoa(msg.MessageID)
	cm := CanonicalMessage{
		Platform:          Telegram,
		PlatformMessageID: id,
		Author:            author,
		AuthorID:          strconv.FormatInt(msg.From.ID, 10),
		Content:           content,
		Timestamp:         time.Unix(int64(msg.Date), 0).UTC(),
		ChannelID:         strconv.FormatInt(msg.Chat.ID, 10),
		IsEdit:            isEdit,
	}
	if isEdit {
		cm.OriginalMessageID = id
	}
	cm.Attachments = a.collectAttachments(msg)
	if r := msg.ReplyToMessage; r != nil && r.From != nil {
		rc := r.Text
		if rc == "" {
			rc = r.Caption
		}
		cm.ReplyTo = &ReplyRef{
			PlatformMessageID: strconv.Itoa(r.MessageID),
			Author:            r.From.UserName,
			Content:           rc,
			OriginPlatform:    Telegram,
		}
	}
	return cm
}

func (a *TelegramAdapter) collectAttachments(msg *tgbotapi.Message) []Attachment {
	var out []Attachment
	resolve := func(fileID, typ, name string) {
		url, err := a.bot.GetFileDirectURL(fileID)
		if err != nil {
			slog.Debug("telegram file url lookup failed", slog.Any("err", err), slog.String("component", "telegram_adapter"))
			return
		}
		out = append(out, Attachment{Type: typ, URL: url, Filename: name})
	}
	if n := len(msg.Photo); n > 0 {
		resolve(msg.Photo[n-1].FileID, "image", "photo.jpg")
	}
	if msg.Video != nil {
		resolve(msg.Video.FileID, "video", msg.Video.FileName)
	}
	if msg.Audio != nil {
		resolve(msg.Audio.FileID, "audio", msg.Audio.FileName)
	}
	if msg.Document != nil {
		resolve(msg.Document.FileID, "file", msg.Document.FileName)
	}
	return out
}

// SendMessage posts into the group (and topic, when configured) via the raw
// sendMessage call and returns the new message id.
func (a *TelegramAdapter) SendMessage(ctx context.Context, content string, attachments []Attachment, opts SendOptions) (string, error) {
	body := renderWithAttachments(content, attachments)
	if body == "" {
		return "", nil
	}
	params := tgbotapi.Params{}
	params.AddNonEmpty("chat_id", strconv.FormatInt(a.chatID, 10))
	params.AddNonEmpty("text", body)
	topic := a.topicID
	if opts.ChannelID != "" {
		if n, err := strconv.Atoi(opts.ChannelID); err == nil {
			topic = n
		}
	}
	params.AddNonZero("message_thread_id", topic)
	if opts.ReplyToID != "" {
		params.AddNonEmpty("reply_to_message_id", opts.ReplyToID)
		params.AddBool("allow_sending_without_reply", true)
	}
	resp, err := a.bot.MakeRequest("sendMessage", params)
	if err != nil {
		a.recordError(err)
		return "", fmt.Errorf("telegram: send: %w", err)
	}
	var sent struct {
		MessageID int `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Result, &sent); err != nil {
		return "", fmt.Errorf("telegram: decode send response: %w", err)
	}
	a.recordSent()
	return strconv.Itoa(sent.MessageID), nil
}

// EditMessage edits a bot-sent message. Telegram rejects edits of messages
// the bot does not own or that are too old; those come back as API errors
// and map to a soft false.
func (a *TelegramAdapter) EditMessage(ctx context.Context, platformMessageID, newContent string) (bool, error) {
	params := tgbotapi.Params{}
	params.AddNonEmpty("chat_id", strconv.FormatInt(a.chatID, 10))
	params.AddNonEmpty("message_id", platformMessageID)
	params.AddNonEmpty("text", newContent)
	if _, err := a.bot.MakeRequest("editMessageText", params); err != nil {
		if isTelegramClientError(err) {
			return false, nil
		}
		a.recordError(err)
		return false, fmt.Errorf("telegram: edit: %w", err)
	}
	return true, nil
}

// DeleteMessage removes a message from the group.
func (a *TelegramAdapter) DeleteMessage(ctx context.Context, platformMessageID, channelID string) (bool, error) {
	params := tgbotapi.Params{}
	params.AddNonEmpty("chat_id", strconv.FormatInt(a.chatID, 10))
	params.AddNonEmpty("message_id", platformMessageID)
	if _, err := a.bot.MakeRequest("deleteMessage", params); err != nil {
		if isTelegramClientError(err) {
			return false, nil
		}
		a.recordError(err)
		return false, fmt.Errorf("telegram: delete: %w", err)
	}
	return true, nil
}

// isTelegramClientError reports whether err is a Bot API rejection (message
// not found, can't be edited, not enough rights) rather than a transport
// failure.
func isTelegramClientError(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr)
}

func (a *TelegramAdapter) OnMessage(h MessageHandler) {
	a.handlerMu.Lock()
	a.onMessage = h
	a.handlerMu.Unlock()
}

// OnDelete registers the deletion callback. The Bot API does not deliver
// deletion events; they arrive out-of-band through the deletion-detector
// webhook, so the handler is only invoked when the relay injects synthetic
// events (kept for contract symmetry).
func (a *TelegramAdapter) OnDelete(h DeleteHandler) {
	a.handlerMu.Lock()
	a.onDelete = h
	a.handlerMu.Unlock()
}

func (a *TelegramAdapter) Status() Status { return a.snapshot() }

// BotUserID exposes the bot identity for the relay's self-echo check.
func (a *TelegramAdapter) BotUserID() string { return strconv.FormatInt(a.bot.Self.ID, 10) }

var _ Adapter = (*TelegramAdapter)(nil)
