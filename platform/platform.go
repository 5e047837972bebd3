// Package platform defines the canonical message model and the adapter
// contract every chat platform implements, plus one concrete adapter per
// supported platform (Discord, Telegram, Twitch, Kick, YouTube).
//
// Adapters normalize native events into CanonicalMessage values, expose
// send/edit/delete primitives back to their platform, and own their own
// reconnect loop. All relay policy (echo detection, dedup, fan-out) lives in
// the relay package; adapters only capture the raw signals it needs.
package platform

import (
	"context"
	"strings"
	"time"
)

// Platform identifies one chat platform namespace. Message ids are unique
// only within a single platform's namespace, never globally.
type Platform string

const (
	Discord  Platform = "Discord"
	Telegram Platform = "Telegram"
	Twitch   Platform = "Twitch"
	Kick     Platform = "Kick"
	YouTube  Platform = "YouTube"
)

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	switch p {
	case Discord, Telegram, Twitch, Kick, YouTube:
		return true
	}
	return false
}

// Parse maps a case-insensitive platform name to its canonical value.
// External callers (webhook payloads, config files) commonly use lowercase.
func Parse(s string) (Platform, bool) {
	for _, p := range []Platform{Discord, Telegram, Twitch, Kick, YouTube} {
		if strings.EqualFold(s, string(p)) {
			return p, true
		}
	}
	return "", false
}

// Attachment is a media item carried with a message. URL is preferred; Data
// is only populated when the source platform hands us raw bytes.
type Attachment struct {
	Type     string // image, video, audio, file
	URL      string
	Data     []byte
	Filename string
}

// ReplyRef captures the message a canonical message replies to, as seen on
// the origin platform. The relay resolves it to native ids per destination
// when possible and degrades to a quoted snippet when not.
type ReplyRef struct {
	PlatformMessageID string
	Author            string
	Content           string
	OriginPlatform    Platform
}

// CanonicalMessage is the normalized representation an adapter produces for
// any inbound platform event.
type CanonicalMessage struct {
	Platform          Platform
	PlatformMessageID string
	Author            string
	AuthorID          string // native user id of the author, used for self-echo checks
	Content           string // may be empty when only attachments are present
	Timestamp         time.Time
	ChannelID         string // native channel/topic/thread id, optional
	Attachments       []Attachment
	ReplyTo           *ReplyRef
	IsEdit            bool
	OriginalMessageID string // set when IsEdit, the id of the message being edited
}

// DeleteEvent is the normalized deletion notification an adapter produces
// when its platform reports a message removal.
type DeleteEvent struct {
	Platform          Platform
	PlatformMessageID string
	ChannelID         string
}

// SendOptions carries destination-specific delivery hints for SendMessage.
type SendOptions struct {
	ChannelID string // native channel/topic id override; empty means platform default
	ReplyToID string // native id of the message to reply to on this platform, if resolvable
}

// Status is an observability snapshot of one adapter.
type Status struct {
	Platform         Platform  `json:"platform"`
	Connected        bool      `json:"connected"`
	LastError        string    `json:"last_error,omitempty"`
	LastErrorAt      time.Time `json:"last_error_at,omitzero"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesReceived int64     `json:"messages_received"`
}

// MessageHandler receives normalized inbound messages and edits.
type MessageHandler func(ctx context.Context, msg CanonicalMessage)

// DeleteHandler receives normalized deletion events.
type DeleteHandler func(ctx context.Context, ev DeleteEvent)

// Adapter is the uniform contract the relay manager depends on. One concrete
// implementation exists per platform; the manager never touches a
// platform-specific type.
//
// Error discipline: SendMessage returns an empty id with a nil error when the
// content could not be produced for this platform (soft failure, e.g. an
// attachment type the destination cannot render). EditMessage and
// DeleteMessage return false without an error for the expected unable-to
// cases (unknown id, edit window expired, missing permission) and reserve the
// error return for transport failures.
type Adapter interface {
	// Name returns the platform this adapter serves.
	Name() Platform

	// Connect establishes the platform session and starts the inbound event
	// stream. It returns once the initial connection attempt resolves; the
	// adapter keeps itself connected afterwards with exponential backoff
	// until ctx is canceled.
	Connect(ctx context.Context) error

	// SendMessage delivers content to this platform and returns the
	// platform-native id of the created message. An empty id with nil error
	// means the message could not be produced for this platform (soft fail);
	// some platforms deliver but never report an id, which is also returned
	// as an empty id.
	SendMessage(ctx context.Context, content string, attachments []Attachment, opts SendOptions) (string, error)

	// EditMessage replaces the content of a previously sent message.
	EditMessage(ctx context.Context, platformMessageID, newContent string) (bool, error)

	// DeleteMessage removes a previously sent message.
	DeleteMessage(ctx context.Context, platformMessageID, channelID string) (bool, error)

	// OnMessage registers the inbound message/edit callback. At most one
	// registration is active; re-registration replaces the previous handler.
	OnMessage(h MessageHandler)

	// OnDelete registers the inbound deletion callback, same replacement
	// semantics as OnMessage.
	OnDelete(h DeleteHandler)

	// Status returns a point-in-time observability snapshot.
	Status() Status
}
