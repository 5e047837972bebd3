// Package store implements the durable message identity store: the mapping
// between one logical relayed message and the set of platform-native message
// ids it produced, plus the reverse index used to correlate edits and
// deletions back to their mapping. SQL backends (Postgres, SQLite) and an
// in-memory backend share one contract; the relay manager is the only
// writer.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/chat-relay/backend/platform"
)

var (
	// ErrDuplicateOrigin signals that an active (non-deleted) mapping already
	// exists for the same (originPlatform, originMessageId). Callers treat it
	// as "already relayed", not as a failure.
	ErrDuplicateOrigin = errors.New("store: active mapping already exists for origin message")

	// ErrPlatformMessageConflict signals an AddPlatformMessage call with a
	// different message id for an existing (mapping, platform) pair. That
	// means a dedup bug upstream; it fails loudly.
	ErrPlatformMessageConflict = errors.New("store: conflicting platform message id for mapping")
)

// Mapping is the durable cross-platform identity record for one logical
// message.
type Mapping struct {
	ID             string
	OriginPlatform platform.Platform
	OriginMsgID    string
	Content        string
	IsDeleted      bool
	CreatedAt      time.Time
}

// PlatformMessage is one platform-native delivery of a mapping (including
// the origin itself).
type PlatformMessage struct {
	MappingID string
	Platform  platform.Platform
	MessageID string
}

// Store is the identity store contract. Implementations serialize the
// create/resolve/markDeleted sequence per mapping key so concurrent
// duplicate events never produce two mappings for one origin message.
type Store interface {
	// CreateMapping records a new logical message first seen on the given
	// origin platform and returns the generated mapping id. Returns
	// ErrDuplicateOrigin when an active mapping already covers that origin
	// message.
	CreateMapping(ctx context.Context, origin platform.Platform, originMsgID, content string) (string, error)

	// AddPlatformMessage records the platform-native id a destination send
	// produced. Idempotent for identical arguments; returns
	// ErrPlatformMessageConflict for a differing id on the same
	// (mapping, platform) pair.
	AddPlatformMessage(ctx context.Context, mappingID string, p platform.Platform, messageID string) error

	// ResolveMapping returns the mapping id owning (platform, messageID), or
	// "" when the message is not relay-tracked. Untracked is a valid
	// outcome, not an error.
	ResolveMapping(ctx context.Context, p platform.Platform, messageID string) (string, error)

	// GetMapping returns the mapping record, or nil when it does not exist
	// (e.g. purged by retention).
	GetMapping(ctx context.Context, mappingID string) (*Mapping, error)

	// MarkDeleted flags the mapping as deleted. Idempotent; the flag never
	// reverts. Reports whether this call transitioned the flag (false means
	// the mapping was already deleted or is gone).
	MarkDeleted(ctx context.Context, mappingID string) (bool, error)

	// UpdateContent stores the latest content snapshot after an edit. A
	// missing mapping is a no-op.
	UpdateContent(ctx context.Context, mappingID, newContent string) error

	// PlatformMessages lists every platform-native delivery of a mapping,
	// origin included.
	PlatformMessages(ctx context.Context, mappingID string) ([]PlatformMessage, error)

	// CountMappings returns the number of mappings currently retained,
	// exposed on the status endpoint.
	CountMappings(ctx context.Context) (int64, error)

	// Purge removes mappings (and their platform rows) created before the
	// cutoff. Mappings younger than the cutoff are never touched, deleted or
	// not. Safe to run concurrently with normal traffic. Returns the number
	// of mappings removed.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases backend resources.
	Close() error
}
