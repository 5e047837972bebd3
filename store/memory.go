package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chat-relay/backend/platform"
)

// revKey is the composite reverse-index key: which mapping owns a
// platform-native message id.
type revKey struct {
	platform  platform.Platform
	messageID string
}

// MemoryStore is the in-memory Store used by tests and as an explicit
// ephemeral backend. One mutex guards both indices so the mapping set and
// the reverse index can never diverge.
type MemoryStore struct {
	mu       sync.Mutex
	mappings map[string]*Mapping
	children map[string][]PlatformMessage
	reverse  map[revKey]string
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		mappings: make(map[string]*Mapping),
		children: make(map[string][]PlatformMessage),
		reverse:  make(map[revKey]string),
	}
}

func (s *MemoryStore) CreateMapping(ctx context.Context, origin platform.Platform, originMsgID, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.OriginPlatform == origin && m.OriginMsgID == originMsgID && !m.IsDeleted {
			return "", ErrDuplicateOrigin
		}
	}
	// The reverse index may still own the origin key under a deleted mapping;
	// the mapping and its reverse-index entry are created together or not at
	// all, matching the SQL store's transactional create.
	if owner, ok := s.reverse[revKey{origin, originMsgID}]; ok {
		return "", fmt.Errorf("%w: (%s, %s) already owned by mapping %s",
			ErrPlatformMessageConflict, origin, originMsgID, owner)
	}
	id := uuid.New().String()
	s.mappings[id] = &Mapping{
		ID:             id,
		OriginPlatform: origin,
		OriginMsgID:    originMsgID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	s.addLocked(id, origin, originMsgID)
	return id, nil
}

// addLocked records a platform message row; caller holds the mutex and has
// verified no conflicting row exists.
func (s *MemoryStore) addLocked(mappingID string, p platform.Platform, messageID string) {
	s.children[mappingID] = append(s.children[mappingID], PlatformMessage{
		MappingID: mappingID,
		Platform:  p,
		MessageID: messageID,
	})
	s.reverse[revKey{p, messageID}] = mappingID
}

func (s *MemoryStore) AddPlatformMessage(ctx context.Context, mappingID string, p platform.Platform, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pm := range s.children[mappingID] {
		if pm.Platform == p {
			if pm.MessageID == messageID {
				return nil
			}
			return fmt.Errorf("%w: mapping %s platform %s has %s, got %s",
				ErrPlatformMessageConflict, mappingID, p, pm.MessageID, messageID)
		}
	}
	if owner, ok := s.reverse[revKey{p, messageID}]; ok && owner != mappingID {
		return fmt.Errorf("%w: (%s, %s) already owned by mapping %s",
			ErrPlatformMessageConflict, p, messageID, owner)
	}
	s.addLocked(mappingID, p, messageID)
	return nil
}

func (s *MemoryStore) ResolveMapping(ctx context.Context, p platform.Platform, messageID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reverse[revKey{p, messageID}], nil
}

func (s *MemoryStore) GetMapping(ctx context.Context, mappingID string) (*Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[mappingID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) MarkDeleted(ctx context.Context, mappingID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[mappingID]
	if !ok || m.IsDeleted {
		return false, nil
	}
	m.IsDeleted = true
	return true, nil
}

func (s *MemoryStore) UpdateContent(ctx context.Context, mappingID, newContent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mappings[mappingID]; ok {
		m.Content = newContent
	}
	return nil
}

func (s *MemoryStore) PlatformMessages(ctx context.Context, mappingID string) ([]PlatformMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlatformMessage, len(s.children[mappingID]))
	copy(out, s.children[mappingID])
	return out, nil
}

func (s *MemoryStore) CountMappings(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.mappings)), nil
}

func (s *MemoryStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, m := range s.mappings {
		if !m.CreatedAt.Before(cutoff) {
			continue
		}
		for _, pm := range s.children[id] {
			delete(s.reverse, revKey{pm.Platform, pm.MessageID})
		}
		delete(s.children, id)
		delete(s.mappings, id)
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
