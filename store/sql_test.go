package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/backend/platform"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "relay_test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateMappingResolvesOrigin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateMapping(ctx, platform.Discord, "d1", "alice: hi")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The origin delivery is immediately resolvable, before any
	// destination rows exist.
	got, err := s.ResolveMapping(ctx, platform.Discord, "d1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != id {
		t.Errorf("resolve = %q, want %q", got, id)
	}

	mp, err := s.GetMapping(ctx, id)
	if err != nil || mp == nil {
		t.Fatalf("get mapping: %v", err)
	}
	if mp.OriginPlatform != platform.Discord || mp.OriginMsgID != "d1" || mp.Content != "alice: hi" || mp.IsDeleted {
		t.Errorf("mapping = %+v", mp)
	}
}

func TestCreateMappingRejectsActiveDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateMapping(ctx, platform.Discord, "d1", "a"); err != nil {
		t.Fatal(err)
	}
	_, err := s.CreateMapping(ctx, platform.Discord, "d1", "a")
	if !errors.Is(err, ErrDuplicateOrigin) {
		t.Fatalf("duplicate create: err = %v, want ErrDuplicateOrigin", err)
	}

	// Same id on another platform is a different namespace.
	if _, err := s.CreateMapping(ctx, platform.Telegram, "d1", "a"); err != nil {
		t.Fatalf("cross-platform id rejected: %v", err)
	}
}

func TestDeletedMappingFreesOriginKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateMapping(ctx, platform.Discord, "d1", "a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkDeleted(ctx, id); err != nil {
		t.Fatal(err)
	}

	// The unique constraint only covers active mappings; the platform may
	// reuse ids after deletion. The new mapping needs its own id because
	// the reverse index still points at the old one.
	_, err = s.CreateMapping(ctx, platform.Discord, "d1-new", "b")
	if err != nil {
		t.Fatalf("create after delete: %v", err)
	}
}

// A create that loses to the reverse index must not leave an active mapping
// behind: a half-created mapping answers ErrDuplicateOrigin on every retry
// while ResolveMapping cannot find it, losing the message permanently.
func TestCreateMappingAtomicOnOriginKeyReuse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldID, err := s.CreateMapping(ctx, platform.Discord, "d1", "a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkDeleted(ctx, oldID); err != nil {
		t.Fatal(err)
	}

	// Same origin id again: the reverse index still owns (Discord, d1).
	_, err = s.CreateMapping(ctx, platform.Discord, "d1", "b")
	if !errors.Is(err, ErrPlatformMessageConflict) {
		t.Fatalf("reused origin key: err = %v, want ErrPlatformMessageConflict", err)
	}
	// The failed create rolled back entirely: the retry sees the same
	// conflict, never ErrDuplicateOrigin from an orphaned mapping row.
	_, err = s.CreateMapping(ctx, platform.Discord, "d1", "b")
	if errors.Is(err, ErrDuplicateOrigin) {
		t.Fatal("retry got ErrDuplicateOrigin: failed create left an active mapping behind")
	}
	if !errors.Is(err, ErrPlatformMessageConflict) {
		t.Fatalf("retry: err = %v, want ErrPlatformMessageConflict", err)
	}

	if n, err := s.CountMappings(ctx); err != nil || n != 1 {
		t.Fatalf("mappings = %d err=%v, want the original only", n, err)
	}
	if got, _ := s.ResolveMapping(ctx, platform.Discord, "d1"); got != oldID {
		t.Errorf("resolve = %q, want original mapping %q", got, oldID)
	}
}

func TestAddPlatformMessageIdempotentAndConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateMapping(ctx, platform.Discord, "d1", "a")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddPlatformMessage(ctx, id, platform.Telegram, "t1"); err != nil {
		t.Fatal(err)
	}
	// Identical repeat is a no-op.
	if err := s.AddPlatformMessage(ctx, id, platform.Telegram, "t1"); err != nil {
		t.Fatalf("idempotent repeat: %v", err)
	}
	// A different id for the same (mapping, platform) is a bug upstream.
	err = s.AddPlatformMessage(ctx, id, platform.Telegram, "t2")
	if !errors.Is(err, ErrPlatformMessageConflict) {
		t.Fatalf("conflicting id: err = %v, want ErrPlatformMessageConflict", err)
	}

	pms, err := s.PlatformMessages(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(pms) != 2 {
		t.Fatalf("platform messages = %d, want 2 (origin + telegram)", len(pms))
	}
}

func TestReverseIndexOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, _ := s.CreateMapping(ctx, platform.Discord, "d1", "a")
	id2, _ := s.CreateMapping(ctx, platform.Discord, "d2", "b")
	if err := s.AddPlatformMessage(ctx, id1, platform.Telegram, "t1"); err != nil {
		t.Fatal(err)
	}
	// The same telegram message cannot belong to a second mapping.
	err := s.AddPlatformMessage(ctx, id2, platform.Telegram, "t1")
	if !errors.Is(err, ErrPlatformMessageConflict) {
		t.Fatalf("cross-mapping claim: err = %v", err)
	}
}

func TestMarkDeletedTransitionsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.CreateMapping(ctx, platform.Discord, "d1", "a")

	transitioned, err := s.MarkDeleted(ctx, id)
	if err != nil || !transitioned {
		t.Fatalf("first mark: transitioned=%v err=%v", transitioned, err)
	}
	transitioned, err = s.MarkDeleted(ctx, id)
	if err != nil || transitioned {
		t.Fatalf("second mark: transitioned=%v err=%v, want false", transitioned, err)
	}
	transitioned, err = s.MarkDeleted(ctx, "no-such-mapping")
	if err != nil || transitioned {
		t.Fatalf("missing mapping: transitioned=%v err=%v, want false", transitioned, err)
	}
}

func TestUpdateContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.CreateMapping(ctx, platform.Discord, "d1", "old")
	if err := s.UpdateContent(ctx, id, "new"); err != nil {
		t.Fatal(err)
	}
	mp, _ := s.GetMapping(ctx, id)
	if mp.Content != "new" {
		t.Errorf("content = %q", mp.Content)
	}
	// Missing mapping is a no-op.
	if err := s.UpdateContent(ctx, "gone", "x"); err != nil {
		t.Fatalf("missing mapping update: %v", err)
	}
}

func TestResolveUntrackedReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ResolveMapping(context.Background(), platform.Kick, "never-seen")
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("resolve = %q, want empty", got)
	}
}

func TestPurgeRemovesOnlyOldMappings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldID, _ := s.CreateMapping(ctx, platform.Discord, "old", "a")
	if err := s.AddPlatformMessage(ctx, oldID, platform.Telegram, "t-old"); err != nil {
		t.Fatal(err)
	}
	newID, _ := s.CreateMapping(ctx, platform.Discord, "new", "b")

	// Backdate the first mapping past the cutoff.
	if _, err := s.DB().ExecContext(ctx,
		`UPDATE message_mappings SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-40*24*time.Hour), oldID); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Purge(ctx, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if mp, _ := s.GetMapping(ctx, oldID); mp != nil {
		t.Error("old mapping survived purge")
	}
	if got, _ := s.ResolveMapping(ctx, platform.Telegram, "t-old"); got != "" {
		t.Error("purged platform rows still resolvable")
	}
	if mp, _ := s.GetMapping(ctx, newID); mp == nil {
		t.Error("young mapping was purged")
	}

	n, err := s.CountMappings(ctx)
	if err != nil || n != 1 {
		t.Errorf("count = %d err=%v, want 1", n, err)
	}
}
