package store

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/backend/platform"
)

func TestRetentionSweepPurgesAgedMappings(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	oldID, _ := s.CreateMapping(ctx, platform.Discord, "old", "a")
	s.mappings[oldID].CreatedAt = time.Now().Add(-31 * 24 * time.Hour)
	s.CreateMapping(ctx, platform.Discord, "new", "b")

	runRetentionSweep(ctx, s, RetentionPolicy{KeepDays: 30})

	if n, _ := s.CountMappings(ctx); n != 1 {
		t.Fatalf("mappings after sweep = %d, want 1", n)
	}
}

func TestRetentionSweepDryRunRemovesNothing(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	oldID, _ := s.CreateMapping(ctx, platform.Discord, "old", "a")
	s.mappings[oldID].CreatedAt = time.Now().Add(-31 * 24 * time.Hour)

	runRetentionSweep(ctx, s, RetentionPolicy{KeepDays: 30, DryRun: true})

	if n, _ := s.CountMappings(ctx); n != 1 {
		t.Fatalf("dry run removed mappings (count = %d)", n)
	}
}

func TestLoadRetentionPolicyEnv(t *testing.T) {
	t.Setenv("RETENTION_KEEP_DAYS", "7")
	t.Setenv("RETENTION_DRY_RUN", "1")
	t.Setenv("RETENTION_INTERVAL", "1h")

	p := LoadRetentionPolicy()
	if p.KeepDays != 7 || !p.DryRun || p.Interval != time.Hour {
		t.Fatalf("policy = %+v", p)
	}
}
