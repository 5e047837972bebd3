package store

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// RetentionPolicy defines how long message mappings are kept before the
// housekeeping sweep removes them.
type RetentionPolicy struct {
	// KeepDays: mappings older than this many days are purged (0 = disabled).
	KeepDays int
	// DryRun: when true, log what would be purged but don't delete.
	DryRun bool
	// Interval: how often to run the sweep.
	Interval time.Duration
}

// LoadRetentionPolicy loads retention configuration from environment
// variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{
		KeepDays: 30,
		Interval: 6 * time.Hour,
	}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepDays = n
		}
	}
	if os.Getenv("RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// StartRetentionJob periodically purges mappings past the retention window.
// The rest of the system tolerates a purged mapping: events against it
// resolve to nothing and are dropped.
func StartRetentionJob(ctx context.Context, st Store) {
	policy := LoadRetentionPolicy()
	if policy.KeepDays == 0 {
		slog.Info("retention job disabled (RETENTION_KEEP_DAYS=0)")
		return
	}
	slog.Info("retention job starting",
		slog.Int("keep_days", policy.KeepDays),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", policy.Interval))

	runRetentionSweep(ctx, st, policy)

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention job stopped")
			return
		case <-ticker.C:
			runRetentionSweep(ctx, st, policy)
		}
	}
}

func runRetentionSweep(ctx context.Context, st Store, policy RetentionPolicy) {
	logger := slog.Default().With(
		slog.String("component", "retention_sweep"),
		slog.Bool("dry_run", policy.DryRun))
	cutoff := time.Now().Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)

	if policy.DryRun {
		total, err := st.CountMappings(ctx)
		if err != nil {
			logger.Warn("retention count failed", slog.Any("err", err))
			return
		}
		logger.Info("dry-run: skipping purge", slog.Time("cutoff", cutoff), slog.Int64("total_mappings", total))
		return
	}

	removed, err := st.Purge(ctx, cutoff)
	if err != nil {
		logger.Warn("retention purge failed", slog.Any("err", err))
		return
	}
	if removed > 0 {
		logger.Info("retention purge completed", slog.Int64("removed", removed), slog.Time("cutoff", cutoff))
	} else {
		logger.Debug("retention purge completed, nothing to remove", slog.Time("cutoff", cutoff))
	}
}
