package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"netguard/internal/database"
	"netguard/internal/support"
)

const (
	auditRetentionLockKey  = "netguard:leader:audit_retention"
	defaultCleanupInterval = time.Hour
)

// StartAuditRetentionRoutine deletes audit rows older than retention on every interval.
// Only the elected leader runs the cleanup when redis is configured.
func StartAuditRetentionRoutine(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		log.Info("Audit retention disabled")
		return
	}
	if interval <= 0 {
		interval = defaultCleanupInterval
	}

	err := support.RunWithLeader(ctx, auditRetentionLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runAuditRetentionLoop(leaderCtx, retention, interval)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Audit retention routine stopped", "error", err)
	}
}

func runAuditRetentionLoop(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runAuditCleanup(ctx, retention, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			runAuditCleanup(ctx, retention, now)
		}
	}
}

func runAuditCleanup(ctx context.Context, retention time.Duration, now time.Time) int64 {
	start := time.Now()
	cutoff := now.Add(-retention).UTC()

	removed, err := database.DeleteAuditOlderThan(ctx, cutoff)
	if err != nil {
		log.Error("Failed to clean up audit rows", "error", err)
		return 0
	}
	if removed > 0 {
		log.Info("Audit cleanup completed", "rows_removed", removed, "cutoff", cutoff, "duration", time.Since(start))
	}
	return removed
}
