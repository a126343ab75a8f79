package audits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/audit-platform/audit-platform/internal/activity"
	"github.com/audit-platform/audit-platform/internal/storage"
	"github.com/audit-platform/audit-platform/internal/telemetry"
)

// ReconcileIndex walks completed records filed in the last lookbackMonths months
// (current month included) and appends any that are missing from their monthly index.
// It returns the number of entries added. Individual record failures are logged and the
// sweep continues; the first one is returned once the sweep is done.
func (s *Service) ReconcileIndex(ctx context.Context, lookbackMonths int) (int, error) {
	if lookbackMonths < 1 {
		lookbackMonths = 1
	}
	cutoff := monthsBack(s.now(), lookbackMonths-1)

	start := time.Now()
	keys, err := s.store.List(ctx, "")
	telemetry.ObserveStorage("list", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to list records: %w", err)
	}

	var firstErr error
	repaired := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}
		_, month, _, ok := ParseRecordKey(key)
		if !ok || month.Before(cutoff) {
			continue
		}

		var rec Audit
		found, err := storage.GetJSON(ctx, s.store, key, &rec)
		if err != nil {
			slog.Warn("reconcile: failed to read record", "path", key, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !found || rec.Status != StatusCompleted || rec.CompletedAt == nil {
			continue
		}

		appended, err := s.appendIndex(ctx, &rec)
		if err != nil {
			slog.Warn("reconcile: failed to update index", "path", key, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if appended {
			repaired++
			telemetry.IndexReconcileRepairsTotal.Inc()
			slog.Info("reconcile: restored missing index entry", "audit_id", rec.AuditID, "site_id", rec.SiteID)
			s.record(ctx, &activity.LogEntry{
				Action:       activity.ActionIndexRepaired,
				SiteID:       rec.SiteID,
				ResourceType: "audit",
				ResourceID:   rec.AuditID,
			})
		}
	}
	return repaired, firstErr
}
